/*
Copyright 2024 Referral Payouts Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package breaker

import "sync"

// window is a fixed size ring buffer of call outcomes.
type window struct {
	mu       sync.Mutex
	outcomes []bool // true = failure
	next     int
	size     int
	failures int
}

func newWindow(capacity int) *window {
	return &window{outcomes: make([]bool, capacity)}
}

func (w *window) record(failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size == len(w.outcomes) {
		if w.outcomes[w.next] {
			w.failures--
		}
	} else {
		w.size++
	}
	w.outcomes[w.next] = failed
	if failed {
		w.failures++
	}
	w.next = (w.next + 1) % len(w.outcomes)
}

func (w *window) snapshot() (samples, failures int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size, w.failures
}

func (w *window) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.outcomes {
		w.outcomes[i] = false
	}
	w.next, w.size, w.failures = 0, 0, 0
}
