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

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/Whykay012/referral-payouts/internal/payerr"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// ErrUnavailable is the cause attached to every fast-failed call.
var ErrUnavailable = errors.New("circuit breaker is open")

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Settings configures a Breaker. Zero values are replaced by the defaults
// below in New.
type Settings struct {
	Name                     string
	WindowSize               int
	MinRequests              int
	ErrorThreshold           float64
	ResetTimeout             time.Duration
	HalfOpenSuccessThreshold int
	CallTimeout              time.Duration

	// OnStateChange is invoked after every transition.
	OnStateChange func(name string, from, to State)
}

const (
	defaultWindowSize        = 20
	defaultMinRequests       = 10
	defaultErrorThreshold    = 0.5
	defaultResetTimeout      = 30 * time.Second
	defaultHalfOpenSuccesses = 1
	defaultCallTimeout       = 10 * time.Second
)

// Action is the protected call. It must honour ctx cancellation.
type Action func(ctx context.Context) (interface{}, error)

// Breaker guards calls to one external destination. It keeps a sliding
// window of the last WindowSize outcomes and trips once MinRequests samples
// are present and the failure ratio reaches ErrorThreshold.
type Breaker struct {
	name         string
	cb           *gobreaker.CircuitBreaker
	window       *window
	minRequests  int
	threshold    float64
	callTimeout  time.Duration
	resetTimeout time.Duration
	onChange     func(name string, from, to State)
}

func New(st Settings) *Breaker {
	applyDefaults(&st)

	b := &Breaker{
		name:        st.Name,
		window:      newWindow(st.WindowSize),
		minRequests: st.MinRequests,
		threshold:   st.ErrorThreshold,
		callTimeout: st.CallTimeout,
		onChange:    st.OnStateChange,
	}
	b.resetTimeout = jitter(st.ResetTimeout)

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:          st.Name,
		MaxRequests:   uint32(st.HalfOpenSuccessThreshold),
		Timeout:       b.resetTimeout,
		ReadyToTrip:   b.readyToTrip,
		OnStateChange: b.stateChanged,
		IsSuccessful:  b.isSuccessful,
	})
	return b
}

func applyDefaults(st *Settings) {
	if st.WindowSize <= 0 {
		st.WindowSize = defaultWindowSize
	}
	if st.MinRequests <= 0 {
		st.MinRequests = defaultMinRequests
	}
	if st.MinRequests > st.WindowSize {
		st.MinRequests = st.WindowSize
	}
	if st.ErrorThreshold <= 0 || st.ErrorThreshold > 1 {
		st.ErrorThreshold = defaultErrorThreshold
	}
	if st.ResetTimeout <= 0 {
		st.ResetTimeout = defaultResetTimeout
	}
	if st.HalfOpenSuccessThreshold <= 0 {
		st.HalfOpenSuccessThreshold = defaultHalfOpenSuccesses
	}
	if st.CallTimeout <= 0 {
		st.CallTimeout = defaultCallTimeout
	}
}

// jitter spreads d by +/-10% so instances started together do not probe a
// recovering provider at the same moment.
func jitter(d time.Duration) time.Duration {
	factor := 0.9 + rand.Float64()*0.2
	return time.Duration(float64(d) * factor)
}

func (b *Breaker) Name() string {
	return b.name
}

// ResetTimeout is the jittered open period used by this instance.
func (b *Breaker) ResetTimeout() time.Duration {
	return b.resetTimeout
}

func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Execute runs action unless the circuit is open. Fast-failed calls never
// reach action and return a transient BREAKER_OPEN error. A call that
// outlives CallTimeout is abandoned and recorded as a failure.
func (b *Breaker) Execute(ctx context.Context, action Action) (interface{}, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.call(ctx, action)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, payerr.Transient(payerr.CodeBreakerOpen, fmt.Sprintf("%s is unavailable", b.name), ErrUnavailable)
	}
	return result, err
}

type outcome struct {
	value interface{}
	err   error
}

func (b *Breaker) call(ctx context.Context, action Action) (interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		v, err := action(callCtx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-callCtx.Done():
		return nil, payerr.Transient(payerr.CodeNetwork, fmt.Sprintf("%s call timed out after %s", b.name, b.callTimeout), callCtx.Err())
	}
}

// isSuccessful records the outcome in the window. Permanent errors describe
// the request, not the provider's health, so they count as successes.
func (b *Breaker) isSuccessful(err error) bool {
	failed := err != nil && !payerr.IsPermanent(err)
	b.window.record(failed)
	return !failed
}

func (b *Breaker) readyToTrip(_ gobreaker.Counts) bool {
	samples, failures := b.window.snapshot()
	if samples < b.minRequests {
		return false
	}
	return float64(failures)/float64(samples) >= b.threshold
}

func (b *Breaker) stateChanged(name string, from, to gobreaker.State) {
	if to == gobreaker.StateClosed {
		b.window.reset()
	}
	logrus.WithFields(logrus.Fields{
		"breaker": name,
		"from":    fromGobreaker(from),
		"to":      fromGobreaker(to),
	}).Warn("circuit breaker state changed")
	if b.onChange != nil {
		b.onChange(name, fromGobreaker(from), fromGobreaker(to))
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
