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

package payouts

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Whykay012/referral-payouts/model"
)

const minStuckThreshold = 2 * time.Minute

var recoverableStatuses = []model.PayoutStatus{model.StatusScheduled, model.StatusProcessing}

// Reconciler re-enqueues payouts that lost their queue job, either because
// the enqueue after scheduling failed or because a worker died mid-flight.
type Reconciler struct {
	payouts        *Payouts
	batchSize      int
	maxWorkers     int
	pollInterval   time.Duration
	stuckThreshold time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	running        bool
	mu             sync.Mutex
}

func NewReconciler(p *Payouts) *Reconciler {
	return &Reconciler{
		payouts:        p,
		batchSize:      500,
		maxWorkers:     max(p.cnf.Queue.PayoutWorkers, 1),
		pollInterval:   time.Duration(p.cnf.Payout.ReconcileIntervalSec) * time.Second,
		stuckThreshold: time.Duration(p.cnf.Payout.StuckThresholdMinutes) * time.Minute,
		stopCh:         make(chan struct{}),
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()

	logrus.Info("Payout reconciler started")
}

func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	logrus.Info("Payout reconciler stopped")
}

func (r *Reconciler) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.recoverWithThreshold(ctx, r.stuckThreshold)
		}
	}
}

// RecoverPayouts runs one reconciliation pass immediately and reports how
// many payouts were re-enqueued.
func (p *Payouts) RecoverPayouts(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold < minStuckThreshold {
		threshold = minStuckThreshold
	}
	return NewReconciler(p).recoverWithThreshold(ctx, threshold)
}

func (r *Reconciler) recoverWithThreshold(ctx context.Context, threshold time.Duration) (int, error) {
	stuck, err := r.payouts.datasource.GetStuckPayouts(ctx, recoverableStatuses, time.Now().Add(-threshold), r.batchSize)
	if err != nil {
		logrus.Errorf("failed to get stuck payouts: %v", err)
		return 0, err
	}
	if len(stuck) == 0 {
		return 0, nil
	}
	logrus.Infof("Checking %d stuck payouts (threshold=%v)", len(stuck), threshold)

	var recovered int
	var mu sync.Mutex
	sem := make(chan struct{}, r.maxWorkers)
	var batchWg sync.WaitGroup
	for i := range stuck {
		sem <- struct{}{}
		batchWg.Add(1)
		go func(payout *model.PayoutTransaction) {
			defer batchWg.Done()
			defer func() { <-sem }()
			ok, err := r.recoverPayout(ctx, payout)
			if err != nil {
				logrus.Errorf("failed to recover payout %s: %v", payout.PayoutID, err)
				return
			}
			if ok {
				mu.Lock()
				recovered++
				mu.Unlock()
			}
		}(&stuck[i])
	}
	batchWg.Wait()
	return recovered, nil
}

// recoverPayout re-enqueues payout when the queue has no live job for it.
// Replaying a processing payout is safe: the provider dedups on the payout
// id and completion never debits twice.
func (r *Reconciler) recoverPayout(ctx context.Context, payout *model.PayoutTransaction) (bool, error) {
	job, err := r.payouts.queue.GetPayoutJob(ctx, payout)
	if err == nil && job != nil {
		if isLiveJob(job.State) {
			return false, nil
		}
		// A retained or archived task still owns the job id.
		if err := r.payouts.queue.DeletePayoutJob(ctx, payout); err != nil {
			return false, err
		}
	}

	if err := r.payouts.queue.EnqueuePayout(ctx, payout.Job(), time.Now(), payout.Urgent); err != nil {
		return false, err
	}
	r.payouts.metrics.PayoutOutcome(payout.Provider, "recovered")
	logrus.WithFields(logrus.Fields{"payout_id": payout.PayoutID, "status": payout.Status}).Info("payout re-enqueued")
	return true, nil
}

func isLiveJob(state string) bool {
	switch state {
	case "pending", "active", "scheduled", "retry", "aggregating":
		return true
	}
	return false
}
