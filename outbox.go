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
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Whykay012/referral-payouts/internal/payerr"
	"github.com/Whykay012/referral-payouts/model"
)

// OutboxRelay delivers outbox events recorded by committed transactions.
// Schedule requests are executed locally; lifecycle events are published.
// Delivery is at least once, so every handler is idempotent.
type OutboxRelay struct {
	payouts      *Payouts
	batchSize    int
	maxWorkers   int
	maxAttempts  int
	lease        time.Duration
	pollInterval time.Duration
	stopCh       chan struct{}
	wake         chan struct{}
	wg           sync.WaitGroup
	running      bool
	mu           sync.Mutex
}

func NewOutboxRelay(p *Payouts) *OutboxRelay {
	cfg := p.cnf.Outbox
	return &OutboxRelay{
		payouts:      p,
		batchSize:    max(cfg.BatchSize, 1),
		maxWorkers:   max(cfg.Workers, 1),
		maxAttempts:  cfg.MaxAttempts,
		lease:        time.Duration(cfg.LeaseSec) * time.Second,
		pollInterval: time.Duration(cfg.PollIntervalSec) * time.Second,
		stopCh:       make(chan struct{}),
		wake:         make(chan struct{}, 1),
	}
}

func (r *OutboxRelay) Start(ctx context.Context) {
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

	logrus.Info("Outbox relay started")
}

func (r *OutboxRelay) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	logrus.Info("Outbox relay stopped")
}

func (r *OutboxRelay) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Wake asks a running relay to poll now instead of at the next tick.
// Concurrent calls collapse into one extra poll.
func (r *OutboxRelay) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *OutboxRelay) run(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.drain(ctx)
		case <-r.wake:
			r.drain(ctx)
		}
	}
}

// drain relays full batches until the backlog is below one batch.
func (r *OutboxRelay) drain(ctx context.Context) {
	for r.RelayBatch(ctx) >= r.batchSize {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		default:
		}
	}
}

// RelayBatch claims and delivers one batch of due events, returning how
// many were claimed.
func (r *OutboxRelay) RelayBatch(ctx context.Context) int {
	events, err := r.payouts.datasource.ClaimOutboxEvents(ctx, r.batchSize, r.lease)
	if err != nil {
		logrus.Errorf("failed to claim outbox events: %v", err)
		return 0
	}
	if len(events) == 0 {
		return 0
	}

	sem := make(chan struct{}, r.maxWorkers)
	var batchWg sync.WaitGroup
	for i := range events {
		sem <- struct{}{}
		batchWg.Add(1)
		go func(e model.OutboxEvent) {
			defer batchWg.Done()
			defer func() { <-sem }()
			r.deliver(ctx, e)
		}(events[i])
	}
	batchWg.Wait()
	return len(events)
}

func (r *OutboxRelay) deliver(ctx context.Context, event model.OutboxEvent) {
	logger := logrus.WithFields(logrus.Fields{
		"event_id":   event.EventID,
		"event_type": event.EventType,
		"attempts":   event.Attempts,
	})

	err := r.handle(ctx, event)
	if err == nil {
		if err := r.payouts.datasource.MarkOutboxEventProcessed(ctx, event.EventID); err != nil {
			logger.WithError(err).Error("failed to mark outbox event processed")
			return
		}
		r.payouts.metrics.OutboxEvent(event.EventType, "processed")
		return
	}

	reason := payerr.Reason(err)
	if payerr.IsPermanent(err) || event.Attempts+1 >= r.maxAttempts {
		logger.WithError(err).Error("giving up on outbox event")
		if markErr := r.payouts.datasource.MarkOutboxEventFailed(ctx, event.EventID, reason); markErr != nil {
			logger.WithError(markErr).Error("failed to mark outbox event failed")
		}
		r.payouts.metrics.OutboxEvent(event.EventType, "failed")
		r.payouts.notifier.NotifyError(err, logrus.Fields{"event_id": event.EventID, "event_type": event.EventType, "aggregate_id": event.AggregateID})
		return
	}

	next := time.Now().Add(exponentialDelay(event.Attempts, time.Second, 10*time.Minute))
	logger.WithError(err).WithField("next_attempt_at", next).Warn("outbox event delivery failed, will retry")
	if markErr := r.payouts.datasource.MarkOutboxEventRetry(ctx, event.EventID, reason, next); markErr != nil {
		logger.WithError(markErr).Error("failed to reschedule outbox event")
	}
	r.payouts.metrics.OutboxEvent(event.EventType, "retry")
}

func (r *OutboxRelay) handle(ctx context.Context, event model.OutboxEvent) error {
	switch event.EventType {
	case model.EventScheduleRequested:
		req, err := decodeScheduleRequested(event.Payload)
		if err != nil {
			return err
		}
		_, err = r.payouts.SchedulePayout(ctx, req)
		return err

	case model.EventPayoutCompleted, model.EventPayoutFailed, model.EventPayoutRefunded:
		// The event commits with the transition, so delivering it also
		// repairs an audit row whose write was lost after that commit.
		payout, err := r.payouts.datasource.GetPayoutByID(ctx, event.AggregateID)
		if err != nil {
			return err
		}
		if err := r.payouts.ensurePayoutLedger(ctx, payout); err != nil {
			return err
		}
		if r.payouts.publisher == nil {
			return nil
		}
		return r.payouts.publisher.Publish(ctx, event.EventType, event.AggregateID, event.Payload)

	default:
		return payerr.Permanentf(payerr.CodeInvalidInput, "unknown outbox event type %q", event.EventType)
	}
}

func decodeScheduleRequested(payload []byte) (ScheduleRequest, error) {
	var msg model.ScheduleRequested
	if err := json.Unmarshal(payload, &msg); err != nil {
		return ScheduleRequest{}, payerr.Permanent(payerr.CodeInvalidInput, "malformed schedule request", err)
	}
	amount, err := decimal.NewFromString(msg.Amount)
	if err != nil {
		return ScheduleRequest{}, payerr.Permanent(payerr.CodeInvalidInput, "malformed schedule amount", err)
	}
	if msg.OrderRef == "" {
		return ScheduleRequest{}, payerr.Permanent(payerr.CodeInvalidInput, "malformed schedule request", errors.New("order_ref is required"))
	}
	return ScheduleRequest{
		CommissionRef: msg.OrderRef,
		RecipientID:   msg.ReferrerID,
		Amount:        amount,
		Currency:      msg.Currency,
		Urgent:        msg.Urgent,
		OrderID:       msg.OrderRef,
	}, nil
}
