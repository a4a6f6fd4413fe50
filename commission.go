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
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Whykay012/referral-payouts/database"
	"github.com/Whykay012/referral-payouts/internal/lock"
	"github.com/Whykay012/referral-payouts/internal/payerr"
	"github.com/Whykay012/referral-payouts/model"
)

type CommissionStatus string

const (
	CommissionCredited         CommissionStatus = "credited"
	CommissionAlreadyProcessed CommissionStatus = "already_processed"
)

// CommissionResult reports what CreditCommission did. Payout is set when
// scheduling succeeded in the same call.
type CommissionResult struct {
	Status CommissionStatus              `json:"status"`
	Entry  *model.CommissionLedgerEntry `json:"entry,omitempty"`
	Payout *model.PayoutTransaction     `json:"payout,omitempty"`
}

func alreadyProcessed() *CommissionResult {
	return &CommissionResult{Status: CommissionAlreadyProcessed}
}

// CreditCommission accrues the commission earned by one completed order and
// schedules its payout. An order is credited at most once; repeats and
// concurrent losers get CommissionAlreadyProcessed instead of an error.
func (p *Payouts) CreditCommission(ctx context.Context, req model.CommissionRequest) (*CommissionResult, error) {
	ctx, span := tracer.Start(ctx, "CreditCommission")
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, payerr.Permanent(payerr.CodeInvalidInput, "invalid commission request", err)
	}
	currency := req.Currency
	if currency == "" {
		currency = p.cnf.Commission.DefaultCurrency
	}

	logger := logrus.WithFields(logrus.Fields{"order_ref": req.OrderRef, "referrer_id": req.ReferrerID})

	exists, err := p.datasource.CommissionExists(ctx, req.OrderRef)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if exists {
		p.metrics.Commission("duplicate")
		logger.Info("commission already credited")
		return alreadyProcessed(), nil
	}

	entry, credited, err := p.creditLocked(ctx, req, currency)
	if err != nil {
		span.RecordError(err)
		p.metrics.Commission("error")
		return nil, err
	}
	if !credited {
		p.metrics.Commission("duplicate")
		logger.Info("commission credited by a concurrent request")
		return alreadyProcessed(), nil
	}
	p.metrics.Commission("credited")
	logger.WithField("amount", entry.CommissionAmount.String()).Info("commission credited")

	result := &CommissionResult{Status: CommissionCredited, Entry: entry}
	payout, err := p.SchedulePayout(ctx, ScheduleRequestFromEntry(entry, req.Urgent))
	if err != nil {
		// The outbox event recorded with the credit retries scheduling.
		logger.WithError(err).Warn("payout scheduling deferred to outbox relay")
		return result, nil
	}
	result.Payout = payout
	return result, nil
}

// creditLocked runs the credit transaction while holding the order lock.
func (p *Payouts) creditLocked(ctx context.Context, req model.CommissionRequest, currency string) (*model.CommissionLedgerEntry, bool, error) {
	locker := lock.ForCommission(p.redis, req.OrderRef)
	ttl := time.Duration(p.cnf.Commission.LockTTLSeconds) * time.Second
	if err := locker.Lock(ctx, ttl); err != nil {
		if errors.Is(err, lock.ErrLockHeld) {
			return nil, false, nil
		}
		return nil, false, payerr.Transient(payerr.CodeStorage, "failed to acquire commission lock", err)
	}
	defer func() {
		if err := locker.Unlock(context.Background()); err != nil {
			logrus.WithError(err).WithField("order_ref", req.OrderRef).Warn("failed to release commission lock")
		}
	}()

	// The first check ran without the lock.
	exists, err := p.datasource.CommissionExists(ctx, req.OrderRef)
	if err != nil {
		return nil, false, err
	}
	if exists {
		return nil, false, nil
	}

	entry := req.ToEntry(currency)
	event, err := model.NewOutboxEvent(model.EventScheduleRequested, req.OrderRef, model.ScheduleRequested{
		OrderRef:   entry.OrderRef,
		ReferrerID: entry.ReferrerID,
		EntryID:    entry.EntryID,
		Amount:     entry.CommissionAmount.String(),
		Currency:   entry.Currency,
		Urgent:     req.Urgent,
	})
	if err != nil {
		return nil, false, payerr.Permanent(payerr.CodeInvalidInput, "failed to encode schedule event", err)
	}

	if err := p.datasource.CreditCommission(ctx, &entry, event); err != nil {
		if errors.Is(err, database.ErrCommissionExists) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &entry, true, nil
}

// SubmitCommission validates an order completion and hands it to the
// commission queue. The queue task id is derived from the order reference so
// redelivered events collapse into one task.
func (p *Payouts) SubmitCommission(ctx context.Context, req model.CommissionRequest) error {
	if err := req.Validate(); err != nil {
		return payerr.Permanent(payerr.CodeInvalidInput, "invalid commission request", err)
	}
	return p.queue.EnqueueCommission(ctx, req)
}
