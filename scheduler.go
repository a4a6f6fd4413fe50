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

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Whykay012/referral-payouts/internal/payerr"
	"github.com/Whykay012/referral-payouts/model"
)

// ScheduleRequest asks for one payout settling one credited commission.
// LockDays overrides the configured lock period when set.
type ScheduleRequest struct {
	CommissionRef string          `json:"commission_ref"`
	RecipientID   string          `json:"recipient_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	LockDays      *int            `json:"lock_days,omitempty"`
	Urgent        bool            `json:"urgent,omitempty"`
	OrderID       string          `json:"order_id,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// ScheduleRequestFromEntry builds the schedule request for a credited entry.
func ScheduleRequestFromEntry(entry *model.CommissionLedgerEntry, urgent bool) ScheduleRequest {
	return ScheduleRequest{
		CommissionRef: entry.OrderRef,
		RecipientID:   entry.ReferrerID,
		Amount:        entry.CommissionAmount,
		Currency:      entry.Currency,
		Urgent:        urgent,
		OrderID:       entry.OrderRef,
	}
}

func (r ScheduleRequest) validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.CommissionRef, validation.Required),
		validation.Field(&r.RecipientID, validation.Required),
		validation.Field(&r.Amount, validation.By(func(value interface{}) error {
			if !value.(decimal.Decimal).IsPositive() {
				return errors.New("must be greater than zero")
			}
			return nil
		})),
		validation.Field(&r.Currency, validation.Required, is.UpperCase, validation.Length(3, 3)),
		validation.Field(&r.LockDays, validation.When(r.LockDays != nil, validation.Min(0))),
	)
}

// SchedulePayout creates the payout for a commission and enqueues its
// delayed job. The job id is derived from the commission, so repeated calls
// return the payout created by the first one. A failed enqueue still leaves
// the scheduled payout in storage, where reconciliation picks it up.
func (p *Payouts) SchedulePayout(ctx context.Context, req ScheduleRequest) (*model.PayoutTransaction, error) {
	ctx, span := tracer.Start(ctx, "SchedulePayout")
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, payerr.Permanent(payerr.CodeInvalidInput, "invalid schedule request", err)
	}
	jobID := model.PayoutJobID(req.CommissionRef)
	logger := logrus.WithFields(logrus.Fields{"job_id": jobID, "recipient_id": req.RecipientID})

	existing, err := p.datasource.GetPayoutByJobID(ctx, jobID)
	if err == nil {
		logger.WithField("payout_id", existing.PayoutID).Info("payout already scheduled")
		return existing, p.ensureEnqueued(ctx, existing)
	}
	if payerr.CodeOf(err) != payerr.CodeNotFound {
		span.RecordError(err)
		return nil, err
	}

	payout, err := p.newPayout(ctx, req, jobID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	created, err := p.datasource.CreatePayoutTransaction(ctx, payout)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !created {
		// A concurrent scheduler inserted the same job first.
		existing, err := p.datasource.GetPayoutByJobID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return existing, nil
	}
	logger = logger.WithField("payout_id", payout.PayoutID)

	if err := p.datasource.LinkCommissionPayout(ctx, req.CommissionRef, payout.PayoutID); err != nil && payerr.CodeOf(err) != payerr.CodeNotFound {
		logger.WithError(err).Warn("failed to link commission to payout")
	}

	if err := p.enqueue(ctx, payout); err != nil {
		span.RecordError(err)
		logger.WithError(err).Warn("payout stored but not enqueued")
		return payout, err
	}

	logger.WithFields(logrus.Fields{
		"scheduled_for": payout.ScheduledFor,
		"urgent":        payout.Urgent,
	}).Info("payout scheduled")
	return payout, nil
}

func (p *Payouts) newPayout(ctx context.Context, req ScheduleRequest, jobID string) (*model.PayoutTransaction, error) {
	referrer, err := p.datasource.GetReferrer(ctx, req.RecipientID)
	if err != nil {
		return nil, err
	}
	if !referrer.HasPayoutAccount() {
		return nil, payerr.Permanentf(payerr.CodeConfigMismatch, "referrer %s has no payout account", req.RecipientID)
	}
	sourceAccountID, ok := p.cnf.SourceAccountFor(req.Currency)
	if !ok {
		return nil, payerr.Permanentf(payerr.CodeConfigMismatch, "no source account funds %s payouts", req.Currency)
	}

	threshold := p.cnf.UrgentThreshold()
	urgent := req.Urgent || (threshold.IsPositive() && req.Amount.GreaterThanOrEqual(threshold))

	// Urgent payouts skip the default lock period. An explicit lock period
	// from the caller still applies.
	lockPeriod := p.cnf.LockPeriod()
	if urgent {
		lockPeriod = 0
	}
	if req.LockDays != nil {
		lockPeriod = time.Duration(*req.LockDays) * 24 * time.Hour
	}
	reason := req.Reason
	if reason == "" {
		reason = p.cnf.Payout.DefaultReason
	}

	now := time.Now().UTC()
	return &model.PayoutTransaction{
		PayoutID:        model.GenerateUUIDWithSuffix("pay"),
		JobID:           jobID,
		RecipientID:     req.RecipientID,
		SourceAccountID: sourceAccountID,
		CommissionRef:   req.CommissionRef,
		OrderID:         req.OrderID,
		Amount:          model.RoundMoney(req.Amount),
		Currency:        req.Currency,
		Status:          model.StatusScheduled,
		Provider:        referrer.PayoutProvider,
		ProviderAccount: *referrer.PayoutAccount,
		Reason:          reason,
		Urgent:          urgent,
		ScheduledFor:    now.Add(lockPeriod),
		History:         []model.StatusChange{model.NewStatusChange("", model.StatusScheduled, "payout scheduled")},
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (p *Payouts) enqueue(ctx context.Context, payout *model.PayoutTransaction) error {
	job := payout.Job()
	if delay := time.Until(payout.ScheduledFor); delay > 0 {
		job.DelayMs = delay.Milliseconds()
	}
	return p.queue.EnqueuePayout(ctx, job, payout.ScheduledFor, payout.Urgent)
}

// ensureEnqueued re-submits a still scheduled payout. The queue drops it
// when the job already exists.
func (p *Payouts) ensureEnqueued(ctx context.Context, payout *model.PayoutTransaction) error {
	if payout.Status != model.StatusScheduled {
		return nil
	}
	return p.enqueue(ctx, payout)
}
