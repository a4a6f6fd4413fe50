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
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"

	"github.com/Whykay012/referral-payouts/database"
	"github.com/Whykay012/referral-payouts/internal/payerr"
	"github.com/Whykay012/referral-payouts/model"
)

// PayoutView is the operator facing state of one payout.
type PayoutView struct {
	Payout *model.PayoutTransaction `json:"payout"`
	Job    *JobInfo                 `json:"job,omitempty"`
	Ledger *model.PayoutLedger      `json:"ledger,omitempty"`
}

// GetPayoutStatus returns a payout together with its queue job and audit
// row when they exist.
func (p *Payouts) GetPayoutStatus(ctx context.Context, payoutID string) (*PayoutView, error) {
	ctx, span := tracer.Start(ctx, "GetPayoutStatus")
	defer span.End()

	payout, err := p.datasource.GetPayoutByID(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	view := &PayoutView{Payout: payout}

	if !payout.Status.IsTerminal() {
		if job, err := p.queue.GetPayoutJob(ctx, payout); err == nil {
			view.Job = job
		}
	}

	entry, err := p.datasource.GetPayoutLedger(ctx, payoutID)
	switch {
	case err == nil:
		view.Ledger = entry
	case payerr.CodeOf(err) != payerr.CodeNotFound:
		return nil, err
	}
	return view, nil
}

// CancelPayout stops a payout that has not started processing and removes
// its delayed job.
func (p *Payouts) CancelPayout(ctx context.Context, payoutID, reason string) (*model.PayoutTransaction, error) {
	ctx, span := tracer.Start(ctx, "CancelPayout")
	defer span.End()

	if reason == "" {
		reason = "cancelled by operator"
	}
	updated, applied, err := p.datasource.TransitionPayout(ctx, payoutID, database.Transition{
		To:     model.StatusCancelled,
		Reason: reason,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !applied {
		return updated, nil
	}

	if err := p.queue.DeletePayoutJob(ctx, updated); err != nil {
		// The orchestrator skips cancelled payouts if the job still runs.
		logrus.WithError(err).WithField("payout_id", payoutID).Warn("failed to delete cancelled payout job")
	}
	p.metrics.PayoutOutcome(updated.Provider, "cancelled")
	logrus.WithField("payout_id", payoutID).Info("payout cancelled")
	return updated, nil
}

// PayoutAccountRequest sets where a referrer's payouts are sent.
type PayoutAccountRequest struct {
	Provider    string            `json:"provider"`
	Currency    string            `json:"currency"`
	Destination model.Destination `json:"destination"`
}

func (r PayoutAccountRequest) validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Provider, validation.Required),
		validation.Field(&r.Currency, validation.Required, validation.Length(3, 3)),
	)
}

// UpdateReferrerPayoutAccount stores a referrer's payout destination after
// the provider has checked its shape.
func (p *Payouts) UpdateReferrerPayoutAccount(ctx context.Context, referrerID string, req PayoutAccountRequest) (*model.Referrer, error) {
	ctx, span := tracer.Start(ctx, "UpdateReferrerPayoutAccount")
	defer span.End()

	req.Provider = strings.ToLower(req.Provider)
	req.Currency = strings.ToUpper(req.Currency)
	if referrerID == "" {
		return nil, payerr.Permanentf(payerr.CodeInvalidInput, "referrer id is required")
	}
	if err := req.validate(); err != nil {
		return nil, payerr.Permanent(payerr.CodeInvalidInput, "invalid payout account", err)
	}
	if err := p.transfers.ValidateAccount(req.Provider, req.Destination); err != nil {
		return nil, err
	}

	destination := req.Destination
	referrer := &model.Referrer{
		ReferrerID:     referrerID,
		Currency:       req.Currency,
		PayoutProvider: req.Provider,
		PayoutAccount:  &destination,
	}
	if err := p.datasource.UpsertReferrerPayoutAccount(ctx, referrer); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return p.datasource.GetReferrer(ctx, referrerID)
}
