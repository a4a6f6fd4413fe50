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

type FinalStatus string

const (
	FinalSuccess  FinalStatus = "SUCCESS"
	FinalFailed   FinalStatus = "FAILED"
	FinalReversed FinalStatus = "REVERSED"
)

// ProviderConfirmation is the outcome a provider reports asynchronously for
// a payout it previously accepted as pending.
type ProviderConfirmation struct {
	PayoutID     string      `json:"payout_id"`
	ProviderTxID string      `json:"provider_tx_id"`
	FinalStatus  FinalStatus `json:"final_status"`
	Reason       string      `json:"reason,omitempty"`
}

func (c ProviderConfirmation) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.PayoutID, validation.Required),
		validation.Field(&c.ProviderTxID, validation.When(c.FinalStatus != FinalFailed, validation.Required)),
		validation.Field(&c.FinalStatus, validation.Required, validation.In(FinalSuccess, FinalFailed, FinalReversed)),
	)
}

// ConfirmPayout applies a provider's final answer. Confirmations are
// delivered at least once, so a confirmation matching the payout's current
// terminal state is accepted and ignored.
func (p *Payouts) ConfirmPayout(ctx context.Context, c ProviderConfirmation) (*model.PayoutTransaction, error) {
	ctx, span := tracer.Start(ctx, "ConfirmPayout")
	defer span.End()

	c.FinalStatus = FinalStatus(strings.ToUpper(string(c.FinalStatus)))
	if err := c.Validate(); err != nil {
		return nil, payerr.Permanent(payerr.CodeInvalidInput, "invalid provider confirmation", err)
	}
	logger := logrus.WithFields(logrus.Fields{
		"payout_id":      c.PayoutID,
		"provider_tx_id": c.ProviderTxID,
		"final_status":   c.FinalStatus,
	})

	payout, err := p.datasource.GetPayoutByID(ctx, c.PayoutID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	switch c.FinalStatus {
	case FinalSuccess:
		err = p.confirmSuccess(ctx, payout, c)
	case FinalFailed:
		err = p.confirmFailure(ctx, payout, c)
	case FinalReversed:
		err = p.confirmReversal(ctx, payout, c)
	}
	if err != nil {
		span.RecordError(err)
		logger.WithError(err).Warn("provider confirmation not applied")
		return nil, err
	}

	logger.Info("provider confirmation applied")
	return p.datasource.GetPayoutByID(ctx, c.PayoutID)
}

func (p *Payouts) confirmSuccess(ctx context.Context, payout *model.PayoutTransaction, c ProviderConfirmation) error {
	switch {
	case payout.Status == model.StatusPaid:
		return p.ensurePayoutLedger(ctx, payout)
	case payout.Status.IsTerminal():
		err := payerr.Permanentf(payerr.CodeIllegalTransition, "provider confirmed success for %s payout %s", payout.Status, payout.PayoutID)
		p.notifier.NotifyError(err, logrus.Fields{"payout_id": payout.PayoutID, "provider_tx_id": c.ProviderTxID})
		return err
	}

	err := p.completePayout(ctx, payout, c.ProviderTxID)
	if err != nil && payerr.IsPermanent(err) {
		// Money left the provider but the debit was refused. The payout is
		// failed and an operator has to reconcile it by hand.
		p.notifier.NotifyError(err, logrus.Fields{"payout_id": payout.PayoutID, "provider_tx_id": c.ProviderTxID})
		if failErr := p.failPayout(ctx, payout, err); failErr != nil {
			return failErr
		}
	}
	return err
}

func (p *Payouts) confirmFailure(ctx context.Context, payout *model.PayoutTransaction, c ProviderConfirmation) error {
	if payout.Status == model.StatusFailed {
		return p.ensurePayoutLedger(ctx, payout)
	}
	if payout.Status.IsTerminal() {
		return payerr.Permanentf(payerr.CodeIllegalTransition, "provider reported failure for %s payout %s", payout.Status, payout.PayoutID)
	}
	reason := c.Reason
	if reason == "" {
		reason = "provider reported the transfer as failed"
	}
	return p.failPayout(ctx, payout, payerr.Permanentf(payerr.CodeProviderRejected, "%s", reason))
}

func (p *Payouts) confirmReversal(ctx context.Context, payout *model.PayoutTransaction, c ProviderConfirmation) error {
	if payout.Status == model.StatusRefunded {
		return p.ensurePayoutLedger(ctx, payout)
	}

	event, err := model.NewOutboxEvent(model.EventPayoutRefunded, payout.PayoutID,
		model.NewPayoutEvent(payout, model.StatusRefunded, c.ProviderTxID, c.Reason))
	if err != nil {
		return payerr.Permanent(payerr.CodeInvalidInput, "failed to encode payout event", err)
	}
	updated, applied, err := p.datasource.TransitionPayout(ctx, payout.PayoutID, database.Transition{
		To:                model.StatusRefunded,
		Reason:            "provider reversed the transfer",
		ProviderReference: c.ProviderTxID,
		Event:             event,
	})
	if err != nil {
		return err
	}
	if !applied {
		return p.ensurePayoutLedger(ctx, updated)
	}

	entry := model.LedgerFromPayout(updated, model.LedgerReversed, c.ProviderTxID, "")
	if _, err := p.datasource.InsertPayoutLedger(ctx, &entry); err != nil {
		return err
	}
	p.metrics.PayoutOutcome(payout.Provider, "refunded")
	return nil
}
