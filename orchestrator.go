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

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Whykay012/referral-payouts/database"
	"github.com/Whykay012/referral-payouts/internal/payerr"
	"github.com/Whykay012/referral-payouts/model"
	"github.com/Whykay012/referral-payouts/providers"
)

// ProcessPayout drives one delivery of a payout job towards a terminal
// state. It returns nil when the job is finished, a permanent error when it
// failed for good (the payout is already marked failed) and a transient
// error when the queue should retry it.
//
// Replays are safe: the processing mark is idempotent, the provider sees the
// same payout id on every attempt and completion never debits twice.
func (p *Payouts) ProcessPayout(ctx context.Context, job model.PayoutJob, attempt int) error {
	ctx, span := tracer.Start(ctx, "ProcessPayout")
	defer span.End()
	span.SetAttributes(attribute.String("payout.id", job.PayoutID), attribute.Int("payout.attempt", attempt))

	if err := job.Validate(); err != nil {
		return payerr.Permanent(payerr.CodeInvalidInput, "malformed payout job", err)
	}
	logger := logrus.WithFields(logrus.Fields{
		"payout_id": job.PayoutID,
		"provider":  job.Provider,
		"attempt":   attempt,
	})

	payout, err := p.datasource.MarkPayoutProcessing(ctx, job)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if payout.Status != model.StatusProcessing {
		logger.WithField("status", payout.Status).Info("payout is not processable, skipping")
		return p.ensurePayoutLedger(ctx, payout)
	}

	result, err := p.transfers.ExecuteTransfer(ctx, providers.TransferRequest{
		IdempotencyKey: payout.PayoutID,
		Provider:       payout.Provider,
		Amount:         payout.Amount,
		Currency:       payout.Currency,
		Destination:    payout.ProviderAccount,
		Reason:         payout.Reason,
	})
	if err != nil {
		span.RecordError(err)
		if payerr.IsPermanent(err) {
			logger.WithError(err).Warn("provider rejected payout")
			if failErr := p.failPayout(ctx, payout, err); failErr != nil {
				return failErr
			}
			return err
		}

		p.metrics.PayoutOutcome(payout.Provider, "retry")
		if recErr := p.datasource.RecordPayoutAttemptError(ctx, payout.PayoutID, payerr.Reason(err)); recErr != nil {
			logger.WithError(recErr).Warn("failed to record payout attempt error")
		}
		logger.WithError(err).Info("transient payout failure, will retry")
		return err
	}

	switch result.Status {
	case providers.StatusSuccess:
		if err := p.completePayout(ctx, payout, result.ProviderTxID); err != nil {
			span.RecordError(err)
			if payerr.IsPermanent(err) {
				p.notifier.NotifyError(err, logrus.Fields{"payout_id": payout.PayoutID, "provider_tx_id": result.ProviderTxID})
				if failErr := p.failPayout(ctx, payout, err); failErr != nil {
					return failErr
				}
			}
			return err
		}
		return nil

	case providers.StatusPending:
		_, _, err := p.datasource.TransitionPayout(ctx, payout.PayoutID, database.Transition{
			To:                model.StatusPendingProvider,
			Reason:            "awaiting provider confirmation",
			ProviderReference: result.ProviderTxID,
		})
		if err != nil {
			span.RecordError(err)
			return err
		}
		p.metrics.PayoutOutcome(payout.Provider, "pending")
		logger.WithField("provider_tx_id", result.ProviderTxID).Info("payout pending provider confirmation")
		return nil

	default:
		return payerr.Transientf(payerr.CodeUnknown, "provider returned unknown status %q", result.Status)
	}
}

// failPayout marks a payout failed and appends its failed audit row. An
// append error is returned so the caller retries; the retry finds the payout
// failed and appends the row then.
func (p *Payouts) failPayout(ctx context.Context, payout *model.PayoutTransaction, cause error) error {
	reason := payerr.Reason(cause)
	event, err := model.NewOutboxEvent(model.EventPayoutFailed, payout.PayoutID,
		model.NewPayoutEvent(payout, model.StatusFailed, payout.ProviderReference, reason))
	if err != nil {
		return payerr.Permanent(payerr.CodeInvalidInput, "failed to encode payout event", err)
	}

	updated, applied, err := p.datasource.TransitionPayout(ctx, payout.PayoutID, database.Transition{
		To:            model.StatusFailed,
		Reason:        "permanent failure",
		FailureReason: reason,
		Event:         event,
	})
	if err != nil {
		return err
	}
	if !applied {
		return p.ensurePayoutLedger(ctx, updated)
	}

	entry := model.LedgerFromPayout(updated, model.LedgerFailed, "", reason)
	if _, err := p.datasource.InsertPayoutLedger(ctx, &entry); err != nil {
		logrus.WithError(err).WithField("payout_id", payout.PayoutID).Error("failed to append failed payout ledger")
		return err
	}
	p.metrics.PayoutOutcome(payout.Provider, "failed")
	return nil
}
