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

	"github.com/Whykay012/referral-payouts/internal/payerr"
	"github.com/Whykay012/referral-payouts/model"
)

// CompletePayout settles a payout the provider reported as transferred:
// the source account is debited and the payout marked paid in one
// transaction, then the completed audit row is appended. Calling it again
// for a paid payout changes nothing.
func (p *Payouts) CompletePayout(ctx context.Context, payoutID, providerTxID string) (*model.PayoutTransaction, error) {
	ctx, span := tracer.Start(ctx, "CompletePayout")
	defer span.End()

	if providerTxID == "" {
		return nil, payerr.Permanentf(payerr.CodeInvalidInput, "provider transaction id is required")
	}
	payout, err := p.datasource.GetPayoutByID(ctx, payoutID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := p.completePayout(ctx, payout, providerTxID); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return p.datasource.GetPayoutByID(ctx, payoutID)
}

func (p *Payouts) completePayout(ctx context.Context, payout *model.PayoutTransaction, providerTxID string) error {
	logger := logrus.WithFields(logrus.Fields{"payout_id": payout.PayoutID, "provider_tx_id": providerTxID})

	event, err := model.NewOutboxEvent(model.EventPayoutCompleted, payout.PayoutID,
		model.NewPayoutEvent(payout, model.StatusPaid, providerTxID, ""))
	if err != nil {
		return payerr.Permanent(payerr.CodeInvalidInput, "failed to encode payout event", err)
	}

	alreadyCompleted, err := p.datasource.CompletePayout(ctx, payout.PayoutID, providerTxID, payout.Amount, payout.SourceAccountID, event)
	if err != nil {
		logger.WithError(err).Warn("payout completion failed")
		return err
	}
	if alreadyCompleted {
		logger.Info("payout already completed, no debit applied")
		if payout.ProviderReference != "" {
			providerTxID = payout.ProviderReference
		}
	}

	// The audit row is written after commit. If this insert fails the job
	// is retried, and both the replay of a paid payout and the relay of the
	// payout.completed event append the missing row.
	entry := model.LedgerFromPayout(payout, model.LedgerCompleted, providerTxID, "")
	if _, err := p.datasource.InsertPayoutLedger(ctx, &entry); err != nil {
		logger.WithError(err).Error("failed to append completed payout ledger")
		return err
	}

	if !alreadyCompleted {
		p.metrics.PayoutOutcome(payout.Provider, "paid")
		logger.Info("payout completed")
	}
	return nil
}
