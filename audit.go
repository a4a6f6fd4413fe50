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

	"github.com/Whykay012/referral-payouts/model"
)

// ledgerEntryFor builds the audit row a terminal payout must have. Cancelled
// payouts never moved money and in-flight ones are not settled yet, so
// neither has a row.
func ledgerEntryFor(payout *model.PayoutTransaction) (model.PayoutLedger, bool) {
	switch payout.Status {
	case model.StatusPaid:
		return model.LedgerFromPayout(payout, model.LedgerCompleted, payout.ProviderReference, ""), true
	case model.StatusRefunded:
		return model.LedgerFromPayout(payout, model.LedgerReversed, payout.ProviderReference, ""), true
	case model.StatusFailed:
		reason := payout.FailureReason
		if reason == "" {
			reason = "payout failed"
		}
		return model.LedgerFromPayout(payout, model.LedgerFailed, "", reason), true
	}
	return model.PayoutLedger{}, false
}

// ensurePayoutLedger appends the audit row of a terminal payout when the
// write that should have followed its transition was lost. The insert
// ignores an existing row, so calling it for a settled payout is harmless.
func (p *Payouts) ensurePayoutLedger(ctx context.Context, payout *model.PayoutTransaction) error {
	entry, ok := ledgerEntryFor(payout)
	if !ok {
		return nil
	}
	inserted, err := p.datasource.InsertPayoutLedger(ctx, &entry)
	if err != nil {
		logrus.WithError(err).WithField("payout_id", payout.PayoutID).Error("failed to append payout ledger")
		return err
	}
	if inserted {
		logrus.WithFields(logrus.Fields{"payout_id": payout.PayoutID, "status": payout.Status}).
			Warn("payout ledger row was missing and has been appended")
	}
	return nil
}
