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

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/Whykay012/referral-payouts/model"
)

func (d Datasource) CommissionExists(ctx context.Context, orderRef string) (bool, error) {
	var exists bool
	err := d.Conn.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM payouts.commission_ledger_entries WHERE order_ref = $1)
	`, orderRef).Scan(&exists)
	if err != nil {
		return false, storageErr("failed to check commission", err)
	}
	return exists, nil
}

// CreditCommission increments the referrer's running total, appends the
// ledger entry and records event in one transaction. A duplicate order_ref
// aborts the whole transaction with ErrCommissionExists.
func (d Datasource) CreditCommission(ctx context.Context, entry *model.CommissionLedgerEntry, event *model.OutboxEvent) error {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin commission transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payouts.referrers (referrer_id, total_commission, currency, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (referrer_id) DO UPDATE
		SET total_commission = payouts.referrers.total_commission + EXCLUDED.total_commission,
		    updated_at = NOW()
	`, entry.ReferrerID, entry.CommissionAmount, entry.Currency)
	if err != nil {
		return storageErr("failed to credit referrer", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payouts.commission_ledger_entries
			(entry_id, referrer_id, referred_user_id, order_ref, commission_rate, commission_amount, order_total, currency, credited_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.EntryID, entry.ReferrerID, entry.ReferredUserID, entry.OrderRef, entry.CommissionRate,
		entry.CommissionAmount, entry.OrderTotal, entry.Currency, entry.CreditedAt)
	if err != nil {
		if isUniqueViolation(err, "commission_ledger_entries_order_ref_key") {
			return ErrCommissionExists
		}
		return storageErr("failed to insert commission entry", err)
	}

	if event != nil {
		if err := insertOutboxEvent(ctx, tx, event); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit commission", err)
	}
	return nil
}

func (d Datasource) GetCommissionByOrderRef(ctx context.Context, orderRef string) (*model.CommissionLedgerEntry, error) {
	entry := &model.CommissionLedgerEntry{}
	var payoutID sql.NullString
	err := d.Conn.QueryRowContext(ctx, `
		SELECT entry_id, referrer_id, referred_user_id, order_ref, commission_rate, commission_amount,
		       order_total, currency, payout_id, credited_at
		FROM payouts.commission_ledger_entries
		WHERE order_ref = $1
	`, orderRef).Scan(&entry.EntryID, &entry.ReferrerID, &entry.ReferredUserID, &entry.OrderRef, &entry.CommissionRate,
		&entry.CommissionAmount, &entry.OrderTotal, &entry.Currency, &payoutID, &entry.CreditedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("commission for order", orderRef)
		}
		return nil, storageErr("failed to get commission", err)
	}
	if payoutID.Valid {
		entry.PayoutID = &payoutID.String
	}
	return entry, nil
}

func (d Datasource) LinkCommissionPayout(ctx context.Context, orderRef, payoutID string) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE payouts.commission_ledger_entries
		SET payout_id = $2
		WHERE order_ref = $1 AND payout_id IS NULL
	`, orderRef, payoutID)
	if err != nil {
		return storageErr("failed to link commission payout", err)
	}
	return nil
}

func (d Datasource) GetReferrer(ctx context.Context, referrerID string) (*model.Referrer, error) {
	r := &model.Referrer{}
	var provider sql.NullString
	var account []byte
	err := d.Conn.QueryRowContext(ctx, `
		SELECT referrer_id, total_commission, currency, payout_provider, payout_account, created_at, updated_at
		FROM payouts.referrers
		WHERE referrer_id = $1
	`, referrerID).Scan(&r.ReferrerID, &r.TotalCommission, &r.Currency, &provider, &account, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("referrer", referrerID)
		}
		return nil, storageErr("failed to get referrer", err)
	}
	r.PayoutProvider = provider.String
	if len(account) > 0 && string(account) != "null" {
		r.PayoutAccount = &model.Destination{}
		if err := json.Unmarshal(account, r.PayoutAccount); err != nil {
			return nil, storageErr("failed to decode payout account", err)
		}
	}
	return r, nil
}

// UpsertReferrerPayoutAccount stores the provider and destination a referrer
// is paid to, creating the referrer if needed.
func (d Datasource) UpsertReferrerPayoutAccount(ctx context.Context, referrer *model.Referrer) error {
	account, err := json.Marshal(referrer.PayoutAccount)
	if err != nil {
		return storageErr("failed to encode payout account", err)
	}
	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO payouts.referrers (referrer_id, total_commission, currency, payout_provider, payout_account, created_at, updated_at)
		VALUES ($1, 0, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (referrer_id) DO UPDATE
		SET currency = EXCLUDED.currency,
		    payout_provider = EXCLUDED.payout_provider,
		    payout_account = EXCLUDED.payout_account,
		    updated_at = NOW()
	`, referrer.ReferrerID, referrer.Currency, referrer.PayoutProvider, account)
	if err != nil {
		return storageErr("failed to save payout account", err)
	}
	return nil
}
