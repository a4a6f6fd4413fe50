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

	"github.com/shopspring/decimal"

	"github.com/Whykay012/referral-payouts/internal/payerr"
	"github.com/Whykay012/referral-payouts/model"
)

// CompletePayout debits amount from the source account and marks the payout
// paid in one transaction. It returns true without debiting when the payout
// is already paid. The debit is refused with a permanent INSUFFICIENT_FUNDS
// error if it would leave the balance negative; every other failure inside
// the transaction is transient.
func (d Datasource) CompletePayout(ctx context.Context, payoutID, providerTxID string, amount decimal.Decimal, sourceAccountID string, event *model.OutboxEvent) (bool, error) {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return false, storageErr("failed to begin completion", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var status, currency string
	var payoutAmount decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT status, amount, currency FROM payouts.payout_transactions WHERE payout_id = $1 FOR UPDATE
	`, payoutID).Scan(&status, &payoutAmount, &currency)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, notFound("payout", payoutID)
		}
		return false, storageErr("failed to lock payout", err)
	}

	current := model.PayoutStatus(status)
	if current == model.StatusPaid {
		return true, nil
	}
	if !model.CanTransition(current, model.StatusPaid) {
		return false, payerr.Permanentf(payerr.CodeIllegalTransition, "payout %s is %s and cannot be completed", payoutID, current)
	}
	if !payoutAmount.Equal(amount) {
		return false, payerr.Permanentf(payerr.CodeConfigMismatch, "payout %s amount %s does not match %s", payoutID, payoutAmount, amount)
	}

	var balance decimal.Decimal
	var accountCurrency string
	err = tx.QueryRowContext(ctx, `
		SELECT balance, currency FROM payouts.source_accounts WHERE account_id = $1 FOR UPDATE
	`, sourceAccountID).Scan(&balance, &accountCurrency)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, payerr.Permanentf(payerr.CodeConfigMismatch, "source account %s does not exist", sourceAccountID)
		}
		return false, storageErr("failed to lock source account", err)
	}
	if accountCurrency != currency {
		return false, payerr.Permanentf(payerr.CodeConfigMismatch, "source account %s holds %s, payout is %s", sourceAccountID, accountCurrency, currency)
	}
	if balance.Sub(amount).IsNegative() {
		return false, payerr.Permanentf(payerr.CodeInsufficientFunds, "source account %s balance %s cannot cover %s", sourceAccountID, balance, amount)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE payouts.source_accounts SET balance = balance - $2, updated_at = NOW() WHERE account_id = $1
	`, sourceAccountID, amount)
	if err != nil {
		if isCheckViolation(err, "source_accounts_balance_non_negative") {
			return false, payerr.Permanent(payerr.CodeInsufficientFunds, "source account balance would go negative", err)
		}
		return false, storageErr("failed to debit source account", err)
	}

	entry, err := historyEntry(model.NewStatusChange(current, model.StatusPaid, "provider confirmed transfer"))
	if err != nil {
		return false, storageErr("failed to encode history", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE payouts.payout_transactions
		SET status = 'paid', paid_at = NOW(), provider_reference = $2, history = history || $3::jsonb, updated_at = NOW()
		WHERE payout_id = $1
	`, payoutID, providerTxID, entry)
	if err != nil {
		return false, storageErr("failed to mark payout paid", err)
	}

	if event != nil {
		if err := insertOutboxEvent(ctx, tx, event); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, storageErr("failed to commit completion", err)
	}
	return false, nil
}

// InsertPayoutLedger appends the audit row for a payout. A second write for
// the same payout is ignored and reported as false.
func (d Datasource) InsertPayoutLedger(ctx context.Context, entry *model.PayoutLedger) (bool, error) {
	if err := entry.Validate(); err != nil {
		return false, payerr.Permanent(payerr.CodeInvalidInput, "invalid payout ledger entry", err)
	}
	account, err := json.Marshal(entry.RecipientAccount)
	if err != nil {
		return false, storageErr("failed to encode recipient account", err)
	}
	metaData, err := json.Marshal(entry.MetaData)
	if err != nil {
		return false, storageErr("failed to encode metadata", err)
	}

	res, err := d.Conn.ExecContext(ctx, `
		INSERT INTO payouts.payout_ledger
			(payout_id, user_id, amount, currency, status, provider, provider_transaction_id, failure_reason,
			 recipient_account, meta_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11)
		ON CONFLICT (payout_id) DO NOTHING
	`, entry.PayoutID, entry.UserID, entry.Amount, entry.Currency, string(entry.Status), entry.Provider,
		entry.ProviderTransactionID, entry.FailureReason, account, metaData, entry.CreatedAt)
	if err != nil {
		return false, storageErr("failed to insert payout ledger", err)
	}
	n, err := rowsAffected(res, "insert payout ledger")
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (d Datasource) GetPayoutLedger(ctx context.Context, payoutID string) (*model.PayoutLedger, error) {
	entry := &model.PayoutLedger{}
	var status string
	var providerTx, failure sql.NullString
	var account, metaData []byte
	err := d.Conn.QueryRowContext(ctx, `
		SELECT payout_id, user_id, amount, currency, status, provider, provider_transaction_id, failure_reason,
		       recipient_account, meta_data, created_at
		FROM payouts.payout_ledger
		WHERE payout_id = $1
	`, payoutID).Scan(&entry.PayoutID, &entry.UserID, &entry.Amount, &entry.Currency, &status, &entry.Provider,
		&providerTx, &failure, &account, &metaData, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("payout ledger", payoutID)
		}
		return nil, storageErr("failed to get payout ledger", err)
	}
	entry.Status = model.LedgerStatus(status)
	entry.ProviderTransactionID = providerTx.String
	entry.FailureReason = failure.String
	if len(account) > 0 {
		if err := json.Unmarshal(account, &entry.RecipientAccount); err != nil {
			return nil, storageErr("failed to decode recipient account", err)
		}
	}
	if len(metaData) > 0 {
		if err := json.Unmarshal(metaData, &entry.MetaData); err != nil {
			return nil, storageErr("failed to decode metadata", err)
		}
	}
	return entry, nil
}

func (d Datasource) GetSourceAccount(ctx context.Context, accountID string) (*model.SourceAccount, error) {
	acc := &model.SourceAccount{}
	err := d.Conn.QueryRowContext(ctx, `
		SELECT account_id, currency, balance, updated_at FROM payouts.source_accounts WHERE account_id = $1
	`, accountID).Scan(&acc.AccountID, &acc.Currency, &acc.Balance, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("source account", accountID)
		}
		return nil, storageErr("failed to get source account", err)
	}
	return acc, nil
}
