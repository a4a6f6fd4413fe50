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
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/Whykay012/referral-payouts/internal/payerr"
	"github.com/Whykay012/referral-payouts/model"
)

const payoutColumns = `payout_id, job_id, recipient_id, source_account_id, COALESCE(commission_ref, ''),
	COALESCE(order_id, ''), amount, currency, status, provider, provider_account, COALESCE(reason, ''), urgent,
	scheduled_for, paid_at, COALESCE(failure_reason, ''), COALESCE(provider_reference, ''), attempts,
	COALESCE(last_error, ''), history, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayout(row scanner) (*model.PayoutTransaction, error) {
	p := &model.PayoutTransaction{}
	var status string
	var account, history []byte
	var paidAt sql.NullTime
	err := row.Scan(&p.PayoutID, &p.JobID, &p.RecipientID, &p.SourceAccountID, &p.CommissionRef,
		&p.OrderID, &p.Amount, &p.Currency, &status, &p.Provider, &account, &p.Reason, &p.Urgent,
		&p.ScheduledFor, &paidAt, &p.FailureReason, &p.ProviderReference, &p.Attempts,
		&p.LastError, &history, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = model.PayoutStatus(status)
	if paidAt.Valid {
		p.PaidAt = &paidAt.Time
	}
	if err := json.Unmarshal(account, &p.ProviderAccount); err != nil {
		return nil, fmt.Errorf("decode provider account: %w", err)
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &p.History); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
	}
	return p, nil
}

func historyEntry(change model.StatusChange) ([]byte, error) {
	return json.Marshal([]model.StatusChange{change})
}

func insertPayout(ctx context.Context, db execer, p *model.PayoutTransaction, conflictTarget string) (bool, error) {
	account, err := json.Marshal(p.ProviderAccount)
	if err != nil {
		return false, storageErr("failed to encode provider account", err)
	}
	history, err := json.Marshal(p.History)
	if err != nil {
		return false, storageErr("failed to encode history", err)
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO payouts.payout_transactions
			(payout_id, job_id, recipient_id, source_account_id, commission_ref, order_id, amount, currency,
			 status, provider, provider_account, reason, urgent, scheduled_for, attempts, history, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW(), NOW())
		ON CONFLICT `+conflictTarget+` DO NOTHING
	`, p.PayoutID, p.JobID, p.RecipientID, p.SourceAccountID, p.CommissionRef, p.OrderID, p.Amount, p.Currency,
		string(p.Status), p.Provider, account, p.Reason, p.Urgent, p.ScheduledFor, p.Attempts, history)
	if err != nil {
		return false, storageErr("failed to insert payout", err)
	}
	n, err := rowsAffected(res, "insert payout")
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CreatePayoutTransaction inserts p unless a payout with the same job id
// exists. It reports whether a row was written.
func (d Datasource) CreatePayoutTransaction(ctx context.Context, p *model.PayoutTransaction) (bool, error) {
	return insertPayout(ctx, d.Conn, p, "(job_id)")
}

func (d Datasource) GetPayoutByID(ctx context.Context, payoutID string) (*model.PayoutTransaction, error) {
	p, err := scanPayout(d.Conn.QueryRowContext(ctx, `
		SELECT `+payoutColumns+` FROM payouts.payout_transactions WHERE payout_id = $1
	`, payoutID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("payout", payoutID)
		}
		return nil, storageErr("failed to get payout", err)
	}
	return p, nil
}

func (d Datasource) GetPayoutByJobID(ctx context.Context, jobID string) (*model.PayoutTransaction, error) {
	p, err := scanPayout(d.Conn.QueryRowContext(ctx, `
		SELECT `+payoutColumns+` FROM payouts.payout_transactions WHERE job_id = $1
	`, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("payout job", jobID)
		}
		return nil, storageErr("failed to get payout", err)
	}
	return p, nil
}

// MarkPayoutProcessing moves a scheduled or processing payout into
// processing and counts the attempt. A payout unknown to the store is
// created from job. Payouts in any other status are returned unchanged so
// the caller can stop.
func (d Datasource) MarkPayoutProcessing(ctx context.Context, job model.PayoutJob) (*model.PayoutTransaction, error) {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	p, err := scanPayout(tx.QueryRowContext(ctx, `
		SELECT `+payoutColumns+` FROM payouts.payout_transactions WHERE payout_id = $1 FOR UPDATE
	`, job.PayoutID))
	if errors.Is(err, sql.ErrNoRows) {
		p = payoutFromJob(job)
		created, err := insertPayout(ctx, tx, p, "(payout_id)")
		if err != nil {
			return nil, err
		}
		if !created {
			return nil, payerr.Transientf(payerr.CodeStorage, "payout %s was created concurrently", job.PayoutID)
		}
		if err := tx.Commit(); err != nil {
			return nil, storageErr("failed to commit payout", err)
		}
		return p, nil
	}
	if err != nil {
		return nil, storageErr("failed to lock payout", err)
	}

	if p.Status != model.StatusScheduled && p.Status != model.StatusProcessing {
		return p, nil
	}

	change := model.NewStatusChange(p.Status, model.StatusProcessing, fmt.Sprintf("attempt %d", p.Attempts+1))
	entry, err := historyEntry(change)
	if err != nil {
		return nil, storageErr("failed to encode history", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE payouts.payout_transactions
		SET status = 'processing', attempts = attempts + 1, history = history || $2::jsonb, updated_at = NOW()
		WHERE payout_id = $1
	`, p.PayoutID, entry)
	if err != nil {
		return nil, storageErr("failed to mark payout processing", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("failed to commit payout", err)
	}

	p.Status = model.StatusProcessing
	p.Attempts++
	p.History = append(p.History, change)
	return p, nil
}

func payoutFromJob(job model.PayoutJob) *model.PayoutTransaction {
	ref := job.CommissionRef
	if ref == "" {
		ref = job.PayoutID
	}
	ts := time.Now().UTC()
	return &model.PayoutTransaction{
		PayoutID:        job.PayoutID,
		JobID:           model.PayoutJobID(ref),
		RecipientID:     job.RecipientID,
		SourceAccountID: job.SourceAccountID,
		CommissionRef:   job.CommissionRef,
		OrderID:         job.OrderID,
		Amount:          job.Amount,
		Currency:        job.Currency,
		Status:          model.StatusProcessing,
		Provider:        job.Provider,
		ProviderAccount: job.ProviderAccount,
		Reason:          job.Reason,
		ScheduledFor:    ts,
		Attempts:        1,
		History:         []model.StatusChange{model.NewStatusChange("", model.StatusProcessing, "attempt 1")},
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
}

// TransitionPayout applies t under a row lock. Moving to the status the
// payout already has is a no-op reported as not applied; any move the state
// machine forbids is a permanent ILLEGAL_TRANSITION error.
func (d Datasource) TransitionPayout(ctx context.Context, payoutID string, t Transition) (*model.PayoutTransaction, bool, error) {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, storageErr("failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	p, err := scanPayout(tx.QueryRowContext(ctx, `
		SELECT `+payoutColumns+` FROM payouts.payout_transactions WHERE payout_id = $1 FOR UPDATE
	`, payoutID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, notFound("payout", payoutID)
		}
		return nil, false, storageErr("failed to lock payout", err)
	}

	if p.Status == t.To && t.To != model.StatusProcessing {
		return p, false, nil
	}
	if !model.CanTransition(p.Status, t.To) {
		return p, false, payerr.Permanentf(payerr.CodeIllegalTransition, "payout %s cannot move from %s to %s", payoutID, p.Status, t.To)
	}

	change := model.NewStatusChange(p.Status, t.To, t.Reason)
	entry, err := historyEntry(change)
	if err != nil {
		return nil, false, storageErr("failed to encode history", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE payouts.payout_transactions
		SET status = $2,
		    failure_reason = COALESCE(NULLIF($3, ''), failure_reason),
		    provider_reference = COALESCE(NULLIF($4, ''), provider_reference),
		    history = history || $5::jsonb,
		    updated_at = NOW()
		WHERE payout_id = $1
	`, payoutID, string(t.To), t.FailureReason, t.ProviderReference, entry)
	if err != nil {
		return nil, false, storageErr("failed to update payout status", err)
	}

	if t.Event != nil {
		if err := insertOutboxEvent(ctx, tx, t.Event); err != nil {
			return nil, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, storageErr("failed to commit payout status", err)
	}

	p.Status = t.To
	if t.FailureReason != "" {
		p.FailureReason = t.FailureReason
	}
	if t.ProviderReference != "" {
		p.ProviderReference = t.ProviderReference
	}
	p.History = append(p.History, change)
	return p, true, nil
}

func (d Datasource) RecordPayoutAttemptError(ctx context.Context, payoutID, lastError string) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE payouts.payout_transactions SET last_error = $2, updated_at = NOW() WHERE payout_id = $1
	`, payoutID, lastError)
	if err != nil {
		return storageErr("failed to record payout error", err)
	}
	return nil
}

// GetStuckPayouts lists payouts in one of statuses that were due and have
// not been touched since before.
func (d Datasource) GetStuckPayouts(ctx context.Context, statuses []model.PayoutStatus, before time.Time, limit int) ([]model.PayoutTransaction, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts.payout_transactions
		WHERE status = ANY($1) AND scheduled_for < $2 AND updated_at < $2
		ORDER BY scheduled_for
		LIMIT $3
	`, pq.Array(names), before, limit)
	if err != nil {
		return nil, storageErr("failed to query stuck payouts", err)
	}
	defer rows.Close()

	payouts := []model.PayoutTransaction{}
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, storageErr("failed to scan payout", err)
		}
		payouts = append(payouts, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to iterate payouts", err)
	}
	return payouts, nil
}
