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

package model

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

type PayoutStatus string

const (
	StatusScheduled       PayoutStatus = "scheduled"
	StatusProcessing      PayoutStatus = "processing"
	StatusPendingProvider PayoutStatus = "pending_provider"
	StatusPaid            PayoutStatus = "paid"
	StatusFailed          PayoutStatus = "failed"
	StatusCancelled       PayoutStatus = "cancelled"
	StatusRefunded        PayoutStatus = "refunded"
)

var transitions = map[PayoutStatus][]PayoutStatus{
	StatusScheduled:       {StatusProcessing, StatusCancelled, StatusFailed},
	StatusProcessing:      {StatusProcessing, StatusPendingProvider, StatusPaid, StatusFailed},
	StatusPendingProvider: {StatusPaid, StatusFailed, StatusRefunded},
}

// IsTerminal reports whether no transition can leave s.
func (s PayoutStatus) IsTerminal() bool {
	switch s {
	case StatusPaid, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

func (s PayoutStatus) IsValid() bool {
	switch s {
	case StatusScheduled, StatusProcessing, StatusPendingProvider, StatusPaid,
		StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// CanTransition reports whether a payout may move from one status to another.
func CanTransition(from, to PayoutStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StatusChange is one entry of a payout's append-only history.
type StatusChange struct {
	From   PayoutStatus `json:"from"`
	To     PayoutStatus `json:"to"`
	Reason string       `json:"reason,omitempty"`
	At     time.Time    `json:"at"`
}

func NewStatusChange(from, to PayoutStatus, reason string) StatusChange {
	return StatusChange{From: from, To: to, Reason: reason, At: now()}
}

// PayoutTransaction is the working record of one scheduled transfer.
// JobID deduplicates queue work; PayoutID is the only key ever presented to
// a provider.
type PayoutTransaction struct {
	PayoutID          string          `json:"payout_id"`
	JobID             string          `json:"job_id"`
	RecipientID       string          `json:"recipient_id"`
	SourceAccountID   string          `json:"source_account_id"`
	CommissionRef     string          `json:"commission_ref"`
	OrderID           string          `json:"order_id,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            PayoutStatus    `json:"status"`
	Provider          string          `json:"provider"`
	ProviderAccount   Destination     `json:"provider_account"`
	Reason            string          `json:"reason,omitempty"`
	Urgent            bool            `json:"urgent"`
	ScheduledFor      time.Time       `json:"scheduled_for"`
	PaidAt            *time.Time      `json:"paid_at,omitempty"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	ProviderReference string          `json:"provider_reference,omitempty"`
	Attempts          int             `json:"attempts"`
	LastError         string          `json:"last_error,omitempty"`
	History           []StatusChange  `json:"history"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Job builds the queue payload for this payout.
func (p *PayoutTransaction) Job() PayoutJob {
	return PayoutJob{
		PayoutID:        p.PayoutID,
		RecipientID:     p.RecipientID,
		SourceAccountID: p.SourceAccountID,
		CommissionRef:   p.CommissionRef,
		OrderID:         p.OrderID,
		Amount:          p.Amount,
		Currency:        p.Currency,
		Reason:          p.Reason,
		Provider:        p.Provider,
		ProviderAccount: p.ProviderAccount,
	}
}

type LedgerStatus string

const (
	LedgerCompleted LedgerStatus = "completed"
	LedgerFailed    LedgerStatus = "failed"
	LedgerReversed  LedgerStatus = "reversed"
)

// PayoutLedger is the immutable audit row written once per payout outcome.
type PayoutLedger struct {
	PayoutID              string                 `json:"payout_id"`
	UserID                string                 `json:"user_id"`
	Amount                decimal.Decimal        `json:"amount"`
	Currency              string                 `json:"currency"`
	Status                LedgerStatus           `json:"status"`
	Provider              string                 `json:"provider"`
	ProviderTransactionID string                 `json:"provider_transaction_id,omitempty"`
	FailureReason         string                 `json:"failure_reason,omitempty"`
	RecipientAccount      Destination            `json:"recipient_account"`
	MetaData              map[string]interface{} `json:"meta_data,omitempty"`
	CreatedAt             time.Time              `json:"created_at"`
}

func (l PayoutLedger) Validate() error {
	needsProviderTx := l.Status == LedgerCompleted || l.Status == LedgerReversed
	return validation.ValidateStruct(&l,
		validation.Field(&l.PayoutID, validation.Required),
		validation.Field(&l.UserID, validation.Required),
		validation.Field(&l.Amount, validation.By(positiveDecimal)),
		validation.Field(&l.Currency, validation.Required, validation.Match(currencyPattern)),
		validation.Field(&l.Status, validation.Required, validation.In(LedgerCompleted, LedgerFailed, LedgerReversed)),
		validation.Field(&l.Provider, validation.Required),
		validation.Field(&l.ProviderTransactionID, validation.When(needsProviderTx, validation.Required)),
		validation.Field(&l.FailureReason, validation.When(l.Status == LedgerFailed, validation.Required)),
	)
}

// LedgerFromPayout snapshots a payout into an audit row.
func LedgerFromPayout(p *PayoutTransaction, status LedgerStatus, providerTxID, failureReason string) PayoutLedger {
	return PayoutLedger{
		PayoutID:              p.PayoutID,
		UserID:                p.RecipientID,
		Amount:                p.Amount,
		Currency:              p.Currency,
		Status:                status,
		Provider:              p.Provider,
		ProviderTransactionID: providerTxID,
		FailureReason:         failureReason,
		RecipientAccount:      p.ProviderAccount,
		MetaData: map[string]interface{}{
			"job_id":            p.JobID,
			"commission_ref":    p.CommissionRef,
			"source_account_id": p.SourceAccountID,
		},
		CreatedAt: now(),
	}
}

// SourceAccount is the platform balance payouts are debited from.
type SourceAccount struct {
	AccountID string          `json:"account_id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}
