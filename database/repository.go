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
	"time"

	"github.com/shopspring/decimal"

	"github.com/Whykay012/referral-payouts/model"
)

// IDataSource groups every storage operation of the payout pipeline.
type IDataSource interface {
	commission // Commission crediting and referrer records
	payout     // Payout transaction state machine
	ledger     // Source account debit and audit ledger
	outbox     // Transactional outbox
}

type commission interface {
	CommissionExists(ctx context.Context, orderRef string) (bool, error)                                      // Reports whether an order was already credited
	CreditCommission(ctx context.Context, entry *model.CommissionLedgerEntry, event *model.OutboxEvent) error // Credits the referrer and appends the entry atomically
	GetCommissionByOrderRef(ctx context.Context, orderRef string) (*model.CommissionLedgerEntry, error)       // Retrieves a credited commission
	LinkCommissionPayout(ctx context.Context, orderRef, payoutID string) error                                // Links a commission to the payout settling it
	GetReferrer(ctx context.Context, referrerID string) (*model.Referrer, error)                              // Retrieves a referrer aggregate
	UpsertReferrerPayoutAccount(ctx context.Context, referrer *model.Referrer) error                          // Stores where a referrer is paid
}

type payout interface {
	CreatePayoutTransaction(ctx context.Context, p *model.PayoutTransaction) (bool, error)                                              // Inserts a payout unless its job id exists
	GetPayoutByID(ctx context.Context, payoutID string) (*model.PayoutTransaction, error)                                               // Retrieves a payout by provider key
	GetPayoutByJobID(ctx context.Context, jobID string) (*model.PayoutTransaction, error)                                               // Retrieves a payout by queue key
	MarkPayoutProcessing(ctx context.Context, job model.PayoutJob) (*model.PayoutTransaction, error)                                    // Idempotently moves a payout into processing
	TransitionPayout(ctx context.Context, payoutID string, t Transition) (*model.PayoutTransaction, bool, error)                        // Applies a guarded status transition
	RecordPayoutAttemptError(ctx context.Context, payoutID, lastError string) error                                                     // Stores the last transient failure
	GetStuckPayouts(ctx context.Context, statuses []model.PayoutStatus, before time.Time, limit int) ([]model.PayoutTransaction, error) // Lists payouts idle since before
}

type ledger interface {
	CompletePayout(ctx context.Context, payoutID, providerTxID string, amount decimal.Decimal, sourceAccountID string, event *model.OutboxEvent) (bool, error) // Debits the source account and marks the payout paid
	InsertPayoutLedger(ctx context.Context, entry *model.PayoutLedger) (bool, error)                                                                           // Appends the audit row for a payout
	GetPayoutLedger(ctx context.Context, payoutID string) (*model.PayoutLedger, error)                                                                         // Retrieves the audit row for a payout
	GetSourceAccount(ctx context.Context, accountID string) (*model.SourceAccount, error)                                                                      // Retrieves a source account
}

type outbox interface {
	ClaimOutboxEvents(ctx context.Context, limit int, lease time.Duration) ([]model.OutboxEvent, error) // Leases due events to one relay
	MarkOutboxEventProcessed(ctx context.Context, eventID string) error                                 // Marks an event delivered
	MarkOutboxEventRetry(ctx context.Context, eventID, lastError string, nextAttemptAt time.Time) error // Schedules another delivery attempt
	MarkOutboxEventFailed(ctx context.Context, eventID, lastError string) error                         // Gives up on an event
}

// Transition describes a guarded payout status change.
type Transition struct {
	To                model.PayoutStatus
	Reason            string
	FailureReason     string
	ProviderReference string
	Event             *model.OutboxEvent
}
