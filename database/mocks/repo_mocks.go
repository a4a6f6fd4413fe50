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
package mocks

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"github.com/Whykay012/referral-payouts/database"
	"github.com/Whykay012/referral-payouts/model"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

var _ database.IDataSource = (*MockDataSource)(nil)

// Commission methods

func (m *MockDataSource) CommissionExists(ctx context.Context, orderRef string) (bool, error) {
	args := m.Called(ctx, orderRef)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) CreditCommission(ctx context.Context, entry *model.CommissionLedgerEntry, event *model.OutboxEvent) error {
	args := m.Called(ctx, entry, event)
	return args.Error(0)
}

func (m *MockDataSource) GetCommissionByOrderRef(ctx context.Context, orderRef string) (*model.CommissionLedgerEntry, error) {
	args := m.Called(ctx, orderRef)
	entry, _ := args.Get(0).(*model.CommissionLedgerEntry)
	return entry, args.Error(1)
}

func (m *MockDataSource) LinkCommissionPayout(ctx context.Context, orderRef, payoutID string) error {
	args := m.Called(ctx, orderRef, payoutID)
	return args.Error(0)
}

func (m *MockDataSource) GetReferrer(ctx context.Context, referrerID string) (*model.Referrer, error) {
	args := m.Called(ctx, referrerID)
	referrer, _ := args.Get(0).(*model.Referrer)
	return referrer, args.Error(1)
}

func (m *MockDataSource) UpsertReferrerPayoutAccount(ctx context.Context, referrer *model.Referrer) error {
	args := m.Called(ctx, referrer)
	return args.Error(0)
}

// Payout methods

func (m *MockDataSource) CreatePayoutTransaction(ctx context.Context, p *model.PayoutTransaction) (bool, error) {
	args := m.Called(ctx, p)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) GetPayoutByID(ctx context.Context, payoutID string) (*model.PayoutTransaction, error) {
	args := m.Called(ctx, payoutID)
	p, _ := args.Get(0).(*model.PayoutTransaction)
	return p, args.Error(1)
}

func (m *MockDataSource) GetPayoutByJobID(ctx context.Context, jobID string) (*model.PayoutTransaction, error) {
	args := m.Called(ctx, jobID)
	p, _ := args.Get(0).(*model.PayoutTransaction)
	return p, args.Error(1)
}

func (m *MockDataSource) MarkPayoutProcessing(ctx context.Context, job model.PayoutJob) (*model.PayoutTransaction, error) {
	args := m.Called(ctx, job)
	p, _ := args.Get(0).(*model.PayoutTransaction)
	return p, args.Error(1)
}

func (m *MockDataSource) TransitionPayout(ctx context.Context, payoutID string, t database.Transition) (*model.PayoutTransaction, bool, error) {
	args := m.Called(ctx, payoutID, t)
	p, _ := args.Get(0).(*model.PayoutTransaction)
	return p, args.Bool(1), args.Error(2)
}

func (m *MockDataSource) RecordPayoutAttemptError(ctx context.Context, payoutID, lastError string) error {
	args := m.Called(ctx, payoutID, lastError)
	return args.Error(0)
}

func (m *MockDataSource) GetStuckPayouts(ctx context.Context, statuses []model.PayoutStatus, before time.Time, limit int) ([]model.PayoutTransaction, error) {
	args := m.Called(ctx, statuses, before, limit)
	return args.Get(0).([]model.PayoutTransaction), args.Error(1)
}

// Ledger methods

func (m *MockDataSource) CompletePayout(ctx context.Context, payoutID, providerTxID string, amount decimal.Decimal, sourceAccountID string, event *model.OutboxEvent) (bool, error) {
	args := m.Called(ctx, payoutID, providerTxID, amount, sourceAccountID, event)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) InsertPayoutLedger(ctx context.Context, entry *model.PayoutLedger) (bool, error) {
	args := m.Called(ctx, entry)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) GetPayoutLedger(ctx context.Context, payoutID string) (*model.PayoutLedger, error) {
	args := m.Called(ctx, payoutID)
	entry, _ := args.Get(0).(*model.PayoutLedger)
	return entry, args.Error(1)
}

func (m *MockDataSource) GetSourceAccount(ctx context.Context, accountID string) (*model.SourceAccount, error) {
	args := m.Called(ctx, accountID)
	acc, _ := args.Get(0).(*model.SourceAccount)
	return acc, args.Error(1)
}

// Outbox methods

func (m *MockDataSource) ClaimOutboxEvents(ctx context.Context, limit int, lease time.Duration) ([]model.OutboxEvent, error) {
	args := m.Called(ctx, limit, lease)
	return args.Get(0).([]model.OutboxEvent), args.Error(1)
}

func (m *MockDataSource) MarkOutboxEventProcessed(ctx context.Context, eventID string) error {
	args := m.Called(ctx, eventID)
	return args.Error(0)
}

func (m *MockDataSource) MarkOutboxEventRetry(ctx context.Context, eventID, lastError string, nextAttemptAt time.Time) error {
	args := m.Called(ctx, eventID, lastError, nextAttemptAt)
	return args.Error(0)
}

func (m *MockDataSource) MarkOutboxEventFailed(ctx context.Context, eventID, lastError string) error {
	args := m.Called(ctx, eventID, lastError)
	return args.Error(0)
}
