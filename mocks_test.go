package payouts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/Whykay012/referral-payouts/config"
	"github.com/Whykay012/referral-payouts/database"
	"github.com/Whykay012/referral-payouts/internal/payerr"
	"github.com/Whykay012/referral-payouts/model"
	"github.com/Whykay012/referral-payouts/providers"
)

// fakeStore is an in-memory IDataSource that enforces the same state
// machine, uniqueness and balance rules as the postgres store.
type fakeStore struct {
	mu          sync.Mutex
	referrers   map[string]*model.Referrer
	commissions map[string]*model.CommissionLedgerEntry
	payouts     map[string]*model.PayoutTransaction
	jobs        map[string]string
	ledger      map[string]*model.PayoutLedger
	accounts    map[string]*model.SourceAccount
	outbox      []*model.OutboxEvent
	debits      int

	creditDelay time.Duration
	completeErr error
	// ledgerFailures fails that many upcoming ledger inserts.
	ledgerFailures int
}

var _ database.IDataSource = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		referrers:   map[string]*model.Referrer{},
		commissions: map[string]*model.CommissionLedgerEntry{},
		payouts:     map[string]*model.PayoutTransaction{},
		jobs:        map[string]string{},
		ledger:      map[string]*model.PayoutLedger{},
		accounts:    map[string]*model.SourceAccount{},
	}
}

func (s *fakeStore) addReferrer(id, provider string, dest model.Destination) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.referrers[id] = &model.Referrer{ReferrerID: id, Currency: "USD", PayoutProvider: provider, PayoutAccount: &dest}
}

func (s *fakeStore) addAccount(id, currency, balance string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[id] = &model.SourceAccount{AccountID: id, Currency: currency, Balance: decimal.RequireFromString(balance)}
}

func (s *fakeStore) balance(id string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[id].Balance
}

func (s *fakeStore) payout(id string) model.PayoutTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.payouts[id]
}

func (s *fakeStore) failLedgerWrites(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledgerFailures = n
}

func (s *fakeStore) ledgerRows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ledger)
}

func (s *fakeStore) debitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debits
}

func (s *fakeStore) events(eventType string) []model.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.OutboxEvent
	for _, e := range s.outbox {
		if e.EventType == eventType {
			out = append(out, *e)
		}
	}
	return out
}

func (s *fakeStore) CommissionExists(_ context.Context, orderRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.commissions[orderRef]
	return ok, nil
}

func (s *fakeStore) CreditCommission(_ context.Context, entry *model.CommissionLedgerEntry, event *model.OutboxEvent) error {
	time.Sleep(s.creditDelay)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commissions[entry.OrderRef]; ok {
		return database.ErrCommissionExists
	}
	e := *entry
	s.commissions[entry.OrderRef] = &e
	r, ok := s.referrers[entry.ReferrerID]
	if !ok {
		r = &model.Referrer{ReferrerID: entry.ReferrerID, Currency: entry.Currency}
		s.referrers[entry.ReferrerID] = r
	}
	r.TotalCommission = r.TotalCommission.Add(entry.CommissionAmount)
	if event != nil {
		s.outbox = append(s.outbox, event)
	}
	return nil
}

func (s *fakeStore) GetCommissionByOrderRef(_ context.Context, orderRef string) (*model.CommissionLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.commissions[orderRef]
	if !ok {
		return nil, payerr.Permanentf(payerr.CodeNotFound, "commission %s not found", orderRef)
	}
	c := *e
	return &c, nil
}

func (s *fakeStore) LinkCommissionPayout(_ context.Context, orderRef, payoutID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.commissions[orderRef]
	if !ok {
		return payerr.Permanentf(payerr.CodeNotFound, "commission %s not found", orderRef)
	}
	id := payoutID
	e.PayoutID = &id
	return nil
}

func (s *fakeStore) GetReferrer(_ context.Context, referrerID string) (*model.Referrer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.referrers[referrerID]
	if !ok {
		return nil, payerr.Permanentf(payerr.CodeNotFound, "referrer %s not found", referrerID)
	}
	c := *r
	return &c, nil
}

func (s *fakeStore) UpsertReferrerPayoutAccount(_ context.Context, referrer *model.Referrer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.referrers[referrer.ReferrerID]
	if !ok {
		r = &model.Referrer{ReferrerID: referrer.ReferrerID}
		s.referrers[referrer.ReferrerID] = r
	}
	r.Currency = referrer.Currency
	r.PayoutProvider = referrer.PayoutProvider
	r.PayoutAccount = referrer.PayoutAccount
	return nil
}

func (s *fakeStore) CreatePayoutTransaction(_ context.Context, p *model.PayoutTransaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[p.JobID]; ok {
		return false, nil
	}
	c := *p
	s.payouts[p.PayoutID] = &c
	s.jobs[p.JobID] = p.PayoutID
	return true, nil
}

func (s *fakeStore) GetPayoutByID(_ context.Context, payoutID string) (*model.PayoutTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payouts[payoutID]
	if !ok {
		return nil, payerr.Permanentf(payerr.CodeNotFound, "payout %s not found", payoutID)
	}
	c := *p
	return &c, nil
}

func (s *fakeStore) GetPayoutByJobID(ctx context.Context, jobID string) (*model.PayoutTransaction, error) {
	s.mu.Lock()
	id, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return nil, payerr.Permanentf(payerr.CodeNotFound, "payout job %s not found", jobID)
	}
	return s.GetPayoutByID(ctx, id)
}

func (s *fakeStore) MarkPayoutProcessing(_ context.Context, job model.PayoutJob) (*model.PayoutTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payouts[job.PayoutID]
	if !ok {
		return nil, payerr.Permanentf(payerr.CodeNotFound, "payout %s not found", job.PayoutID)
	}
	if p.Status == model.StatusScheduled || p.Status == model.StatusProcessing {
		p.History = append(p.History, model.NewStatusChange(p.Status, model.StatusProcessing, "attempt"))
		p.Status = model.StatusProcessing
		p.Attempts++
		p.UpdatedAt = time.Now()
	}
	c := *p
	return &c, nil
}

func (s *fakeStore) TransitionPayout(_ context.Context, payoutID string, t database.Transition) (*model.PayoutTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payouts[payoutID]
	if !ok {
		return nil, false, payerr.Permanentf(payerr.CodeNotFound, "payout %s not found", payoutID)
	}
	if p.Status == t.To && t.To != model.StatusProcessing {
		c := *p
		return &c, false, nil
	}
	if !model.CanTransition(p.Status, t.To) {
		c := *p
		return &c, false, payerr.Permanentf(payerr.CodeIllegalTransition, "payout %s cannot move from %s to %s", payoutID, p.Status, t.To)
	}
	p.History = append(p.History, model.NewStatusChange(p.Status, t.To, t.Reason))
	p.Status = t.To
	if t.FailureReason != "" {
		p.FailureReason = t.FailureReason
	}
	if t.ProviderReference != "" {
		p.ProviderReference = t.ProviderReference
	}
	p.UpdatedAt = time.Now()
	if t.Event != nil {
		s.outbox = append(s.outbox, t.Event)
	}
	c := *p
	return &c, true, nil
}

func (s *fakeStore) RecordPayoutAttemptError(_ context.Context, payoutID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payouts[payoutID]; ok {
		p.LastError = lastError
	}
	return nil
}

func (s *fakeStore) GetStuckPayouts(_ context.Context, statuses []model.PayoutStatus, before time.Time, limit int) ([]model.PayoutTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.PayoutTransaction{}
	for _, p := range s.payouts {
		for _, st := range statuses {
			if p.Status == st && p.ScheduledFor.Before(before) && p.UpdatedAt.Before(before) && len(out) < limit {
				out = append(out, *p)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) CompletePayout(_ context.Context, payoutID, providerTxID string, amount decimal.Decimal, sourceAccountID string, event *model.OutboxEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return false, s.completeErr
	}
	p, ok := s.payouts[payoutID]
	if !ok {
		return false, payerr.Permanentf(payerr.CodeNotFound, "payout %s not found", payoutID)
	}
	if p.Status == model.StatusPaid {
		return true, nil
	}
	if !model.CanTransition(p.Status, model.StatusPaid) {
		return false, payerr.Permanentf(payerr.CodeIllegalTransition, "payout %s is %s", payoutID, p.Status)
	}
	acct, ok := s.accounts[sourceAccountID]
	if !ok {
		return false, payerr.Permanentf(payerr.CodeConfigMismatch, "source account %s does not exist", sourceAccountID)
	}
	if acct.Balance.Sub(amount).IsNegative() {
		return false, payerr.Permanentf(payerr.CodeInsufficientFunds, "balance %s cannot cover %s", acct.Balance, amount)
	}
	acct.Balance = acct.Balance.Sub(amount)
	s.debits++

	now := time.Now()
	p.History = append(p.History, model.NewStatusChange(p.Status, model.StatusPaid, "provider confirmed transfer"))
	p.Status = model.StatusPaid
	p.PaidAt = &now
	p.ProviderReference = providerTxID
	if event != nil {
		s.outbox = append(s.outbox, event)
	}
	return false, nil
}

func (s *fakeStore) InsertPayoutLedger(_ context.Context, entry *model.PayoutLedger) (bool, error) {
	if err := entry.Validate(); err != nil {
		return false, payerr.Permanent(payerr.CodeInvalidInput, "invalid payout ledger entry", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledgerFailures > 0 {
		s.ledgerFailures--
		return false, payerr.Transientf(payerr.CodeStorage, "connection reset by peer")
	}
	if _, ok := s.ledger[entry.PayoutID]; ok {
		return false, nil
	}
	c := *entry
	s.ledger[entry.PayoutID] = &c
	return true, nil
}

func (s *fakeStore) GetPayoutLedger(_ context.Context, payoutID string) (*model.PayoutLedger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.ledger[payoutID]
	if !ok {
		return nil, payerr.Permanentf(payerr.CodeNotFound, "payout ledger %s not found", payoutID)
	}
	c := *e
	return &c, nil
}

func (s *fakeStore) GetSourceAccount(_ context.Context, accountID string) (*model.SourceAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, payerr.Permanentf(payerr.CodeNotFound, "source account %s not found", accountID)
	}
	c := *a
	return &c, nil
}

func (s *fakeStore) ClaimOutboxEvents(_ context.Context, limit int, lease time.Duration) ([]model.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []model.OutboxEvent
	for _, e := range s.outbox {
		if len(out) == limit {
			break
		}
		if e.Status == model.OutboxPending && !e.NextAttemptAt.After(now) {
			e.NextAttemptAt = now.Add(lease)
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *fakeStore) findEvent(eventID string) *model.OutboxEvent {
	for _, e := range s.outbox {
		if e.EventID == eventID {
			return e
		}
	}
	return nil
}

func (s *fakeStore) MarkOutboxEventProcessed(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.findEvent(eventID)
	now := time.Now()
	e.Status = model.OutboxProcessed
	e.Attempts++
	e.ProcessedAt = &now
	return nil
}

func (s *fakeStore) MarkOutboxEventRetry(_ context.Context, eventID, lastError string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.findEvent(eventID)
	e.Attempts++
	e.LastError = lastError
	e.NextAttemptAt = nextAttemptAt
	return nil
}

func (s *fakeStore) MarkOutboxEventFailed(_ context.Context, eventID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.findEvent(eventID)
	e.Status = model.OutboxFailed
	e.Attempts++
	e.LastError = lastError
	return nil
}

type enqueued struct {
	job       model.PayoutJob
	processAt time.Time
	urgent    bool
	state     string
}

// fakeQueue dedups payout jobs by job id the way asynq dedups task ids.
type fakeQueue struct {
	mu          sync.Mutex
	payouts     map[string]*enqueued
	commissions []model.CommissionRequest
	enqueueErr  error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{payouts: map[string]*enqueued{}}
}

func (q *fakeQueue) EnqueuePayout(_ context.Context, job model.PayoutJob, processAt time.Time, urgent bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	id := model.PayoutJobID(job.CommissionRef)
	if _, ok := q.payouts[id]; ok {
		return nil
	}
	q.payouts[id] = &enqueued{job: job, processAt: processAt, urgent: urgent, state: "scheduled"}
	return nil
}

func (q *fakeQueue) EnqueueCommission(_ context.Context, req model.CommissionRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.commissions = append(q.commissions, req)
	return nil
}

func (q *fakeQueue) DeletePayoutJob(_ context.Context, payout *model.PayoutTransaction) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.payouts, payout.JobID)
	return nil
}

func (q *fakeQueue) GetPayoutJob(_ context.Context, payout *model.PayoutTransaction) (*JobInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.payouts[payout.JobID]
	if !ok {
		return nil, payerr.Permanentf(payerr.CodeNotFound, "no job for payout %s", payout.PayoutID)
	}
	return &JobInfo{ID: payout.JobID, State: e.state, NextProcessAt: e.processAt}, nil
}

func (q *fakeQueue) get(jobID string) (*enqueued, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.payouts[jobID]
	return e, ok
}

func (q *fakeQueue) setState(jobID, state string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.payouts[jobID].state = state
}

// scriptedTransfers answers transfers from a list of canned outcomes and
// records every idempotency key it was given.
type scriptedTransfers struct {
	mu       sync.Mutex
	outcomes []outcome
	keys     []string
}

type outcome struct {
	result *providers.TransferResult
	err    error
}

func succeed(txID string) outcome {
	return outcome{result: &providers.TransferResult{Success: true, ProviderTxID: txID, Status: providers.StatusSuccess}}
}

func pending(txID string) outcome {
	return outcome{result: &providers.TransferResult{ProviderTxID: txID, Status: providers.StatusPending}}
}

func fail(err error) outcome {
	return outcome{err: err}
}

func (t *scriptedTransfers) ExecuteTransfer(_ context.Context, req providers.TransferRequest) (*providers.TransferResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys = append(t.keys, req.IdempotencyKey)
	if len(t.outcomes) == 0 {
		return nil, payerr.Transientf(payerr.CodeUnknown, "no scripted outcome")
	}
	next := t.outcomes[0]
	t.outcomes = t.outcomes[1:]
	return next.result, next.err
}

func (t *scriptedTransfers) ValidateAccount(provider string, d model.Destination) error {
	if provider != providers.Stripe {
		return payerr.Permanentf(payerr.CodeConfigMismatch, "provider %s is not configured", provider)
	}
	if d.IsZero() {
		return payerr.Permanentf(payerr.CodeInvalidInput, "destination is required")
	}
	return nil
}

func (t *scriptedTransfers) calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.keys...)
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, eventType, key string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, eventType+":"+key)
	return nil
}

func testConfig() *config.Configuration {
	lockDays := 30
	return &config.Configuration{
		Queue: config.QueueConfig{
			CommissionQueue:     "commissions",
			PayoutQueue:         "payouts",
			CriticalPayoutQueue: "payouts:critical",
			PayoutWorkers:       3,
			MaxRetries:          5,
			RetentionHours:      72,
		},
		Commission: config.CommissionConfig{LockTTLSeconds: 10, DefaultCurrency: "USD"},
		Payout: config.PayoutConfig{
			LockDays:              &lockDays,
			UrgentAmount:          "500",
			SourceAccounts:        map[string]string{"USD": "src_usd"},
			DefaultReason:         "Referral commission",
			StuckThresholdMinutes: 30,
			ReconcileIntervalSec:  300,
		},
		Outbox: config.OutboxConfig{PollIntervalSec: 1, BatchSize: 50, Workers: 4, MaxAttempts: 3, LeaseSec: 60},
	}
}

type harness struct {
	payouts   *Payouts
	store     *fakeStore
	queue     *fakeQueue
	transfers *scriptedTransfers
	publisher *recordingPublisher
	redis     *miniredis.Miniredis
}

func newHarness(t *testing.T, outcomes ...outcome) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		store:     newFakeStore(),
		queue:     newFakeQueue(),
		transfers: &scriptedTransfers{outcomes: outcomes},
		publisher: &recordingPublisher{},
		redis:     mr,
	}
	h.store.addReferrer("ref_1", providers.Stripe, model.Destination{AccountID: "acct_123"})
	h.store.addAccount("src_usd", "USD", "100.00")

	p, err := NewPayouts(testConfig(), Dependencies{
		DataSource: h.store,
		Queue:      h.queue,
		Transfers:  h.transfers,
		Redis:      client,
		Publisher:  h.publisher,
	})
	require.NoError(t, err)
	h.payouts = p
	return h
}

func orderCompleted(orderRef, amount string) model.CommissionRequest {
	return model.CommissionRequest{
		ReferrerID:       "ref_1",
		ReferredUserID:   "user_2",
		OrderRef:         orderRef,
		CommissionAmount: decimal.RequireFromString(amount),
		OrderTotal:       decimal.RequireFromString("100.00"),
	}
}

// schedule credits an order and returns its scheduled payout.
func (h *harness) schedule(t *testing.T, orderRef, amount string) *model.PayoutTransaction {
	t.Helper()
	res, err := h.payouts.CreditCommission(context.Background(), orderCompleted(orderRef, amount))
	require.NoError(t, err)
	require.Equal(t, CommissionCredited, res.Status)
	require.NotNil(t, res.Payout)
	return res.Payout
}

func (h *harness) job(t *testing.T, payout *model.PayoutTransaction) model.PayoutJob {
	t.Helper()
	e, ok := h.queue.get(payout.JobID)
	require.True(t, ok, "payout job not enqueued")
	return e.job
}
