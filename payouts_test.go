package payouts

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Whykay012/referral-payouts/internal/payerr"
	"github.com/Whykay012/referral-payouts/model"
)

func TestCommissionToPaidPayoutThroughConfirmation(t *testing.T) {
	h := newHarness(t, pending("tr_1"))
	ctx := context.Background()

	payout := h.schedule(t, "ORD-1", "5.00")
	assert.Equal(t, model.StatusScheduled, payout.Status)
	assert.Equal(t, "payout:ORD-1", payout.JobID)
	assert.Equal(t, "src_usd", payout.SourceAccountID)
	assert.False(t, payout.Urgent)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), payout.ScheduledFor, time.Minute)

	queued, ok := h.queue.get(payout.JobID)
	require.True(t, ok)
	assert.Equal(t, payout.ScheduledFor, queued.processAt)
	assert.Greater(t, queued.job.DelayMs, int64(0))

	require.NoError(t, h.payouts.ProcessPayout(ctx, queued.job, 1))
	assert.Equal(t, model.StatusPendingProvider, h.store.payout(payout.PayoutID).Status)
	assert.True(t, decimal.RequireFromString("100").Equal(h.store.balance("src_usd")), "pending must not debit")

	confirmed, err := h.payouts.ConfirmPayout(ctx, ProviderConfirmation{PayoutID: payout.PayoutID, ProviderTxID: "tr_1", FinalStatus: "success"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaid, confirmed.Status)
	assert.True(t, decimal.RequireFromString("95").Equal(h.store.balance("src_usd")))

	entry, err := h.store.GetPayoutLedger(ctx, payout.PayoutID)
	require.NoError(t, err)
	assert.Equal(t, model.LedgerCompleted, entry.Status)
	assert.Equal(t, "tr_1", entry.ProviderTransactionID)
	assert.Len(t, h.store.events(model.EventPayoutCompleted), 1)

	// Providers deliver confirmations at least once.
	_, err = h.payouts.ConfirmPayout(ctx, ProviderConfirmation{PayoutID: payout.PayoutID, ProviderTxID: "tr_1", FinalStatus: FinalSuccess})
	require.NoError(t, err)
	assert.Equal(t, 1, h.store.debits)
	assert.Equal(t, []string{payout.PayoutID}, h.transfers.calls())
}

func TestDuplicateOrderIsAlreadyProcessed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.schedule(t, "ORD-1", "5.00")
	res, err := h.payouts.CreditCommission(ctx, orderCompleted("ORD-1", "5.00"))
	require.NoError(t, err)
	assert.Equal(t, CommissionAlreadyProcessed, res.Status)

	referrer, err := h.store.GetReferrer(ctx, "ref_1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("5").Equal(referrer.TotalCommission))
	assert.Len(t, h.queue.payouts, 1)
}

func TestConcurrentCreditsCreditOnce(t *testing.T) {
	h := newHarness(t)
	h.store.creditDelay = 50 * time.Millisecond

	var wg sync.WaitGroup
	results := make(chan CommissionStatus, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.payouts.CreditCommission(context.Background(), orderCompleted("ORD-RACE", "5.00"))
			if assert.NoError(t, err) {
				results <- res.Status
			}
		}()
	}
	wg.Wait()
	close(results)

	credited := 0
	for status := range results {
		if status == CommissionCredited {
			credited++
		} else {
			assert.Equal(t, CommissionAlreadyProcessed, status)
		}
	}
	assert.Equal(t, 1, credited)
	assert.Len(t, h.store.commissions, 1)
	assert.Len(t, h.store.events(model.EventScheduleRequested), 1)
}

func TestCreditCommissionRejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	req := orderCompleted("ORD-1", "5.00")
	req.ReferredUserID = req.ReferrerID

	_, err := h.payouts.CreditCommission(context.Background(), req)
	require.Error(t, err)
	assert.True(t, payerr.IsPermanent(err))
	assert.Equal(t, payerr.CodeInvalidInput, payerr.CodeOf(err))
}

func TestPermanentProviderErrorFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, fail(payerr.Permanentf(payerr.CodeUnsupportedCurrency, "currency XOF is not supported")))
	payout := h.schedule(t, "ORD-1", "5.00")

	payload, err := json.Marshal(h.job(t, payout))
	require.NoError(t, err)
	err = h.payouts.HandlePayoutTask(context.Background(), asynq.NewTask(TypeProcessPayout, payload))

	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	failed := h.store.payout(payout.PayoutID)
	assert.Equal(t, model.StatusFailed, failed.Status)
	assert.Contains(t, failed.FailureReason, "UNSUPPORTED_CURRENCY")
	assert.Len(t, h.transfers.calls(), 1)

	entry, err := h.store.GetPayoutLedger(context.Background(), payout.PayoutID)
	require.NoError(t, err)
	assert.Equal(t, model.LedgerFailed, entry.Status)
	assert.Len(t, h.store.events(model.EventPayoutFailed), 1)
}

func TestTransientFailuresRetryWithSamePayoutID(t *testing.T) {
	timeout := payerr.Transient(payerr.CodeNetwork, "stripe request failed", context.DeadlineExceeded)
	h := newHarness(t, fail(timeout), fail(timeout), fail(timeout), succeed("tr_9"))
	payout := h.schedule(t, "ORD-1", "5.00")
	job := h.job(t, payout)

	for attempt := 1; attempt <= 3; attempt++ {
		err := h.payouts.ProcessPayout(context.Background(), job, attempt)
		require.Error(t, err)
		assert.True(t, payerr.IsTransient(err))
		assert.Equal(t, model.StatusProcessing, h.store.payout(payout.PayoutID).Status)
	}
	assert.Contains(t, h.store.payout(payout.PayoutID).LastError, "NETWORK")

	require.NoError(t, h.payouts.ProcessPayout(context.Background(), job, 4))

	paid := h.store.payout(payout.PayoutID)
	assert.Equal(t, model.StatusPaid, paid.Status)
	assert.Equal(t, 4, paid.Attempts)
	assert.Equal(t, "tr_9", paid.ProviderReference)
	assert.Equal(t, []string{payout.PayoutID, payout.PayoutID, payout.PayoutID, payout.PayoutID}, h.transfers.calls())
	assert.True(t, decimal.RequireFromString("95").Equal(h.store.balance("src_usd")))
}

func TestBreakerOpenIsRetried(t *testing.T) {
	h := newHarness(t, fail(payerr.Transientf(payerr.CodeBreakerOpen, "stripe circuit is open")))
	payout := h.schedule(t, "ORD-1", "5.00")

	payload, err := json.Marshal(h.job(t, payout))
	require.NoError(t, err)
	err = h.payouts.HandlePayoutTask(context.Background(), asynq.NewTask(TypeProcessPayout, payload))

	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
	assert.Equal(t, payerr.CodeBreakerOpen, payerr.CodeOf(err))
	assert.Equal(t, model.StatusProcessing, h.store.payout(payout.PayoutID).Status)
}

func TestInsufficientFundsLeavesBalanceUntouched(t *testing.T) {
	h := newHarness(t, succeed("tr_1"))
	h.store.addAccount("src_usd", "USD", "4.99")
	payout := h.schedule(t, "ORD-1", "5.00")

	err := h.payouts.ProcessPayout(context.Background(), h.job(t, payout), 1)

	require.Error(t, err)
	assert.True(t, payerr.IsPermanent(err))
	assert.Equal(t, payerr.CodeInsufficientFunds, payerr.CodeOf(err))
	assert.True(t, decimal.RequireFromString("4.99").Equal(h.store.balance("src_usd")))
	assert.Equal(t, 0, h.store.debits)
	assert.Equal(t, model.StatusFailed, h.store.payout(payout.PayoutID).Status)
}

func TestReplayOfPaidPayoutDoesNothing(t *testing.T) {
	h := newHarness(t, succeed("tr_1"))
	payout := h.schedule(t, "ORD-1", "5.00")
	job := h.job(t, payout)

	require.NoError(t, h.payouts.ProcessPayout(context.Background(), job, 1))
	require.NoError(t, h.payouts.ProcessPayout(context.Background(), job, 2))

	assert.Len(t, h.transfers.calls(), 1)
	assert.Equal(t, 1, h.store.debits)
	assert.True(t, decimal.RequireFromString("95").Equal(h.store.balance("src_usd")))
}

func TestCompletePayoutIsIdempotent(t *testing.T) {
	h := newHarness(t, pending("tr_1"))
	ctx := context.Background()
	payout := h.schedule(t, "ORD-1", "5.00")
	require.NoError(t, h.payouts.ProcessPayout(ctx, h.job(t, payout), 1))

	for i := 0; i < 3; i++ {
		completed, err := h.payouts.CompletePayout(ctx, payout.PayoutID, "tr_1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusPaid, completed.Status)
	}
	assert.Equal(t, 1, h.store.debits)
	assert.Len(t, h.store.ledger, 1)

	_, err := h.payouts.CompletePayout(ctx, payout.PayoutID, "")
	assert.Equal(t, payerr.CodeInvalidInput, payerr.CodeOf(err))
}

func TestLostCompletedLedgerIsAppendedOnReplay(t *testing.T) {
	h := newHarness(t, succeed("tr_1"))
	ctx := context.Background()
	payout := h.schedule(t, "ORD-1", "5.00")
	job := h.job(t, payout)
	h.store.failLedgerWrites(1)

	err := h.payouts.ProcessPayout(ctx, job, 1)
	require.Error(t, err)
	assert.True(t, payerr.IsTransient(err))
	assert.Equal(t, model.StatusPaid, h.store.payout(payout.PayoutID).Status)
	_, err = h.store.GetPayoutLedger(ctx, payout.PayoutID)
	assert.Equal(t, payerr.CodeNotFound, payerr.CodeOf(err))

	require.NoError(t, h.payouts.ProcessPayout(ctx, job, 2))
	entry, err := h.store.GetPayoutLedger(ctx, payout.PayoutID)
	require.NoError(t, err)
	assert.Equal(t, model.LedgerCompleted, entry.Status)
	assert.Equal(t, "tr_1", entry.ProviderTransactionID)
	assert.Equal(t, 1, h.store.debitCount())
	assert.Len(t, h.transfers.calls(), 1)
}

func TestOutboxRelayAppendsLostLedgerRow(t *testing.T) {
	h := newHarness(t, succeed("tr_1"))
	ctx := context.Background()
	payout := h.schedule(t, "ORD-1", "5.00")
	h.store.failLedgerWrites(1)
	require.Error(t, h.payouts.ProcessPayout(ctx, h.job(t, payout), 1))

	relay := NewOutboxRelay(h.payouts)
	relay.RelayBatch(ctx)

	entry, err := h.store.GetPayoutLedger(ctx, payout.PayoutID)
	require.NoError(t, err)
	assert.Equal(t, model.LedgerCompleted, entry.Status)
	assert.Equal(t, model.OutboxProcessed, h.store.events(model.EventPayoutCompleted)[0].Status)
	assert.Equal(t, []string{model.EventPayoutCompleted + ":" + payout.PayoutID}, h.publisher.keys)
}

func TestLostFailedLedgerIsAppendedOnReplay(t *testing.T) {
	h := newHarness(t, fail(payerr.Permanentf(payerr.CodeUnsupportedCurrency, "currency not supported")))
	ctx := context.Background()
	payout := h.schedule(t, "ORD-1", "5.00")
	job := h.job(t, payout)
	h.store.failLedgerWrites(1)

	err := h.payouts.ProcessPayout(ctx, job, 1)
	require.Error(t, err)
	assert.True(t, payerr.IsTransient(err), "a lost audit write must be retried")
	assert.Equal(t, model.StatusFailed, h.store.payout(payout.PayoutID).Status)

	require.NoError(t, h.payouts.ProcessPayout(ctx, job, 2))
	entry, err := h.store.GetPayoutLedger(ctx, payout.PayoutID)
	require.NoError(t, err)
	assert.Equal(t, model.LedgerFailed, entry.Status)
	assert.Contains(t, entry.FailureReason, "currency not supported")
	assert.Len(t, h.transfers.calls(), 1)
}

func TestLostExhaustedLedgerIsAppendedOnRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payout := h.schedule(t, "ORD-1", "5.00")
	h.store.failLedgerWrites(1)

	lastErr := payerr.Transientf(payerr.CodeNetwork, "dial tcp: i/o timeout")
	require.Error(t, h.payouts.ExhaustPayout(ctx, payout.PayoutID, lastErr))
	assert.Equal(t, model.StatusFailed, h.store.payout(payout.PayoutID).Status)

	require.NoError(t, h.payouts.ExhaustPayout(ctx, payout.PayoutID, lastErr))
	entry, err := h.store.GetPayoutLedger(ctx, payout.PayoutID)
	require.NoError(t, err)
	assert.Equal(t, model.LedgerFailed, entry.Status)
	assert.Contains(t, entry.FailureReason, "retries exhausted")
}

func TestLostReversalLedgerIsAppendedOnRedelivery(t *testing.T) {
	h := newHarness(t, pending("tr_1"))
	ctx := context.Background()
	payout := h.schedule(t, "ORD-1", "5.00")
	require.NoError(t, h.payouts.ProcessPayout(ctx, h.job(t, payout), 1))
	h.store.failLedgerWrites(1)

	reversal := ProviderConfirmation{PayoutID: payout.PayoutID, ProviderTxID: "tr_1", FinalStatus: FinalReversed}
	_, err := h.payouts.ConfirmPayout(ctx, reversal)
	require.Error(t, err)
	assert.Equal(t, model.StatusRefunded, h.store.payout(payout.PayoutID).Status)

	_, err = h.payouts.ConfirmPayout(ctx, reversal)
	require.NoError(t, err)
	entry, err := h.store.GetPayoutLedger(ctx, payout.PayoutID)
	require.NoError(t, err)
	assert.Equal(t, model.LedgerReversed, entry.Status)
	assert.Equal(t, "tr_1", entry.ProviderTransactionID)
}

func TestConcurrentDeliveriesCompleteOnce(t *testing.T) {
	h := newHarness(t, succeed("tr_1"), succeed("tr_1"))
	ctx := context.Background()
	payout := h.schedule(t, "ORD-1", "5.00")
	job := h.job(t, payout)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.payouts.ProcessPayout(ctx, job, i+1)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, h.store.debitCount())
	assert.Equal(t, 1, h.store.ledgerRows())
	assert.True(t, decimal.RequireFromString("95").Equal(h.store.balance("src_usd")))
	assert.Equal(t, model.StatusPaid, h.store.payout(payout.PayoutID).Status)
	assert.Len(t, h.store.events(model.EventPayoutCompleted), 1)
	for _, key := range h.transfers.calls() {
		assert.Equal(t, payout.PayoutID, key)
	}
}

func TestCompletionStorageErrorIsRetried(t *testing.T) {
	h := newHarness(t, succeed("tr_1"))
	h.store.completeErr = payerr.Transientf(payerr.CodeStorage, "deadlock detected")
	payout := h.schedule(t, "ORD-1", "5.00")

	err := h.payouts.ProcessPayout(context.Background(), h.job(t, payout), 1)

	require.Error(t, err)
	assert.True(t, payerr.IsTransient(err))
	assert.Equal(t, model.StatusProcessing, h.store.payout(payout.PayoutID).Status)
}

func TestConfirmFailureAndReversal(t *testing.T) {
	h := newHarness(t, pending("tr_1"), pending("tr_2"))
	ctx := context.Background()

	first := h.schedule(t, "ORD-1", "5.00")
	second := h.schedule(t, "ORD-2", "7.50")
	require.NoError(t, h.payouts.ProcessPayout(ctx, h.job(t, first), 1))
	require.NoError(t, h.payouts.ProcessPayout(ctx, h.job(t, second), 1))

	failed, err := h.payouts.ConfirmPayout(ctx, ProviderConfirmation{PayoutID: first.PayoutID, FinalStatus: FinalFailed, Reason: "account closed"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, failed.Status)
	assert.Contains(t, failed.FailureReason, "account closed")

	refunded, err := h.payouts.ConfirmPayout(ctx, ProviderConfirmation{PayoutID: second.PayoutID, ProviderTxID: "tr_2", FinalStatus: FinalReversed})
	require.NoError(t, err)
	assert.Equal(t, model.StatusRefunded, refunded.Status)

	entry, err := h.store.GetPayoutLedger(ctx, second.PayoutID)
	require.NoError(t, err)
	assert.Equal(t, model.LedgerReversed, entry.Status)
	assert.Len(t, h.store.events(model.EventPayoutRefunded), 1)
	assert.True(t, decimal.RequireFromString("100").Equal(h.store.balance("src_usd")))

	_, err = h.payouts.ConfirmPayout(ctx, ProviderConfirmation{PayoutID: first.PayoutID, ProviderTxID: "tr_1", FinalStatus: FinalSuccess})
	assert.Equal(t, payerr.CodeIllegalTransition, payerr.CodeOf(err))
	assert.Equal(t, 0, h.store.debits)
}

func TestConfirmPayoutValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.payouts.ConfirmPayout(context.Background(), ProviderConfirmation{PayoutID: "pay_1", FinalStatus: "SETTLED"})
	assert.Equal(t, payerr.CodeInvalidInput, payerr.CodeOf(err))

	_, err = h.payouts.ConfirmPayout(context.Background(), ProviderConfirmation{PayoutID: "pay_missing", ProviderTxID: "tr_1", FinalStatus: FinalSuccess})
	assert.Equal(t, payerr.CodeNotFound, payerr.CodeOf(err))
}

func TestCancelScheduledPayout(t *testing.T) {
	h := newHarness(t, succeed("tr_1"))
	ctx := context.Background()
	payout := h.schedule(t, "ORD-1", "5.00")
	job := h.job(t, payout)

	cancelled, err := h.payouts.CancelPayout(ctx, payout.PayoutID, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	_, queued := h.queue.get(payout.JobID)
	assert.False(t, queued)

	again, err := h.payouts.CancelPayout(ctx, payout.PayoutID, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, again.Status)

	// A job that escaped deletion finds nothing to do.
	require.NoError(t, h.payouts.ProcessPayout(ctx, job, 1))
	assert.Empty(t, h.transfers.calls())
}

func TestCancelProcessingPayoutIsRejected(t *testing.T) {
	h := newHarness(t, fail(payerr.Transientf(payerr.CodeNetwork, "timeout")))
	payout := h.schedule(t, "ORD-1", "5.00")
	require.Error(t, h.payouts.ProcessPayout(context.Background(), h.job(t, payout), 1))

	_, err := h.payouts.CancelPayout(context.Background(), payout.PayoutID, "")
	assert.Equal(t, payerr.CodeIllegalTransition, payerr.CodeOf(err))
}

func TestExhaustedRetriesFailThePayout(t *testing.T) {
	h := newHarness(t, fail(payerr.Transientf(payerr.CodeProviderUnavailable, "503 from provider")))
	ctx := context.Background()
	payout := h.schedule(t, "ORD-1", "5.00")
	lastErr := h.payouts.ProcessPayout(ctx, h.job(t, payout), 1)
	require.Error(t, lastErr)

	require.NoError(t, h.payouts.ExhaustPayout(ctx, payout.PayoutID, lastErr))

	failed := h.store.payout(payout.PayoutID)
	assert.Equal(t, model.StatusFailed, failed.Status)
	assert.Contains(t, failed.FailureReason, "retries exhausted: PROVIDER_UNAVAILABLE")
	entry, err := h.store.GetPayoutLedger(ctx, payout.PayoutID)
	require.NoError(t, err)
	assert.Equal(t, model.LedgerFailed, entry.Status)

	require.NoError(t, h.payouts.ExhaustPayout(ctx, payout.PayoutID, lastErr))
	assert.Len(t, h.store.events(model.EventPayoutFailed), 1)
}

func TestSchedulePayoutIsIdempotent(t *testing.T) {
	h := newHarness(t)
	req := ScheduleRequest{CommissionRef: "ORD-9", RecipientID: "ref_1", Amount: decimal.RequireFromString("12.5"), Currency: "USD"}

	first, err := h.payouts.SchedulePayout(context.Background(), req)
	require.NoError(t, err)
	second, err := h.payouts.SchedulePayout(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.PayoutID, second.PayoutID)
	assert.Len(t, h.store.payouts, 1)
	assert.Len(t, h.queue.payouts, 1)
}

func TestSchedulePayoutOptions(t *testing.T) {
	h := newHarness(t)
	zero := 0

	now, err := h.payouts.SchedulePayout(context.Background(), ScheduleRequest{
		CommissionRef: "ORD-NOW", RecipientID: "ref_1", Amount: decimal.RequireFromString("1"), Currency: "USD", LockDays: &zero,
	})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), now.ScheduledFor, time.Minute)
	assert.Equal(t, "Referral commission", now.Reason)

	large, err := h.payouts.SchedulePayout(context.Background(), ScheduleRequest{
		CommissionRef: "ORD-BIG", RecipientID: "ref_1", Amount: decimal.RequireFromString("500"), Currency: "USD",
	})
	require.NoError(t, err)
	assert.True(t, large.Urgent)
	assert.WithinDuration(t, time.Now(), large.ScheduledFor, time.Minute)
	queued, _ := h.queue.get(large.JobID)
	assert.True(t, queued.urgent)
	assert.WithinDuration(t, time.Now(), queued.processAt, time.Minute)
	assert.Zero(t, queued.job.DelayMs)

	flagged, err := h.payouts.SchedulePayout(context.Background(), ScheduleRequest{
		CommissionRef: "ORD-FLAG", RecipientID: "ref_1", Amount: decimal.RequireFromString("1"), Currency: "USD", Urgent: true,
	})
	require.NoError(t, err)
	queued, _ = h.queue.get(flagged.JobID)
	assert.True(t, queued.urgent)
	assert.WithinDuration(t, time.Now(), queued.processAt, time.Minute)

	seven := 7
	held, err := h.payouts.SchedulePayout(context.Background(), ScheduleRequest{
		CommissionRef: "ORD-HELD", RecipientID: "ref_1", Amount: decimal.RequireFromString("1"), Currency: "USD", Urgent: true, LockDays: &seven,
	})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), held.ScheduledFor, time.Minute)
}

func TestSchedulePayoutConfigErrors(t *testing.T) {
	h := newHarness(t)
	h.store.addReferrer("ref_2", "", model.Destination{})

	_, err := h.payouts.SchedulePayout(context.Background(), ScheduleRequest{
		CommissionRef: "ORD-1", RecipientID: "ref_2", Amount: decimal.RequireFromString("5"), Currency: "USD",
	})
	assert.True(t, payerr.IsPermanent(err))
	assert.Equal(t, payerr.CodeConfigMismatch, payerr.CodeOf(err))

	_, err = h.payouts.SchedulePayout(context.Background(), ScheduleRequest{
		CommissionRef: "ORD-2", RecipientID: "ref_1", Amount: decimal.RequireFromString("5"), Currency: "EUR",
	})
	assert.Equal(t, payerr.CodeConfigMismatch, payerr.CodeOf(err))

	_, err = h.payouts.SchedulePayout(context.Background(), ScheduleRequest{
		CommissionRef: "ORD-3", RecipientID: "ref_1", Amount: decimal.RequireFromString("5"), Currency: "usd",
	})
	assert.Equal(t, payerr.CodeInvalidInput, payerr.CodeOf(err))
}

func TestOutboxRelaySchedulesAndPublishes(t *testing.T) {
	h := newHarness(t, succeed("tr_1"))
	ctx := context.Background()
	h.queue.enqueueErr = errors.New("redis: connection refused")

	res, err := h.payouts.CreditCommission(ctx, orderCompleted("ORD-1", "5.00"))
	require.NoError(t, err)
	assert.Equal(t, CommissionCredited, res.Status)
	assert.Nil(t, res.Payout)
	assert.Empty(t, h.queue.payouts)

	h.queue.enqueueErr = nil
	relay := NewOutboxRelay(h.payouts)
	assert.Equal(t, 1, relay.RelayBatch(ctx))

	payout, err := h.store.GetPayoutByJobID(ctx, "payout:ORD-1")
	require.NoError(t, err)
	_, queued := h.queue.get(payout.JobID)
	assert.True(t, queued)
	assert.Equal(t, model.OutboxProcessed, h.store.events(model.EventScheduleRequested)[0].Status)

	require.NoError(t, h.payouts.ProcessPayout(ctx, h.job(t, payout), 1))
	assert.Equal(t, 1, relay.RelayBatch(ctx))
	assert.Equal(t, []string{model.EventPayoutCompleted + ":" + payout.PayoutID}, h.publisher.keys)
	assert.Equal(t, 0, relay.RelayBatch(ctx))
}

func TestOutboxRelayRetriesThenGivesUp(t *testing.T) {
	h := newHarness(t, succeed("tr_1"))
	ctx := context.Background()
	payout := h.schedule(t, "ORD-1", "5.00")
	require.NoError(t, h.payouts.ProcessPayout(ctx, h.job(t, payout), 1))
	h.publisher.err = errors.New("kafka: leader not available")

	relay := NewOutboxRelay(h.payouts)
	relay.RelayBatch(ctx)

	completed := h.store.events(model.EventPayoutCompleted)[0]
	assert.Equal(t, model.OutboxPending, completed.Status)
	assert.Equal(t, 1, completed.Attempts)
	assert.True(t, completed.NextAttemptAt.After(time.Now()))

	relay.maxAttempts = 2
	h.store.mu.Lock()
	h.store.findEvent(completed.EventID).NextAttemptAt = time.Now()
	h.store.mu.Unlock()
	relay.RelayBatch(ctx)

	completed = h.store.events(model.EventPayoutCompleted)[0]
	assert.Equal(t, model.OutboxFailed, completed.Status)
	assert.Contains(t, completed.LastError, "leader not available")
}

func TestOutboxRelayStartStop(t *testing.T) {
	h := newHarness(t)
	relay := NewOutboxRelay(h.payouts)

	relay.Start(context.Background())
	assert.True(t, relay.IsRunning())
	relay.Start(context.Background())
	relay.Stop()
	assert.False(t, relay.IsRunning())
	relay.Stop()
}

func TestOutboxRelayWakeDeliversBeforeNextTick(t *testing.T) {
	h := newHarness(t, succeed("tr_1"))
	ctx := context.Background()
	h.payouts.cnf.Outbox.PollIntervalSec = 3600
	h.queue.enqueueErr = errors.New("redis: connection refused")

	_, err := h.payouts.CreditCommission(ctx, orderCompleted("ORD-1", "5.00"))
	require.NoError(t, err)
	h.queue.enqueueErr = nil

	relay := NewOutboxRelay(h.payouts)
	relay.Start(ctx)
	defer relay.Stop()
	relay.Wake()
	relay.Wake()

	assert.Eventually(t, func() bool {
		events := h.store.events(model.EventScheduleRequested)
		return len(events) == 1 && events[0].Status == model.OutboxProcessed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmitCommission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.payouts.SubmitCommission(ctx, orderCompleted("ORD-1", "5.00")))
	assert.Len(t, h.queue.commissions, 1)
	assert.Equal(t, "ORD-1", h.queue.commissions[0].OrderRef)

	err := h.payouts.SubmitCommission(ctx, orderCompleted("ORD-2", "500.00"))
	assert.Equal(t, payerr.CodeInvalidInput, payerr.CodeOf(err))
	assert.Len(t, h.queue.commissions, 1)
	exists, err := h.store.CommissionExists(ctx, "ORD-1")
	require.NoError(t, err)
	assert.False(t, exists, "submitting must not credit")
}

func backdate(h *harness, payoutID string, age time.Duration) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	p := h.store.payouts[payoutID]
	p.ScheduledFor = time.Now().Add(-age)
	p.UpdatedAt = time.Now().Add(-age)
}

func TestRecoverPayoutsReenqueuesLostJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lost := h.schedule(t, "ORD-1", "5.00")
	live := h.schedule(t, "ORD-2", "5.00")
	finished := h.schedule(t, "ORD-3", "5.00")
	for _, p := range []string{lost.PayoutID, live.PayoutID, finished.PayoutID} {
		backdate(h, p, 2*time.Hour)
	}
	require.NoError(t, h.queue.DeletePayoutJob(ctx, lost))
	h.queue.setState(finished.JobID, "completed")

	recovered, err := h.payouts.RecoverPayouts(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	for _, p := range []*model.PayoutTransaction{lost, finished} {
		queued, ok := h.queue.get(p.JobID)
		require.True(t, ok)
		assert.Equal(t, "scheduled", queued.state)
		assert.WithinDuration(t, time.Now(), queued.processAt, time.Minute)
	}
}

func TestRecoverPayoutsIgnoresFreshPayouts(t *testing.T) {
	h := newHarness(t)
	payout := h.schedule(t, "ORD-1", "5.00")
	require.NoError(t, h.queue.DeletePayoutJob(context.Background(), payout))

	recovered, err := h.payouts.RecoverPayouts(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)
}

func TestGetPayoutStatus(t *testing.T) {
	h := newHarness(t, succeed("tr_1"))
	ctx := context.Background()
	payout := h.schedule(t, "ORD-1", "5.00")

	view, err := h.payouts.GetPayoutStatus(ctx, payout.PayoutID)
	require.NoError(t, err)
	require.NotNil(t, view.Job)
	assert.Equal(t, "scheduled", view.Job.State)
	assert.Nil(t, view.Ledger)

	require.NoError(t, h.payouts.ProcessPayout(ctx, h.job(t, payout), 1))
	view, err = h.payouts.GetPayoutStatus(ctx, payout.PayoutID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaid, view.Payout.Status)
	assert.Nil(t, view.Job)
	require.NotNil(t, view.Ledger)
	assert.Equal(t, "tr_1", view.Ledger.ProviderTransactionID)

	_, err = h.payouts.GetPayoutStatus(ctx, "pay_missing")
	assert.Equal(t, payerr.CodeNotFound, payerr.CodeOf(err))
}

func TestUpdateReferrerPayoutAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	referrer, err := h.payouts.UpdateReferrerPayoutAccount(ctx, "ref_new", PayoutAccountRequest{
		Provider: "Stripe", Currency: "usd", Destination: model.Destination{AccountID: "acct_9"},
	})
	require.NoError(t, err)
	assert.Equal(t, "stripe", referrer.PayoutProvider)
	assert.Equal(t, "USD", referrer.Currency)
	assert.True(t, referrer.HasPayoutAccount())

	_, err = h.payouts.UpdateReferrerPayoutAccount(ctx, "ref_new", PayoutAccountRequest{
		Provider: "wise", Currency: "USD", Destination: model.Destination{AccountID: "acct_9"},
	})
	assert.Equal(t, payerr.CodeConfigMismatch, payerr.CodeOf(err))

	_, err = h.payouts.UpdateReferrerPayoutAccount(ctx, "", PayoutAccountRequest{Provider: "stripe", Currency: "USD"})
	assert.Equal(t, payerr.CodeInvalidInput, payerr.CodeOf(err))
}

func TestRetryDelayGrowsAndIsCapped(t *testing.T) {
	first := RetryDelay(0, nil, nil)
	assert.GreaterOrEqual(t, first, 2500*time.Millisecond)
	assert.LessOrEqual(t, first, 7500*time.Millisecond)

	late := RetryDelay(30, nil, nil)
	assert.LessOrEqual(t, late, 90*time.Minute)
	assert.GreaterOrEqual(t, late, 30*time.Minute)
}

func TestNewPayoutsRequiresDependencies(t *testing.T) {
	_, err := NewPayouts(nil, Dependencies{})
	assert.Error(t, err)
	_, err = NewPayouts(testConfig(), Dependencies{DataSource: newFakeStore()})
	assert.Error(t, err)
}
