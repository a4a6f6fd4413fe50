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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/Whykay012/referral-payouts/config"
	"github.com/Whykay012/referral-payouts/database"
	"github.com/Whykay012/referral-payouts/internal/payerr"
	redis_db "github.com/Whykay012/referral-payouts/internal/redis-db"
	"github.com/Whykay012/referral-payouts/model"
)

const (
	TypeProcessPayout    = "payout:process"
	TypeCreditCommission = "commission:credit"
)

const (
	retryInitialInterval = 5 * time.Second
	retryMaxInterval     = time.Hour
)

// Queue is the asynq backed JobQueue.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	cnf       *config.Configuration
}

// NewQueue connects a Queue to the configured redis.
func NewQueue(cnf *config.Configuration) (*Queue, error) {
	opt, err := redis_db.AsynqOpt(cnf.Redis.Dns, cnf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	return &Queue{
		Client:    asynq.NewClient(opt),
		Inspector: asynq.NewInspector(opt),
		cnf:       cnf,
	}, nil
}

func (q *Queue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		return err
	}
	return q.Client.Close()
}

func (q *Queue) payoutQueue(urgent bool) string {
	if urgent {
		return q.cnf.Queue.CriticalPayoutQueue
	}
	return q.cnf.Queue.PayoutQueue
}

func (q *Queue) retention() time.Duration {
	return time.Duration(q.cnf.Queue.RetentionHours) * time.Hour
}

// EnqueuePayout schedules job to run at processAt. The job id doubles as the
// asynq task id, so a second enqueue for the same payout is a no-op.
func (q *Queue) EnqueuePayout(ctx context.Context, job model.PayoutJob, processAt time.Time, urgent bool) error {
	ctx, span := tracer.Start(ctx, "EnqueuePayout")
	defer span.End()

	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	queueName := q.payoutQueue(urgent)
	task := asynq.NewTask(TypeProcessPayout, payload,
		asynq.TaskID(model.PayoutJobID(job.CommissionRef)),
		asynq.Queue(queueName),
		asynq.ProcessAt(processAt),
		asynq.MaxRetry(q.cnf.Queue.MaxRetries),
		asynq.Retention(q.retention()),
	)

	info, err := q.Client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		logrus.WithField("payout_id", job.PayoutID).Debug("payout job already enqueued")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return payerr.Transient(payerr.CodeStorage, "failed to enqueue payout job", err)
	}
	logrus.WithFields(logrus.Fields{
		"payout_id":  job.PayoutID,
		"task_id":    info.ID,
		"queue":      info.Queue,
		"process_at": info.NextProcessAt,
	}).Info("payout job enqueued")
	return nil
}

// EnqueueCommission hands an order completed event to the commission workers.
func (q *Queue) EnqueueCommission(ctx context.Context, req model.CommissionRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	task := asynq.NewTask(TypeCreditCommission, payload,
		asynq.TaskID(model.CommissionJobID(req.OrderRef)),
		asynq.Queue(q.cnf.Queue.CommissionQueue),
		asynq.MaxRetry(q.cnf.Queue.MaxRetries),
		asynq.Retention(q.retention()),
	)
	_, err = q.Client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return payerr.Transient(payerr.CodeStorage, "failed to enqueue commission", err)
	}
	return nil
}

func (q *Queue) payoutQueues(payout *model.PayoutTransaction) []string {
	primary := q.payoutQueue(payout.Urgent)
	return []string{primary, q.payoutQueue(!payout.Urgent)}
}

// DeletePayoutJob removes a payout's job if it has not started.
func (q *Queue) DeletePayoutJob(ctx context.Context, payout *model.PayoutTransaction) error {
	var lastErr error
	for _, queueName := range q.payoutQueues(payout) {
		err := q.Inspector.DeleteTask(queueName, payout.JobID)
		if err == nil {
			return nil
		}
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			continue
		}
		lastErr = err
	}
	return lastErr
}

// GetPayoutJob reports the queue state of a payout's job.
func (q *Queue) GetPayoutJob(ctx context.Context, payout *model.PayoutTransaction) (*JobInfo, error) {
	for _, queueName := range q.payoutQueues(payout) {
		info, err := q.Inspector.GetTaskInfo(queueName, payout.JobID)
		if err != nil {
			if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
				continue
			}
			return nil, err
		}
		return &JobInfo{
			ID:            info.ID,
			Queue:         info.Queue,
			State:         info.State.String(),
			Retried:       info.Retried,
			MaxRetry:      info.MaxRetry,
			LastError:     info.LastErr,
			LastFailedAt:  info.LastFailedAt,
			NextProcessAt: info.NextProcessAt,
		}, nil
	}
	return nil, payerr.Permanentf(payerr.CodeNotFound, "no job for payout %s", payout.PayoutID)
}

// RetryDelay is the asynq retry delay: exponential from five seconds, capped
// at an hour, with jitter.
func RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	return exponentialDelay(n, retryInitialInterval, retryMaxInterval)
}

func exponentialDelay(n int, initial, max time.Duration) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < n; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// HandlePayoutTask is the asynq handler for TypeProcessPayout.
func (p *Payouts) HandlePayoutTask(ctx context.Context, task *asynq.Task) error {
	job, err := model.DecodePayoutJob(task.Payload())
	if err != nil {
		logrus.WithError(err).Error("dropping malformed payout job")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	attempt, _ := asynq.GetRetryCount(ctx)

	err = p.ProcessPayout(ctx, job, attempt+1)
	if err != nil && payerr.IsPermanent(err) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// HandleCommissionTask is the asynq handler for TypeCreditCommission.
func (p *Payouts) HandleCommissionTask(ctx context.Context, task *asynq.Task) error {
	var req model.CommissionRequest
	if err := json.Unmarshal(task.Payload(), &req); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	_, err := p.CreditCommission(ctx, req)
	if err != nil && payerr.IsPermanent(err) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// HandleTaskError is the asynq ErrorHandler. Once a payout job has used its
// last retry the payout is failed and surfaced to an operator instead of
// being dropped.
func (p *Payouts) HandleTaskError(ctx context.Context, task *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	logger := logrus.WithFields(logrus.Fields{"task_type": task.Type(), "retried": retried, "max_retry": maxRetry})
	logger.WithError(err).Warn("task failed")

	if task.Type() != TypeProcessPayout || errors.Is(err, asynq.SkipRetry) || retried < maxRetry {
		return
	}
	job, decodeErr := model.DecodePayoutJob(task.Payload())
	if decodeErr != nil {
		return
	}
	if exhaustErr := p.ExhaustPayout(ctx, job.PayoutID, err); exhaustErr != nil {
		logger.WithError(exhaustErr).WithField("payout_id", job.PayoutID).Error("failed to record exhausted payout")
	}
}

// ExhaustPayout fails a payout whose transient errors outlasted the retry
// budget.
func (p *Payouts) ExhaustPayout(ctx context.Context, payoutID string, lastErr error) error {
	payout, err := p.datasource.GetPayoutByID(ctx, payoutID)
	if err != nil {
		return err
	}
	if payout.Status.IsTerminal() {
		return p.ensurePayoutLedger(ctx, payout)
	}
	if payout.Status == model.StatusPendingProvider {
		return nil
	}

	reason := "retries exhausted: " + payerr.Reason(lastErr)
	event, err := model.NewOutboxEvent(model.EventPayoutFailed, payout.PayoutID,
		model.NewPayoutEvent(payout, model.StatusFailed, payout.ProviderReference, reason))
	if err != nil {
		return err
	}
	updated, applied, err := p.datasource.TransitionPayout(ctx, payoutID, database.Transition{
		To:            model.StatusFailed,
		Reason:        "retries exhausted",
		FailureReason: reason,
		Event:         event,
	})
	if err != nil {
		return err
	}
	if !applied {
		return p.ensurePayoutLedger(ctx, updated)
	}

	entry := model.LedgerFromPayout(updated, model.LedgerFailed, "", reason)
	if _, err := p.datasource.InsertPayoutLedger(ctx, &entry); err != nil {
		return err
	}
	p.metrics.PayoutOutcome(payout.Provider, "exhausted")
	p.notifier.NotifyError(errors.New(reason), logrus.Fields{"payout_id": payoutID})
	return nil
}
