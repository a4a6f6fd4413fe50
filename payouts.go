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
	"embed"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/Whykay012/referral-payouts/config"
	"github.com/Whykay012/referral-payouts/database"
	"github.com/Whykay012/referral-payouts/internal/metrics"
	"github.com/Whykay012/referral-payouts/internal/notification"
	"github.com/Whykay012/referral-payouts/model"
	"github.com/Whykay012/referral-payouts/providers"
)

var tracer = otel.Tracer("payouts.service")

//go:embed sql/*.sql
var SQLFiles embed.FS

// JobInfo is what the queue knows about a payout job.
type JobInfo struct {
	ID            string    `json:"id"`
	Queue         string    `json:"queue"`
	State         string    `json:"state"`
	Retried       int       `json:"attempts_made"`
	MaxRetry      int       `json:"max_retry"`
	LastError     string    `json:"last_error,omitempty"`
	LastFailedAt  time.Time `json:"last_failed_at,omitempty"`
	NextProcessAt time.Time `json:"next_process_at,omitempty"`
}

// JobQueue delays and deduplicates payout and commission work.
type JobQueue interface {
	EnqueuePayout(ctx context.Context, job model.PayoutJob, processAt time.Time, urgent bool) error
	EnqueueCommission(ctx context.Context, req model.CommissionRequest) error
	DeletePayoutJob(ctx context.Context, payout *model.PayoutTransaction) error
	GetPayoutJob(ctx context.Context, payout *model.PayoutTransaction) (*JobInfo, error)
}

// Transferer moves money through a payment provider.
type Transferer interface {
	ExecuteTransfer(ctx context.Context, req providers.TransferRequest) (*providers.TransferResult, error)
	ValidateAccount(provider string, d model.Destination) error
}

// EventPublisher delivers relayed outbox events downstream.
type EventPublisher interface {
	Publish(ctx context.Context, eventType, key string, payload []byte) error
}

// Dependencies are the collaborators a Payouts service is built from.
type Dependencies struct {
	DataSource database.IDataSource
	Queue      JobQueue
	Transfers  Transferer
	Redis      redis.UniversalClient
	Publisher  EventPublisher
	Metrics    *metrics.PayoutMetrics
	Notifier   *notification.Notifier
}

// Payouts runs the commission to payout pipeline.
type Payouts struct {
	cnf        *config.Configuration
	datasource database.IDataSource
	queue      JobQueue
	transfers  Transferer
	redis      redis.UniversalClient
	publisher  EventPublisher
	metrics    *metrics.PayoutMetrics
	notifier   *notification.Notifier
}

// NewPayouts wires a service from explicit dependencies. Publisher, Metrics
// and Notifier are optional.
func NewPayouts(cnf *config.Configuration, deps Dependencies) (*Payouts, error) {
	switch {
	case cnf == nil:
		return nil, errors.New("configuration is required")
	case deps.DataSource == nil:
		return nil, errors.New("datasource is required")
	case deps.Queue == nil:
		return nil, errors.New("job queue is required")
	case deps.Transfers == nil:
		return nil, errors.New("transfer provider registry is required")
	case deps.Redis == nil:
		return nil, errors.New("redis client is required")
	}

	return &Payouts{
		cnf:        cnf,
		datasource: deps.DataSource,
		queue:      deps.Queue,
		transfers:  deps.Transfers,
		redis:      deps.Redis,
		publisher:  deps.Publisher,
		metrics:    deps.Metrics,
		notifier:   deps.Notifier,
	}, nil
}

// DataSource exposes the store for read paths such as the API.
func (p *Payouts) DataSource() database.IDataSource {
	return p.datasource
}
