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

package providers

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/Whykay012/referral-payouts/internal/breaker"
	"github.com/Whykay012/referral-payouts/internal/metrics"
	"github.com/Whykay012/referral-payouts/internal/payerr"
	"github.com/Whykay012/referral-payouts/model"
)

var tracer = otel.Tracer("payouts.providers")

var currencyCode = regexp.MustCompile(`^[A-Z]{3}$`)

// Options tunes the protection wrapped around one provider.
type Options struct {
	Breaker           breaker.Settings
	RequestsPerSecond float64
	Burst             int
}

type entry struct {
	provider Provider
	breaker  *breaker.Breaker
	limiter  *rate.Limiter
}

// Registry routes transfers to registered providers. Each provider gets its
// own circuit breaker and its own request rate limit, independent of how
// many workers call it.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	metrics *metrics.PayoutMetrics
}

func NewRegistry(m *metrics.PayoutMetrics) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		metrics: m,
	}
}

// New builds a provider by name.
func New(name string, cfg Config) (Provider, error) {
	switch name {
	case Stripe:
		return NewStripe(cfg), nil
	case Paystack:
		return NewPaystack(cfg), nil
	case Flutterwave:
		return NewFlutterwave(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

func (r *Registry) Register(p Provider, opts Options) {
	settings := opts.Breaker
	settings.Name = p.Name()
	hook := settings.OnStateChange
	settings.OnStateChange = func(name string, from, to breaker.State) {
		r.metrics.BreakerState(name, string(to))
		if hook != nil {
			hook(name, from, to)
		}
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.Name()] = &entry{
		provider: p,
		breaker:  breaker.New(settings),
		limiter:  rate.NewLimiter(limit, burst),
	}
}

// Breaker returns the breaker guarding provider, or nil.
func (r *Registry) Breaker(provider string) *breaker.Breaker {
	if e, ok := r.lookup(provider); ok {
		return e.breaker
	}
	return nil
}

func (r *Registry) lookup(provider string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[provider]
	return e, ok
}

// ValidateAccount checks that provider is configured and that d is a
// destination it can pay into.
func (r *Registry) ValidateAccount(provider string, d model.Destination) error {
	e, ok := r.lookup(provider)
	if !ok {
		return payerr.Permanentf(payerr.CodeConfigMismatch, "provider %s is not configured", provider)
	}
	if d.IsZero() {
		return payerr.Permanentf(payerr.CodeInvalidInput, "destination is required")
	}
	return e.provider.ValidateDestination(d)
}

func (req TransferRequest) validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.IdempotencyKey, validation.Required),
		validation.Field(&req.Provider, validation.Required),
		validation.Field(&req.Currency, validation.Required, validation.Match(currencyCode)),
	)
}

// ExecuteTransfer validates req, checks the provider can settle its
// currency, converts the amount and calls the provider through its breaker.
// Validation failures are permanent and happen before any network call.
func (r *Registry) ExecuteTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	ctx, span := tracer.Start(ctx, "ExecuteTransfer")
	defer span.End()
	span.SetAttributes(
		attribute.String("payout.id", req.IdempotencyKey),
		attribute.String("payout.provider", req.Provider),
	)

	if err := req.validate(); err != nil {
		return nil, payerr.Permanent(payerr.CodeInvalidInput, "invalid transfer request", err)
	}
	if !req.Amount.IsPositive() {
		return nil, payerr.Permanentf(payerr.CodeInvalidInput, "amount must be greater than zero")
	}
	if req.Destination.IsZero() {
		return nil, payerr.Permanentf(payerr.CodeInvalidInput, "destination is required")
	}
	if !SupportedCurrency(req.Currency) {
		return nil, payerr.Permanentf(payerr.CodeUnsupportedCurrency, "currency %s is not supported", req.Currency)
	}

	e, ok := r.lookup(req.Provider)
	if !ok {
		return nil, payerr.Permanentf(payerr.CodeConfigMismatch, "provider %s is not configured", req.Provider)
	}
	if !SupportsCurrency(req.Provider, req.Currency) {
		return nil, payerr.Permanentf(payerr.CodeProviderMismatch, "%s cannot settle %s", req.Provider, req.Currency)
	}
	if err := e.provider.ValidateDestination(req.Destination); err != nil {
		return nil, err
	}
	amount, err := ToProviderUnits(req.Provider, req.Currency, req.Amount)
	if err != nil {
		return nil, err
	}

	transfer := Transfer{
		Reference:   req.IdempotencyKey,
		Amount:      amount,
		Currency:    req.Currency,
		Destination: req.Destination,
		Reason:      truncateReason(req.Provider, req.Reason),
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, payerr.Transient(payerr.CodeRateLimited, fmt.Sprintf("%s request budget exhausted", req.Provider), err)
	}

	started := time.Now()
	res, err := e.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return e.provider.Transfer(ctx, transfer)
	})
	r.metrics.ObserveProviderCall(req.Provider, started)
	if err != nil {
		span.RecordError(err)
		return nil, payerr.Classify(err)
	}

	result, ok := res.(*TransferResult)
	if !ok || result == nil {
		return nil, payerr.Transientf(payerr.CodeProviderUnavailable, "%s returned no result", req.Provider)
	}
	span.SetAttributes(attribute.String("payout.provider_status", string(result.Status)))
	return result, nil
}
