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

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PayoutMetrics holds the collectors exported by workers and the API.
// A nil *PayoutMetrics is valid and records nothing.
type PayoutMetrics struct {
	PayoutsTotal            *prometheus.CounterVec
	CommissionsTotal        *prometheus.CounterVec
	ProviderRequestDuration *prometheus.HistogramVec
	CircuitBreakerState     *prometheus.GaugeVec
	OutboxEventsTotal       *prometheus.CounterVec
}

func NewPayoutMetrics(reg prometheus.Registerer) *PayoutMetrics {
	factory := promauto.With(reg)
	return &PayoutMetrics{
		PayoutsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payouts_total",
			Help: "Payout attempts by provider and outcome",
		}, []string{"provider", "outcome"}),
		CommissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "commissions_total",
			Help: "Commission credit requests by result",
		}, []string{"result"}),
		ProviderRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Latency of transfer calls to payment providers",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		CircuitBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "0 closed, 1 half open, 2 open",
		}, []string{"provider"}),
		OutboxEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_events_total",
			Help: "Outbox events relayed by type and result",
		}, []string{"type", "result"}),
	}
}

func (m *PayoutMetrics) PayoutOutcome(provider, outcome string) {
	if m == nil {
		return
	}
	m.PayoutsTotal.WithLabelValues(provider, outcome).Inc()
}

func (m *PayoutMetrics) Commission(result string) {
	if m == nil {
		return
	}
	m.CommissionsTotal.WithLabelValues(result).Inc()
}

func (m *PayoutMetrics) ObserveProviderCall(provider string, started time.Time) {
	if m == nil {
		return
	}
	m.ProviderRequestDuration.WithLabelValues(provider).Observe(time.Since(started).Seconds())
}

// BreakerState records the breaker state of provider as 0, 1 or 2.
func (m *PayoutMetrics) BreakerState(provider string, state string) {
	if m == nil {
		return
	}
	value := 0.0
	switch state {
	case "HALF_OPEN":
		value = 1
	case "OPEN":
		value = 2
	}
	m.CircuitBreakerState.WithLabelValues(provider).Set(value)
}

func (m *PayoutMetrics) OutboxEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.OutboxEventsTotal.WithLabelValues(eventType, result).Inc()
}
