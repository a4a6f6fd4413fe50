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
	"encoding/json"
	"time"
)

const (
	EventScheduleRequested = "payout.schedule_requested"
	EventPayoutCompleted   = "payout.completed"
	EventPayoutFailed      = "payout.failed"
	EventPayoutRefunded    = "payout.refunded"
)

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxProcessed OutboxStatus = "processed"
	OutboxFailed    OutboxStatus = "failed"
)

// OutboxEvent is a side effect recorded in the same transaction as the
// change that caused it and delivered later by the relay.
type OutboxEvent struct {
	EventID       string          `json:"event_id"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Status        OutboxStatus    `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	CreatedAt     time.Time       `json:"created_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
}

// NewOutboxEvent marshals payload into a pending event.
func NewOutboxEvent(eventType, aggregateID string, payload interface{}) (*OutboxEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	ts := now()
	return &OutboxEvent{
		EventID:       GenerateUUIDWithSuffix("evt"),
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
		Status:        OutboxPending,
		NextAttemptAt: ts,
		CreatedAt:     ts,
	}, nil
}

// PayoutEvent is the payload of payout lifecycle events.
type PayoutEvent struct {
	PayoutID          string       `json:"payout_id"`
	RecipientID       string       `json:"recipient_id"`
	Amount            string       `json:"amount"`
	Currency          string       `json:"currency"`
	Status            PayoutStatus `json:"status"`
	Provider          string       `json:"provider"`
	ProviderReference string       `json:"provider_reference,omitempty"`
	Reason            string       `json:"reason,omitempty"`
	OccurredAt        time.Time    `json:"occurred_at"`
}

func NewPayoutEvent(p *PayoutTransaction, status PayoutStatus, providerRef, reason string) PayoutEvent {
	return PayoutEvent{
		PayoutID:          p.PayoutID,
		RecipientID:       p.RecipientID,
		Amount:            p.Amount.String(),
		Currency:          p.Currency,
		Status:            status,
		Provider:          p.Provider,
		ProviderReference: providerRef,
		Reason:            reason,
		OccurredAt:        now(),
	}
}

// ScheduleRequested is the payload of EventScheduleRequested.
type ScheduleRequested struct {
	OrderRef   string `json:"order_ref"`
	ReferrerID string `json:"referrer_id"`
	EntryID    string `json:"entry_id"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	Urgent     bool   `json:"urgent,omitempty"`
}
