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

	"github.com/Whykay012/referral-payouts/model"
)

const outboxColumns = `event_id, aggregate_id, event_type, payload, status, attempts, COALESCE(last_error, ''),
	next_attempt_at, created_at, processed_at`

func insertOutboxEvent(ctx context.Context, db execer, event *model.OutboxEvent) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO payouts.outbox_events
			(event_id, aggregate_id, event_type, payload, status, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, event.EventID, event.AggregateID, event.EventType, []byte(event.Payload), string(event.Status),
		event.Attempts, event.NextAttemptAt, event.CreatedAt)
	if err != nil {
		return storageErr("failed to record outbox event", err)
	}
	return nil
}

// ClaimOutboxEvents leases up to limit due events by pushing their next
// attempt past lease. Rows locked by another relay are skipped.
func (d Datasource) ClaimOutboxEvents(ctx context.Context, limit int, lease time.Duration) ([]model.OutboxEvent, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		UPDATE payouts.outbox_events
		SET next_attempt_at = NOW() + make_interval(secs => $2)
		WHERE event_id IN (
			SELECT event_id FROM payouts.outbox_events
			WHERE status = 'pending' AND next_attempt_at <= NOW()
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns, limit, lease.Seconds())
	if err != nil {
		return nil, storageErr("failed to claim outbox events", err)
	}
	defer rows.Close()

	events := []model.OutboxEvent{}
	for rows.Next() {
		var e model.OutboxEvent
		var status string
		var payload []byte
		if err := rows.Scan(&e.EventID, &e.AggregateID, &e.EventType, &payload, &status, &e.Attempts,
			&e.LastError, &e.NextAttemptAt, &e.CreatedAt, &e.ProcessedAt); err != nil {
			return nil, storageErr("failed to scan outbox event", err)
		}
		e.Status = model.OutboxStatus(status)
		e.Payload = payload
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to iterate outbox events", err)
	}
	return events, nil
}

func (d Datasource) MarkOutboxEventProcessed(ctx context.Context, eventID string) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE payouts.outbox_events
		SET status = 'processed', attempts = attempts + 1, processed_at = NOW(), last_error = NULL
		WHERE event_id = $1
	`, eventID)
	if err != nil {
		return storageErr("failed to mark outbox event processed", err)
	}
	return nil
}

func (d Datasource) MarkOutboxEventRetry(ctx context.Context, eventID, lastError string, nextAttemptAt time.Time) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE payouts.outbox_events
		SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3
		WHERE event_id = $1
	`, eventID, lastError, nextAttemptAt)
	if err != nil {
		return storageErr("failed to reschedule outbox event", err)
	}
	return nil
}

func (d Datasource) MarkOutboxEventFailed(ctx context.Context, eventID, lastError string) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE payouts.outbox_events
		SET status = 'failed', attempts = attempts + 1, last_error = $2
		WHERE event_id = $1
	`, eventID, lastError)
	if err != nil {
		return storageErr("failed to mark outbox event failed", err)
	}
	return nil
}
