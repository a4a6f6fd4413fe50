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

// Package pg_listener turns postgres NOTIFY messages into callbacks.
package pg_listener

import (
	"context"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// OutboxChannel is notified by a trigger whenever an outbox event is inserted.
const OutboxChannel = "payouts_outbox"

// NotificationHandler is called with the payload of each notification. An
// empty payload means the connection was re-established and notifications
// may have been missed.
type NotificationHandler func(payload string)

type ListenerConfig struct {
	PgConnStr string
	Channel   string
	// Interval is how often an idle connection is pinged.
	Interval time.Duration
	// Timeout bounds the reconnect backoff.
	Timeout time.Duration
}

type DBListener struct {
	config  ListenerConfig
	handler NotificationHandler
}

func NewDBListener(config ListenerConfig, handler NotificationHandler) *DBListener {
	if config.Interval <= 0 {
		config.Interval = 90 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = time.Minute
	}
	return &DBListener{
		config:  config,
		handler: handler,
	}
}

// Start listens until ctx is cancelled.
func (d *DBListener) Start(ctx context.Context) error {
	listener := pq.NewListener(d.config.PgConnStr, 10*time.Second, d.config.Timeout, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logrus.WithError(err).WithField("channel", d.config.Channel).Warn("postgres listener error")
		}
	})
	defer listener.Close()

	if err := listener.Listen(d.config.Channel); err != nil {
		return err
	}
	logrus.Infof("Listening for postgres notifications on channel '%s'", d.config.Channel)

	for {
		if !d.waitForNotification(ctx, listener) {
			return nil
		}
	}
}

func (d *DBListener) waitForNotification(ctx context.Context, listener *pq.Listener) bool {
	select {
	case <-ctx.Done():
		return false
	case n := <-listener.Notify:
		// pq sends nil after a reconnect.
		if n == nil {
			d.handler("")
			return true
		}
		d.handler(n.Extra)
	case <-time.After(d.config.Interval):
		if err := listener.Ping(); err != nil {
			logrus.WithError(err).Warn("postgres listener ping failed")
		}
	}
	return true
}
