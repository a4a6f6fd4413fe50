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

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	payouts "github.com/Whykay012/referral-payouts"
	pg_listener "github.com/Whykay012/referral-payouts/internal/pg-listener"
)

// relayCommands defines the "relay" command that delivers outbox events and
// re-enqueues payouts whose queue job was lost. Inserted outbox events wake
// the relay through postgres notifications; polling covers missed ones.
func relayCommands(p *payoutsInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "start the outbox relay and payout reconciler",
		Run: func(cmd *cobra.Command, args []string) {
			err := withObservability(p.cnf, "relay", func(ctx context.Context) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				relay := payouts.NewOutboxRelay(p.payouts)
				reconciler := payouts.NewReconciler(p.payouts)
				relay.Start(ctx)
				reconciler.Start(ctx)
				logrus.Info("outbox relay and reconciler started")

				listener := pg_listener.NewDBListener(pg_listener.ListenerConfig{
					PgConnStr: p.cnf.DataSource.Dns,
					Channel:   pg_listener.OutboxChannel,
				}, func(string) { relay.Wake() })
				go func() {
					if err := listener.Start(ctx); err != nil {
						logrus.WithError(err).Warn("outbox notifications unavailable, relying on polling")
					}
				}()

				<-ctx.Done()
				logrus.Info("shutting down outbox relay and reconciler")
				relay.Stop()
				reconciler.Stop()
				return nil
			})
			if err != nil {
				log.Fatal(err)
			}
		},
	}

	return cmd
}
