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
	"fmt"
	"log"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	payouts "github.com/Whykay012/referral-payouts"
	"github.com/Whykay012/referral-payouts/config"
	"github.com/Whykay012/referral-payouts/database"
	"github.com/Whykay012/referral-payouts/internal/breaker"
	"github.com/Whykay012/referral-payouts/internal/cache"
	"github.com/Whykay012/referral-payouts/internal/events"
	"github.com/Whykay012/referral-payouts/internal/metrics"
	"github.com/Whykay012/referral-payouts/internal/notification"
	redis_db "github.com/Whykay012/referral-payouts/internal/redis-db"
	"github.com/Whykay012/referral-payouts/providers"
)

// Payouts represents the CLI application, encapsulating the root Cobra command.
type Payouts struct {
	cmd *cobra.Command
}

// payoutsInstance holds everything a command needs at runtime.
type payoutsInstance struct {
	payouts   *payouts.Payouts
	cnf       *config.Configuration
	queue     *payouts.Queue
	redis     redis.UniversalClient
	publisher *events.KafkaPublisher
	registry  *prometheus.Registry
}

func (p *payoutsInstance) close() {
	if p.queue != nil {
		_ = p.queue.Close()
	}
	if p.publisher != nil {
		_ = p.publisher.Close()
	}
	if p.redis != nil {
		_ = p.redis.Close()
	}
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and wires the pipeline before any command
// runs. Migrations and config only need the configuration.
func preRun(app *payoutsInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf

		if configOnly(cmd) {
			return nil
		}

		if err := setupPayouts(app); err != nil {
			notification.New(cnf.Notification.Slack.WebhookUrl).NotifyError(err, logrus.Fields{"stage": "startup"})
			log.Fatal(err)
		}
		return nil
	}
}

func configOnly(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Name() == "migrate" || c.Name() == "config" {
			return true
		}
	}
	return false
}

// setupPayouts connects the datasource, redis, the queue and every
// configured provider, then builds the pipeline from them.
func setupPayouts(app *payoutsInstance) error {
	cnf := app.cnf

	db, err := database.NewDataSource(cnf.DataSource.Dns)
	if err != nil {
		return fmt.Errorf("error getting datasource: %v", err)
	}

	rdb, err := redis_db.NewRedisClient(cnf.Redis.Dns, cnf.Redis.SkipTLSVerify)
	if err != nil {
		return fmt.Errorf("error connecting to redis: %v", err)
	}
	app.redis = rdb

	ttl := time.Duration(cnf.ReferrerCacheTTLSec) * time.Second
	ds := database.NewCachedDataSource(db, cache.NewRedisCache(rdb), ttl)

	queue, err := payouts.NewQueue(cnf)
	if err != nil {
		return fmt.Errorf("error creating queue: %v", err)
	}
	app.queue = queue

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewPayoutMetrics(app.registry)

	registry, err := setupProviders(cnf, m)
	if err != nil {
		return err
	}

	deps := payouts.Dependencies{
		DataSource: ds,
		Queue:      queue,
		Transfers:  registry,
		Redis:      rdb,
		Metrics:    m,
		Notifier:   notification.New(cnf.Notification.Slack.WebhookUrl),
	}
	if len(cnf.Kafka.Brokers) > 0 {
		app.publisher = events.NewKafkaPublisher(cnf.Kafka.Brokers, cnf.Kafka.Topic)
		deps.Publisher = app.publisher
	}

	app.payouts, err = payouts.NewPayouts(cnf, deps)
	if err != nil {
		return fmt.Errorf("error creating payouts: %v", err)
	}
	return nil
}

func setupProviders(cnf *config.Configuration, m *metrics.PayoutMetrics) (*providers.Registry, error) {
	registry := providers.NewRegistry(m)
	settings := breaker.Settings{
		WindowSize:               cnf.Breaker.WindowSize,
		MinRequests:              cnf.Breaker.MinRequests,
		ErrorThreshold:           cnf.Breaker.ErrorThreshold,
		ResetTimeout:             time.Duration(cnf.Breaker.ResetTimeoutSec) * time.Second,
		HalfOpenSuccessThreshold: cnf.Breaker.HalfOpenSuccessThreshold,
		CallTimeout:              time.Duration(cnf.Breaker.CallTimeoutSec) * time.Second,
		OnStateChange: func(name string, from, to breaker.State) {
			logrus.WithFields(logrus.Fields{"provider": name, "from": from, "to": to}).Warn("circuit breaker state changed")
		},
	}

	for name, pc := range cnf.Providers {
		provider, err := providers.New(name, providers.Config{
			BaseURL:   pc.BaseURL,
			SecretKey: pc.SecretKey,
			Timeout:   time.Duration(pc.TimeoutSec) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		registry.Register(provider, providers.Options{
			Breaker:           settings,
			RequestsPerSecond: pc.RequestsPerSecond,
			Burst:             pc.Burst,
		})
	}
	return registry, nil
}

// NewCLI creates the command-line interface with the server, workers, relay
// and migrate subcommands.
func NewCLI() *Payouts {
	var configFile string
	p := &payoutsInstance{}

	var rootCmd = &cobra.Command{
		Use:   "payouts",
		Short: "Referral commission payouts",
		Run:   func(cmd *cobra.Command, args []string) {},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			p.close()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./payouts.json", "Configuration file for referral payouts")
	rootCmd.PersistentPreRunE = preRun(p, &configFile)

	rootCmd.AddCommand(serverCommands(p))
	rootCmd.AddCommand(workerCommands(p))
	rootCmd.AddCommand(relayCommands(p))
	rootCmd.AddCommand(migrateCommands(p))
	rootCmd.AddCommand(configCommands(p))

	return &Payouts{cmd: rootCmd}
}

func (w Payouts) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
