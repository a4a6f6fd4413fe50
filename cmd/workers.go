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
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"

	payouts "github.com/Whykay012/referral-payouts"
	"github.com/Whykay012/referral-payouts/config"
	redis_db "github.com/Whykay012/referral-payouts/internal/redis-db"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// initializeQueues weights critical payouts above regular ones so large
// transfers are not stuck behind a backlog.
func initializeQueues(cfg *config.Configuration) map[string]int {
	return map[string]int{
		cfg.Queue.CriticalPayoutQueue: 6,
		cfg.Queue.PayoutQueue:         3,
		cfg.Queue.CommissionQueue:     1,
	}
}

func initializeWorkerServer(p *payoutsInstance) (*asynq.Server, error) {
	conf := p.cnf
	redisOption, err := redis_db.AsynqOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		redisOption,
		asynq.Config{
			Concurrency:     conf.Queue.PayoutWorkers + conf.Queue.CommissionWorkers,
			Queues:          initializeQueues(conf),
			RetryDelayFunc:  payouts.RetryDelay,
			ErrorHandler:    asynq.ErrorHandlerFunc(p.payouts.HandleTaskError),
			ShutdownTimeout: 30 * time.Second,
			Logger:          logrus.StandardLogger(),
		},
	), nil
}

func initializeTaskHandlers(p *payoutsInstance, mux *asynq.ServeMux) {
	mux.HandleFunc(payouts.TypeProcessPayout, p.payouts.HandlePayoutTask)
	mux.HandleFunc(payouts.TypeCreditCommission, p.payouts.HandleCommissionTask)
}

// startMonitoring serves the asynqmon dashboard for the payout queues.
func startMonitoring(conf *config.Configuration) {
	redisOption, err := redis_db.AsynqOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Printf("monitoring disabled: %v", err)
		return
	}
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: redisOption,
	})

	go func() {
		monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
		log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
		if err := http.ListenAndServe(monitoringAddr, h); err != nil {
			log.Printf("could not start asynqmon server: %v", err)
		}
	}()
}

// workerCommands defines the "workers" command that processes commission and
// payout tasks.
func workerCommands(p *payoutsInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start payouts workers",
		Run: func(cmd *cobra.Command, args []string) {
			err := withObservability(p.cnf, "workers", func(ctx context.Context) error {
				srv, err := initializeWorkerServer(p)
				if err != nil {
					return err
				}

				mux := asynq.NewServeMux()
				initializeTaskHandlers(p, mux)

				startMonitoring(p.cnf)

				if err := srv.Run(mux); err != nil {
					return fmt.Errorf("could not run server: %v", err)
				}
				return nil
			})
			if err != nil {
				log.Fatal(err)
			}
		},
	}

	return cmd
}
