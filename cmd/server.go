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

	"github.com/caddyserver/certmagic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"github.com/spf13/cobra"

	"github.com/Whykay012/referral-payouts/api"
	"github.com/Whykay012/referral-payouts/config"
	trace "github.com/Whykay012/referral-payouts/internal/traces"
)

/*
serveTLS starts an HTTPS server using CertMagic for automatic certificate
management. Without a domain it falls back to localhost.
*/
func serveTLS(r *gin.Engine, conf config.ServerConfig) error {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()
	cfg.Storage = &certmagic.FileStorage{Path: "certmagic"}

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		log.Println("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}

	if err := cfg.ManageSync(context.Background(), domains); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              ":" + conf.Port,
		Handler:           r,
		TLSConfig:         cfg.TLSConfig(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("Starting HTTPS server on %s\n", conf.Port)
	if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTPS server: %v", err)
	}
	return nil
}

// sendHeartbeat reports liveness to PostHog every five minutes.
func sendHeartbeat(client posthog.Client, heartbeatID, component string) {
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		for range ticker.C {
			if err := client.Enqueue(posthog.Capture{
				DistinctId: heartbeatID,
				Event:      "server_heartbeat",
				Properties: map[string]interface{}{
					"component": component,
					"timestamp": time.Now().UTC(),
				},
			}); err != nil {
				log.Printf("Failed to send heartbeat: %v", err)
			}
		}
	}()
}

func initializeRouter(p *payoutsInstance) *gin.Engine {
	return api.NewAPI(p.payouts, p.cnf, p.registry).Router()
}

func initializeTracing(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	shutdown, err := trace.SetupOTelSDK(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("error setting up OTel SDK: %v", err)
	}
	return shutdown, nil
}

func initializePostHog(cfg *config.Configuration, component string) posthog.Client {
	if cfg.Telemetry.PostHogKey == "" {
		return nil
	}
	client, err := posthog.NewWithConfig(cfg.Telemetry.PostHogKey,
		posthog.Config{Endpoint: cfg.Telemetry.PostHogEndpoint})
	if err != nil {
		log.Printf("PostHog disabled: %v", err)
		return nil
	}
	sendHeartbeat(client, uuid.New().String(), component)
	return client
}

func startServer(router *gin.Engine, cfg config.ServerConfig) error {
	if cfg.SSL {
		return serveTLS(router, cfg)
	}
	log.Printf("Starting server on http://localhost:%s", cfg.Port)
	return router.Run(":" + cfg.Port)
}

// initializeObservability starts tracing and the telemetry heartbeat when
// telemetry is enabled. The returned shutdown is never nil.
func initializeObservability(ctx context.Context, cfg *config.Configuration, component string) (posthog.Client, func(context.Context) error, error) {
	if !cfg.EnableTelemetry {
		return nil, func(context.Context) error { return nil }, nil
	}

	shutdown, err := initializeTracing(ctx, cfg.ProjectName)
	if err != nil {
		return nil, nil, err
	}

	return initializePostHog(cfg, component), shutdown, nil
}

// withObservability runs fn with tracing and telemetry set up around it.
func withObservability(cfg *config.Configuration, component string, fn func(ctx context.Context) error) error {
	ctx := context.Background()
	phClient, shutdown, err := initializeObservability(ctx, cfg, component)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(ctx); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	}()
	if phClient != nil {
		defer phClient.Close()
	}
	return fn(ctx)
}

// serverCommands returns the command that serves the operator and webhook API.
func serverCommands(p *payoutsInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start payouts server",
		Run: func(cmd *cobra.Command, args []string) {
			err := withObservability(p.cnf, "server", func(ctx context.Context) error {
				return startServer(initializeRouter(p), p.cnf.Server)
			})
			if err != nil {
				log.Fatal(err)
			}
		},
	}

	return cmd
}
