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
	"encoding/json"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/Whykay012/referral-payouts/config"
)

const redacted = "********"

// redact returns a copy of cnf with every credential masked.
func redact(cnf config.Configuration) config.Configuration {
	if cnf.Server.SecretKey != "" {
		cnf.Server.SecretKey = redacted
	}
	if cnf.Telemetry.PostHogKey != "" {
		cnf.Telemetry.PostHogKey = redacted
	}
	providers := make(map[string]config.ProviderConfig, len(cnf.Providers))
	for name, pc := range cnf.Providers {
		if pc.SecretKey != "" {
			pc.SecretKey = redacted
		}
		if pc.WebhookSecret != "" {
			pc.WebhookSecret = redacted
		}
		providers[name] = pc
	}
	cnf.Providers = providers
	return cnf
}

func configCommands(p *payoutsInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "config outputs your instances computed configuration",
		Run: func(cmd *cobra.Command, args []string) {
			data, err := json.MarshalIndent(redact(*p.cnf), "", "    ")
			if err != nil {
				log.Fatalf("Error printing config: %v\n", err)
			}

			fmt.Println(string(data))
		},
	}
	return cmd
}
