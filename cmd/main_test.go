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
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"

	"github.com/Whykay012/referral-payouts/config"
)

func TestRedactMasksCredentials(t *testing.T) {
	cnf := config.Configuration{
		Server:    config.ServerConfig{SecretKey: "operator-key", Port: "5001"},
		Telemetry: config.TelemetryConfig{PostHogKey: "phc_123"},
		Providers: map[string]config.ProviderConfig{
			"stripe":   {SecretKey: "sk_live", WebhookSecret: "whsec", BaseURL: "https://api.stripe.com"},
			"paystack": {BaseURL: "https://api.paystack.co"},
		},
	}

	out := redact(cnf)

	assert.Equal(t, redacted, out.Server.SecretKey)
	assert.Equal(t, "5001", out.Server.Port)
	assert.Equal(t, redacted, out.Telemetry.PostHogKey)
	assert.Equal(t, redacted, out.Providers["stripe"].SecretKey)
	assert.Equal(t, redacted, out.Providers["stripe"].WebhookSecret)
	assert.Equal(t, "https://api.stripe.com", out.Providers["stripe"].BaseURL)
	assert.Empty(t, out.Providers["paystack"].SecretKey)

	assert.Equal(t, "sk_live", cnf.Providers["stripe"].SecretKey, "input must not be modified")
}

func TestConfigOnlyCommands(t *testing.T) {
	cli := NewCLI()
	find := func(args ...string) *cobra.Command {
		cmd, _, err := cli.cmd.Find(args)
		assert.NoError(t, err)
		return cmd
	}

	assert.True(t, configOnly(find("migrate", "up")))
	assert.True(t, configOnly(find("config")))
	assert.False(t, configOnly(find("start")))
	assert.False(t, configOnly(find("workers")))
	assert.False(t, configOnly(find("relay")))
}
