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

package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Whykay012/referral-payouts/internal/payerr"
)

const (
	Stripe      = "stripe"
	Paystack    = "paystack"
	Flutterwave = "flutterwave"
)

const maxResponseBytes = 1 << 20

// Config is the per provider connection settings.
type Config struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
}

type httpClient struct {
	name    string
	baseURL string
	secret  string
	client  *http.Client
}

func newHTTPClient(name string, cfg Config) httpClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return httpClient{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		secret:  cfg.SecretKey,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c httpClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, payerr.Permanent(payerr.CodeConfigMismatch, fmt.Sprintf("failed to create %s request", c.name), err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	return req, nil
}

// do sends req and returns the body of a 2xx response. Any other outcome is
// returned as a classified error.
func (c httpClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, payerr.Transient(payerr.CodeNetwork, fmt.Sprintf("%s request failed", c.name), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, payerr.Transient(payerr.CodeNetwork, fmt.Sprintf("failed to read %s response", c.name), err)
	}
	if err := classifyStatus(c.name, resp.StatusCode, body); err != nil {
		return body, err
	}
	return body, nil
}

// classifyStatus maps a provider HTTP status onto the error taxonomy.
// Rate limiting, timeouts, conflicts on an in-flight idempotency key and
// server errors may succeed later; any other 4xx will not.
func classifyStatus(provider string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := extractMessage(body)
	switch {
	case status == http.StatusTooManyRequests:
		return payerr.Transientf(payerr.CodeRateLimited, "%s rate limited the request: %s", provider, msg)
	case status == http.StatusRequestTimeout, status == http.StatusConflict, status >= 500:
		return payerr.Transientf(payerr.CodeProviderUnavailable, "%s returned %d: %s", provider, status, msg)
	case strings.Contains(strings.ToLower(msg), "currency"):
		return payerr.Permanentf(payerr.CodeUnsupportedCurrency, "%s returned %d: %s", provider, status, msg)
	default:
		return payerr.Permanentf(payerr.CodeProviderRejected, "%s returned %d: %s", provider, status, msg)
	}
}

func extractMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error.Message != "" {
			return parsed.Error.Message
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

func decodeBody(provider string, body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		// A 2xx we cannot read may still have moved money. Retrying with the
		// same reference is safe, so this is transient.
		return payerr.Transient(payerr.CodeProviderUnavailable, fmt.Sprintf("unreadable %s response", provider), err)
	}
	return nil
}
