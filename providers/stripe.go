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
	"net/http"
	"net/url"
	"strings"

	"github.com/Whykay012/referral-payouts/internal/payerr"
	"github.com/Whykay012/referral-payouts/model"
)

type stripeProvider struct {
	http httpClient
}

func NewStripe(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.stripe.com"
	}
	return &stripeProvider{http: newHTTPClient(Stripe, cfg)}
}

func (s *stripeProvider) Name() string {
	return Stripe
}

func (s *stripeProvider) ValidateDestination(d model.Destination) error {
	if !strings.HasPrefix(d.AccountID, "acct_") {
		return payerr.Permanentf(payerr.CodeInvalidInput, "stripe destination must be a connected account id")
	}
	return nil
}

type stripeTransfer struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	Reversed bool   `json:"reversed"`
}

// Transfer creates a Connect transfer. Stripe dedups on the Idempotency-Key
// header for 24 hours; transfers settle synchronously.
func (s *stripeProvider) Transfer(ctx context.Context, t Transfer) (*TransferResult, error) {
	form := url.Values{}
	form.Set("amount", t.Amount.String())
	form.Set("currency", strings.ToLower(t.Currency))
	form.Set("destination", t.Destination.AccountID)
	form.Set("transfer_group", t.Reference)
	form.Set("metadata[payout_id]", t.Reference)
	if t.Reason != "" {
		form.Set("description", t.Reason)
	}

	req, err := s.http.newRequest(ctx, http.MethodPost, "/v1/transfers", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", t.Reference)

	body, err := s.http.do(req)
	if err != nil {
		return nil, err
	}

	var tr stripeTransfer
	if err := decodeBody(Stripe, body, &tr); err != nil {
		return nil, err
	}
	if tr.ID == "" {
		return nil, payerr.Transientf(payerr.CodeProviderUnavailable, "stripe response has no transfer id")
	}
	if tr.Reversed {
		return nil, payerr.Permanentf(payerr.CodeProviderRejected, "stripe transfer %s was reversed", tr.ID)
	}
	return &TransferResult{
		Success:      true,
		ProviderTxID: tr.ID,
		Status:       StatusSuccess,
		Message:      "transfer created",
	}, nil
}
