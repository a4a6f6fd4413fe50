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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Whykay012/referral-payouts/internal/payerr"
	"github.com/Whykay012/referral-payouts/model"
)

type flutterwaveProvider struct {
	http httpClient
}

func NewFlutterwave(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.flutterwave.com"
	}
	return &flutterwaveProvider{http: newHTTPClient(Flutterwave, cfg)}
}

func (f *flutterwaveProvider) Name() string {
	return Flutterwave
}

func (f *flutterwaveProvider) ValidateDestination(d model.Destination) error {
	if d.AccountNumber == "" || d.BankCode == "" {
		return payerr.Permanentf(payerr.CodeInvalidInput, "flutterwave destination needs account_number and bank_code")
	}
	return nil
}

type flutterwaveTransferRequest struct {
	AccountBank   string      `json:"account_bank"`
	AccountNumber string      `json:"account_number"`
	Amount        json.Number `json:"amount"`
	Narration     string      `json:"narration,omitempty"`
	Currency      string      `json:"currency"`
	Reference     string      `json:"reference"`
	DebitCurrency string      `json:"debit_currency"`
}

type flutterwaveResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID        int64  `json:"id"`
		Reference string `json:"reference"`
		Status    string `json:"status"`
	} `json:"data"`
}

// Transfer queues a bank transfer. Flutterwave dedups on the reference body
// field and almost always answers NEW, confirming by webhook.
func (f *flutterwaveProvider) Transfer(ctx context.Context, t Transfer) (*TransferResult, error) {
	payload, err := json.Marshal(flutterwaveTransferRequest{
		AccountBank:   t.Destination.BankCode,
		AccountNumber: t.Destination.AccountNumber,
		Amount:        json.Number(t.Amount.StringFixed(2)),
		Narration:     t.Reason,
		Currency:      t.Currency,
		Reference:     t.Reference,
		DebitCurrency: t.Currency,
	})
	if err != nil {
		return nil, payerr.Permanent(payerr.CodeInvalidInput, "failed to encode flutterwave transfer", err)
	}

	req, err := f.http.newRequest(ctx, http.MethodPost, "/v3/transfers", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := f.http.do(req)
	if err != nil {
		return nil, err
	}

	var resp flutterwaveResponse
	if err := decodeBody(Flutterwave, body, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		return nil, payerr.Permanentf(payerr.CodeProviderRejected, "flutterwave rejected transfer: %s", resp.Message)
	}

	txID := fmt.Sprintf("%d", resp.Data.ID)
	switch strings.ToUpper(resp.Data.Status) {
	case "SUCCESSFUL":
		return &TransferResult{Success: true, ProviderTxID: txID, Status: StatusSuccess, Message: resp.Message}, nil
	case "NEW", "PENDING":
		return &TransferResult{Success: true, ProviderTxID: txID, Status: StatusPending, Message: resp.Message}, nil
	case "FAILED":
		return nil, payerr.Permanentf(payerr.CodeProviderRejected, "flutterwave transfer %s failed", txID)
	default:
		return nil, payerr.Transientf(payerr.CodeProviderUnavailable, "flutterwave returned unknown transfer status %q", resp.Data.Status)
	}
}
