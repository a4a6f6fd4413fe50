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
	"net/http"
	"strings"

	"github.com/Whykay012/referral-payouts/internal/payerr"
	"github.com/Whykay012/referral-payouts/model"
)

type paystackProvider struct {
	http httpClient
}

func NewPaystack(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.paystack.co"
	}
	return &paystackProvider{http: newHTTPClient(Paystack, cfg)}
}

func (p *paystackProvider) Name() string {
	return Paystack
}

// ValidateDestination expects a transfer recipient code in AccountID.
func (p *paystackProvider) ValidateDestination(d model.Destination) error {
	if !strings.HasPrefix(d.AccountID, "RCP_") {
		return payerr.Permanentf(payerr.CodeInvalidInput, "paystack destination must be a transfer recipient code")
	}
	return nil
}

type paystackTransferRequest struct {
	Source    string `json:"source"`
	Amount    int64  `json:"amount"`
	Recipient string `json:"recipient"`
	Reason    string `json:"reason,omitempty"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

type paystackResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		TransferCode string `json:"transfer_code"`
		Reference    string `json:"reference"`
		Status       string `json:"status"`
	} `json:"data"`
}

// Transfer initiates a balance transfer. Paystack dedups on the reference
// body field.
func (p *paystackProvider) Transfer(ctx context.Context, t Transfer) (*TransferResult, error) {
	payload, err := json.Marshal(paystackTransferRequest{
		Source:    "balance",
		Amount:    t.Amount.IntPart(),
		Recipient: t.Destination.AccountID,
		Reason:    t.Reason,
		Currency:  t.Currency,
		Reference: t.Reference,
	})
	if err != nil {
		return nil, payerr.Permanent(payerr.CodeInvalidInput, "failed to encode paystack transfer", err)
	}

	req, err := p.http.newRequest(ctx, http.MethodPost, "/transfer", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := p.http.do(req)
	if err != nil {
		return nil, err
	}

	var resp paystackResponse
	if err := decodeBody(Paystack, body, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, payerr.Permanentf(payerr.CodeProviderRejected, "paystack rejected transfer: %s", resp.Message)
	}

	switch strings.ToLower(resp.Data.Status) {
	case "success":
		return &TransferResult{Success: true, ProviderTxID: resp.Data.TransferCode, Status: StatusSuccess, Message: resp.Message}, nil
	case "pending", "otp", "processing", "queued", "received":
		return &TransferResult{Success: true, ProviderTxID: resp.Data.TransferCode, Status: StatusPending, Message: resp.Message}, nil
	case "failed", "reversed", "abandoned", "blocked", "rejected":
		return nil, payerr.Permanentf(payerr.CodeProviderRejected, "paystack transfer %s is %s", resp.Data.TransferCode, resp.Data.Status)
	default:
		return nil, payerr.Transientf(payerr.CodeProviderUnavailable, "paystack returned unknown transfer status %q", resp.Data.Status)
	}
}
