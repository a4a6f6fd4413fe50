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

// Package providers puts payment providers behind one transfer contract.
package providers

import (
	"context"

	"github.com/Whykay012/referral-payouts/model"
	"github.com/shopspring/decimal"
)

type TransferStatus string

const (
	StatusSuccess TransferStatus = "SUCCESS"
	StatusPending TransferStatus = "PENDING"
)

// TransferRequest is what callers hand to Registry.ExecuteTransfer.
// IdempotencyKey is sent to the provider on every attempt.
type TransferRequest struct {
	IdempotencyKey string
	Provider       string
	Amount         decimal.Decimal
	Currency       string
	Destination    model.Destination
	Reason         string
}

// TransferResult is the normalized provider answer. A PENDING result will
// be confirmed later through a webhook.
type TransferResult struct {
	Success      bool           `json:"success"`
	ProviderTxID string         `json:"provider_tx_id,omitempty"`
	Status       TransferStatus `json:"status"`
	Message      string         `json:"message"`
}

// Transfer is the request a Provider receives, with Amount already
// expressed in the provider's units.
type Transfer struct {
	Reference   string
	Amount      decimal.Decimal
	Currency    string
	Destination model.Destination
	Reason      string
}

// Provider is implemented by each payment provider.
type Provider interface {
	Name() string
	// ValidateDestination checks the provider specific destination fields.
	ValidateDestination(d model.Destination) error
	Transfer(ctx context.Context, t Transfer) (*TransferResult, error)
}
