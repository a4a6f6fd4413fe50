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

package model

import (
	"bytes"
	"encoding/json"
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

// Destination identifies where a provider should send money. It decodes
// from either a bare account id string or a full object.
type Destination struct {
	AccountID     string            `json:"account_id,omitempty"`
	AccountNumber string            `json:"account_number,omitempty"`
	BankCode      string            `json:"bank_code,omitempty"`
	AccountName   string            `json:"account_name,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (d *Destination) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*d = Destination{AccountID: id}
		return nil
	}

	type plain Destination
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*d = Destination(p)
	return nil
}

func (d Destination) IsZero() bool {
	return d.AccountID == "" && d.AccountNumber == ""
}

// PayoutJob is the payload handed from the scheduler to the orchestrator.
type PayoutJob struct {
	PayoutID        string          `json:"payout_id"`
	RecipientID     string          `json:"recipient_id"`
	SourceAccountID string          `json:"source_account_id"`
	CommissionRef   string          `json:"commission_ref,omitempty"`
	OrderID         string          `json:"order_id,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Reason          string          `json:"reason,omitempty"`
	Provider        string          `json:"provider"`
	ProviderAccount Destination     `json:"provider_account"`
	DelayMs         int64           `json:"delay_ms,omitempty"`
}

func (j PayoutJob) Validate() error {
	return validation.ValidateStruct(&j,
		validation.Field(&j.PayoutID, validation.Required),
		validation.Field(&j.RecipientID, validation.Required),
		validation.Field(&j.SourceAccountID, validation.Required),
		validation.Field(&j.Amount, validation.By(positiveDecimal)),
		validation.Field(&j.Currency, validation.Required, validation.Match(currencyPattern)),
		validation.Field(&j.Provider, validation.Required),
		validation.Field(&j.ProviderAccount, validation.By(func(value interface{}) error {
			if value.(Destination).IsZero() {
				return errors.New("cannot be blank")
			}
			return nil
		})),
		validation.Field(&j.DelayMs, validation.Min(int64(0))),
	)
}

// DecodePayoutJob parses and validates a queue payload.
func DecodePayoutJob(payload []byte) (PayoutJob, error) {
	var job PayoutJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return job, err
	}
	return job, job.Validate()
}
