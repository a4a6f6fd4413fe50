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
	"errors"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Referrer is the aggregate that accrues commission for one user.
type Referrer struct {
	ReferrerID      string          `json:"referrer_id"`
	TotalCommission decimal.Decimal `json:"total_commission"`
	Currency        string          `json:"currency"`
	PayoutProvider  string          `json:"payout_provider"`
	PayoutAccount   *Destination    `json:"payout_account,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// HasPayoutAccount reports whether the referrer can receive transfers.
func (r *Referrer) HasPayoutAccount() bool {
	return r != nil && r.PayoutProvider != "" && r.PayoutAccount != nil && !r.PayoutAccount.IsZero()
}

// CommissionLedgerEntry records one credited commission. Exactly one entry
// exists per order reference; it is never updated except to link the payout
// that settles it.
type CommissionLedgerEntry struct {
	EntryID          string          `json:"entry_id"`
	ReferrerID       string          `json:"referrer_id"`
	ReferredUserID   string          `json:"referred_user_id"`
	OrderRef         string          `json:"order_ref"`
	CommissionRate   decimal.Decimal `json:"commission_rate"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
	OrderTotal       decimal.Decimal `json:"order_total"`
	Currency         string          `json:"currency"`
	PayoutID         *string         `json:"payout_id,omitempty"`
	CreditedAt       time.Time       `json:"credited_at"`
}

// CommissionRequest is the "order completed" event that funds a commission.
type CommissionRequest struct {
	ReferrerID       string          `json:"referrer_id"`
	ReferredUserID   string          `json:"referred_user_id"`
	OrderRef         string          `json:"order_ref"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
	OrderTotal       decimal.Decimal `json:"order_total"`
	Currency         string          `json:"currency,omitempty"`
	Urgent           bool            `json:"urgent,omitempty"`
}

func (r CommissionRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ReferrerID, validation.Required, validation.By(func(value interface{}) error {
			if strings.EqualFold(r.ReferrerID, r.ReferredUserID) {
				return errors.New("cannot refer themselves")
			}
			return nil
		})),
		validation.Field(&r.ReferredUserID, validation.Required),
		validation.Field(&r.OrderRef, validation.Required, validation.Length(1, 128)),
		validation.Field(&r.CommissionAmount, validation.By(positiveDecimal)),
		validation.Field(&r.OrderTotal, validation.By(positiveDecimal), validation.By(func(value interface{}) error {
			total := value.(decimal.Decimal)
			if r.CommissionAmount.GreaterThan(total) {
				return errors.New("must not be less than the commission amount")
			}
			return nil
		})),
		validation.Field(&r.Currency, validation.When(r.Currency != "", validation.Match(currencyPattern))),
	)
}

// Rate is the commission as a fraction of the order total.
func (r CommissionRequest) Rate() decimal.Decimal {
	if r.OrderTotal.IsZero() {
		return decimal.Zero
	}
	return RoundMoney(r.CommissionAmount.Div(r.OrderTotal))
}

// ToEntry builds the ledger entry credited for this request.
func (r CommissionRequest) ToEntry(currency string) CommissionLedgerEntry {
	return CommissionLedgerEntry{
		EntryID:          GenerateUUIDWithSuffix("cmn"),
		ReferrerID:       r.ReferrerID,
		ReferredUserID:   r.ReferredUserID,
		OrderRef:         r.OrderRef,
		CommissionRate:   r.Rate(),
		CommissionAmount: RoundMoney(r.CommissionAmount),
		OrderTotal:       RoundMoney(r.OrderTotal),
		Currency:         currency,
		CreditedAt:       now(),
	}
}

func positiveDecimal(value interface{}) error {
	d, ok := value.(decimal.Decimal)
	if !ok {
		return errors.New("must be a decimal")
	}
	if !d.IsPositive() {
		return errors.New("must be greater than zero")
	}
	return nil
}
