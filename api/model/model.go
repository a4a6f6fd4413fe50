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
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	payouts "github.com/Whykay012/referral-payouts"
	"github.com/Whykay012/referral-payouts/model"
)

type CancelPayout struct {
	Reason string `json:"reason"`
}

func (c CancelPayout) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Reason, validation.Length(0, 255)),
	)
}

type PayoutAccount struct {
	Provider    string            `json:"provider"`
	Currency    string            `json:"currency"`
	Destination model.Destination `json:"destination"`
}

func (a PayoutAccount) ToRequest() payouts.PayoutAccountRequest {
	return payouts.PayoutAccountRequest{
		Provider:    a.Provider,
		Currency:    a.Currency,
		Destination: a.Destination,
	}
}

// RecoverPayouts asks for an immediate reconciliation pass. A zero threshold
// uses the configured one.
type RecoverPayouts struct {
	ThresholdMinutes int `json:"threshold_minutes"`
}

func (r RecoverPayouts) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ThresholdMinutes, validation.Min(0)),
	)
}

func (r RecoverPayouts) Threshold(fallback time.Duration) time.Duration {
	if r.ThresholdMinutes == 0 {
		return fallback
	}
	return time.Duration(r.ThresholdMinutes) * time.Minute
}

type RecoverPayoutsResponse struct {
	Recovered int `json:"recovered"`
}
