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
	"github.com/Whykay012/referral-payouts/internal/payerr"
	"github.com/shopspring/decimal"
)

// unit describes how a provider expects an amount in one currency:
// multiplied by multiplier, with at most places decimals left.
type unit struct {
	multiplier int64
	places     int32
}

var (
	minor      = unit{multiplier: 100, places: 0}
	zeroMinor  = unit{multiplier: 1, places: 0}
	majorUnits = unit{multiplier: 1, places: 2}
)

// units is keyed by provider then currency. A currency missing from a
// provider's row cannot be settled by that provider.
var units = map[string]map[string]unit{
	Stripe: {
		"USD": minor,
		"EUR": minor,
		"GBP": minor,
		"JPY": zeroMinor,
	},
	Paystack: {
		"NGN": minor,
	},
	Flutterwave: {
		"NGN": majorUnits,
		"GHS": majorUnits,
		"KES": majorUnits,
		"USD": majorUnits,
	},
}

// reasonLimits caps the narration each provider accepts.
var reasonLimits = map[string]int{
	Stripe:      22,
	Paystack:    50,
	Flutterwave: 40,
}

// SupportedCurrency reports whether any provider can settle currency.
func SupportedCurrency(currency string) bool {
	for _, row := range units {
		if _, ok := row[currency]; ok {
			return true
		}
	}
	return false
}

// SupportsCurrency reports whether provider can settle currency.
func SupportsCurrency(provider, currency string) bool {
	_, ok := units[provider][currency]
	return ok
}

// ToProviderUnits converts amount into the units provider expects.
func ToProviderUnits(provider, currency string, amount decimal.Decimal) (decimal.Decimal, error) {
	u, ok := units[provider][currency]
	if !ok {
		return decimal.Zero, payerr.Permanentf(payerr.CodeProviderMismatch, "%s cannot settle %s", provider, currency)
	}
	converted := amount.Mul(decimal.NewFromInt(u.multiplier))
	if !converted.Equal(converted.Truncate(u.places)) {
		return decimal.Zero, payerr.Permanentf(payerr.CodeInvalidInput, "amount %s %s is more precise than %s allows", amount, currency, provider)
	}
	return converted.Truncate(u.places), nil
}

func truncateReason(provider, reason string) string {
	limit, ok := reasonLimits[provider]
	runes := []rune(reason)
	if !ok || len(runes) <= limit {
		return reason
	}
	return string(runes[:limit])
}
