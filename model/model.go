package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GenerateUUIDWithSuffix generates a UUID prefixed with the given module name.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}

// PayoutJobID derives the queue dedup key for a commission. The same
// commission always maps to the same job.
func PayoutJobID(commissionRef string) string {
	return fmt.Sprintf("payout:%s", commissionRef)
}

// CommissionJobID is the queue dedup key for crediting one order.
func CommissionJobID(orderRef string) string {
	return fmt.Sprintf("commission:%s", orderRef)
}

// MoneyPlaces is the scale every stored amount is rounded to.
const MoneyPlaces = 4

// RoundMoney rounds d to the stored scale.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

func now() time.Time {
	return time.Now().UTC()
}
