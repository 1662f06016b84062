package dues

import (
	"github.com/shopspring/decimal"

	"chapter_dues/internal/models"
)

// FeeSchedule holds the processing fee rates per method class
type FeeSchedule struct {
	CardRate  decimal.Decimal
	CardFixed decimal.Decimal
	BankFlat  decimal.Decimal
}

// DefaultFeeSchedule is 2.9% + 0.30 for cards and a flat 0.80 for bank transfers
var DefaultFeeSchedule = FeeSchedule{
	CardRate:  decimal.RequireFromString("0.029"),
	CardFixed: decimal.RequireFromString("0.30"),
	BankFlat:  decimal.RequireFromString("0.80"),
}

// Quote is the fee and total charge for a payment. The payer always bears the
// fee; Amount is what gets credited to the dues row.
type Quote struct {
	Method models.MethodType `json:"method"`
	Amount decimal.Decimal   `json:"amount"`
	Fee    decimal.Decimal   `json:"fee"`
	Total  decimal.Decimal   `json:"total"`
}

// Calculate quotes amount for method, rounding the fee to the nearest cent
func (s FeeSchedule) Calculate(amount decimal.Decimal, method models.MethodType) (Quote, error) {
	if !amount.IsPositive() {
		return Quote{}, invalid("amount", ErrInvalidAmount)
	}

	var fee decimal.Decimal
	switch method {
	case models.MethodCard:
		fee = amount.Mul(s.CardRate).Add(s.CardFixed).Round(2)
	case models.MethodBank:
		fee = s.BankFlat.Round(2)
	default:
		return Quote{}, invalid("method", ErrInvalidMethod)
	}

	return Quote{Method: method, Amount: amount, Fee: fee, Total: amount.Add(fee)}, nil
}

// CalculateFee quotes amount using DefaultFeeSchedule
func CalculateFee(amount decimal.Decimal, method models.MethodType) (Quote, error) {
	return DefaultFeeSchedule.Calculate(amount, method)
}
