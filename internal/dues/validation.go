package dues

import "github.com/shopspring/decimal"

// PaymentMode is how a checkout pays the dues. The modes are mutually
// exclusive within a single transaction.
type PaymentMode string

const (
	PaymentModeFull        PaymentMode = "full"
	PaymentModePartial     PaymentMode = "partial"
	PaymentModeInstallment PaymentMode = "installment"
)

// DefaultMinimumPayment is the smallest custom amount a member may pay
var DefaultMinimumPayment = decimal.NewFromInt(1)

// ValidatePaymentAmount checks a payment against the outstanding balance.
// Paying the whole balance is always allowed, even when it is below minimum.
func ValidatePaymentAmount(amount, balance, minimum decimal.Decimal) error {
	if !amount.IsPositive() {
		return invalid("amount", ErrInvalidAmount)
	}
	if amount.GreaterThan(balance) {
		return invalid("amount", ErrAmountExceedsBalance)
	}
	if amount.LessThan(minimum) && !amount.Equal(balance) {
		return invalid("amount", ErrAmountBelowMinimum)
	}
	return nil
}

// ValidateInstallmentSelection checks that an installment checkout has a
// permitted plan size selected.
func ValidateInstallmentSelection(mode PaymentMode, n int, elig *Eligibility) error {
	if mode == PaymentModePartial {
		return invalid("mode", ErrPartialWithInstallments)
	}
	if elig == nil || !elig.Eligible {
		return invalid("num_installments", ErrNotEligible)
	}
	if n == 0 {
		return invalid("num_installments", ErrInstallmentSelectionRequired)
	}
	if !elig.Allows(n) {
		return invalid("num_installments", ErrInvalidInstallmentCount)
	}
	return nil
}
