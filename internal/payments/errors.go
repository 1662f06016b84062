package payments

import (
	"errors"
	"fmt"

	"chapter_dues/internal/dues"
)

var (
	ErrChargesDisabled = errors.New("chapter account cannot accept charges yet")
	ErrNoIntent        = errors.New("no payment intent is ready to confirm")
	ErrNoMethod        = errors.New("select a payment method first")
	ErrNoPendingPlan   = errors.New("no installment plan is waiting for its first payment")
	ErrPaymentPending  = errors.New("another payment for these dues is still being processed")
	ErrPlanActive      = errors.New("these dues are being paid through an installment plan")
	ErrPlanIncomplete  = errors.New("the first installment was charged; finish creating the plan before changing the payment")
	ErrSessionClosed   = errors.New("checkout session is closed")
	ErrSessionNotFound = fmt.Errorf("checkout session: %w", dues.ErrNotFound)
)

// GatewayError is a terminal failure reported by the payment gateway, such
// as a declined charge or an invalid payment method.
type GatewayError struct {
	Code    string
	Message string
}

func (e *GatewayError) Error() string {
	if e.Code == "" {
		return "payment gateway: " + e.Message
	}
	return fmt.Sprintf("payment gateway: %s (%s)", e.Message, e.Code)
}

// AsGatewayError wraps err as a GatewayError unless it already is one
func AsGatewayError(err error) *GatewayError {
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		return gerr
	}
	return &GatewayError{Code: "gateway_error", Message: err.Error()}
}

// ReconciliationError means money moved but the bookkeeping that should
// follow it did not. The charge is never rolled back.
type ReconciliationError struct {
	PaymentRef string
	Err        error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("payment succeeded, but the installment plan could not be set up; contact support with reference %q: %v", e.PaymentRef, e.Err)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}
