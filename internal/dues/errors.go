package dues

import "errors"

// Common dues errors
var (
	ErrNotFound = errors.New("resource not found")

	ErrInvalidAmount                = errors.New("amount must be positive")
	ErrAmountBelowMinimum           = errors.New("amount is below the minimum payment")
	ErrAmountExceedsBalance         = errors.New("amount exceeds the outstanding balance")
	ErrInvalidMethod                = errors.New("unknown payment method")
	ErrInstallmentSelectionRequired = errors.New("an installment plan must be selected")
	ErrInvalidInstallmentCount      = errors.New("installment count is not allowed")
	ErrDeadlinePassed               = errors.New("deadline must be after the start date")
	ErrNotEligible                  = errors.New("installment plans are not available for these dues")
	ErrPartialWithInstallments      = errors.New("partial payments cannot be combined with an installment plan")
)

// Late fee errors
var (
	ErrInvalidLateFee  = errors.New("late fee must be greater than 0 and at most 500")
	ErrNoTargets       = errors.New("select at least one balance to target")
	ErrPreviewRequired = errors.New("preview the affected members before applying")
	ErrNothingToApply  = errors.New("no members match the selected balances")
)

// ValidationError is raised before any external call is made and is never
// retried automatically.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError reports err against field
func NewValidationError(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

func invalid(field string, err error) error {
	return NewValidationError(field, err)
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
