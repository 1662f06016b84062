package payments

import (
	"context"

	"github.com/shopspring/decimal"

	"chapter_dues/internal/models"
)

// AccountStatus is the state of a chapter's receiving account at the gateway
type AccountStatus struct {
	Exists             bool `json:"exists"`
	OnboardingComplete bool `json:"onboarding_complete"`
	ChargesEnabled     bool `json:"charges_enabled"`
}

// AccountStatusSource reads receiving-account status
type AccountStatusSource interface {
	GetAccountStatus(ctx context.Context, chapterID uint) (AccountStatus, error)
}

// PaymentStatus is the gateway's view of a confirmed payment
type PaymentStatus string

const (
	PaymentSucceeded      PaymentStatus = "succeeded"
	PaymentProcessing     PaymentStatus = "processing"
	PaymentRequiresAction PaymentStatus = "requires_action"
	PaymentFailed         PaymentStatus = "failed"
)

// Complete reports whether the payment went through. Processing counts, since
// bank transfers settle asynchronously.
func (s PaymentStatus) Complete() bool {
	return s == PaymentSucceeded || s == PaymentProcessing
}

// IntentRequest asks the gateway for a payment intent. A non-zero
// SavedMethodID charges that method immediately.
type IntentRequest struct {
	DuesID            uint
	MemberID          uint
	Method            models.MethodType
	Amount            decimal.Decimal
	SavePaymentMethod bool
	SavedMethodID     uint
	IdempotencyKey    string
}

// IntentResult is what intent creation produced. Status is empty when the
// intent still needs confirming.
type IntentResult struct {
	IntentID        string        `json:"intent_id"`
	ClientSecret    string        `json:"client_secret,omitempty"`
	RedirectURL     string        `json:"redirect_url,omitempty"`
	Status          PaymentStatus `json:"status,omitempty"`
	PaymentMethodID uint          `json:"payment_method_id,omitempty"`
}

// PaymentComplete reports whether creation already charged the payer
func (r *IntentResult) PaymentComplete() bool {
	return r.Status.Complete()
}

// RequiresAction reports whether the payer has to verify the charge
func (r *IntentResult) RequiresAction() bool {
	return r.Status == PaymentRequiresAction
}

// Intent identifies a created payment intent
type Intent struct {
	ID           string
	ClientSecret string
}

// ConfirmResult is the outcome of confirming an intent
type ConfirmResult struct {
	Status          PaymentStatus `json:"status"`
	PaymentMethodID uint          `json:"payment_method_id,omitempty"`
	Message         string        `json:"message,omitempty"`
}

// Gateway creates and confirms payment intents
type Gateway interface {
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (*IntentResult, error)
	ConfirmPayment(ctx context.Context, intent Intent) (*ConfirmResult, error)
	// CancelPaymentIntent voids an intent that was never paid. Cancelling
	// an intent that already settled is a no-op.
	CancelPaymentIntent(ctx context.Context, intent Intent) error
}

// PlanRequest creates an installment plan. With SkipFirstPayment the first
// installment is recorded against FirstPaymentRef instead of being charged.
type PlanRequest struct {
	DuesID           uint
	MemberID         uint
	NumInstallments  int
	PaymentMethodID  uint
	SkipFirstPayment bool
	FirstPaymentRef  string
}

// PlanResult is what plan creation produced
type PlanResult struct {
	Plan                     *models.InstallmentPlan `json:"plan,omitempty"`
	RequiresAction           bool                    `json:"requires_action,omitempty"`
	FirstPaymentClientSecret string                  `json:"first_payment_client_secret,omitempty"`
}

// PlanCreator creates installment plans
type PlanCreator interface {
	CreateInstallmentPlan(ctx context.Context, req PlanRequest) (*PlanResult, error)
	ActivePlanExists(ctx context.Context, duesID uint) (bool, error)
}

// SavedMethodStore lists and deletes a member's saved payment methods
type SavedMethodStore interface {
	ListSavedPaymentMethods(ctx context.Context, memberID uint) ([]models.SavedPaymentMethod, error)
	DeleteSavedPaymentMethod(ctx context.Context, methodID, memberID uint) error
}

// DuesSource reads a single dues row
type DuesSource interface {
	GetDues(ctx context.Context, duesID uint) (*models.MemberDues, error)
}
