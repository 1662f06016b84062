package payments

import (
	"github.com/shopspring/decimal"

	"chapter_dues/internal/events"
)

// StateChange is published on every reconciler transition
type StateChange struct {
	SessionID string
	DuesID    uint
	Key       IntentKey
	From      State
	To        State
}

// PaymentCompleted is published when a checkout payment succeeds or starts
// processing
type PaymentCompleted struct {
	SessionID string
	DuesID    uint
	MemberID  uint
	Amount    decimal.Decimal
	Status    PaymentStatus
	IntentID  string
}

// OnboardingCompleted is published when a watched chapter account becomes
// able to take charges
type OnboardingCompleted struct {
	ChapterID uint
	Status    AccountStatus
}

// RefreshRequested asks consumers to re-read a dues row
type RefreshRequested struct {
	DuesID uint
}

// Events groups the registries a checkout publishes to
type Events struct {
	StateChanged     *events.Registry[StateChange]
	PaymentCompleted *events.Registry[PaymentCompleted]
	Onboarding       *events.Registry[OnboardingCompleted]
	Refresh          *events.Registry[RefreshRequested]
}

// NewEvents creates an empty set of registries
func NewEvents() *Events {
	return &Events{
		StateChanged:     events.NewRegistry[StateChange](),
		PaymentCompleted: events.NewRegistry[PaymentCompleted](),
		Onboarding:       events.NewRegistry[OnboardingCompleted](),
		Refresh:          events.NewRegistry[RefreshRequested](),
	}
}
