package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DuesPaymentStatus tracks a direct (non-installment) dues charge
type DuesPaymentStatus string

const (
	DuesPaymentPending   DuesPaymentStatus = "pending"
	DuesPaymentSucceeded DuesPaymentStatus = "succeeded"
	DuesPaymentFailed    DuesPaymentStatus = "failed"
)

// DuesPayment records a charge made against a dues row through the gateway
type DuesPayment struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	DuesID         uint              `gorm:"index" json:"dues_id"`
	MemberID       uint              `gorm:"index" json:"member_id"`
	Amount         decimal.Decimal   `gorm:"type:decimal(15,2)" json:"amount"`
	Fee            decimal.Decimal   `gorm:"type:decimal(15,2)" json:"fee"`
	Method         MethodType        `gorm:"type:varchar(20)" json:"method"`
	GatewayOrderID string            `gorm:"type:varchar(100);uniqueIndex" json:"gateway_order_id"`
	Status         DuesPaymentStatus `gorm:"type:varchar(20);index" json:"status"`
	PaidAt         *time.Time        `json:"paid_at,omitempty"`

	IdempotencyKey string `gorm:"type:varchar(100);index" json:"-"`
	// ClientToken and RedirectURL are the hosted checkout handles returned on creation
	ClientToken string `gorm:"type:varchar(255)" json:"-"`
	RedirectURL string `gorm:"type:text" json:"redirect_url,omitempty"`
	// SaveMethod asks for the charged method to be kept for later use
	SaveMethod        bool   `json:"save_method"`
	SavedMethodID     uint   `json:"saved_method_id,omitempty"`
	ResultingMethodID uint   `json:"resulting_method_id,omitempty"`
	FailureReason     string `gorm:"type:text" json:"failure_reason,omitempty"`
}

// Settled reports whether the payment reached a terminal state
func (p DuesPayment) Settled() bool {
	return p.Status == DuesPaymentSucceeded || p.Status == DuesPaymentFailed
}
