package models

import (
	"time"

	"gorm.io/gorm"
)

// MethodType is the payment method class a charge is made with
type MethodType string

const (
	MethodCard MethodType = "card"
	MethodBank MethodType = "bank"
)

// IsValid reports whether m is a known method class
func (m MethodType) IsValid() bool {
	return m == MethodCard || m == MethodBank
}

// SavedPaymentMethod is a member-owned card or bank account kept at the gateway
type SavedPaymentMethod struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	MemberID     uint       `gorm:"index" json:"member_id"`
	Type         MethodType `gorm:"type:varchar(20)" json:"type"`
	Brand        string     `gorm:"type:varchar(50)" json:"brand"`
	Last4        string     `gorm:"type:varchar(4)" json:"last4"`
	IsDefault    bool       `json:"is_default"`
	GatewayToken string     `gorm:"type:varchar(255)" json:"-"`
}
