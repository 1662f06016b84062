package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DuesStatus is the collection state of a member dues row
type DuesStatus string

const (
	DuesStatusUnpaid  DuesStatus = "unpaid"
	DuesStatusPartial DuesStatus = "partial"
	DuesStatusPaid    DuesStatus = "paid"
	DuesStatusWaived  DuesStatus = "waived"
	DuesStatusOverdue DuesStatus = "overdue"
)

// MemberDues is a member's assessed obligation for a billing period.
// Balance is derived from the other amounts and is rewritten on every save.
type MemberDues struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	MemberID    uint   `gorm:"index" json:"member_id"`
	ChapterID   uint   `gorm:"index" json:"chapter_id"`
	MemberName  string `gorm:"type:varchar(255)" json:"member_name"`
	MemberEmail string `gorm:"type:varchar(255)" json:"member_email"`
	Period      string `gorm:"type:varchar(100)" json:"period"` // e.g. "Fall 2026"

	BaseAmount  decimal.Decimal `gorm:"type:decimal(15,2)" json:"base_amount"`
	LateFee     decimal.Decimal `gorm:"type:decimal(15,2)" json:"late_fee"`
	Adjustments decimal.Decimal `gorm:"type:decimal(15,2)" json:"adjustments"`
	AmountPaid  decimal.Decimal `gorm:"type:decimal(15,2)" json:"amount_paid"`
	Balance     decimal.Decimal `gorm:"type:decimal(15,2)" json:"balance"`
	Status      DuesStatus      `gorm:"type:varchar(20);index" json:"status"`

	DueDate *time.Time `json:"due_date,omitempty"`

	// Flexible plan settings. A deadline is required before installments are offered.
	FlexibleDeadline *time.Time `json:"flexible_deadline,omitempty"`
	FlexibleNotes    string     `gorm:"type:text" json:"flexible_notes,omitempty"`
}

// ComputeBalance returns base + late fee + adjustments - paid
func (d MemberDues) ComputeBalance() decimal.Decimal {
	return d.BaseAmount.Add(d.LateFee).Add(d.Adjustments).Sub(d.AmountPaid)
}

// Recompute refreshes Balance and Status from the amount components
func (d *MemberDues) Recompute() {
	d.Balance = d.ComputeBalance()

	switch {
	case d.Status == DuesStatusWaived:
	case !d.Balance.IsPositive():
		d.Status = DuesStatusPaid
	case d.AmountPaid.IsPositive():
		d.Status = DuesStatusPartial
	case d.Status == DuesStatusOverdue:
	default:
		d.Status = DuesStatusUnpaid
	}
}

// BeforeSave keeps the stored balance consistent with its components
func (d *MemberDues) BeforeSave(tx *gorm.DB) error {
	d.Recompute()
	return nil
}

// PastDue reports whether an outstanding balance is past its due date
func (d MemberDues) PastDue(today time.Time) bool {
	if !d.Balance.IsPositive() || d.Status == DuesStatusWaived {
		return false
	}
	if d.Status == DuesStatusOverdue {
		return true
	}
	return d.DueDate != nil && d.DueDate.Before(today)
}
