package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// InstallmentEligibility is a per-dues override granting installment plans
type InstallmentEligibility struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	DuesID       uint   `gorm:"uniqueIndex" json:"dues_id"`
	Eligible     bool   `json:"eligible"`
	AllowedPlans []int  `gorm:"serializer:json" json:"allowed_plans"`
	Notes        string `gorm:"type:text" json:"notes,omitempty"`
}

// MemberEligibilityFlag is the member-level default for installment plans
type MemberEligibilityFlag struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	MemberID            uint `gorm:"uniqueIndex" json:"member_id"`
	InstallmentsEnabled bool `json:"installments_enabled"`
}

// PlanStatus is the lifecycle state of an installment plan
type PlanStatus string

const (
	PlanStatusActive    PlanStatus = "active"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusCancelled PlanStatus = "cancelled"
)

// InstallmentPlan splits a dues balance into scheduled charges
type InstallmentPlan struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	UUID              string          `gorm:"type:varchar(36);uniqueIndex" json:"uuid"`
	DuesID            uint            `gorm:"index" json:"dues_id"`
	MemberID          uint            `gorm:"index" json:"member_id"`
	NumInstallments   int             `json:"num_installments"`
	InstallmentAmount decimal.Decimal `gorm:"type:decimal(15,2)" json:"installment_amount"`
	Status            PlanStatus      `gorm:"type:varchar(20);index" json:"status"`
	PaymentMethodID   uint            `json:"payment_method_id"`

	Payments []InstallmentPayment `gorm:"foreignKey:PlanID" json:"payments,omitempty"`
}

// InstallmentPaymentStatus is the state of a single scheduled charge
type InstallmentPaymentStatus string

const (
	InstallmentScheduled  InstallmentPaymentStatus = "scheduled"
	InstallmentProcessing InstallmentPaymentStatus = "processing"
	InstallmentSucceeded  InstallmentPaymentStatus = "succeeded"
	InstallmentFailed     InstallmentPaymentStatus = "failed"
)

// InstallmentPayment is one dated charge within a plan
type InstallmentPayment struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	PlanID        uint                     `gorm:"index" json:"plan_id"`
	Plan          *InstallmentPlan         `gorm:"foreignKey:PlanID" json:"-"`
	Sequence      int                      `json:"sequence"`
	Amount        decimal.Decimal          `gorm:"type:decimal(15,2)" json:"amount"`
	ScheduledDate time.Time                `gorm:"index" json:"scheduled_date"`
	Status        InstallmentPaymentStatus `gorm:"type:varchar(20);index" json:"status"`
	ProcessedAt   *time.Time               `json:"processed_at,omitempty"`
	GatewayRef    string                   `gorm:"type:varchar(100);index" json:"gateway_ref,omitempty"`
	FailureReason string                   `gorm:"type:text" json:"failure_reason,omitempty"`
}
