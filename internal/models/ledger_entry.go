package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// LedgerEntry is a posted chapter transaction. Income is positive, expenses negative.
// The actual balance of a chapter is the sum of entries posted up to today.
type LedgerEntry struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	ChapterID   uint            `gorm:"index" json:"chapter_id"`
	Amount      decimal.Decimal `gorm:"type:decimal(15,2)" json:"amount"`
	Description string          `gorm:"type:varchar(255)" json:"description"`
	OccurredOn  time.Time       `gorm:"index" json:"occurred_on"`
	// SourceRef links the entry to the payment that produced it, if any
	SourceRef string `gorm:"type:varchar(100);index" json:"source_ref,omitempty"`
}
