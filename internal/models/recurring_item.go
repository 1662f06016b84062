package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Frequency is how often a recurring item repeats
type Frequency string

const (
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyBiweekly  Frequency = "biweekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyYearly    Frequency = "yearly"
)

// IsValid reports whether f is one of the supported frequencies
func (f Frequency) IsValid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyBiweekly,
		FrequencyMonthly, FrequencyQuarterly, FrequencyYearly:
		return true
	}
	return false
}

// RecurringItem is a chapter income or expense that repeats on a schedule.
// Negative amounts are expenses.
type RecurringItem struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	ChapterID      uint            `gorm:"index" json:"chapter_id"`
	Name           string          `gorm:"type:varchar(255)" json:"name"`
	Amount         decimal.Decimal `gorm:"type:decimal(15,2)" json:"amount"`
	Frequency      Frequency       `gorm:"type:varchar(20)" json:"frequency"`
	NextOccurrence time.Time       `json:"next_occurrence"`
	// RecurringRule is an optional RFC 5545 RRULE that overrides Frequency
	RecurringRule *string `gorm:"type:text" json:"recurring_rule,omitempty"`
	IsActive      bool    `json:"is_active"`
}
