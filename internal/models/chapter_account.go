package models

import "time"

// ChapterAccount is a chapter's receiving account at the payment gateway
type ChapterAccount struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ChapterID          uint   `gorm:"uniqueIndex" json:"chapter_id"`
	GatewayAccountRef  string `gorm:"type:varchar(100)" json:"gateway_account_ref"`
	OnboardingComplete bool   `json:"onboarding_complete"`
	ChargesEnabled     bool   `json:"charges_enabled"`
}
