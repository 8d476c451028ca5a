package models

import "time"

// IngestCheckpoint persists the cursor of one ingestion run identity.
type IngestCheckpoint struct {
	RunID       string    `gorm:"primaryKey;size:128" json:"run_id"`
	RegionIndex int       `gorm:"not null" json:"region_index"`
	MonthIndex  int       `gorm:"not null" json:"month_index"`
	Page        int       `gorm:"not null" json:"page"`
	Offset      int       `gorm:"column:page_offset;not null" json:"offset"`
	Axes        string    `gorm:"size:64;not null;default:''" json:"axes"`
	UpdatedAt   time.Time `json:"updated_at"`
}
