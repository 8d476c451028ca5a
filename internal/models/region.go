package models

import "time"

// Region is an administrative unit. Code is the 5-digit district code used by the
// transaction feed; LegalCode is the 10-digit legal-dong code returned by geocoding.
// District-level rows carry an empty NeighborhoodPrefix.
type Region struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	Code               string    `gorm:"size:5;not null;index" json:"code"`
	LegalCode          string    `gorm:"size:10;not null;uniqueIndex" json:"legal_code"`
	Province           string    `gorm:"size:64;not null;index:idx_region_names,priority:1" json:"province"`
	District           string    `gorm:"size:64;index:idx_region_names,priority:2" json:"district"`
	NeighborhoodPrefix string    `gorm:"size:64;index:idx_region_names,priority:3" json:"neighborhood_prefix"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// ProvincePrefix returns the two-character province prefix of the region code.
func (r *Region) ProvincePrefix() string {
	if len(r.Code) < 2 {
		return r.Code
	}
	return r.Code[:2]
}
