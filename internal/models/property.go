package models

import (
	"time"

	"github.com/paulmach/orb"
)

// Property is the canonical real-estate unit a deal belongs to. ExternalSeqID is the
// dedup key assigned by the transaction feed.
type Property struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	ExternalSeqID    string    `gorm:"size:64;uniqueIndex;not null" json:"external_seq_id"`
	Name             string    `gorm:"size:255" json:"name"`
	RoadAddress      string    `gorm:"size:255" json:"road_address"`
	LotAddress       string    `gorm:"size:255" json:"lot_address"`
	Latitude         *float64  `json:"latitude"`
	Longitude        *float64  `json:"longitude"`
	BuildYear        *int      `json:"build_year"`
	RegionID         *uint     `gorm:"index" json:"region_id"`
	GeocodeAttempted bool      `gorm:"not null;default:false" json:"geocode_attempted"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// HasCoordinates reports whether both latitude and longitude are set.
func (p *Property) HasCoordinates() bool {
	return p.Latitude != nil && p.Longitude != nil
}

// Point returns the property location as an orb point (lng, lat).
func (p *Property) Point() orb.Point {
	if !p.HasCoordinates() {
		return orb.Point{}
	}
	return orb.Point{*p.Longitude, *p.Latitude}
}

// SetPoint stores pt as the property coordinates.
func (p *Property) SetPoint(pt orb.Point) {
	lng, lat := pt.Lon(), pt.Lat()
	p.Longitude = &lng
	p.Latitude = &lat
}
