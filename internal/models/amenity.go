package models

import (
	"time"

	"github.com/paulmach/orb"
)

// AmenityKind is the amenity variant a proximity table is materialized for.
type AmenityKind string

const (
	AmenitySchool  AmenityKind = "school"
	AmenityStation AmenityKind = "station"
)

// AmenityKinds lists every supported amenity variant.
var AmenityKinds = []AmenityKind{AmenitySchool, AmenityStation}

// Valid reports whether k is a known amenity kind.
func (k AmenityKind) Valid() bool {
	return k == AmenitySchool || k == AmenityStation
}

type Amenity struct {
	ID         uint        `gorm:"primaryKey" json:"id"`
	Kind       AmenityKind `gorm:"size:16;not null;uniqueIndex:idx_amenity_external,priority:1" json:"kind"`
	ExternalID string      `gorm:"size:64;not null;uniqueIndex:idx_amenity_external,priority:2" json:"external_id"`
	Name       string      `gorm:"size:255" json:"name"`
	Address    string      `gorm:"size:255" json:"address"`
	Latitude   *float64    `json:"latitude"`
	Longitude  *float64    `json:"longitude"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

func (a *Amenity) HasCoordinates() bool {
	return a.Latitude != nil && a.Longitude != nil
}

// Point returns the amenity location as an orb point (lng, lat).
func (a *Amenity) Point() orb.Point {
	if !a.HasCoordinates() {
		return orb.Point{}
	}
	return orb.Point{*a.Longitude, *a.Latitude}
}

// AmenityDistance is one materialized property/amenity pair within the proximity radius.
type AmenityDistance struct {
	ID         uint        `gorm:"primaryKey" json:"id"`
	PropertyID uint        `gorm:"not null;uniqueIndex:idx_amenity_pair,priority:1" json:"property_id"`
	AmenityID  uint        `gorm:"not null;uniqueIndex:idx_amenity_pair,priority:2" json:"amenity_id"`
	Kind       AmenityKind `gorm:"size:16;not null;index" json:"kind"`
	DistanceKm float64     `gorm:"not null" json:"distance_km"`
}
