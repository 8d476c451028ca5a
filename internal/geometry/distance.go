// Package geometry holds the spatial helpers used by proximity materialization.
package geometry

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// EarthRadiusKm is the mean Earth radius used for every distance in the pipeline.
// orb's own haversine uses the equatorial radius, which gives different results.
const EarthRadiusKm = 6371.0

// boundMargin widens prefilter boxes so points right at the radius are never cut.
const boundMargin = 1.05

// HaversineKm returns the great-circle distance between two lng/lat points.
func HaversineKm(a, b orb.Point) float64 {
	lat1 := deg2rad(a.Lat())
	lat2 := deg2rad(b.Lat())
	dLat := lat2 - lat1
	dLng := deg2rad(b.Lon() - a.Lon())

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// RoundKm rounds a distance to whole metres.
func RoundKm(d float64) float64 {
	return math.Round(d*1000) / 1000
}

// WithinRadius returns the metre-rounded distance and whether it is at most radiusKm.
// The comparison is made after rounding, so true distances up to radiusKm+0.0005
// are admitted.
func WithinRadius(a, b orb.Point, radiusKm float64) (float64, bool) {
	d := RoundKm(HaversineKm(a, b))
	return d, d <= radiusKm
}

// RadiusBound returns a lng/lat box that contains every point within radiusKm of
// center, plus a small margin. It is only a prefilter; WithinRadius decides.
func RadiusBound(center orb.Point, radiusKm float64) orb.Bound {
	return geo.NewBoundAroundPoint(center, radiusKm*1000*boundMargin)
}

func deg2rad(d float64) float64 {
	return d * math.Pi / 180
}
