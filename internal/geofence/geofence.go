// Package geofence provides great-circle distance and circular zone helpers
// used to attribute and validate the location of a presence event.
package geofence

import (
	"errors"
	"fmt"
	"math"

	"github.com/kozaktomas/presence-kiosk/internal/constants"
)

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate checks that the point lies within the valid latitude/longitude ranges.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return errors.New("coordinates must be numbers")
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]", p.Lng)
	}
	return nil
}

// Candidate is a location that may be attributed to a point.
// Lat and Lng are optional; candidates missing either are skipped.
type Candidate struct {
	ID  string
	Lat *float64
	Lng *float64
}

// Nearest is the result of FindNearest.
type Nearest struct {
	Candidate Candidate
	Distance  float64
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// DistanceMeters returns the haversine distance between two points on a sphere
// with the mean Earth radius.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLng := toRadians(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	// Rounding can push a slightly above 1 for antipodal points.
	a = math.Min(1, math.Max(0, a))

	return constants.EarthRadiusMeters * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// IsWithinZone reports whether the point is inside (or exactly on) the circle.
func IsWithinZone(pointLat, pointLng, centerLat, centerLng, radiusMeters float64) bool {
	return DistanceMeters(pointLat, pointLng, centerLat, centerLng) <= radiusMeters
}

// FindNearest returns the candidate closest to the point.
// The second return value is false when no candidate has both coordinates.
func FindNearest(pointLat, pointLng float64, candidates []Candidate) (Nearest, bool) {
	var best Nearest
	found := false

	for _, c := range candidates {
		if c.Lat == nil || c.Lng == nil {
			continue
		}
		d := DistanceMeters(pointLat, pointLng, *c.Lat, *c.Lng)
		if !found || d < best.Distance {
			best = Nearest{Candidate: c, Distance: d}
			found = true
		}
	}

	return best, found
}
