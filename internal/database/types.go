package database

import (
	"fmt"
	"time"

	"github.com/kozaktomas/presence-kiosk/internal/constants"
)

// WorkDayLayout is the layout of PresenceRecord.WorkDay.
const WorkDayLayout = "2006-01-02"

// Identity is an enrolled person. Read-only from the kiosk's point of view.
type Identity struct {
	ID       string
	Name     string
	Role     string
	PhotoRef string
	Active   bool
}

// GeoZone is a circular geofence around a location.
type GeoZone struct {
	Lat          float64
	Lng          float64
	RadiusMeters float64
}

// Location is a site that kiosks act on behalf of.
type Location struct {
	ID            string
	Name          string
	Active        bool
	Geo           *GeoZone // nil disables geofencing
	WorkStartHour int
	WorkEndHour   int
	Login         string // canonical kiosk login
	PasswordHash  string // bcrypt
	AllowedIPs    []string
}

// EnrolledEmbedding is the single face descriptor of an identity.
type EnrolledEmbedding struct {
	IdentityID string
	Vector     []float32
	UpdatedAt  time.Time
}

// Eligible reports whether the embedding can be used for matching.
func (e EnrolledEmbedding) Eligible() bool {
	return e.IdentityID != "" && len(e.Vector) == constants.EmbeddingDim
}

// PresenceRecord is one check-in (and optional check-out) of an identity on a work day.
type PresenceRecord struct {
	ID         string
	IdentityID string
	LocationID *string
	WorkDay    string // WorkDayLayout in the attendance timezone
	CheckIn    time.Time
	CheckOut   *time.Time
	InZone     bool
	Device     string
}

// IsOpen reports whether the record has not been checked out yet.
func (r *PresenceRecord) IsOpen() bool {
	return r.CheckOut == nil
}

// WorkDayOf returns the calendar day of t in loc.
func WorkDayOf(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(WorkDayLayout)
}

// DescriptorVersion derives the descriptor set version from the newest
// update timestamp and the number of rows, so deletions change it too.
func DescriptorVersion(latest time.Time, count int) string {
	if count == 0 {
		return "empty#0"
	}
	return fmt.Sprintf("%s#%d", latest.UTC().Format(time.RFC3339Nano), count)
}

// VersionOf computes DescriptorVersion over a set of embeddings.
func VersionOf(entries []EnrolledEmbedding) string {
	var latest time.Time
	for _, e := range entries {
		if e.UpdatedAt.After(latest) {
			latest = e.UpdatedAt
		}
	}
	return DescriptorVersion(latest, len(entries))
}

// FilterEligible drops embeddings that cannot be matched against.
func FilterEligible(entries []EnrolledEmbedding) []EnrolledEmbedding {
	out := make([]EnrolledEmbedding, 0, len(entries))
	for _, e := range entries {
		if e.Eligible() {
			out = append(out, e)
		}
	}
	return out
}
