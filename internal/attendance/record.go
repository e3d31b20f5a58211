package attendance

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/presence-kiosk/internal/apperr"
	"github.com/kozaktomas/presence-kiosk/internal/database"
	"github.com/kozaktomas/presence-kiosk/internal/geofence"
)

// Scope is the authority carried by a verified kiosk credential.
type Scope struct {
	LocationID string
}

// RecordRequest is a terminal-originated presence event.
type RecordRequest struct {
	IdentityID string
	Direction  Direction
	LocationID string // optional, must equal the scope location when set
	Device     string
	Geo        *geofence.Point
}

// NearestLocation is the active location closest to the device position.
type NearestLocation struct {
	ID             string
	Name           string
	DistanceMeters float64
}

// Record applies a check-in or check-out on behalf of a kiosk bound to scope.
func (s *Service) Record(ctx context.Context, scope Scope, req RecordRequest) (*Transition, error) {
	if scope.LocationID == "" {
		return nil, apperr.Auth("credential is not bound to a location", nil)
	}
	if req.LocationID != "" && req.LocationID != scope.LocationID {
		return nil, apperr.Forbidden(apperr.CodeLocationMismatch, "location does not match the kiosk credential")
	}
	if req.Geo != nil {
		if err := req.Geo.Validate(); err != nil {
			return nil, apperr.Validation(err.Error())
		}
	}

	bound, err := s.locations.GetLocation(ctx, scope.LocationID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.Auth("credential location no longer exists", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("loading credential location: %w", err)
	}
	if !bound.Active {
		return nil, apperr.Forbidden(apperr.CodeLocationInactive, "location is inactive")
	}

	identity, err := s.identities.GetIdentity(ctx, req.IdentityID)
	if errors.Is(err, database.ErrNotFound) || (err == nil && !identity.Active) {
		return nil, apperr.NotFound("identity not found")
	}
	if err != nil {
		return nil, fmt.Errorf("loading identity: %w", err)
	}

	var t *Transition
	switch req.Direction {
	case DirectionIn:
		t, err = s.CheckIn(ctx, CheckInRequest{
			IdentityID: identity.ID,
			LocationID: bound.ID,
			Device:     req.Device,
			Geo:        req.Geo,
		})
	case DirectionOut:
		t, err = s.CheckOut(ctx, identity.ID)
	default:
		_, err = ParseDirection(string(req.Direction))
	}
	if err != nil {
		return nil, err
	}

	if t.LocationName == "" {
		t.LocationName = bound.Name
	}
	if req.Geo != nil {
		t.Nearest = s.nearest(ctx, *req.Geo)
	}
	return t, nil
}

// nearest is informational; lookup failures are logged and ignored.
func (s *Service) nearest(ctx context.Context, p geofence.Point) *NearestLocation {
	locations, err := s.locations.ListActiveLocations(ctx)
	if err != nil {
		s.logger.Warn("listing locations for nearest lookup", "error", err)
		return nil
	}

	names := make(map[string]string, len(locations))
	candidates := make([]geofence.Candidate, 0, len(locations))
	for _, loc := range locations {
		if loc.Geo == nil {
			continue
		}
		lat, lng := loc.Geo.Lat, loc.Geo.Lng
		candidates = append(candidates, geofence.Candidate{ID: loc.ID, Lat: &lat, Lng: &lng})
		names[loc.ID] = loc.Name
	}

	n, ok := geofence.FindNearest(p.Lat, p.Lng, candidates)
	if !ok {
		return nil
	}
	return &NearestLocation{ID: n.Candidate.ID, Name: names[n.Candidate.ID], DistanceMeters: n.Distance}
}
