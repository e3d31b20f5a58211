// Package attendance implements the per-identity, per-day presence state
// machine: NO_RECORD -> CHECKED_IN -> CHECKED_OUT, with a new day starting over.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/presence-kiosk/internal/apperr"
	"github.com/kozaktomas/presence-kiosk/internal/config"
	"github.com/kozaktomas/presence-kiosk/internal/constants"
	"github.com/kozaktomas/presence-kiosk/internal/database"
	"github.com/kozaktomas/presence-kiosk/internal/geofence"
	"github.com/kozaktomas/presence-kiosk/internal/logging"
	"github.com/kozaktomas/presence-kiosk/internal/metrics"
)

// Status is the state reached by a successful transition.
type Status string

const (
	StatusCheckedIn  Status = "CHECKED_IN"
	StatusCheckedOut Status = "CHECKED_OUT"
)

// Direction selects the transition requested by a terminal.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// ParseDirection validates a direction string.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case DirectionIn:
		return DirectionIn, nil
	case DirectionOut:
		return DirectionOut, nil
	default:
		return "", apperr.Validation(fmt.Sprintf("direction must be %q or %q", DirectionIn, DirectionOut))
	}
}

// CheckInRequest is the input of CheckIn.
type CheckInRequest struct {
	IdentityID string
	LocationID string // optional
	Device     string
	Geo        *geofence.Point // device position, optional
}

// Transition is the result of a successful check-in or check-out.
type Transition struct {
	Status       Status
	Record       database.PresenceRecord
	LocationName string
	Message      string
	Nearest      *NearestLocation // set when the request carried a position
}

// Service owns every mutation of presence records.
type Service struct {
	identities      database.IdentityReader
	locations       database.LocationReader
	store           database.PresenceStore
	tz              *time.Location
	rejectOutOfZone bool
	defaultDevice   string
	now             func() time.Time
	logger          *slog.Logger
	metrics         *metrics.Metrics
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics enables transition counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates the attendance service.
func NewService(backend *database.Backend, cfg config.AttendanceConfig, opts ...Option) *Service {
	s := &Service{
		identities:      backend.Identities,
		locations:       backend.Locations,
		store:           backend.Presence,
		tz:              cfg.Location(),
		rejectOutOfZone: cfg.RejectOutOfZone,
		defaultDevice:   cfg.DefaultDevice,
		now:             time.Now,
	}
	if s.defaultDevice == "" {
		s.defaultDevice = constants.DefaultDeviceTag
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger)
	return s
}

// WorkDay returns the current work day in the attendance timezone.
func (s *Service) WorkDay() string {
	return database.WorkDayOf(s.now(), s.tz)
}

// CheckIn opens a presence record for today.
func (s *Service) CheckIn(ctx context.Context, req CheckInRequest) (*Transition, error) {
	if strings.TrimSpace(req.IdentityID) == "" {
		return nil, apperr.Validation("identity id is required")
	}

	now := s.now()
	day := database.WorkDayOf(now, s.tz)

	if _, err := s.store.FindOpenRecord(ctx, req.IdentityID, day); err == nil {
		return nil, s.conflict(apperr.CodeAlreadyCheckedIn, "already checked in today")
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("looking up open record: %w", err)
	}

	record := database.PresenceRecord{
		ID:         uuid.NewString(),
		IdentityID: req.IdentityID,
		WorkDay:    day,
		CheckIn:    now,
		InZone:     true,
		Device:     req.Device,
	}
	if record.Device == "" {
		record.Device = s.defaultDevice
	}

	var locationName string
	if req.LocationID != "" {
		loc, err := s.activeLocation(ctx, req.LocationID)
		if err != nil {
			return nil, err
		}
		record.LocationID = &loc.ID
		locationName = loc.Name

		if loc.Geo != nil && req.Geo != nil {
			record.InZone = geofence.IsWithinZone(req.Geo.Lat, req.Geo.Lng, loc.Geo.Lat, loc.Geo.Lng, loc.Geo.RadiusMeters)
		}
		if !record.InZone && s.rejectOutOfZone {
			return nil, apperr.Forbidden(apperr.CodeOutOfZone, "device is outside the location's zone")
		}
	}

	if err := s.store.CreateOpenRecord(ctx, &record); err != nil {
		if errors.Is(err, database.ErrOpenRecordExists) {
			// Lost the race against a concurrent check-in.
			return nil, s.conflict(apperr.CodeAlreadyCheckedIn, "already checked in today")
		}
		return nil, fmt.Errorf("creating presence record: %w", err)
	}

	s.metrics.ObserveTransition(string(StatusCheckedIn))
	s.logger.Info("checked in",
		"identity_id", record.IdentityID,
		"record_id", record.ID,
		"location_id", req.LocationID,
		"in_zone", record.InZone,
		"device", record.Device,
	)

	return &Transition{
		Status:       StatusCheckedIn,
		Record:       record,
		LocationName: locationName,
		Message:      "Checked in",
	}, nil
}

// CheckOut closes the most recent open record of today.
func (s *Service) CheckOut(ctx context.Context, identityID string) (*Transition, error) {
	if strings.TrimSpace(identityID) == "" {
		return nil, apperr.Validation("identity id is required")
	}

	open, err := s.store.FindOpenRecord(ctx, identityID, s.WorkDay())
	if errors.Is(err, database.ErrNotFound) {
		return nil, s.conflict(apperr.CodeNotCheckedIn, "not checked in today")
	}
	if err != nil {
		return nil, fmt.Errorf("looking up open record: %w", err)
	}
	return s.close(ctx, open)
}

// CheckOutRecord closes a record addressed by id.
func (s *Service) CheckOutRecord(ctx context.Context, recordID string) (*Transition, error) {
	rec, err := s.store.GetRecord(ctx, recordID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.NotFound("presence record not found")
	}
	if err != nil {
		return nil, fmt.Errorf("loading presence record: %w", err)
	}
	if !rec.IsOpen() {
		return nil, s.conflict(apperr.CodeAlreadyCheckedOut, "already checked out")
	}
	return s.close(ctx, rec)
}

func (s *Service) close(ctx context.Context, rec *database.PresenceRecord) (*Transition, error) {
	now := s.now()
	if !now.After(rec.CheckIn) {
		return nil, &apperr.Error{
			Kind:    apperr.KindValidation,
			Code:    apperr.CodeCheckoutBeforeCheckin,
			Message: "check-out must be later than check-in",
		}
	}

	closed, err := s.store.CloseRecord(ctx, rec.ID, now)
	if errors.Is(err, database.ErrAlreadyClosed) {
		return nil, s.conflict(apperr.CodeAlreadyCheckedOut, "already checked out")
	}
	if err != nil {
		return nil, fmt.Errorf("closing presence record: %w", err)
	}

	var locationName string
	if closed.LocationID != nil {
		if loc, err := s.locations.GetLocation(ctx, *closed.LocationID); err == nil {
			locationName = loc.Name
		}
	}

	s.metrics.ObserveTransition(string(StatusCheckedOut))
	s.logger.Info("checked out",
		"identity_id", closed.IdentityID,
		"record_id", closed.ID,
		"worked", closed.CheckOut.Sub(closed.CheckIn).Round(time.Second),
	)

	return &Transition{
		Status:       StatusCheckedOut,
		Record:       *closed,
		LocationName: locationName,
		Message:      "Checked out",
	}, nil
}

// Today lists today's records of a location.
func (s *Service) Today(ctx context.Context, locationID string) ([]database.PresenceRecord, error) {
	records, err := s.store.ListRecordsForDay(ctx, locationID, s.WorkDay())
	if err != nil {
		return nil, fmt.Errorf("listing today's records: %w", err)
	}
	if records == nil {
		records = []database.PresenceRecord{}
	}
	return records, nil
}

// activeLocation loads a location and treats unknown and inactive alike.
func (s *Service) activeLocation(ctx context.Context, id string) (*database.Location, error) {
	loc, err := s.locations.GetLocation(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.NotFound("location not found")
	}
	if err != nil {
		return nil, fmt.Errorf("loading location: %w", err)
	}
	if !loc.Active {
		return nil, apperr.NotFound("location is inactive")
	}
	return loc, nil
}

func (s *Service) conflict(code, message string) error {
	s.metrics.ObserveConflict(code)
	return apperr.Conflict(code, message)
}
