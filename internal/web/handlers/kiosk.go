package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/presence-kiosk/internal/apperr"
	"github.com/kozaktomas/presence-kiosk/internal/attendance"
	"github.com/kozaktomas/presence-kiosk/internal/constants"
	"github.com/kozaktomas/presence-kiosk/internal/credential"
	"github.com/kozaktomas/presence-kiosk/internal/database"
	"github.com/kozaktomas/presence-kiosk/internal/geofence"
	"github.com/kozaktomas/presence-kiosk/internal/logging"
	"github.com/kozaktomas/presence-kiosk/internal/metrics"
	"github.com/kozaktomas/presence-kiosk/internal/web/middleware"
)

// KioskHandler serves the terminal-facing API.
type KioskHandler struct {
	auth       *credential.Authenticator
	attendance *attendance.Service
	embeddings database.EmbeddingReader
	identities database.IdentityReader
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewKioskHandler creates a new kiosk handler
func NewKioskHandler(
	auth *credential.Authenticator,
	att *attendance.Service,
	backend *database.Backend,
	m *metrics.Metrics,
	logger *slog.Logger,
) *KioskHandler {
	return &KioskHandler{
		auth:       auth,
		attendance: att,
		embeddings: backend.Embeddings,
		identities: backend.Identities,
		metrics:    m,
		logger:     logging.OrDefault(logger),
	}
}

// LoginRequest represents a kiosk login request
type LoginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	ClientIP string `json:"client_ip,omitempty"`
}

// LoginResponse represents a successful kiosk login
type LoginResponse struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	ExpiresIn    int64     `json:"expires_in"`
	LocationID   string    `json:"location_id"`
	LocationName string    `json:"location_name"`
}

// Login exchanges location credentials for a kiosk bearer token.
// The allow-list is checked against the transport address; client_ip is only logged.
func (h *KioskHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.metrics.ObserveLogin("invalid")
		respondAppError(w, r, h.logger, err)
		return
	}

	clientIP := middleware.ClientIP(r)
	if req.ClientIP != "" && req.ClientIP != clientIP {
		h.logger.Debug("kiosk reported a different client address",
			"reported", sanitizeForLog(req.ClientIP), "transport", clientIP)
	}

	res, err := h.auth.Login(r.Context(), credential.LoginRequest{
		Login:    req.Login,
		Password: req.Password,
		ClientIP: clientIP,
	})
	if err != nil {
		h.metrics.ObserveLogin(loginOutcome(err))
		respondAppError(w, r, h.logger, err)
		return
	}

	h.metrics.ObserveLogin("success")
	respondJSON(w, http.StatusOK, LoginResponse{
		AccessToken:  res.Token,
		TokenType:    "Bearer",
		ExpiresAt:    res.ExpiresAt,
		ExpiresIn:    res.ExpiresInSeconds,
		LocationID:   res.LocationID,
		LocationName: res.LocationName,
	})
}

func loginOutcome(err error) string {
	if kind := apperr.KindOf(err); kind != 0 {
		return kind.String()
	}
	return "error"
}

// DescriptorDTO is one enrolled descriptor as served to terminals
type DescriptorDTO struct {
	ID         string    `json:"id"`
	Descriptor []float32 `json:"descriptor"`
}

// DescriptorsResponse is the descriptor set with its version
type DescriptorsResponse struct {
	Descriptors []DescriptorDTO `json:"descriptors"`
	Version     string          `json:"version"`
}

// etagMatches reports whether an If-None-Match header names the version.
func etagMatches(header, version string) bool {
	if header == "" {
		return false
	}
	for candidate := range strings.SplitSeq(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		candidate = strings.TrimPrefix(candidate, "W/")
		if strings.Trim(candidate, `"`) == version {
			return true
		}
	}
	return false
}

// Descriptors returns every eligible enrolled descriptor. A matching
// If-None-Match answers 304 without a body.
func (h *KioskHandler) Descriptors(w http.ResponseWriter, r *http.Request) {
	entries, version, err := h.embeddings.ListEmbeddings(r.Context())
	if err != nil {
		respondAppError(w, r, h.logger, err)
		return
	}

	w.Header().Set(constants.DescriptorsVersionHeader, version)
	w.Header().Set("ETag", `"`+version+`"`)
	if etagMatches(r.Header.Get("If-None-Match"), version) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	eligible := database.FilterEligible(entries)
	resp := DescriptorsResponse{
		Descriptors: make([]DescriptorDTO, 0, len(eligible)),
		Version:     version,
	}
	for _, e := range eligible {
		resp.Descriptors = append(resp.Descriptors, DescriptorDTO{ID: e.IdentityID, Descriptor: e.Vector})
	}
	respondJSON(w, http.StatusOK, resp)
}

// AttendanceRequest represents a presence event posted by a terminal
type AttendanceRequest struct {
	IdentityID string          `json:"identity_id"`
	Direction  string          `json:"direction"`
	LocationID string          `json:"location_id,omitempty"`
	Device     string          `json:"device,omitempty"`
	Geo        *geofence.Point `json:"geo,omitempty"`
}

// NearestLocationDTO is the active location closest to the reported position
type NearestLocationDTO struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	DistanceMeters float64 `json:"distance_meters"`
}

// AttendanceResponse is the result of a successful transition
type AttendanceResponse struct {
	Success         bool                `json:"success"`
	Status          string              `json:"status"`
	Message         string              `json:"message"`
	RecordID        string              `json:"record_id"`
	LocationName    string              `json:"location_name,omitempty"`
	InZone          bool                `json:"in_zone"`
	CheckIn         time.Time           `json:"check_in"`
	CheckOut        *time.Time          `json:"check_out,omitempty"`
	NearestLocation *NearestLocationDTO `json:"nearest_location,omitempty"`
}

// Attendance records a check-in or check-out for the credential's location.
func (h *KioskHandler) Attendance(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		respondError(w, http.StatusUnauthorized, apperr.CodeUnauthorized, "unauthorized")
		return
	}

	var req AttendanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondAppError(w, r, h.logger, err)
		return
	}
	if strings.TrimSpace(req.IdentityID) == "" {
		respondError(w, http.StatusBadRequest, apperr.CodeInvalidRequest, "identity_id is required")
		return
	}
	direction, err := attendance.ParseDirection(req.Direction)
	if err != nil {
		respondAppError(w, r, h.logger, err)
		return
	}

	t, err := h.attendance.Record(r.Context(), attendance.Scope{LocationID: claims.LocationID}, attendance.RecordRequest{
		IdentityID: req.IdentityID,
		Direction:  direction,
		LocationID: req.LocationID,
		Device:     req.Device,
		Geo:        req.Geo,
	})
	if err != nil {
		respondAppError(w, r, h.logger, err)
		return
	}

	resp := AttendanceResponse{
		Success:      true,
		Status:       string(t.Status),
		Message:      t.Message,
		RecordID:     t.Record.ID,
		LocationName: t.LocationName,
		InZone:       t.Record.InZone,
		CheckIn:      t.Record.CheckIn,
		CheckOut:     t.Record.CheckOut,
	}
	if t.Nearest != nil {
		resp.NearestLocation = &NearestLocationDTO{
			ID:             t.Nearest.ID,
			Name:           t.Nearest.Name,
			DistanceMeters: t.Nearest.DistanceMeters,
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// RecordDTO is a presence record in API responses
type RecordDTO struct {
	ID         string     `json:"id"`
	IdentityID string     `json:"identity_id"`
	LocationID *string    `json:"location_id,omitempty"`
	WorkDay    string     `json:"work_day"`
	CheckIn    time.Time  `json:"check_in"`
	CheckOut   *time.Time `json:"check_out,omitempty"`
	InZone     bool       `json:"in_zone"`
	Device     string     `json:"device,omitempty"`
}

// TodayResponse lists the records of the current work day
type TodayResponse struct {
	WorkDay string      `json:"work_day"`
	Records []RecordDTO `json:"records"`
}

// Today lists today's records of the credential's location.
func (h *KioskHandler) Today(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		respondError(w, http.StatusUnauthorized, apperr.CodeUnauthorized, "unauthorized")
		return
	}

	locationID := r.URL.Query().Get("location_id")
	if locationID == "" {
		locationID = claims.LocationID
	}
	if locationID != claims.LocationID {
		respondError(w, http.StatusForbidden, apperr.CodeLocationMismatch, "location does not match the kiosk credential")
		return
	}

	records, err := h.attendance.Today(r.Context(), locationID)
	if err != nil {
		respondAppError(w, r, h.logger, err)
		return
	}

	resp := TodayResponse{WorkDay: h.attendance.WorkDay(), Records: make([]RecordDTO, 0, len(records))}
	for _, rec := range records {
		resp.Records = append(resp.Records, RecordDTO{
			ID:         rec.ID,
			IdentityID: rec.IdentityID,
			LocationID: rec.LocationID,
			WorkDay:    rec.WorkDay,
			CheckIn:    rec.CheckIn,
			CheckOut:   rec.CheckOut,
			InZone:     rec.InZone,
			Device:     rec.Device,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

// IdentityResponse is the public profile shown after a match
type IdentityResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Role     string `json:"role,omitempty"`
	PhotoRef string `json:"photo_ref,omitempty"`
}

// Identity returns the display profile of an active identity.
func (h *KioskHandler) Identity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	identity, err := h.identities.GetIdentity(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) || (err == nil && !identity.Active) {
		respondError(w, http.StatusNotFound, apperr.CodeNotFound, "identity not found")
		return
	}
	if err != nil {
		respondAppError(w, r, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, IdentityResponse{
		ID:       identity.ID,
		Name:     identity.Name,
		Role:     identity.Role,
		PhotoRef: identity.PhotoRef,
	})
}
