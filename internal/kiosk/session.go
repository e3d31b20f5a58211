// Package kiosk runs the unattended terminal: a camera frame loop that
// recognizes enrolled faces and posts presence events for one location.
package kiosk

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/presence-kiosk/internal/apperr"
	"github.com/kozaktomas/presence-kiosk/internal/attendance"
	"github.com/kozaktomas/presence-kiosk/internal/constants"
	"github.com/kozaktomas/presence-kiosk/internal/facematch"
	"github.com/kozaktomas/presence-kiosk/internal/faceservice"
	"github.com/kozaktomas/presence-kiosk/internal/geofence"
	"github.com/kozaktomas/presence-kiosk/internal/logging"
	"github.com/kozaktomas/presence-kiosk/internal/metrics"
	"golang.org/x/image/draw"
)

// FrameSource yields the current camera frame on demand.
type FrameSource interface {
	CaptureFrame(ctx context.Context) (image.Image, error)
}

// Detector finds faces and their descriptors in a frame.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]faceservice.Detection, error)
}

// Recorder performs the attendance transition for a recognized identity.
type Recorder interface {
	Record(ctx context.Context, req RecordRequest) (*RecordResult, error)
}

// RecordRequest is what the loop submits after a confirmed match.
type RecordRequest struct {
	IdentityID string
	Direction  attendance.Direction
	Device     string
	Geo        *geofence.Point
}

// RecordResult is the server's answer to a RecordRequest.
type RecordResult struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	RecordID     string `json:"record_id"`
	LocationName string `json:"location_name"`
	InZone       bool   `json:"in_zone"`
}

// Severity tells the display how loudly to surface a status.
type Severity int

const (
	SeveritySilent Severity = iota
	SeveritySoft
	SeverityHard
)

// Status is the outcome of one frame cycle.
type Status string

const (
	StatusIdle          Status = "idle"           // no scanning mode selected
	StatusSkipped       Status = "skipped"        // result on hold or a frame already in flight
	StatusNoFace        Status = "no_face"        // nothing detected
	StatusMoveCloser    Status = "move_closer"    // face below the size gate
	StatusUnknown       Status = "unknown"        // no match, attempts remain
	StatusNotRecognized Status = "not_recognized" // attempts exhausted, back to idle
	StatusPleaseWait    Status = "please_wait"    // cooldown for this identity and direction
	StatusRecorded      Status = "recorded"
	StatusRejected      Status = "rejected"    // conflict, not found or validation answer
	StatusAuthFailed    Status = "auth_failed" // credential invalid, expired or out of scope
	StatusError         Status = "error"       // capture, detection or network failure
	StatusStale         Status = "stale"       // mode changed while the cycle ran
)

// Severity returns how the status should be surfaced.
func (s Status) Severity() Severity {
	switch s {
	case StatusMoveCloser, StatusUnknown, StatusNotRecognized, StatusPleaseWait, StatusRejected:
		return SeveritySoft
	case StatusAuthFailed, StatusError:
		return SeverityHard
	default:
		return SeveritySilent
	}
}

// Mode is the scanning configuration selected on the terminal.
type Mode struct {
	Active    bool
	Direction attendance.Direction
}

// IdleMode stops scanning.
var IdleMode = Mode{}

// Outcome describes one ProcessFrame call.
type Outcome struct {
	Status     Status
	Generation uint64
	IdentityID string
	Distance   float64
	Attempts   int // consecutive unknown faces so far
	Result     *RecordResult
	Err        error
}

// SessionConfig tunes the frame loop.
type SessionConfig struct {
	Cadence            time.Duration
	Cooldown           time.Duration
	MinFaceWidth       float64 // relative to the working frame width
	MaxUnknownAttempts int
	ResultHold         time.Duration
	ResumeDelay        time.Duration // idle time after an unknown face before scanning resumes
	Device             string
	Geo                *geofence.Point
}

func (c *SessionConfig) applyDefaults() {
	if c.Cadence <= 0 {
		c.Cadence = constants.TargetCadence
	}
	if c.Cooldown <= 0 {
		c.Cooldown = constants.MatchCooldown
	}
	if c.MinFaceWidth <= 0 {
		c.MinFaceWidth = constants.MinFaceWidthRel
	}
	if c.MaxUnknownAttempts <= 0 {
		c.MaxUnknownAttempts = constants.MaxUnknownAttempts
	}
	if c.ResultHold < 0 {
		c.ResultHold = 0
	}
	if c.ResumeDelay <= 0 {
		c.ResumeDelay = max(c.ResultHold, constants.UnknownResumeDelay)
	}
	if c.Device == "" {
		c.Device = constants.DefaultDeviceTag
	}
}

type modeState struct {
	Mode
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc

	// set on the idle state entered after unknown faces
	resume   *Mode
	resumeAt time.Time
}

type cooldownKey struct {
	identityID string
	direction  attendance.Direction
}

// Session owns the scanning state of one terminal. ProcessFrame and Run are
// meant to be driven by a single goroutine; SetMode may be called from any.
type Session struct {
	source   FrameSource
	detector Detector
	recorder Recorder
	matchers *facematch.Reference
	cfg      SessionConfig

	now       func() time.Time
	logger    *slog.Logger
	metrics   *metrics.Metrics
	onOutcome func(Outcome)

	inFlight   atomic.Bool
	generation atomic.Uint64
	mode       atomic.Pointer[modeState]

	mu              sync.Mutex
	cooldown        map[cooldownKey]time.Time
	unknownAttempts int
	holdUntil       time.Time
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithSessionClock overrides the time source used for cooldown and hold.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// WithSessionLogger sets the logger.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithSessionMetrics enables frame counters.
func WithSessionMetrics(m *metrics.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithOutcomeHandler registers a callback invoked by Run after every cycle.
func WithOutcomeHandler(fn func(Outcome)) SessionOption {
	return func(s *Session) { s.onOutcome = fn }
}

// NewSession creates an idle session.
func NewSession(source FrameSource, detector Detector, recorder Recorder, matchers *facematch.Reference, cfg SessionConfig, opts ...SessionOption) *Session {
	cfg.applyDefaults()
	s := &Session{
		source:   source,
		detector: detector,
		recorder: recorder,
		matchers: matchers,
		cfg:      cfg,
		now:      time.Now,
		cooldown: make(map[cooldownKey]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger)
	s.SetMode(IdleMode)
	return s
}

// SetMode atomically replaces the scanning mode. Work started under the
// previous mode is cancelled and its result is reported as StatusStale.
// The unknown-face counter and any result hold are reset.
func (s *Session) SetMode(m Mode) uint64 {
	ctx, cancel := context.WithCancel(context.Background())
	next := &modeState{Mode: m, gen: s.generation.Add(1), ctx: ctx, cancel: cancel}
	if prev := s.mode.Swap(next); prev != nil {
		prev.cancel()
	}

	s.mu.Lock()
	s.unknownAttempts = 0
	s.holdUntil = time.Time{}
	s.mu.Unlock()

	s.logger.Debug("scan mode changed", "active", m.Active, "direction", m.Direction, "generation", next.gen)
	return next.gen
}

// Mode returns the current mode and its generation.
func (s *Session) Mode() (Mode, uint64) {
	ms := s.mode.Load()
	return ms.Mode, ms.gen
}

// NextDelay is the adaptive pause before the next cycle.
func NextDelay(target, elapsed time.Duration) time.Duration {
	return max(0, target-elapsed)
}

// Run drives ProcessFrame at the configured cadence until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		start := time.Now()
		out := s.ProcessFrame(ctx)
		if s.onOutcome != nil {
			s.onOutcome(out)
		}
		timer.Reset(NextDelay(s.cfg.Cadence, time.Since(start)))
	}
}

// ProcessFrame runs one capture, detect, match and record cycle.
func (s *Session) ProcessFrame(ctx context.Context) Outcome {
	start := time.Now()
	out := s.processFrame(ctx)
	if out.Status != StatusSkipped && out.Status != StatusIdle {
		s.metrics.ObserveFrame(string(out.Status), time.Since(start))
	}
	return out
}

func (s *Session) processFrame(ctx context.Context) Outcome {
	ms := s.resumeIfDue(s.mode.Load())
	if !ms.Active {
		return Outcome{Status: StatusIdle, Generation: ms.gen}
	}

	s.mu.Lock()
	held := s.now().Before(s.holdUntil)
	s.mu.Unlock()
	if held {
		return Outcome{Status: StatusSkipped, Generation: ms.gen}
	}

	if !s.inFlight.CompareAndSwap(false, true) {
		return Outcome{Status: StatusSkipped, Generation: ms.gen}
	}
	defer s.inFlight.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ms.ctx, cancel)
	defer stop()

	frame, err := s.source.CaptureFrame(ctx)
	if err != nil {
		return s.failure(ms, "capturing frame", err)
	}

	work := Downscale(frame, constants.WorkingWidth, constants.WorkingHeight)
	detections, err := s.detector.Detect(ctx, work)
	if err != nil {
		return s.failure(ms, "detecting faces", err)
	}
	if s.stale(ms) {
		return Outcome{Status: StatusStale, Generation: ms.gen}
	}

	face, ok := pickFace(detections)
	if !ok {
		return Outcome{Status: StatusNoFace, Generation: ms.gen}
	}
	if face.Width()/float64(work.Bounds().Dx()) < s.cfg.MinFaceWidth {
		return Outcome{Status: StatusMoveCloser, Generation: ms.gen}
	}

	match, ok := s.matchers.Match(face.Descriptor)
	if !ok {
		return s.unknown(ms)
	}
	return s.recognized(ctx, ms, match)
}

func (s *Session) stale(ms *modeState) bool {
	return s.mode.Load() != ms
}

func (s *Session) failure(ms *modeState, op string, err error) Outcome {
	if s.stale(ms) || errors.Is(err, context.Canceled) {
		return Outcome{Status: StatusStale, Generation: ms.gen}
	}
	s.logger.Warn("frame cycle failed", "op", op, "error", err)
	return Outcome{Status: StatusError, Generation: ms.gen, Err: err}
}

func (s *Session) unknown(ms *modeState) Outcome {
	s.mu.Lock()
	s.unknownAttempts++
	attempts := s.unknownAttempts
	exhausted := attempts >= s.cfg.MaxUnknownAttempts
	if exhausted {
		s.unknownAttempts = 0
		s.holdUntil = s.now().Add(s.cfg.ResultHold)
	}
	s.mu.Unlock()

	if !exhausted {
		return Outcome{Status: StatusUnknown, Generation: ms.gen, Attempts: attempts}
	}

	// Back to idle, unless the operator already switched modes. The previous
	// mode comes back after ResumeDelay.
	if s.mode.Load() == ms {
		ctx, cancel := context.WithCancel(context.Background())
		prev := ms.Mode
		idle := &modeState{
			Mode: IdleMode, gen: s.generation.Add(1), ctx: ctx, cancel: cancel,
			resume: &prev, resumeAt: s.now().Add(s.cfg.ResumeDelay),
		}
		if s.mode.CompareAndSwap(ms, idle) {
			ms.cancel()
		} else {
			cancel()
		}
	}
	return Outcome{Status: StatusNotRecognized, Generation: ms.gen, Attempts: attempts}
}

// resumeIfDue restores the mode interrupted by unknown faces once its delay
// has passed. The restored mode gets a new generation.
func (s *Session) resumeIfDue(ms *modeState) *modeState {
	if ms.resume == nil || s.now().Before(ms.resumeAt) {
		return ms
	}
	ctx, cancel := context.WithCancel(context.Background())
	next := &modeState{Mode: *ms.resume, gen: s.generation.Add(1), ctx: ctx, cancel: cancel}
	if !s.mode.CompareAndSwap(ms, next) {
		cancel()
		return s.mode.Load()
	}
	ms.cancel()
	s.logger.Debug("scan mode resumed", "direction", next.Direction, "generation", next.gen)
	return next
}

func (s *Session) recognized(ctx context.Context, ms *modeState, match facematch.Result) Outcome {
	key := cooldownKey{identityID: match.IdentityID, direction: ms.Direction}
	out := Outcome{Generation: ms.gen, IdentityID: match.IdentityID, Distance: match.Distance}

	s.mu.Lock()
	s.unknownAttempts = 0
	last, seen := s.cooldown[key]
	now := s.now()
	s.mu.Unlock()

	if seen && now.Sub(last) < s.cfg.Cooldown {
		out.Status = StatusPleaseWait
		return out
	}

	result, err := s.recorder.Record(ctx, RecordRequest{
		IdentityID: match.IdentityID,
		Direction:  ms.Direction,
		Device:     s.cfg.Device,
		Geo:        s.cfg.Geo,
	})
	if err == nil {
		s.stampCooldown(key)
	}
	if s.stale(ms) {
		out.Status = StatusStale
		return out
	}
	if err != nil {
		out.Err = err
		out.Status = classify(err)
		switch out.Status {
		case StatusError:
			s.logger.Warn("recording attendance failed", "identity_id", match.IdentityID, "error", err)
		case StatusRejected:
			// The answer stays on screen like a success does.
			s.mu.Lock()
			s.holdUntil = s.now().Add(s.cfg.ResultHold)
			s.mu.Unlock()
		}
		return out
	}

	s.mu.Lock()
	s.holdUntil = s.now().Add(s.cfg.ResultHold)
	s.mu.Unlock()

	s.logger.Info("attendance recorded",
		"identity_id", match.IdentityID,
		"direction", ms.Direction,
		"distance", match.Distance,
		"status", result.Status,
	)
	out.Status = StatusRecorded
	out.Result = result
	return out
}

func (s *Session) stampCooldown(key cooldownKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, t := range s.cooldown {
		if now.Sub(t) >= s.cfg.Cooldown {
			delete(s.cooldown, k)
		}
	}
	s.cooldown[key] = now
}

// classify maps a Recorder error to the status shown on the terminal.
func classify(err error) Status {
	switch apperr.KindOf(err) {
	case apperr.KindAuth, apperr.KindForbidden:
		return StatusAuthFailed
	case apperr.KindConflict, apperr.KindNotFound, apperr.KindValidation:
		return StatusRejected
	default:
		return StatusError
	}
}

// pickFace returns the detection with the highest confidence.
func pickFace(detections []faceservice.Detection) (faceservice.Detection, bool) {
	if len(detections) == 0 {
		return faceservice.Detection{}, false
	}
	best := detections[0]
	for _, d := range detections[1:] {
		if d.DetScore > best.DetScore {
			best = d
		}
	}
	return best, true
}

// Downscale resizes img to fit within width x height, keeping its aspect ratio.
func Downscale(img image.Image, width, height int) *image.RGBA {
	w, h := width, height
	if b := img.Bounds(); b.Dx() > 0 && b.Dy() > 0 {
		scale := min(float64(width)/float64(b.Dx()), float64(height)/float64(b.Dy()))
		w = max(1, int(math.Round(float64(b.Dx())*scale)))
		h = max(1, int(math.Round(float64(b.Dy())*scale)))
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}
