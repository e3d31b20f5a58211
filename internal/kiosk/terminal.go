package kiosk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kozaktomas/presence-kiosk/internal/apperr"
	"github.com/kozaktomas/presence-kiosk/internal/attendance"
	"github.com/kozaktomas/presence-kiosk/internal/config"
	"github.com/kozaktomas/presence-kiosk/internal/constants"
	"github.com/kozaktomas/presence-kiosk/internal/descriptorcache"
	"github.com/kozaktomas/presence-kiosk/internal/facematch"
	"github.com/kozaktomas/presence-kiosk/internal/geofence"
	"github.com/kozaktomas/presence-kiosk/internal/logging"
	"github.com/kozaktomas/presence-kiosk/internal/metrics"
	"github.com/robfig/cron/v3"
)

// Terminal wires the API client, the descriptor cache and the frame loop
// into one kiosk.
type Terminal struct {
	cfg      *config.KioskConfig
	client   *Client
	cache    *descriptorcache.Cache
	matchers *facematch.Reference
	session  *Session
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	runCtx    context.Context
	pending   *descriptorcache.Revalidation
	scheduler *cron.Cron
}

// TerminalOption customizes a Terminal.
type TerminalOption func(*terminalOptions)

type terminalOptions struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	sessionOpts []SessionOption
}

// WithTerminalLogger sets the logger for the terminal and its session.
func WithTerminalLogger(logger *slog.Logger) TerminalOption {
	return func(o *terminalOptions) { o.logger = logger }
}

// WithTerminalMetrics enables frame and refresh counters.
func WithTerminalMetrics(m *metrics.Metrics) TerminalOption {
	return func(o *terminalOptions) { o.metrics = m }
}

// WithSessionOptions passes extra options to the frame loop.
func WithSessionOptions(opts ...SessionOption) TerminalOption {
	return func(o *terminalOptions) { o.sessionOpts = append(o.sessionOpts, opts...) }
}

// NewTerminal builds a terminal. Nothing talks to the server until Start.
func NewTerminal(cfg *config.KioskConfig, client *Client, cache *descriptorcache.Cache, source FrameSource, detector Detector, opts ...TerminalOption) *Terminal {
	var o terminalOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.OrDefault(o.logger)

	var geo *geofence.Point
	if cfg.Geo != nil {
		geo = &geofence.Point{Lat: cfg.Geo.Lat, Lng: cfg.Geo.Lng}
	}

	matchers := facematch.NewReference(nil)
	sessionOpts := append([]SessionOption{
		WithSessionLogger(logger),
		WithSessionMetrics(o.metrics),
	}, o.sessionOpts...)

	return &Terminal{
		cfg:      cfg,
		client:   client,
		cache:    cache,
		matchers: matchers,
		session: NewSession(source, detector, client, matchers, SessionConfig{
			Cadence:            cfg.Cadence,
			Cooldown:           cfg.Cooldown,
			MinFaceWidth:       cfg.MinFaceWidth,
			MaxUnknownAttempts: cfg.MaxUnknownAttempts,
			ResultHold:         cfg.ResultHold,
			Device:             cfg.Device,
			Geo:                geo,
		}, sessionOpts...),
		logger:  logger,
		metrics: o.metrics,
		runCtx:  context.Background(),
	}
}

// Session returns the frame loop.
func (t *Terminal) Session() *Session {
	return t.session
}

// Matchers returns the reference to the active matcher.
func (t *Terminal) Matchers() *facematch.Reference {
	return t.matchers
}

// Start logs in when no token is installed, loads the descriptor set, schedules
// background revalidation and switches to the configured direction.
func (t *Terminal) Start(ctx context.Context) error {
	direction, err := attendance.ParseDirection(t.cfg.Direction)
	if err != nil {
		return err
	}

	if t.client.Token() == "" {
		res, err := t.client.Login(ctx, t.cfg.Login, t.cfg.Password)
		if err != nil {
			return fmt.Errorf("logging in as %q: %w", t.cfg.Login, err)
		}
		t.logger.Info("kiosk logged in", "location_id", res.LocationID, "location", res.LocationName, "expires_at", res.ExpiresAt)
	}

	snap, pending, err := t.cache.Refresh(ctx, t.fetch, t.apply)
	if err != nil {
		return fmt.Errorf("loading descriptors: %w", err)
	}
	t.logger.Info("descriptor set loaded", "version", snap.Version, "entries", len(snap.Entries))

	schedule := t.cfg.RevalidateSchedule
	if schedule == "" {
		schedule = constants.DefaultRevalidateSchedule
	}
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(schedule, t.revalidate); err != nil {
		pending.Cancel()
		return fmt.Errorf("invalid revalidate schedule %q: %w", schedule, err)
	}

	t.mu.Lock()
	t.runCtx = ctx
	t.pending = pending
	t.scheduler = scheduler
	t.mu.Unlock()
	go t.watch(pending)

	scheduler.Start()

	t.session.SetMode(Mode{Active: true, Direction: direction})
	return nil
}

// Run starts the terminal and drives the frame loop until ctx is done.
func (t *Terminal) Run(ctx context.Context) error {
	if err := t.Start(ctx); err != nil {
		return err
	}
	defer t.Stop()

	err := t.session.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop cancels background work and waits for running cron jobs.
func (t *Terminal) Stop() {
	t.mu.Lock()
	scheduler := t.scheduler
	t.scheduler = nil
	t.mu.Unlock()

	t.cancelPending()
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
}

// SetMode switches scanning mode. Descriptor fetches still in flight are dropped.
func (t *Terminal) SetMode(m Mode) uint64 {
	t.cancelPending()
	return t.session.SetMode(m)
}

// SetCredential replaces the location credential: pending fetches are
// abandoned, the kiosk logs in again and revalidates the descriptor set.
func (t *Terminal) SetCredential(ctx context.Context, login, password string) error {
	t.cancelPending()
	t.cache.Forget()

	res, err := t.client.Login(ctx, login, password)
	if err != nil {
		return fmt.Errorf("logging in as %q: %w", login, err)
	}

	t.mu.Lock()
	t.cfg.Login, t.cfg.Password = login, password
	t.mu.Unlock()

	t.logger.Info("kiosk credential changed", "location_id", res.LocationID, "location", res.LocationName)
	t.revalidate()
	return nil
}

// Revalidate starts a background descriptor refresh unless one is running.
func (t *Terminal) Revalidate() *descriptorcache.Revalidation {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending != nil {
		select {
		case <-t.pending.Done():
		default:
			return t.pending
		}
	}
	t.pending = t.cache.Revalidate(t.runCtx, t.fetch, t.apply)
	go t.watch(t.pending)
	return t.pending
}

func (t *Terminal) revalidate() {
	t.Revalidate()
}

func (t *Terminal) cancelPending() {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	if pending != nil {
		pending.Cancel()
	}
}

func (t *Terminal) watch(r *descriptorcache.Revalidation) {
	outcome, _ := r.Wait()
	t.metrics.ObserveRefresh(outcome.String())
}

// fetch asks for the descriptor set, sending the active version as a
// validator. An expired token is renewed once with the stored password.
func (t *Terminal) fetch(ctx context.Context) (*descriptorcache.Fetched, error) {
	current := t.matchers.Version()

	fetched, notModified, err := t.client.FetchDescriptors(ctx, current)
	if apperr.KindOf(err) == apperr.KindAuth {
		t.mu.Lock()
		login, password := t.cfg.Login, t.cfg.Password
		t.mu.Unlock()
		if password != "" {
			t.logger.Info("kiosk token rejected, logging in again")
			if _, lerr := t.client.Login(ctx, login, password); lerr != nil {
				return nil, fmt.Errorf("renewing credential: %w", lerr)
			}
			fetched, notModified, err = t.client.FetchDescriptors(ctx, current)
		}
	}
	if err != nil {
		return nil, err
	}
	if notModified {
		if current == "" {
			return nil, errors.New("server answered not modified without a local version")
		}
		return nil, descriptorcache.ErrNotModified
	}
	return fetched, nil
}

// apply builds a matcher for the snapshot and swaps it in. An empty roster
// installs a matcher that never matches.
func (t *Terminal) apply(snap *descriptorcache.Snapshot) {
	m, err := facematch.Build(snap.Entries, t.cfg.Threshold, facematch.WithVersion(snap.Version))
	if err != nil {
		t.logger.Warn("descriptor set has no usable entries", "version", snap.Version, "error", err)
	}
	t.matchers.Swap(m)
	t.logger.Debug("matcher swapped", "version", snap.Version, "entries", m.Len(), "indexed", m.Indexed())
}
