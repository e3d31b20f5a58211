// Package descriptorcache keeps a local copy of the enrolled descriptor set
// and refreshes it with a stale-while-revalidate policy.
package descriptorcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kozaktomas/presence-kiosk/internal/database"
	"github.com/kozaktomas/presence-kiosk/internal/logging"
	"golang.org/x/sync/singleflight"
)

const fetchKey = "descriptors"

// ErrNotModified is returned by a FetchFunc when the server confirms the
// active set is current. A revalidation that gets it ends as OutcomeUnchanged.
var ErrNotModified = errors.New("descriptor set not modified")

// Fetched is the result of a remote descriptor fetch.
type Fetched struct {
	Entries []database.EnrolledEmbedding
	Version string
}

// FetchFunc loads the current descriptor set from the server.
type FetchFunc func(ctx context.Context) (*Fetched, error)

// ApplyFunc installs a snapshot, typically by building a matcher and swapping it in.
type ApplyFunc func(snap *Snapshot)

// Outcome is how a background revalidation ended.
type Outcome int

const (
	OutcomeUnchanged Outcome = iota
	OutcomeSwapped
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeSwapped:
		return "swapped"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Revalidation is a handle to a background refresh.
type Revalidation struct {
	done    chan struct{}
	cancel  context.CancelFunc
	outcome Outcome
	err     error
}

func finishedRevalidation(outcome Outcome) *Revalidation {
	r := &Revalidation{done: make(chan struct{}), cancel: func() {}, outcome: outcome}
	close(r.done)
	return r
}

// Done is closed when the revalidation has finished.
func (r *Revalidation) Done() <-chan struct{} {
	return r.done
}

// Cancel stops the revalidation. A result that arrives after Cancel is discarded.
func (r *Revalidation) Cancel() {
	r.cancel()
}

// Wait blocks until the revalidation has finished. The error is set only for OutcomeFailed.
func (r *Revalidation) Wait() (Outcome, error) {
	<-r.done
	return r.outcome, r.err
}

// Cache coordinates the local Store with remote fetches.
type Cache struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	group  singleflight.Group
}

// Option customizes a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for swallowed refresh failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithClock overrides the time source for CachedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache over store.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{store: store, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDefault(c.logger)
	return c
}

// Refresh applies the local snapshot right away when there is a non-empty one
// and revalidates it in the background; the returned handle tracks that work.
// Without a local snapshot it blocks on the fetch, and only then can it fail.
func (c *Cache) Refresh(ctx context.Context, fetch FetchFunc, apply ApplyFunc) (*Snapshot, *Revalidation, error) {
	if local, ok := c.store.Read(); ok && len(local.Entries) > 0 {
		apply(local)
		return local, c.revalidate(ctx, local.Version, fetch, apply), nil
	}

	fresh, err := c.fetch(ctx, fetch)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching descriptors: %w", err)
	}
	snap := c.persist(fresh)
	apply(snap)
	return snap, finishedRevalidation(OutcomeSwapped), nil
}

// Revalidate fetches in the background and applies the result if its version
// differs from the locally stored one.
func (c *Cache) Revalidate(ctx context.Context, fetch FetchFunc, apply ApplyFunc) *Revalidation {
	version := ""
	if local, ok := c.store.Read(); ok {
		version = local.Version
	}
	return c.revalidate(ctx, version, fetch, apply)
}

// Forget detaches the in-flight fetch so the next caller starts a new one.
// Used when the credential changes.
func (c *Cache) Forget() {
	c.group.Forget(fetchKey)
}

func (c *Cache) revalidate(ctx context.Context, current string, fetch FetchFunc, apply ApplyFunc) *Revalidation {
	ctx, cancel := context.WithCancel(ctx)
	r := &Revalidation{done: make(chan struct{}), cancel: cancel}

	go func() {
		defer close(r.done)
		defer cancel()

		fresh, err := c.fetch(ctx, fetch)
		switch {
		case ctx.Err() != nil:
			r.outcome = OutcomeCancelled
			c.logger.Debug("descriptor revalidation cancelled")
		case errors.Is(err, ErrNotModified):
			r.outcome = OutcomeUnchanged
		case err != nil:
			r.outcome, r.err = OutcomeFailed, err
			c.logger.Warn("descriptor revalidation failed, keeping cached set", "version", current, "error", err)
		case fresh.Version == current:
			r.outcome = OutcomeUnchanged
		default:
			apply(c.persist(fresh))
			r.outcome = OutcomeSwapped
			c.logger.Info("descriptor set updated", "from", current, "to", fresh.Version, "entries", len(fresh.Entries))
		}
	}()

	return r
}

// fetch runs fn through the singleflight group so concurrent refreshes share
// one request. The caller stops waiting as soon as its context is done.
func (c *Cache) fetch(ctx context.Context, fn FetchFunc) (*Fetched, error) {
	ch := c.group.DoChan(fetchKey, func() (any, error) {
		return fn(ctx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		fresh, ok := res.Val.(*Fetched)
		if !ok || fresh == nil {
			return nil, errors.New("fetch returned no descriptors")
		}
		return fresh, nil
	}
}

func (c *Cache) persist(fresh *Fetched) *Snapshot {
	entries := database.FilterEligible(fresh.Entries)
	c.store.Write(entries, fresh.Version)
	return &Snapshot{Entries: entries, Version: fresh.Version, CachedAt: c.now()}
}
