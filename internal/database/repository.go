package database

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrOpenRecordExists is returned by CreateOpenRecord when the identity
	// already has an open record for the work day.
	ErrOpenRecordExists = errors.New("open presence record already exists")
	// ErrAlreadyClosed is returned by CloseRecord for a record with a check-out.
	ErrAlreadyClosed = errors.New("presence record already closed")
)

// IdentityReader provides read-only access to enrolled identities
type IdentityReader interface {
	// GetIdentity returns the identity or ErrNotFound
	GetIdentity(ctx context.Context, id string) (*Identity, error)
}

// IdentityWriter is used by bulk enrollment tooling.
type IdentityWriter interface {
	IdentityReader
	UpsertIdentity(ctx context.Context, identity Identity) error
}

// LocationReader provides read-only access to locations
type LocationReader interface {
	// GetLocation returns the location or ErrNotFound (inactive locations are returned too)
	GetLocation(ctx context.Context, id string) (*Location, error)
	// GetLocationByLogin looks up a location by its canonical kiosk login
	GetLocationByLogin(ctx context.Context, login string) (*Location, error)
	// ListActiveLocations returns all active locations
	ListActiveLocations(ctx context.Context) ([]Location, error)
}

// LocationWriter provides write access to locations
type LocationWriter interface {
	LocationReader
	UpsertLocation(ctx context.Context, location Location) error
}

// EmbeddingReader serves the enrolled descriptor set
type EmbeddingReader interface {
	// ListEmbeddings returns the eligible embeddings of active identities
	// together with the version of that set.
	ListEmbeddings(ctx context.Context) ([]EnrolledEmbedding, string, error)
}

// EmbeddingWriter provides write access to enrolled embeddings
type EmbeddingWriter interface {
	EmbeddingReader
	// UpsertEmbedding replaces the single embedding of an identity
	UpsertEmbedding(ctx context.Context, identityID string, vector []float32) error
}

// PresenceStore persists presence records. Only the attendance service mutates records.
type PresenceStore interface {
	// FindOpenRecord returns the most recent open record of the identity on
	// the work day, or ErrNotFound
	FindOpenRecord(ctx context.Context, identityID, workDay string) (*PresenceRecord, error)
	// GetRecord returns a record by id, or ErrNotFound
	GetRecord(ctx context.Context, id string) (*PresenceRecord, error)
	// CreateOpenRecord inserts an open record. Returns ErrOpenRecordExists when
	// another open record exists for the same identity and work day.
	CreateOpenRecord(ctx context.Context, record *PresenceRecord) error
	// CloseRecord sets the check-out of an open record and returns the updated row.
	// Returns ErrAlreadyClosed when the record has been closed already.
	CloseRecord(ctx context.Context, id string, checkOut time.Time) (*PresenceRecord, error)
	// ListRecordsForDay returns the records of a location on the work day, oldest first
	ListRecordsForDay(ctx context.Context, locationID, workDay string) ([]PresenceRecord, error)
}
