package database

import (
	"errors"
	"sync"
)

// Backend groups the repositories of one storage backend.
type Backend struct {
	Identities IdentityWriter
	Locations  LocationWriter
	Embeddings EmbeddingWriter
	Presence   PresenceStore
}

var (
	backend   *Backend
	backendMu sync.RWMutex
)

// RegisterBackend registers the active storage backend.
// This is called by the postgres package to avoid import cycles.
func RegisterBackend(b *Backend) {
	backendMu.Lock()
	defer backendMu.Unlock()
	backend = b
}

// IsInitialized returns whether a backend has been registered.
func IsInitialized() bool {
	backendMu.RLock()
	defer backendMu.RUnlock()
	return backend != nil
}

// GetBackend returns the registered backend.
func GetBackend() (*Backend, error) {
	backendMu.RLock()
	defer backendMu.RUnlock()
	if backend == nil {
		return nil, errors.New("PostgreSQL backend not initialized: DATABASE_URL is required")
	}
	return backend, nil
}
