// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/kozaktomas/presence-kiosk/internal/database"
)

// MockIdentityStore is a mock implementation of database.IdentityWriter
type MockIdentityStore struct {
	mu         sync.RWMutex
	identities map[string]database.Identity

	// Error injection
	GetError    error
	UpsertError error
}

// NewMockIdentityStore creates a new mock identity store
func NewMockIdentityStore() *MockIdentityStore {
	return &MockIdentityStore{identities: make(map[string]database.Identity)}
}

// AddIdentity adds an identity to the mock store
func (m *MockIdentityStore) AddIdentity(identity database.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[identity.ID] = identity
}

// GetIdentity retrieves an identity by id
func (m *MockIdentityStore) GetIdentity(ctx context.Context, id string) (*database.Identity, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	identity, ok := m.identities[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &identity, nil
}

// UpsertIdentity stores an identity
func (m *MockIdentityStore) UpsertIdentity(ctx context.Context, identity database.Identity) error {
	if m.UpsertError != nil {
		return m.UpsertError
	}
	m.AddIdentity(identity)
	return nil
}

// MockLocationStore is a mock implementation of database.LocationWriter
type MockLocationStore struct {
	mu        sync.RWMutex
	locations map[string]database.Location

	// Error injection
	GetError    error
	ListError   error
	UpsertError error
}

// NewMockLocationStore creates a new mock location store
func NewMockLocationStore() *MockLocationStore {
	return &MockLocationStore{locations: make(map[string]database.Location)}
}

// AddLocation adds a location to the mock store
func (m *MockLocationStore) AddLocation(location database.Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[location.ID] = location
}

// GetLocation retrieves a location by id
func (m *MockLocationStore) GetLocation(ctx context.Context, id string) (*database.Location, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	location, ok := m.locations[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &location, nil
}

// GetLocationByLogin retrieves a location by its kiosk login
func (m *MockLocationStore) GetLocationByLogin(ctx context.Context, login string) (*database.Location, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, location := range m.locations {
		if location.Login != "" && location.Login == login {
			return &location, nil
		}
	}
	return nil, database.ErrNotFound
}

// ListActiveLocations returns active locations sorted by id
func (m *MockLocationStore) ListActiveLocations(ctx context.Context) ([]database.Location, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []database.Location
	for _, location := range m.locations {
		if location.Active {
			result = append(result, location)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// UpsertLocation stores a location
func (m *MockLocationStore) UpsertLocation(ctx context.Context, location database.Location) error {
	if m.UpsertError != nil {
		return m.UpsertError
	}
	m.AddLocation(location)
	return nil
}

// MockEmbeddingStore is a mock implementation of database.EmbeddingWriter
type MockEmbeddingStore struct {
	mu         sync.RWMutex
	embeddings map[string]database.EnrolledEmbedding
	now        func() time.Time

	// Error injection
	ListError   error
	UpsertError error
}

// NewMockEmbeddingStore creates a new mock embedding store
func NewMockEmbeddingStore() *MockEmbeddingStore {
	return &MockEmbeddingStore{
		embeddings: make(map[string]database.EnrolledEmbedding),
		now:        time.Now,
	}
}

// AddEmbedding adds an embedding to the mock store as-is
func (m *MockEmbeddingStore) AddEmbedding(e database.EnrolledEmbedding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embeddings[e.IdentityID] = e
}

// RemoveEmbedding deletes the embedding of an identity
func (m *MockEmbeddingStore) RemoveEmbedding(identityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.embeddings, identityID)
}

// ListEmbeddings returns eligible embeddings sorted by identity id, plus the set version
func (m *MockEmbeddingStore) ListEmbeddings(ctx context.Context) ([]database.EnrolledEmbedding, string, error) {
	if m.ListError != nil {
		return nil, "", m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]database.EnrolledEmbedding, 0, len(m.embeddings))
	for _, e := range m.embeddings {
		if e.Eligible() {
			e.Vector = slices.Clone(e.Vector)
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].IdentityID < result[j].IdentityID })
	return result, database.VersionOf(result), nil
}

// UpsertEmbedding stores an embedding stamped with the current time
func (m *MockEmbeddingStore) UpsertEmbedding(ctx context.Context, identityID string, vector []float32) error {
	if m.UpsertError != nil {
		return m.UpsertError
	}
	m.AddEmbedding(database.EnrolledEmbedding{
		IdentityID: identityID,
		Vector:     slices.Clone(vector),
		UpdatedAt:  m.now(),
	})
	return nil
}

// MockPresenceStore is a mock implementation of database.PresenceStore.
// A single mutex serializes writes so the one-open-record rule holds under
// concurrent callers, like the partial unique index does in PostgreSQL.
type MockPresenceStore struct {
	mu      sync.Mutex
	records map[string]*database.PresenceRecord
	order   []string

	// Error injection
	FindError   error
	CreateError error
	CloseError  error
	ListError   error
}

// NewMockPresenceStore creates a new mock presence store
func NewMockPresenceStore() *MockPresenceStore {
	return &MockPresenceStore{records: make(map[string]*database.PresenceRecord)}
}

func cloneRecord(r *database.PresenceRecord) *database.PresenceRecord {
	c := *r
	if r.LocationID != nil {
		loc := *r.LocationID
		c.LocationID = &loc
	}
	if r.CheckOut != nil {
		out := *r.CheckOut
		c.CheckOut = &out
	}
	return &c
}

// Records returns a copy of every stored record in insertion order
func (m *MockPresenceStore) Records() []database.PresenceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]database.PresenceRecord, 0, len(m.order))
	for _, id := range m.order {
		result = append(result, *cloneRecord(m.records[id]))
	}
	return result
}

// FindOpenRecord returns the latest open record of the identity on the day
func (m *MockPresenceStore) FindOpenRecord(ctx context.Context, identityID, workDay string) (*database.PresenceRecord, error) {
	if m.FindError != nil {
		return nil, m.FindError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		r := m.records[m.order[i]]
		if r.IdentityID == identityID && r.WorkDay == workDay && r.IsOpen() {
			return cloneRecord(r), nil
		}
	}
	return nil, database.ErrNotFound
}

// GetRecord returns a record by id
func (m *MockPresenceStore) GetRecord(ctx context.Context, id string) (*database.PresenceRecord, error) {
	if m.FindError != nil {
		return nil, m.FindError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return cloneRecord(r), nil
}

// CreateOpenRecord inserts an open record
func (m *MockPresenceStore) CreateOpenRecord(ctx context.Context, record *database.PresenceRecord) error {
	if m.CreateError != nil {
		return m.CreateError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.IdentityID == record.IdentityID && r.WorkDay == record.WorkDay && r.IsOpen() {
			return database.ErrOpenRecordExists
		}
	}
	m.records[record.ID] = cloneRecord(record)
	m.order = append(m.order, record.ID)
	return nil
}

// CloseRecord sets the check-out time of an open record
func (m *MockPresenceStore) CloseRecord(ctx context.Context, id string, checkOut time.Time) (*database.PresenceRecord, error) {
	if m.CloseError != nil {
		return nil, m.CloseError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	if !r.IsOpen() {
		return nil, database.ErrAlreadyClosed
	}
	r.CheckOut = &checkOut
	return cloneRecord(r), nil
}

// ListRecordsForDay returns the records of a location on the day in insertion order
func (m *MockPresenceStore) ListRecordsForDay(ctx context.Context, locationID, workDay string) ([]database.PresenceRecord, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []database.PresenceRecord
	for _, id := range m.order {
		r := m.records[id]
		if r.WorkDay == workDay && r.LocationID != nil && *r.LocationID == locationID {
			result = append(result, *cloneRecord(r))
		}
	}
	return result, nil
}

// NewBackend returns a database.Backend backed by fresh mock stores.
func NewBackend() *database.Backend {
	return &database.Backend{
		Identities: NewMockIdentityStore(),
		Locations:  NewMockLocationStore(),
		Embeddings: NewMockEmbeddingStore(),
		Presence:   NewMockPresenceStore(),
	}
}
