package descriptorcache

import (
	"encoding/gob"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/kozaktomas/presence-kiosk/internal/database"
	"github.com/kozaktomas/presence-kiosk/internal/logging"
)

// snapshotFile is the name of the single "current" slot inside the cache directory.
const snapshotFile = "current.snapshot"

// Snapshot is a locally persisted descriptor set.
type Snapshot struct {
	Entries  []database.EnrolledEmbedding
	Version  string
	CachedAt time.Time
}

// Store persists the current snapshot. Implementations swallow and log their
// own I/O failures: a broken cache must never stop the terminal.
type Store interface {
	Read() (*Snapshot, bool)
	Write(entries []database.EnrolledEmbedding, version string)
}

// FileStore keeps the snapshot as a zstd-compressed gob file that is replaced atomically.
type FileStore struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// NewFileStore creates the cache directory if needed.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &FileStore{dir: dir, logger: logging.OrDefault(logger), now: time.Now}, nil
}

// Path returns the snapshot file path.
func (s *FileStore) Path() string {
	return filepath.Join(s.dir, snapshotFile)
}

// Read loads the snapshot. A missing or unreadable file reports false.
func (s *FileStore) Read() (*Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.Path())
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("descriptor cache unreadable", "path", s.Path(), "error", err)
		}
		return nil, false
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		s.logger.Warn("descriptor cache unreadable", "path", s.Path(), "error", err)
		return nil, false
	}
	defer dec.Close()

	var snap Snapshot
	if err := gob.NewDecoder(dec).Decode(&snap); err != nil {
		s.logger.Warn("descriptor cache corrupt", "path", s.Path(), "error", err)
		return nil, false
	}
	return &snap, true
}

// Write replaces the snapshot: the data goes to a temp file in the same
// directory which is then renamed over the current one.
func (s *FileStore) Write(entries []database.EnrolledEmbedding, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(&Snapshot{Entries: entries, Version: version, CachedAt: s.now()}); err != nil {
		s.logger.Warn("failed to persist descriptor cache", "path", s.Path(), "error", err)
	}
}

func (s *FileStore) write(snap *Snapshot) error {
	tmp, err := os.CreateTemp(s.dir, snapshotFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op after a successful rename.
		_ = os.Remove(tmpName)
	}()

	enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		tmp.Close()
		return fmt.Errorf("creating zstd writer: %w", err)
	}
	if err := gob.NewEncoder(enc).Encode(snap); err != nil {
		enc.Close()
		tmp.Close()
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing zstd stream: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.Path()); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// MemoryStore is an in-process Store, used by tests and by terminals without a cache dir.
type MemoryStore struct {
	mu   sync.Mutex
	snap *Snapshot
	now  func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// Read returns a copy of the stored snapshot.
func (s *MemoryStore) Read() (*Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return nil, false
	}
	c := *s.snap
	c.Entries = slices.Clone(s.snap.Entries)
	return &c, true
}

// Write stores a copy of entries.
func (s *MemoryStore) Write(entries []database.EnrolledEmbedding, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = &Snapshot{Entries: slices.Clone(entries), Version: version, CachedAt: s.now()}
}
