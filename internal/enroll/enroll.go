// Package enroll imports identities and their face descriptors in bulk.
package enroll

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/kozaktomas/presence-kiosk/internal/constants"
	"github.com/kozaktomas/presence-kiosk/internal/database"
	"github.com/kozaktomas/presence-kiosk/internal/faceservice"
	"github.com/kozaktomas/presence-kiosk/internal/logging"
	"golang.org/x/sync/errgroup"
)

// ErrNoFace is returned for an enrollment image without a detectable face.
var ErrNoFace = errors.New("no face found in image")

// ErrDuplicatePhoto is returned when two identities are enrolled from the same picture.
var ErrDuplicatePhoto = errors.New("photo already enrolled for another identity")

// maxLineSize fits a 128-d descriptor written with full float precision.
const maxLineSize = 1 << 20

// Entry is one line of an enrollment file. Either Descriptor or Image must be set.
type Entry struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Role       string    `json:"role,omitempty"`
	PhotoRef   string    `json:"photo_ref,omitempty"`
	Descriptor []float32 `json:"descriptor,omitempty"`
	Image      string    `json:"image,omitempty"` // relative to the enrollment file
	Inactive   bool      `json:"inactive,omitempty"`
}

// Line is an entry with its position in the file.
type Line struct {
	Number int
	Entry  Entry
}

// Failure describes a line that could not be imported.
type Failure struct {
	Line  int    `json:"line"`
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Result summarizes an import.
type Result struct {
	Imported int       `json:"imported"`
	Failed   int       `json:"failed"`
	Failures []Failure `json:"failures,omitempty"`
}

// Detector computes descriptors for enrollment photos.
type Detector interface {
	DetectBytes(ctx context.Context, imageData []byte) ([]faceservice.Detection, error)
}

// ReadEntries parses a JSON lines enrollment file. Blank lines and lines
// starting with # are ignored.
func ReadEntries(r io.Reader) ([]Line, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxLineSize)

	var lines []Line
	number := 0
	for scanner.Scan() {
		number++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}

		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("line %d: %w", number, err)
		}
		lines = append(lines, Line{Number: number, Entry: e})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading enrollment file: %w", err)
	}
	return lines, nil
}

// Importer writes entries to the identity and embedding stores.
type Importer struct {
	identities  database.IdentityWriter
	embeddings  database.EmbeddingWriter
	detector    Detector
	baseDir     string
	concurrency int
	dryRun      bool
	logger      *slog.Logger

	photosMu sync.Mutex
	photos   photoIndex
}

// Option customizes an Importer.
type Option func(*Importer)

// WithDetector enables entries that reference an image.
func WithDetector(d Detector) Option {
	return func(im *Importer) { im.detector = d }
}

// WithBaseDir sets the directory relative image paths are resolved against.
func WithBaseDir(dir string) Option {
	return func(im *Importer) { im.baseDir = dir }
}

// WithConcurrency sets how many entries are processed at once.
func WithConcurrency(n int) Option {
	return func(im *Importer) {
		if n > 0 {
			im.concurrency = n
		}
	}
}

// WithDryRun validates entries and computes descriptors without writing.
func WithDryRun(dryRun bool) Option {
	return func(im *Importer) { im.dryRun = dryRun }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(im *Importer) { im.logger = logger }
}

// NewImporter creates an importer over the backend's stores.
func NewImporter(backend *database.Backend, opts ...Option) *Importer {
	im := &Importer{
		identities:  backend.Identities,
		embeddings:  backend.Embeddings,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(im)
	}
	im.logger = logging.OrDefault(im.logger)
	return im
}

// Import processes lines in batches. progress, if set, is called with the
// number of lines finished after every batch. Failed lines do not stop the
// import; a cancelled context does.
func (im *Importer) Import(ctx context.Context, lines []Line, progress func(done int)) (*Result, error) {
	result := &Result{}
	var mu sync.Mutex

	for start := 0; start < len(lines); start += constants.ImportBatchSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		batch := lines[start:min(start+constants.ImportBatchSize, len(lines))]

		var g errgroup.Group
		g.SetLimit(im.concurrency)
		for _, line := range batch {
			g.Go(func() error {
				err := im.importOne(ctx, line.Entry)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.Failed++
					result.Failures = append(result.Failures, Failure{Line: line.Number, ID: line.Entry.ID, Error: err.Error()})
					im.logger.Warn("enrollment line failed", "line", line.Number, "id", line.Entry.ID, "error", err)
					return nil
				}
				result.Imported++
				return nil
			})
		}
		_ = g.Wait()

		if progress != nil {
			progress(len(batch))
		}
	}
	slices.SortFunc(result.Failures, func(a, b Failure) int { return a.Line - b.Line })
	return result, nil
}

func (im *Importer) importOne(ctx context.Context, e Entry) error {
	e.ID = strings.TrimSpace(e.ID)
	if e.ID == "" {
		return errors.New("id is required")
	}
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("name is required")
	}

	descriptor, err := im.descriptor(ctx, e)
	if err != nil {
		return err
	}
	if len(descriptor) != constants.EmbeddingDim {
		return fmt.Errorf("descriptor has %d values, want %d", len(descriptor), constants.EmbeddingDim)
	}
	if im.dryRun {
		return nil
	}

	if err := im.identities.UpsertIdentity(ctx, database.Identity{
		ID:       e.ID,
		Name:     strings.TrimSpace(e.Name),
		Role:     e.Role,
		PhotoRef: e.PhotoRef,
		Active:   !e.Inactive,
	}); err != nil {
		return fmt.Errorf("saving identity: %w", err)
	}
	if err := im.embeddings.UpsertEmbedding(ctx, e.ID, descriptor); err != nil {
		return fmt.Errorf("saving descriptor: %w", err)
	}
	return nil
}

func (im *Importer) descriptor(ctx context.Context, e Entry) ([]float32, error) {
	switch {
	case len(e.Descriptor) > 0:
		return e.Descriptor, nil
	case e.Image != "":
		if im.detector == nil {
			return nil, errors.New("image entries need a face service")
		}
		path := e.Image
		if !filepath.IsAbs(path) {
			path = filepath.Join(im.baseDir, path)
		}
		data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator's enrollment file
		if err != nil {
			return nil, fmt.Errorf("reading image: %w", err)
		}
		if err := im.claimPhoto(data, e.ID); err != nil {
			return nil, err
		}
		detections, err := im.detector.DetectBytes(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("detecting face: %w", err)
		}
		if len(detections) == 0 {
			return nil, ErrNoFace
		}
		best := detections[0]
		for _, d := range detections[1:] {
			if d.DetScore > best.DetScore {
				best = d
			}
		}
		return best.Descriptor, nil
	default:
		return nil, errors.New("descriptor or image is required")
	}
}

// claimPhoto rejects a photo that was already enrolled for another identity
// in this import.
func (im *Importer) claimPhoto(data []byte, id string) error {
	hash, err := differenceHash(data)
	if err != nil {
		return err
	}

	im.photosMu.Lock()
	defer im.photosMu.Unlock()
	if owner, ok := im.photos.claim(hash, id); !ok {
		return fmt.Errorf("%w: same photo as %s", ErrDuplicatePhoto, owner)
	}
	return nil
}
