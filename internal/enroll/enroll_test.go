package enroll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kozaktomas/presence-kiosk/internal/constants"
	"github.com/kozaktomas/presence-kiosk/internal/database/mock"
	"github.com/kozaktomas/presence-kiosk/internal/faceservice"
	"github.com/kozaktomas/presence-kiosk/internal/logging"
)

func vector(axis int) []float32 {
	v := make([]float32, constants.EmbeddingDim)
	v[axis] = 1
	return v
}

func entryLine(t *testing.T, e Entry) string {
	t.Helper()
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

// writeImage writes a PNG gradient; flipped reverses its direction so the
// two variants hash far apart.
func writeImage(t *testing.T, dir, name string, flipped bool) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 90, 80))
	for y := range 80 {
		for x := range 90 {
			v := uint8(x * 2)
			if flipped {
				v = uint8(255 - x*2)
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

type fakeDetector struct {
	detections []faceservice.Detection
	err        error
}

func (d *fakeDetector) DetectBytes(ctx context.Context, imageData []byte) ([]faceservice.Detection, error) {
	if len(imageData) == 0 {
		return nil, errors.New("empty image")
	}
	return d.detections, d.err
}

func TestReadEntries(t *testing.T) {
	input := strings.Join([]string{
		"# roster export",
		entryLine(t, Entry{ID: "emp-1", Name: "Alice", Descriptor: vector(0)}),
		"",
		entryLine(t, Entry{ID: "emp-2", Name: "Bob", Image: "bob.jpg"}),
	}, "\n")

	lines, err := ReadEntries(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadEntries() error = %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if lines[0].Number != 2 || lines[1].Number != 4 {
		t.Errorf("line numbers = %d, %d; want 2, 4", lines[0].Number, lines[1].Number)
	}
	if lines[1].Entry.Image != "bob.jpg" {
		t.Errorf("image = %q", lines[1].Entry.Image)
	}
}

func TestReadEntries_Errors(t *testing.T) {
	tests := map[string]string{
		"malformed":     `{"id": "emp-1",`,
		"unknown field": `{"id": "emp-1", "name": "Alice", "email": "a@example.com"}`,
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadEntries(strings.NewReader("\n" + input))
			if err == nil || !strings.Contains(err.Error(), "line 2") {
				t.Errorf("err = %v, want error mentioning line 2", err)
			}
		})
	}
}

func TestImport(t *testing.T) {
	backend := mock.NewBackend()
	dir := t.TempDir()
	writeImage(t, dir, "bob.png", false)
	detector := &fakeDetector{detections: []faceservice.Detection{
		{Descriptor: vector(9), DetScore: 0.4},
		{Descriptor: vector(1), DetScore: 0.95},
	}}

	lines := []Line{
		{Number: 1, Entry: Entry{ID: "emp-1", Name: "Alice", Role: "engineer", Descriptor: vector(0)}},
		{Number: 2, Entry: Entry{ID: "emp-2", Name: "Bob", Image: "bob.png"}},
		{Number: 3, Entry: Entry{ID: "emp-3", Name: "Carol", Descriptor: []float32{1, 2, 3}}},
		{Number: 4, Entry: Entry{ID: "", Name: "Nobody", Descriptor: vector(2)}},
		{Number: 5, Entry: Entry{ID: "emp-5", Name: "Dave"}},
		{Number: 6, Entry: Entry{ID: "emp-6", Name: "Eve", Image: "missing.jpg"}},
		{Number: 7, Entry: Entry{ID: "emp-7", Name: "Frank", Descriptor: vector(3), Inactive: true}},
	}

	var progressed int
	im := NewImporter(backend,
		WithDetector(detector),
		WithBaseDir(dir),
		WithConcurrency(2),
		WithLogger(logging.Discard()),
	)
	result, err := im.Import(context.Background(), lines, func(done int) { progressed += done })
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	if result.Imported != 3 || result.Failed != 4 {
		t.Errorf("imported %d failed %d, want 3 and 4: %+v", result.Imported, result.Failed, result.Failures)
	}
	if progressed != len(lines) {
		t.Errorf("progress = %d, want %d", progressed, len(lines))
	}

	identity, err := backend.Identities.GetIdentity(context.Background(), "emp-1")
	if err != nil || identity.Role != "engineer" || !identity.Active {
		t.Errorf("emp-1 = %+v, %v", identity, err)
	}
	if frank, err := backend.Identities.GetIdentity(context.Background(), "emp-7"); err != nil || frank.Active {
		t.Errorf("emp-7 should be stored inactive: %+v, %v", frank, err)
	}

	entries, _, err := backend.Embeddings.ListEmbeddings(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	byID := make(map[string][]float32)
	for _, e := range entries {
		byID[e.IdentityID] = e.Vector
	}
	if v := byID["emp-2"]; len(v) != constants.EmbeddingDim || v[1] != 1 {
		t.Error("image entry should use the most confident face")
	}
}

func TestImport_NoFace(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "empty.png", false)

	im := NewImporter(mock.NewBackend(), WithDetector(&fakeDetector{}), WithBaseDir(dir), WithLogger(logging.Discard()))
	result, err := im.Import(context.Background(), []Line{
		{Number: 1, Entry: Entry{ID: "emp-1", Name: "Alice", Image: "empty.png"}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Failed != 1 || !strings.Contains(result.Failures[0].Error, ErrNoFace.Error()) {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestImport_DuplicatePhoto(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "alice.png", false)
	writeImage(t, dir, "alice-copy.png", false)
	writeImage(t, dir, "bob.png", true)
	if err := os.WriteFile(filepath.Join(dir, "broken.png"), []byte("not an image"), 0o600); err != nil {
		t.Fatal(err)
	}
	detector := &fakeDetector{detections: []faceservice.Detection{{Descriptor: vector(0), DetScore: 0.9}}}

	im := NewImporter(mock.NewBackend(), WithDetector(detector), WithBaseDir(dir), WithLogger(logging.Discard()))
	result, err := im.Import(context.Background(), []Line{
		{Number: 1, Entry: Entry{ID: "emp-1", Name: "Alice", Image: "alice.png"}},
		{Number: 2, Entry: Entry{ID: "emp-2", Name: "Mallory", Image: "alice-copy.png"}},
		{Number: 3, Entry: Entry{ID: "emp-3", Name: "Bob", Image: "bob.png"}},
		{Number: 4, Entry: Entry{ID: "emp-4", Name: "Broken", Image: "broken.png"}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if result.Imported != 2 || result.Failed != 2 {
		t.Fatalf("imported %d failed %d, want 2 and 2: %+v", result.Imported, result.Failed, result.Failures)
	}
	duplicates := 0
	for _, f := range result.Failures {
		if strings.Contains(f.Error, ErrDuplicatePhoto.Error()) {
			duplicates++
			if f.ID != "emp-1" && f.ID != "emp-2" {
				t.Errorf("unexpected duplicate on %s", f.ID)
			}
		}
	}
	if duplicates != 1 {
		t.Errorf("duplicates = %d, want 1", duplicates)
	}
}

func TestDifferenceHash(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, dir, "a.png", false)
	writeImage(t, dir, "b.png", true)

	read := func(name string) uint64 {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		h, err := differenceHash(data)
		if err != nil {
			t.Fatal(err)
		}
		return h
	}

	a, b := read("a.png"), read("b.png")
	if a != read("a.png") {
		t.Error("hash must be deterministic")
	}
	if d := hammingDistance(a, b); d <= duplicateDistance {
		t.Errorf("distance between opposite gradients = %d, want > %d", d, duplicateDistance)
	}
	if _, err := differenceHash([]byte("nope")); err == nil {
		t.Error("expected decode error")
	}
}

func TestImport_DryRunWritesNothing(t *testing.T) {
	backend := mock.NewBackend()
	im := NewImporter(backend, WithDryRun(true), WithLogger(logging.Discard()))

	result, err := im.Import(context.Background(), []Line{
		{Number: 1, Entry: Entry{ID: "emp-1", Name: "Alice", Descriptor: vector(0)}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Imported != 1 {
		t.Errorf("imported = %d, want 1", result.Imported)
	}
	if _, err := backend.Identities.GetIdentity(context.Background(), "emp-1"); err == nil {
		t.Error("dry run must not write identities")
	}
}

func TestImport_Batches(t *testing.T) {
	backend := mock.NewBackend()
	lines := make([]Line, constants.ImportBatchSize+5)
	for i := range lines {
		lines[i] = Line{Number: i + 1, Entry: Entry{ID: fmt.Sprintf("emp-%03d", i), Name: "Person", Descriptor: vector(i % constants.EmbeddingDim)}}
	}

	var calls []int
	im := NewImporter(backend, WithConcurrency(8), WithLogger(logging.Discard()))
	result, err := im.Import(context.Background(), lines, func(done int) { calls = append(calls, done) })
	if err != nil {
		t.Fatal(err)
	}
	if result.Imported != len(lines) {
		t.Errorf("imported = %d, want %d", result.Imported, len(lines))
	}
	if len(calls) != 2 || calls[0] != constants.ImportBatchSize || calls[1] != 5 {
		t.Errorf("progress calls = %v", calls)
	}
}

func TestImport_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	im := NewImporter(mock.NewBackend(), WithLogger(logging.Discard()))
	_, err := im.Import(ctx, []Line{{Number: 1, Entry: Entry{ID: "emp-1", Name: "Alice", Descriptor: vector(0)}}}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
