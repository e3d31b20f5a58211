package kiosk

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // snapshot decoders
	_ "image/png"
	"io"
	"net/http"
	"time"
)

// maxSnapshotSize bounds a single camera snapshot (16MB).
const maxSnapshotSize = 16 << 20

// SnapshotSource captures frames from a camera that serves still images over
// HTTP (IP cameras, mjpg-streamer's ?action=snapshot).
type SnapshotSource struct {
	url    string
	client *http.Client
}

// NewSnapshotSource creates a frame source polling url.
func NewSnapshotSource(url string) *SnapshotSource {
	return &SnapshotSource{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// CaptureFrame fetches and decodes the current snapshot.
func (s *SnapshotSource) CaptureFrame(ctx context.Context) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("camera returned status %d", resp.StatusCode)
	}

	img, _, err := image.Decode(io.LimitReader(resp.Body, maxSnapshotSize))
	if err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return img, nil
}
