// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

import "time"

// Embedding constants
const (
	// EmbeddingDim is the fixed length of an enrolled face descriptor
	EmbeddingDim = 128

	// DefaultMatchThreshold is the default maximum Euclidean distance accepted as a match.
	// Lower values = stricter matching
	DefaultMatchThreshold = 0.45
)

// HNSW candidate index parameters for 128-dim face descriptors
const (
	// HNSWMinEntries is the roster size from which the matcher builds an HNSW graph
	// instead of scanning every descriptor.
	HNSWMinEntries = 2000

	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	HNSWMaxNeighbors = 16

	// HNSWEfSearch is the search candidate pool size.
	HNSWEfSearch = 100

	// HNSWCandidates is the number of graph neighbours re-scored with the exact distance.
	HNSWCandidates = 8
)

// Frame loop constants
const (
	// TargetCadence is the target time between two inference attempts
	TargetCadence = 300 * time.Millisecond

	// WorkingWidth and WorkingHeight are the dimensions frames are downscaled to before detection
	WorkingWidth  = 320
	WorkingHeight = 240

	// MinFaceWidthRel is the minimum detected face width relative to the frame width
	MinFaceWidthRel = 0.18

	// MatchCooldown suppresses a repeat success for the same identity and direction
	MatchCooldown = 60 * time.Second

	// MaxUnknownAttempts is the number of consecutive unknown faces before the flow gives up
	MaxUnknownAttempts = 3

	// UnknownResumeDelay is how long the terminal stays idle after giving up
	// on an unknown face before it resumes the previous scanning mode
	UnknownResumeDelay = 3 * time.Second
)

// Credential constants
const (
	// DefaultTokenTTL is the default lifetime of a kiosk bearer token (12 hours)
	DefaultTokenTTL = 43200 * time.Second

	// DefaultTokenIssuer and DefaultTokenAudience are the fixed issuer/audience pair
	DefaultTokenIssuer   = "presence-kiosk"
	DefaultTokenAudience = "presence-kiosk-terminal"
)

// Geofence constants
const (
	// EarthRadiusMeters is the mean Earth radius used by the haversine formula
	EarthRadiusMeters = 6371000.0
)
