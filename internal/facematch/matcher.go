// Package facematch matches probe face descriptors against the enrolled roster
// by Euclidean distance.
package facematch

import (
	"errors"
	"math"

	"github.com/coder/hnsw"
	"github.com/kozaktomas/presence-kiosk/internal/constants"
	"github.com/kozaktomas/presence-kiosk/internal/database"
)

// ErrNoEntries is returned by Build when no eligible embedding was given.
var ErrNoEntries = errors.New("no eligible embeddings to match against")

// Result is an accepted match.
type Result struct {
	IdentityID string
	Distance   float64
}

// Matcher is an immutable index over enrolled embeddings. A nil or empty
// Matcher never matches.
type Matcher struct {
	threshold float64
	version   string
	ids       []string
	vectors   [][]float32
	graph     *hnsw.Graph[string]
	byID      map[string]int
}

// Option customizes Build.
type Option func(*Matcher)

// WithVersion records the descriptor set version the matcher was built from.
func WithVersion(version string) Option {
	return func(m *Matcher) { m.version = version }
}

// Build indexes the eligible entries. Entries with a wrong dimension are skipped
// and only the first embedding of an identity is used. A threshold <= 0 falls
// back to the default.
func Build(entries []database.EnrolledEmbedding, threshold float64, opts ...Option) (*Matcher, error) {
	if threshold <= 0 {
		threshold = constants.DefaultMatchThreshold
	}

	m := &Matcher{
		threshold: threshold,
		byID:      make(map[string]int, len(entries)),
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, e := range entries {
		if !e.Eligible() {
			continue
		}
		if _, dup := m.byID[e.IdentityID]; dup {
			continue
		}
		vec := make([]float32, len(e.Vector))
		copy(vec, e.Vector)

		m.byID[e.IdentityID] = len(m.ids)
		m.ids = append(m.ids, e.IdentityID)
		m.vectors = append(m.vectors, vec)
	}

	if len(m.ids) == 0 {
		return m, ErrNoEntries
	}

	if len(m.ids) >= constants.HNSWMinEntries {
		g := hnsw.NewGraph[string]()
		g.M = constants.HNSWMaxNeighbors
		g.Ml = 1.0 / float64(constants.HNSWMaxNeighbors)
		g.EfSearch = constants.HNSWEfSearch
		g.Distance = hnsw.EuclideanDistance

		for i, id := range m.ids {
			g.Add(hnsw.MakeNode(id, m.vectors[i]))
		}
		m.graph = g
	}

	return m, nil
}

// Match returns the nearest enrolled identity when its distance is within the
// threshold. Probes with the wrong dimension never match.
func (m *Matcher) Match(probe []float32) (Result, bool) {
	best, ok := m.Nearest(probe)
	if !ok || best.Distance > m.threshold {
		return Result{}, false
	}
	return best, true
}

// Nearest returns the closest enrolled identity regardless of the threshold.
func (m *Matcher) Nearest(probe []float32) (Result, bool) {
	if m == nil || len(m.ids) == 0 || len(probe) != constants.EmbeddingDim {
		return Result{}, false
	}

	if m.graph != nil {
		return m.nearestIndexed(probe)
	}

	best := Result{Distance: math.Inf(1)}
	for i, vec := range m.vectors {
		if d := EuclideanDistance(probe, vec); d < best.Distance {
			best = Result{IdentityID: m.ids[i], Distance: d}
		}
	}
	return best, true
}

// nearestIndexed asks the graph for a few candidates and re-scores them exactly.
func (m *Matcher) nearestIndexed(probe []float32) (Result, bool) {
	candidates := m.graph.Search(probe, constants.HNSWCandidates)
	if len(candidates) == 0 {
		return Result{}, false
	}

	best := Result{Distance: math.Inf(1)}
	for _, c := range candidates {
		i, ok := m.byID[c.Key]
		if !ok {
			continue
		}
		if d := EuclideanDistance(probe, m.vectors[i]); d < best.Distance {
			best = Result{IdentityID: c.Key, Distance: d}
		}
	}
	return best, !math.IsInf(best.Distance, 1)
}

// Len returns the number of indexed identities.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.ids)
}

// Threshold returns the acceptance threshold.
func (m *Matcher) Threshold() float64 {
	if m == nil {
		return 0
	}
	return m.threshold
}

// Version returns the descriptor set version, or "" when unknown.
func (m *Matcher) Version() string {
	if m == nil {
		return ""
	}
	return m.version
}

// Indexed reports whether the matcher uses the approximate candidate index.
func (m *Matcher) Indexed() bool {
	return m != nil && m.graph != nil
}

// EuclideanDistance returns the L2 distance between two equal-length vectors,
// accumulated in float64.
func EuclideanDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
