package facematch

import "sync/atomic"

// Reference holds the matcher currently used by the frame loop. The cache
// refresh is the only writer; readers never see a partially built set.
type Reference struct {
	p atomic.Pointer[Matcher]
}

// NewReference returns a reference holding m (which may be nil).
func NewReference(m *Matcher) *Reference {
	r := &Reference{}
	r.p.Store(m)
	return r
}

// Load returns the current matcher, possibly nil.
func (r *Reference) Load() *Matcher {
	return r.p.Load()
}

// Swap installs m and returns the previous matcher.
func (r *Reference) Swap(m *Matcher) *Matcher {
	return r.p.Swap(m)
}

// Version returns the version of the current matcher.
func (r *Reference) Version() string {
	return r.Load().Version()
}

// Match matches against the current matcher.
func (r *Reference) Match(probe []float32) (Result, bool) {
	return r.Load().Match(probe)
}
