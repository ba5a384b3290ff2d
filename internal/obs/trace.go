package obs

import "sync/atomic"

// TraceGenerator issues trace ids linking the journal records caused by one market event.
// Ids start after base so a resumed journal never reuses one.
type TraceGenerator struct {
	last atomic.Uint64
}

// NewTraceGenerator returns a generator whose first id is base+1.
func NewTraceGenerator(base uint64) *TraceGenerator {
	g := &TraceGenerator{}
	g.last.Store(base)
	return g
}

// Next returns the next trace id.
func (g *TraceGenerator) Next() uint64 {
	if g == nil {
		return 0
	}
	return g.last.Add(1)
}

// Current returns the most recently issued id, or base when none was issued.
func (g *TraceGenerator) Current() uint64 {
	if g == nil {
		return 0
	}
	return g.last.Load()
}
