// Package kprofile accumulates program-counter samples taken on every
// scheduler timer tick (spec §4.8's timer tick) and serializes them into
// a pprof-format profile, exposed read-only as /dev/kprofile. Folds in
// original_source's lack of any profiling facility at all: this is a
// supplemented feature, grounded on biscuit shipping a hosted Go runtime
// (and therefore net/http/pprof) alongside its kernel half, generalised
// here into a manually-sampled substitute for a freestanding target where
// the runtime profiler can't run.
package kprofile

import (
	"bytes"
	"sync"

	"github.com/google/pprof/profile"
)

// Recorder accumulates (RIP, count) samples under a simple counting map;
// the zero value is ready to use.
type Recorder struct {
	mu      sync.Mutex
	counts  map[uint64]int64
	periodN int64 // samples taken since the last reset; Snapshot reports Period as 1
}

// Default is the kernel-wide profile recorder, sampled from the
// scheduler's timer-tick hook.
var Default Recorder

// Sample records one program-counter observation. Called from the
// scheduler's timer-tick path immediately before a preemption decision,
// so it must be allocation-light and never block.
func (r *Recorder) Sample(rip uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[uint64]int64)
	}
	r.counts[rip]++
	r.periodN++
}

// Snapshot builds a pprof Profile from every sample recorded so far. The
// profile carries one sample per distinct RIP with its observed count;
// callers that want symbolized locations should post-process with
// internal/diag.DemangleSymbol against their own symbol table, since this
// package has no access to one.
func (r *Recorder) Snapshot() *profile.Profile {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "samples", Unit: "count"},
		},
		PeriodType: &profile.ValueType{Type: "tick", Unit: "count"},
		Period:     1,
	}

	locs := make(map[uint64]*profile.Location, len(r.counts))
	var nextID uint64 = 1
	for rip, n := range r.counts {
		loc := &profile.Location{ID: nextID, Address: rip}
		nextID++
		locs[rip] = loc
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{n},
		})
	}
	return p
}

// WriteTo serializes the current snapshot in pprof's gzip-compressed
// wire format, the shape /dev/kprofile hands back to a reader.
func (r *Recorder) WriteTo() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.Snapshot().Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Reset discards every sample recorded so far, for tests and for a
// future "start a fresh profiling window" control path.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = nil
	r.periodN = 0
}
