// Package reduce turns acquisition buffers into a corrected phase pattern.
//
// Each buffer holds the records of modesPerBuffer consecutive modes, records
// of one mode adjacent.  Every record is reduced to an intensity, the
// intensities of a mode give a complex weight for its basis vector, and the
// weighted basis vectors are summed into an accumulator.  When the last
// buffer of a cycle has been reduced the accumulator's phase is the new mode
// segment of the solution.
package reduce

import (
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/pengusystems/rhodes/basis"
	"github.com/pengusystems/rhodes/pattern"
)

// Config describes how to interpret buffers
type Config struct {
	Algorithm pattern.Algorithm

	// Fixed and Steps select the TM estimator
	Fixed pattern.FixedSegment
	Steps pattern.PhaseSteps

	// Basis holds the mode vectors the weights are applied to.  For the
	// iterative algorithm this is the adjusted basis of the preload plan.
	Basis basis.Matrix

	// LUT holds the iterative phase step phasors, its length is K
	LUT []complex128

	ModesPerBuffer   int
	SamplesPerRecord int
	Window           Window

	// Workers bounds the fork-join fan out, <= 0 uses GOMAXPROCS
	Workers int

	// DiscardFirst drops the first buffer after a Reset
	DiscardFirst bool
}

// RecordsPerMode is the number of records measured for each mode
func (c Config) RecordsPerMode() int {
	if c.Algorithm == pattern.Iterative {
		return len(c.LUT)
	}
	return pattern.TMPatternsPerMode
}

// RecordsPerBuffer is the number of records in one acquisition buffer
func (c Config) RecordsPerBuffer() int {
	return c.ModesPerBuffer * c.RecordsPerMode()
}

// BuffersPerCycle is the number of buffers covering every mode once
func (c Config) BuffersPerCycle() int {
	if c.ModesPerBuffer == 0 {
		return 0
	}
	return c.Basis.Cols / c.ModesPerBuffer
}

// Validate checks the configuration is self consistent
func (c Config) Validate() error {
	switch {
	case c.ModesPerBuffer <= 0:
		return errors.New("reduce: modes per buffer must be positive")
	case c.Basis.Cols == 0 || c.Basis.Cols%c.ModesPerBuffer != 0:
		return fmt.Errorf("reduce: %d modes do not split into buffers of %d", c.Basis.Cols, c.ModesPerBuffer)
	case c.Algorithm == pattern.Iterative && len(c.LUT) < 2:
		return errors.New("reduce: iterative reduction needs a phase step table")
	case c.Window.Start < 0 || c.Window.Len <= 0 || c.Window.Start+c.Window.Len > c.SamplesPerRecord:
		return fmt.Errorf("reduce: window [%d, %d) outside %d sample records", c.Window.Start, c.Window.Start+c.Window.Len, c.SamplesPerRecord)
	}
	return nil
}

// Context is the progress of the reducer through the current cycle
type Context struct {
	// BufferIndex is the position of the next buffer within the cycle
	BufferIndex int

	// Buffers counts reduced buffers, Cycles completed cycles
	Buffers uint64
	Cycles  uint64

	// Gaps counts sequence numbers that did not follow their predecessor
	Gaps uint64

	// Discarded counts buffers dropped by DiscardFirst
	Discarded uint64

	LastSeq uint64
	haveSeq bool
	discard bool
}

// Cycle is emitted when the last buffer of a cycle has been reduced
type Cycle struct {
	// Index is the 1-based number of the completed cycle
	Index uint64

	// Phase is the new mode segment, atan2 of the accumulated field
	Phase []float64
}

// ApplyTo writes the cycle's phase into the mode segment of a full column
func (c *Cycle) ApplyTo(final []float64, l pattern.Layout) {
	copy(l.Segment(final), c.Phase)
}

// Reducer holds the accumulator and cycle context of one run.  It is not safe
// for concurrent use; Process is called from the acquisition loop only.
type Reducer struct {
	cfg      Config
	workers  int
	acc      []complex128
	partials [][]complex128
	scratch  [][]float64
	ctx      Context
}

// New creates a reducer.  The basis and LUT are read, never written.
func New(cfg Config) (*Reducer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > cfg.ModesPerBuffer {
		workers = cfg.ModesPerBuffer
	}
	r := &Reducer{
		cfg:      cfg,
		workers:  workers,
		acc:      make([]complex128, cfg.Basis.Rows),
		partials: make([][]complex128, workers),
		scratch:  make([][]float64, workers),
	}
	perMode := cfg.RecordsPerMode()
	for i := range r.partials {
		r.partials[i] = make([]complex128, cfg.Basis.Rows)
		r.scratch[i] = make([]float64, cfg.Window.Len+perMode)
	}
	r.Reset()
	return r, nil
}

// Config returns the reducer's configuration
func (r *Reducer) Config() Config { return r.cfg }

// Context returns a copy of the cycle context
func (r *Reducer) Context() Context { return r.ctx }

// Accumulator returns a copy of the in-progress accumulator
func (r *Reducer) Accumulator() []complex128 {
	out := make([]complex128, len(r.acc))
	copy(out, r.acc)
	return out
}

// Reset clears the accumulator and rewinds to the start of a cycle
func (r *Reducer) Reset() {
	for i := range r.acc {
		r.acc[i] = 0
	}
	r.ctx = Context{discard: r.cfg.DiscardFirst}
}

// Process reduces one buffer.  buf must not be retained; it is only valid for
// the duration of the call.  A non-nil Cycle is returned when the buffer
// completes a cycle.
func (r *Reducer) Process(buf []uint16, seq uint64) (*Cycle, error) {
	if r.ctx.haveSeq && seq != r.ctx.LastSeq+1 {
		r.ctx.Gaps++
	}
	r.ctx.LastSeq, r.ctx.haveSeq = seq, true

	if r.ctx.discard {
		r.ctx.discard = false
		r.ctx.Discarded++
		r.ctx.BufferIndex = 0
		return nil, nil
	}

	view, err := NewView(buf, r.cfg.SamplesPerRecord, r.cfg.RecordsPerBuffer())
	if err != nil {
		return nil, err
	}

	base := r.cfg.ModesPerBuffer * r.ctx.BufferIndex
	if r.workers == 1 {
		if err := r.reduceModes(view, base, 0, r.cfg.ModesPerBuffer, 0); err != nil {
			return nil, err
		}
	} else {
		var g errgroup.Group
		chunk := (r.cfg.ModesPerBuffer + r.workers - 1) / r.workers
		for w := 0; w < r.workers; w++ {
			lo, hi := w*chunk, (w+1)*chunk
			if hi > r.cfg.ModesPerBuffer {
				hi = r.cfg.ModesPerBuffer
			}
			w := w
			g.Go(func() error {
				return r.reduceModes(view, base, lo, hi, w)
			})
		}
		// a failed buffer leaves the accumulator and the cycle position untouched
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	// merge in worker order so the sum does not depend on scheduling
	for _, p := range r.partials {
		for i, v := range p {
			r.acc[i] += v
		}
	}

	r.ctx.Buffers++
	r.ctx.BufferIndex = (r.ctx.BufferIndex + 1) % r.cfg.BuffersPerCycle()
	if r.ctx.BufferIndex != 0 {
		return nil, nil
	}
	r.ctx.Cycles++
	c := &Cycle{Index: r.ctx.Cycles, Phase: make([]float64, len(r.acc))}
	for i, v := range r.acc {
		c.Phase[i] = pattern.Phase(v)
		r.acc[i] = 0
	}
	return c, nil
}

// reduceModes sums the contributions of local modes [lo, hi) into partial w
func (r *Reducer) reduceModes(v View, base, lo, hi, w int) error {
	partial := r.partials[w]
	for i := range partial {
		partial[i] = 0
	}
	if lo < hi && base+hi > r.cfg.Basis.Cols {
		return fmt.Errorf("reduce: modes %d to %d are outside a basis of %d modes", base+lo, base+hi-1, r.cfg.Basis.Cols)
	}
	perMode := r.cfg.RecordsPerMode()
	win := r.scratch[w][:r.cfg.Window.Len]
	intens := r.scratch[w][r.cfg.Window.Len:]
	for m := lo; m < hi; m++ {
		for s := 0; s < perMode; s++ {
			intens[s] = v.Intensity(m*perMode+s, r.cfg.Window, win)
		}
		var weight complex128
		if r.cfg.Algorithm == pattern.Iterative {
			weight = r.cfg.LUT[IterativeStep(intens)]
		} else {
			weight = Unit(TMResponse(intens[0], intens[1], intens[2], r.cfg.Fixed, r.cfg.Steps))
			if weight == 0 {
				continue
			}
		}
		mode := r.cfg.Basis.Col(base + m)
		for p, b := range mode {
			partial[p] += b * weight
		}
	}
	return nil
}
