// Package pattern builds the phase columns preloaded onto the modulator.
//
// A column spans every modulator pixel.  Pixels outside the mode segment form
// the fixed segment (a reference, or the background of the current solution),
// the mode segment carries one basis vector, rotated by a phase step.  The
// columns of contiguous modes are adjacent: the TM set has column 3m+s for
// mode m step s, the iterative set K*m+k.
package pattern

import (
	"fmt"
	"math"
	"math/cmplx"
	"strings"

	"github.com/pengusystems/rhodes/basis"
	"github.com/pengusystems/rhodes/mathx"
)

// TMPatternsPerMode is the number of interference patterns measured per mode
const TMPatternsPerMode = 3

// Algorithm selects the optimization algorithm
type Algorithm int

const (
	// TM is the three step transmission matrix measurement
	TM Algorithm = iota

	// Iterative is the phase sweep hill climb
	Iterative
)

func (a Algorithm) String() string {
	switch a {
	case TM:
		return "tm"
	case Iterative:
		return "iterative"
	default:
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
}

// ParseAlgorithm converts a name to an Algorithm
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(s) {
	case "tm", "":
		return TM, nil
	case "iterative", "iter":
		return Iterative, nil
	default:
		return 0, fmt.Errorf("pattern: unknown algorithm %q", s)
	}
}

// FixedSegment is the policy for the pixels which are not modulated during a TM measurement
type FixedSegment int

const (
	// ReferenceAtZero holds the reference at phase 0 and steps the mode
	ReferenceAtZero FixedSegment = iota

	// ReferenceAtPi holds the reference at phase π and steps the mode
	ReferenceAtPi

	// ModeFixed holds the mode and steps the reference
	ModeFixed
)

func (f FixedSegment) String() string {
	switch f {
	case ReferenceAtZero:
		return "reference-at-zero"
	case ReferenceAtPi:
		return "reference-at-pi"
	case ModeFixed:
		return "mode"
	default:
		return fmt.Sprintf("FixedSegment(%d)", int(f))
	}
}

// ParseFixedSegment converts a name to a FixedSegment
func ParseFixedSegment(s string) (FixedSegment, error) {
	switch strings.ToLower(s) {
	case "reference-at-zero", "zero", "":
		return ReferenceAtZero, nil
	case "reference-at-pi", "pi":
		return ReferenceAtPi, nil
	case "mode", "mode-fixed":
		return ModeFixed, nil
	default:
		return 0, fmt.Errorf("pattern: unknown fixed segment %q", s)
	}
}

// PhaseSteps selects the TM phase stepping
type PhaseSteps int

const (
	// PiHalf steps by 0, π/2, π
	PiHalf PhaseSteps = iota

	// PiQuarter is the asymmetric quarter-π variant
	PiQuarter
)

func (p PhaseSteps) String() string {
	switch p {
	case PiHalf:
		return "pi-half"
	case PiQuarter:
		return "pi-quarter"
	default:
		return fmt.Sprintf("PhaseSteps(%d)", int(p))
	}
}

// ParsePhaseSteps converts a name to PhaseSteps
func ParsePhaseSteps(s string) (PhaseSteps, error) {
	switch strings.ToLower(s) {
	case "pi-half", "half", "":
		return PiHalf, nil
	case "pi-quarter", "quarter":
		return PiQuarter, nil
	default:
		return 0, fmt.Errorf("pattern: unknown phase steps %q", s)
	}
}

// Layout places the mode segment inside a full modulator column
type Layout struct {
	// TotalPixels is the column length
	TotalPixels int

	// ModeStart is the first pixel of the mode segment
	ModeStart int

	// ModePixels is the mode segment length
	ModePixels int
}

// CenteredLayout centers a mode segment of modePixels in a column of total pixels
func CenteredLayout(total, modePixels int) Layout {
	return Layout{TotalPixels: total, ModeStart: (total - modePixels) / 2, ModePixels: modePixels}
}

// Segment returns the mode segment of a full column
func (l Layout) Segment(col []float64) []float64 {
	return col[l.ModeStart : l.ModeStart+l.ModePixels]
}

// Set is an ordered set of phase columns, each TotalPixels long
type Set [][]float64

// Len is the number of columns
func (s Set) Len() int {
	return len(s)
}

// Phase is atan2(imag, real) folded onto (-π, π]
func Phase(z complex128) float64 {
	p := cmplx.Phase(z)
	if p <= -math.Pi {
		p = math.Pi
	}
	return p
}

// InitialFinalColumn is the solution column before any measurement.  The
// background follows the fixed segment policy; a grating background puts π
// on even pixels.
func InitialFinalColumn(total int, fixed FixedSegment, grating bool) []float64 {
	col := make([]float64, total)
	switch fixed {
	case ReferenceAtPi:
		for i := range col {
			col[i] = math.Pi
		}
	case ModeFixed:
		if grating {
			for i := 0; i < total; i += 2 {
				col[i] = math.Pi
			}
		}
	}
	return col
}

// tmStep returns the value filled into the whole column and the transform
// applied to each basis element of the mode segment for TM step s
func tmStep(fixed FixedSegment, steps PhaseSteps, s int) (fill complex128, rotate func(complex128) complex128) {
	if fixed == ModeFixed {
		half := [TMPatternsPerMode]complex128{1, 1i, -1}
		quarter := [TMPatternsPerMode]complex128{1, 1 + 1i, 1i}
		fill = half[s]
		if steps == PiQuarter {
			fill = quarter[s]
		}
		return fill, func(b complex128) complex128 { return b }
	}

	fill = 1
	if fixed == ReferenceAtPi {
		fill = -1
	}
	if steps == PiQuarter {
		f := [TMPatternsPerMode]complex128{1i, -1 + 1i, -1}[s]
		return fill, func(b complex128) complex128 { return (b + (1 - 2i)) * f }
	}
	f := [TMPatternsPerMode]complex128{1, 1i, -1}[s]
	return fill, func(b complex128) complex128 { return b * f }
}

// TMSet lays out the TM interference patterns, three per mode
func TMSet(b basis.Matrix, l Layout, fixed FixedSegment, steps PhaseSteps) (Set, error) {
	if err := checkLayout(b, l); err != nil {
		return nil, err
	}
	set := make(Set, 0, b.Cols*TMPatternsPerMode)
	for m := 0; m < b.Cols; m++ {
		mode := b.Col(m)
		for s := 0; s < TMPatternsPerMode; s++ {
			fill, rotate := tmStep(fixed, steps, s)
			col := make([]float64, l.TotalPixels)
			bg := Phase(fill)
			for i := range col {
				col[i] = bg
			}
			seg := l.Segment(col)
			for p, v := range mode {
				seg[p] = Phase(rotate(v))
			}
			set = append(set, col)
		}
	}
	return set, nil
}

// StepLUT returns the K unit phasors e^{i2πk/K}
func StepLUT(k int) []complex128 {
	lut := make([]complex128, k)
	for i := range lut {
		lut[i] = mathx.Cis(mathx.TwoPi * float64(i) / float64(k))
	}
	return lut
}

// IterativePlan is the iterative preload set plus the state the reducer needs
// to interpret the measurements
type IterativePlan struct {
	Set Set

	// LUT holds the phase step phasors
	LUT []complex128

	// Adjusted is the basis after rotation by the previous solution
	Adjusted basis.Matrix
}

// IterativeSet lays out K phase steps per mode.  Pixels outside the mode
// segment take final as a real amplitude, so they sit at phase 0 for the 0 and
// π backgrounds.  When usePrevious is true each mode is first rotated by
// e^{i final} over the mode segment.
func IterativeSet(b basis.Matrix, l Layout, k int, final []float64, usePrevious bool) (IterativePlan, error) {
	if err := checkLayout(b, l); err != nil {
		return IterativePlan{}, err
	}
	if k < 2 {
		return IterativePlan{}, fmt.Errorf("pattern: need at least two iterative phase steps, got %d", k)
	}
	if len(final) != l.TotalPixels {
		return IterativePlan{}, fmt.Errorf("pattern: final column has %d pixels, layout has %d", len(final), l.TotalPixels)
	}
	adjusted := b.Clone()
	if usePrevious {
		prev := l.Segment(final)
		for m := 0; m < adjusted.Cols; m++ {
			col := adjusted.Col(m)
			for p := range col {
				col[p] *= mathx.Cis(prev[p])
			}
		}
	}
	lut := StepLUT(k)
	background := make([]float64, l.TotalPixels)
	for p, v := range final {
		background[p] = Phase(complex(v, 0))
	}
	set := make(Set, 0, b.Cols*k)
	for m := 0; m < adjusted.Cols; m++ {
		mode := adjusted.Col(m)
		for step := 0; step < k; step++ {
			col := make([]float64, l.TotalPixels)
			copy(col, background)
			seg := l.Segment(col)
			for p, v := range mode {
				seg[p] = Phase(v * lut[step])
			}
			set = append(set, col)
		}
	}
	return IterativePlan{Set: set, LUT: lut, Adjusted: adjusted}, nil
}

func checkLayout(b basis.Matrix, l Layout) error {
	if b.Rows != l.ModePixels {
		return fmt.Errorf("pattern: basis has %d rows, mode segment is %d pixels", b.Rows, l.ModePixels)
	}
	if l.ModeStart < 0 || l.ModeStart+l.ModePixels > l.TotalPixels {
		return fmt.Errorf("pattern: mode segment [%d, %d) does not fit in %d pixels", l.ModeStart, l.ModeStart+l.ModePixels, l.TotalPixels)
	}
	return nil
}
