package pattern

import (
	"math"

	"github.com/pengusystems/rhodes/mathx"
)

// Levels is the number of modulator device levels (10 bit DAC)
const Levels = 1024

// MaxLevel is the highest device code
const MaxLevel = Levels - 1

// ConstantLevels returns one column per device level, every pixel of column c at code c
func ConstantLevels(total int) [][]uint16 {
	frame := make([][]uint16, Levels)
	for c := range frame {
		col := make([]uint16, total)
		for i := range col {
			col[i] = uint16(c)
		}
		frame[c] = col
	}
	return frame
}

// VoltageGratings returns one column per device level.  Column c alternates
// blocks of ratio pixels at code 0 and at code c, starting with 0, so the
// grating period is 2*ratio pixels.
func VoltageGratings(total, ratio int) [][]uint16 {
	if ratio < 1 {
		ratio = 1
	}
	frame := make([][]uint16, Levels)
	for c := range frame {
		col := make([]uint16, total)
		for i := range col {
			if (i/ratio)%2 == 1 {
				col[i] = uint16(c)
			}
		}
		frame[c] = col
	}
	return frame
}

// PhaseGratings is VoltageGratings rescaled linearly onto phase, code*2π/MaxLevel - π
func PhaseGratings(total, ratio int) Set {
	volts := VoltageGratings(total, ratio)
	set := make(Set, len(volts))
	for c, vc := range volts {
		col := make([]float64, total)
		for i, v := range vc {
			col[i] = float64(v)*mathx.TwoPi/MaxLevel - math.Pi
		}
		set[c] = col
	}
	return set
}

// Ramp returns steps copies of final, copy k offset by 2πk/steps and wrapped
// back onto (-π, π].  Looping the ramp sweeps the global phase of the solution.
func Ramp(final []float64, steps int) Set {
	set := make(Set, steps)
	for k := range set {
		add := mathx.TwoPi * float64(k) / float64(steps)
		col := make([]float64, len(final))
		for i, v := range final {
			col[i] = mathx.WrapPhase(v + add)
		}
		set[k] = col
	}
	return set
}

// Filler returns n columns of zero phase.  The display path uses it to pad a
// preload so the solution lands at the index the cycle loop writes it to.
func Filler(total, n int) Set {
	set := make(Set, n)
	for i := range set {
		set[i] = make([]float64, total)
	}
	return set
}
