package reduce

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/floats"

	"github.com/pengusystems/rhodes/pattern"
)

// TMResponse returns the conjugate of a mode's complex response from the
// three intensities measured with the TM pattern set.  The linear combination
// depends on which segment was held fixed and on the phase stepping.
func TMResponse(i0, i1, i2 float64, fixed pattern.FixedSegment, steps pattern.PhaseSteps) complex128 {
	a, b := i0-i1, i2-i1
	if steps == pattern.PiQuarter {
		re := -a - (1+math.Sqrt2)*b
		im := (1+math.Sqrt2)*a + b
		if fixed == pattern.ModeFixed {
			im = -im
		}
		return complex(re, im)
	}
	if fixed == pattern.ModeFixed {
		return complex(b, -a)
	}
	return complex(b, a)
}

// Unit normalizes z to unit magnitude.  A zero response stays zero, a flat
// measurement carries no phase information.
func Unit(z complex128) complex128 {
	m := cmplx.Abs(z)
	if m == 0 || math.IsNaN(m) {
		return 0
	}
	return z / complex(m, 0)
}

// IterativeStep returns the index of the brightest phase step; ties go to the lowest index
func IterativeStep(intensities []float64) int {
	return floats.MaxIdx(intensities)
}
