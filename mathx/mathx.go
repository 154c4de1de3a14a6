// Package mathx contains small numeric helpers for phase arithmetic
package mathx

import "math"

// TwoPi is 2π
const TwoPi = 2 * math.Pi

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
func Round(x, unit float64) float64 {
	return math.Round(x/unit) * unit
}

// WrapPhase maps x into the half-open interval (-π, π]
func WrapPhase(x float64) float64 {
	x = math.Mod(x+math.Pi, TwoPi)
	if x <= 0 {
		x += TwoPi
	}
	return x - math.Pi
}

// Cis returns e^{iθ}
func Cis(theta float64) complex128 {
	s, c := math.Sincos(theta)
	return complex(c, s)
}
