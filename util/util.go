// Package util contains misc internal utilities.
package util

import (
	"math"
	"time"
)

// IsPowerOfTwo returns true if n is a positive integer power of two (1, 2, 4, ...)
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// SecsToDuration converts floating point seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}
