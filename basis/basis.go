// Package basis generates the input mode bases played on the modulator.
//
// A basis is an input_modes x input_modes complex matrix whose columns are the
// modes.  The modulator only controls phase, so every element has unit
// magnitude.  Expand maps the basis onto the modulator's pixel grid by
// repeating each row pixel-ratio times.
package basis

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/pengusystems/rhodes/mathx"
	"github.com/pengusystems/rhodes/util"
)

var (
	// ErrNotPowerOfTwo is generated when the mode count is not an exact power of two
	ErrNotPowerOfTwo = errors.New("basis: mode count must be a power of two")

	// ErrRatio is generated when the pixel ratio is not positive
	ErrRatio = errors.New("basis: pixel ratio must be positive")
)

// Kind enumerates the supported basis families
type Kind int

const (
	// KindHadamard is the ±1 Sylvester-Hadamard basis
	KindHadamard Kind = iota

	// KindFourier is the phase-only cosine/sine pair basis
	KindFourier
)

func (k Kind) String() string {
	switch k {
	case KindHadamard:
		return "hadamard"
	case KindFourier:
		return "fourier"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind converts a (case insensitive) name to a Kind
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "hadamard", "":
		return KindHadamard, nil
	case "fourier":
		return KindFourier, nil
	default:
		return 0, fmt.Errorf("basis: unknown basis kind %q", s)
	}
}

// Matrix is a dense complex matrix stored column-major, so that a mode
// (a column) is a contiguous slice
type Matrix struct {
	Rows, Cols int
	Data       []complex128
}

// NewMatrix allocates a zeroed rows x cols matrix
func NewMatrix(rows, cols int) Matrix {
	return Matrix{Rows: rows, Cols: cols, Data: make([]complex128, rows*cols)}
}

// At returns element (r, c)
func (m Matrix) At(r, c int) complex128 {
	return m.Data[c*m.Rows+r]
}

// Set sets element (r, c)
func (m Matrix) Set(r, c int, v complex128) {
	m.Data[c*m.Rows+r] = v
}

// Col returns column c.  The slice aliases the matrix storage.
func (m Matrix) Col(c int) []complex128 {
	return m.Data[c*m.Rows : (c+1)*m.Rows]
}

// Clone returns a deep copy of m
func (m Matrix) Clone() Matrix {
	out := NewMatrix(m.Rows, m.Cols)
	copy(out.Data, m.Data)
	return out
}

// Hadamard builds the n x n Hadamard matrix by the doubling recursion
// H(2m) = [[H(m), H(m)], [H(m), -H(m)]] starting from H(1) = {1}
func Hadamard(n int) (Matrix, error) {
	if !util.IsPowerOfTwo(n) {
		return Matrix{}, fmt.Errorf("%w: got %d", ErrNotPowerOfTwo, n)
	}
	h := NewMatrix(1, 1)
	h.Data[0] = 1
	for size := 1; size < n; size *= 2 {
		next := NewMatrix(2*size, 2*size)
		for c := 0; c < 2*size; c++ {
			for r := 0; r < 2*size; r++ {
				v := h.At(r%size, c%size)
				if r >= size && c >= size {
					v = -v
				}
				next.Set(r, c, v)
			}
		}
		h = next
	}
	return h, nil
}

// Fourier builds an n x n phase-only basis from the first n/2 columns of the
// DFT matrix.  With d(r) = π e^{-2πi rk/n}, column 2k is e^{i Re d(r)} and
// column 2k+1 is e^{i Im d(r)}.
func Fourier(n int) (Matrix, error) {
	if !util.IsPowerOfTwo(n) || n < 2 {
		return Matrix{}, fmt.Errorf("%w: got %d (fourier needs at least 2)", ErrNotPowerOfTwo, n)
	}
	m := NewMatrix(n, n)
	for k := 0; k < n/2; k++ {
		for r := 0; r < n; r++ {
			theta := -mathx.TwoPi * float64(r*k) / float64(n)
			s, c := math.Sincos(theta)
			m.Set(r, 2*k, mathx.Cis(math.Pi*c))
			m.Set(r, 2*k+1, mathx.Cis(math.Pi*s))
		}
	}
	return m, nil
}

// Expand repeats every row of m ratio times contiguously, mapping one mode
// pixel onto ratio modulator pixels
func Expand(m Matrix, ratio int) (Matrix, error) {
	if ratio < 1 {
		return Matrix{}, ErrRatio
	}
	out := NewMatrix(m.Rows*ratio, m.Cols)
	for c := 0; c < m.Cols; c++ {
		src, dst := m.Col(c), out.Col(c)
		for r, v := range src {
			for e := 0; e < ratio; e++ {
				dst[r*ratio+e] = v
			}
		}
	}
	return out, nil
}

// New builds a basis of the given kind with modes columns, expanded by ratio
func New(kind Kind, modes, ratio int) (Matrix, error) {
	var (
		m   Matrix
		err error
	)
	switch kind {
	case KindHadamard:
		m, err = Hadamard(modes)
	case KindFourier:
		m, err = Fourier(modes)
	default:
		err = fmt.Errorf("basis: unknown basis kind %d", kind)
	}
	if err != nil {
		return Matrix{}, err
	}
	return Expand(m, ratio)
}
