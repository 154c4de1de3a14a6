package basis

import (
	"math"
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func realDense(m Matrix) *mat.Dense {
	d := mat.NewDense(m.Rows, m.Cols, nil)
	for r := 0; r < m.Rows; r++ {
		for c := 0; c < m.Cols; c++ {
			d.Set(r, c, real(m.At(r, c)))
		}
	}
	return d
}

func TestHadamardOrthogonal(t *testing.T) {
	for n := 2; n <= 512; n *= 2 {
		h, err := Hadamard(n)
		require.NoError(t, err)
		d := realDense(h)
		var prod mat.Dense
		prod.Mul(d, d.T())
		want := mat.NewDiagDense(n, nil)
		for i := 0; i < n; i++ {
			want.SetDiag(i, float64(n))
		}
		assert.Truef(t, mat.EqualApprox(&prod, want, 1e-9), "H*Ht != N*I for N=%d", n)
	}
}

func TestHadamardBaseCase(t *testing.T) {
	h, err := Hadamard(1)
	require.NoError(t, err)
	assert.Equal(t, []complex128{1}, h.Data)

	h, err = Hadamard(2)
	require.NoError(t, err)
	assert.Equal(t, complex128(-1), h.At(1, 1))
	assert.Equal(t, complex128(1), h.At(0, 1))
}

func TestHadamardRejectsNonPowerOfTwo(t *testing.T) {
	for _, n := range []int{0, 3, 96, -8} {
		_, err := Hadamard(n)
		assert.ErrorIs(t, err, ErrNotPowerOfTwo)
	}
}

func TestFourierUnitMagnitude(t *testing.T) {
	f, err := Fourier(64)
	require.NoError(t, err)
	for i, v := range f.Data {
		if math.Abs(cmplx.Abs(v)-1) > 1e-12 {
			t.Fatalf("element %d has magnitude %f", i, cmplx.Abs(v))
		}
	}
	// k=0 cosine column is e^{iπ} everywhere, the sine column is e^{0}
	for r := 0; r < 64; r++ {
		assert.InDelta(t, -1, real(f.At(r, 0)), 1e-12)
		assert.InDelta(t, 1, real(f.At(r, 1)), 1e-12)
	}
}

func TestExpand(t *testing.T) {
	h, err := Hadamard(4)
	require.NoError(t, err)
	e, err := Expand(h, 3)
	require.NoError(t, err)
	assert.Equal(t, 12, e.Rows)
	assert.Equal(t, 4, e.Cols)
	for c := 0; c < 4; c++ {
		for r := 0; r < 12; r++ {
			assert.Equal(t, h.At(r/3, c), e.At(r, c))
		}
	}
	_, err = Expand(h, 0)
	assert.ErrorIs(t, err, ErrRatio)
}

func TestNew(t *testing.T) {
	m, err := New(KindFourier, 16, 2)
	require.NoError(t, err)
	assert.Equal(t, 32, m.Rows)
	assert.Equal(t, 16, m.Cols)

	_, err = New(Kind(9), 16, 1)
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("Fourier")
	require.NoError(t, err)
	assert.Equal(t, KindFourier, k)
	_, err = ParseKind("zernike")
	assert.Error(t, err)
}
