package pattern

import (
	"bytes"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pengusystems/rhodes/basis"
)

var approx = cmpopts.EquateApprox(0, 1e-12)

func hadamard(t *testing.T, n int) basis.Matrix {
	h, err := basis.Hadamard(n)
	require.NoError(t, err)
	return h
}

func assertInRange(t *testing.T, s Set) {
	t.Helper()
	for c, col := range s {
		for r, v := range col {
			if v <= -math.Pi || v > math.Pi {
				t.Fatalf("column %d pixel %d phase %f outside (-π, π]", c, r, v)
			}
		}
	}
}

func TestCenteredLayout(t *testing.T) {
	l := CenteredLayout(1088, 256)
	assert.Equal(t, 416, l.ModeStart)
	assert.Equal(t, 256, len(l.Segment(make([]float64, 1088))))
}

func TestTMSetReferenceAtZeroHalf(t *testing.T) {
	h := hadamard(t, 4)
	l := CenteredLayout(8, 4)
	set, err := TMSet(h, l, ReferenceAtZero, PiHalf)
	require.NoError(t, err)
	require.Equal(t, 12, set.Len())
	assertInRange(t, set)

	for m := 0; m < 4; m++ {
		for s := 0; s < 3; s++ {
			col := set[3*m+s]
			assert.Equal(t, 0., col[0])
			assert.Equal(t, 0., col[1])
			assert.Equal(t, 0., col[6])
			assert.Equal(t, 0., col[7])
			for p := 0; p < 4; p++ {
				b := real(h.At(p, m))
				want := []float64{0, math.Pi / 2, math.Pi}[s]
				if b < 0 {
					want = []float64{math.Pi, -math.Pi / 2, 0}[s]
				}
				assert.InDeltaf(t, want, col[2+p], 1e-12, "mode %d step %d pixel %d", m, s, p)
			}
		}
	}
}

func TestTMSetReferenceAtPi(t *testing.T) {
	h := hadamard(t, 2)
	set, err := TMSet(h, CenteredLayout(4, 2), ReferenceAtPi, PiHalf)
	require.NoError(t, err)
	for _, col := range set {
		assert.Equal(t, math.Pi, col[0])
		assert.Equal(t, math.Pi, col[3])
	}
	assertInRange(t, set)
}

func TestTMSetModeFixed(t *testing.T) {
	h := hadamard(t, 2)
	l := CenteredLayout(4, 2)
	set, err := TMSet(h, l, ModeFixed, PiHalf)
	require.NoError(t, err)
	bg := []float64{0, math.Pi / 2, math.Pi}
	for s := 0; s < 3; s++ {
		assert.InDelta(t, bg[s], set[s][0], 1e-12)
		assert.InDelta(t, bg[s], set[s][3], 1e-12)
		// the mode segment is the bare basis column
		assert.InDelta(t, 0, set[s][1], 1e-12)
	}
	// mode 1 is {1, -1}
	assert.InDelta(t, math.Pi, set[3][2], 1e-12)

	set, err = TMSet(h, l, ModeFixed, PiQuarter)
	require.NoError(t, err)
	bg = []float64{0, math.Pi / 4, math.Pi / 2}
	for s := 0; s < 3; s++ {
		assert.InDelta(t, bg[s], set[s][0], 1e-12)
	}
	assertInRange(t, set)
}

func TestTMSetReferenceQuarter(t *testing.T) {
	h := hadamard(t, 2)
	set, err := TMSet(h, CenteredLayout(2, 2), ReferenceAtZero, PiQuarter)
	require.NoError(t, err)
	// b=1: (2-2i)*i = 2+2i
	assert.InDelta(t, math.Pi/4, set[0][0], 1e-12)
	// b=1: (2-2i)*(-1+i) = 4i
	assert.InDelta(t, math.Pi/2, set[1][0], 1e-12)
	// b=-1: (-2i)*(-1) = 2i
	assert.InDelta(t, math.Pi/2, set[5][1], 1e-12)
	assertInRange(t, set)
}

func TestTMSetLayoutMismatch(t *testing.T) {
	h := hadamard(t, 4)
	_, err := TMSet(h, CenteredLayout(8, 2), ReferenceAtZero, PiHalf)
	assert.Error(t, err)
	_, err = TMSet(h, Layout{TotalPixels: 4, ModeStart: 2, ModePixels: 4}, ReferenceAtZero, PiHalf)
	assert.Error(t, err)
}

func TestStepLUT(t *testing.T) {
	lut := StepLUT(4)
	want := []complex128{1, 1i, -1, -1i}
	for i := range lut {
		assert.InDelta(t, real(want[i]), real(lut[i]), 1e-12)
		assert.InDelta(t, imag(want[i]), imag(lut[i]), 1e-12)
	}
}

func TestIterativeSetBlank(t *testing.T) {
	h := hadamard(t, 4)
	l := CenteredLayout(8, 4)
	final := InitialFinalColumn(8, ModeFixed, true)
	plan, err := IterativeSet(h, l, 16, final, false)
	require.NoError(t, err)
	require.Equal(t, 64, plan.Set.Len())
	require.Len(t, plan.LUT, 16)
	assertInRange(t, plan.Set)

	for m := 0; m < 4; m++ {
		for k := 0; k < 16; k++ {
			col := plan.Set[16*m+k]
			// a grating background is held at phase 0
			assert.Equal(t, 0.0, col[0])
			assert.Equal(t, 0.0, col[7])
			for p := 0; p < 4; p++ {
				want := Phase(h.At(p, m) * plan.LUT[k])
				assert.Equal(t, want, col[2+p])
			}
		}
	}
	if diff := cmp.Diff(h.Data, plan.Adjusted.Data); diff != "" {
		t.Errorf("blank start must not adjust the basis (-want +got):\n%s", diff)
	}
}

func TestIterativeSetBackgroundAtZero(t *testing.T) {
	h := hadamard(t, 2)
	l := CenteredLayout(6, 2)
	final := InitialFinalColumn(6, ReferenceAtPi, false)
	final[0] = -1
	plan, err := IterativeSet(h, l, 4, final, false)
	require.NoError(t, err)
	for _, col := range plan.Set {
		assert.Equal(t, []float64{math.Pi, 0}, col[:2])
		assert.Equal(t, []float64{0, 0}, col[4:])
	}
}

func TestIterativeSetUsePrevious(t *testing.T) {
	h := hadamard(t, 2)
	l := CenteredLayout(4, 2)
	final := []float64{0, math.Pi / 2, math.Pi / 2, 0}
	plan, err := IterativeSet(h, l, 4, final, true)
	require.NoError(t, err)
	for m := 0; m < 2; m++ {
		for p := 0; p < 2; p++ {
			want := h.At(p, m) * 1i
			got := plan.Adjusted.At(p, m)
			assert.InDelta(t, real(want), real(got), 1e-12)
			assert.InDelta(t, imag(want), imag(got), 1e-12)
		}
	}
	// the source basis is untouched
	assert.Equal(t, complex128(1), h.At(0, 0))

	_, err = IterativeSet(h, l, 1, final, false)
	assert.Error(t, err)
	_, err = IterativeSet(h, l, 4, final[:3], false)
	assert.Error(t, err)
}

func TestInitialFinalColumn(t *testing.T) {
	assert.Equal(t, []float64{0, 0, 0}, InitialFinalColumn(3, ReferenceAtZero, true))
	assert.Equal(t, []float64{math.Pi, math.Pi}, InitialFinalColumn(2, ReferenceAtPi, false))
	assert.Equal(t, []float64{math.Pi, 0, math.Pi, 0}, InitialFinalColumn(4, ModeFixed, true))
	assert.Equal(t, []float64{0, 0}, InitialFinalColumn(2, ModeFixed, false))
}

func TestPhaseFolds(t *testing.T) {
	assert.Equal(t, math.Pi, Phase(complex(-1, math.Copysign(0, -1))))
	assert.Equal(t, math.Pi, Phase(-1))
}

func TestVoltageGratings(t *testing.T) {
	frame := VoltageGratings(8, 2)
	require.Len(t, frame, Levels)
	assert.Equal(t, []uint16{0, 0, 5, 5, 0, 0, 5, 5}, frame[5])
	assert.Equal(t, []uint16{0, 0, 0, 0, 0, 0, 0, 0}, frame[0])

	consts := ConstantLevels(3)
	assert.Equal(t, []uint16{1023, 1023, 1023}, consts[1023])
}

func TestPhaseGratings(t *testing.T) {
	set := PhaseGratings(4, 1)
	assert.InDelta(t, -math.Pi, set[1023][0], 1e-12)
	assert.InDelta(t, math.Pi, set[1023][1], 1e-12)
}

func TestRamp(t *testing.T) {
	final := []float64{0, math.Pi / 2, -math.Pi / 2}
	set := Ramp(final, 4)
	require.Len(t, set, 4)
	if diff := cmp.Diff(final, set[0], approx); diff != "" {
		t.Errorf("first ramp column is the solution (-want +got):\n%s", diff)
	}
	want := []float64{math.Pi, -math.Pi / 2, math.Pi / 2}
	if diff := cmp.Diff(want, set[2], approx); diff != "" {
		t.Errorf("half ramp (-want +got):\n%s", diff)
	}
	assertInRange(t, set)
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, Set{{0, 1}, {0.5, -1}}))
	assert.Equal(t, "0 0.5\n1 -1\n", buf.String())
}

func TestWriteFITS(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFITS(&buf, Filler(16, 3)))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("SIMPLE")))
	assert.Zero(t, buf.Len()%2880)
	assert.Error(t, WriteFITS(&buf, nil))
}

func TestParse(t *testing.T) {
	a, err := ParseAlgorithm("Iterative")
	require.NoError(t, err)
	assert.Equal(t, Iterative, a)
	f, err := ParseFixedSegment("mode")
	require.NoError(t, err)
	assert.Equal(t, ModeFixed, f)
	p, err := ParsePhaseSteps("pi-quarter")
	require.NoError(t, err)
	assert.Equal(t, PiQuarter, p)
	_, err = ParseAlgorithm("gradient")
	assert.Error(t, err)
}
