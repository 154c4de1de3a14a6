package reduce

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// Window is the inner range of samples averaged into a record's intensity
type Window struct {
	Start, Len int
}

// View is a bounds checked, column major view of an acquisition buffer, one
// column per record and one row per sample
type View struct {
	data   []uint16
	rows   int
	cols   int
	stride int
}

// NewView wraps data as cols records of rows samples.  data must hold exactly
// rows*cols samples.
func NewView(data []uint16, rows, cols int) (View, error) {
	if rows <= 0 || cols <= 0 {
		return View{}, fmt.Errorf("reduce: invalid view shape %dx%d", rows, cols)
	}
	if len(data) != rows*cols {
		return View{}, fmt.Errorf("reduce: buffer holds %d samples, expected %d records of %d", len(data), cols, rows)
	}
	return View{data: data, rows: rows, cols: cols, stride: rows}, nil
}

// Rows is the number of samples per record
func (v View) Rows() int { return v.rows }

// Cols is the number of records
func (v View) Cols() int { return v.cols }

// At returns sample r of record c
func (v View) At(r, c int) uint16 {
	if r < 0 || r >= v.rows || c < 0 || c >= v.cols {
		panic(fmt.Sprintf("reduce: index (%d, %d) out of range for %dx%d view", r, c, v.rows, v.cols))
	}
	return v.data[c*v.stride+r]
}

// Record returns the samples of record c
func (v View) Record(c int) []uint16 {
	if c < 0 || c >= v.cols {
		panic(fmt.Sprintf("reduce: record %d out of range for %d records", c, v.cols))
	}
	return v.data[c*v.stride : c*v.stride+v.rows]
}

// Intensity is the mean of record c over w.  scratch must hold at least w.Len values.
func (v View) Intensity(c int, w Window, scratch []float64) float64 {
	rec := v.Record(c)[w.Start : w.Start+w.Len]
	scratch = scratch[:w.Len]
	for i, s := range rec {
		scratch[i] = float64(s)
	}
	return stat.Mean(scratch, nil)
}
