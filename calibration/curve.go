package calibration

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"gonum.org/v1/gonum/stat"
)

// CurveFromBuffer averages every record in a single acquisition buffer.
// During curve extraction the modulator plays one device level per record, so
// the result is the measured response for each level.
func CurveFromBuffer(buf []uint16, samplesPerRecord int) ([]float64, error) {
	if samplesPerRecord <= 0 || len(buf)%samplesPerRecord != 0 {
		return nil, fmt.Errorf("calibration: buffer of %d samples is not a whole number of %d sample records", len(buf), samplesPerRecord)
	}
	records := len(buf) / samplesPerRecord
	out := make([]float64, records)
	rec := make([]float64, samplesPerRecord)
	for i := 0; i < records; i++ {
		for j, v := range buf[i*samplesPerRecord : (i+1)*samplesPerRecord] {
			rec[j] = float64(v)
		}
		out[i] = stat.Mean(rec, nil)
	}
	return out, nil
}

// WriteCurve writes a response curve as one "value," per line
func WriteCurve(w io.Writer, curve []float64) error {
	bw := bufio.NewWriter(w)
	for _, v := range curve {
		bw.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
		bw.WriteString(",\n")
	}
	return bw.Flush()
}
