// Package calibration maps phase to modulator device codes.
//
// A calibration table is a flat text file with one integer device code per
// line.  The line count N defines the table size and the phase resolution,
// index = phase * N/2π, with negative phases shifted up by N so that the two
// representations of the ±π discontinuity land in the same neighborhood.
package calibration

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/snksoft/crc"
)

var (
	// ErrLoad is generated when a calibration file is missing, unreadable, or malformed
	ErrLoad = errors.New("calibration: unable to load table")

	crcTable = crc.NewTable(crc.XMODEM)
)

// Table is a phase to device code lookup table
type Table struct {
	// Codes holds one device code per discretized phase
	Codes []uint16

	// Scale is len(Codes)/2π
	Scale float64
}

// NewTable returns a table over codes.  codes is not copied.
func NewTable(codes []uint16) (*Table, error) {
	if len(codes) == 0 {
		return nil, fmt.Errorf("%w: table is empty", ErrLoad)
	}
	return &Table{Codes: codes, Scale: float64(len(codes)) / (2 * math.Pi)}, nil
}

// Load reads a calibration table from a file
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	defer f.Close()
	t, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Read parses a calibration table, one code per line.  Blank lines are skipped.
func Read(r io.Reader) (*Table, error) {
	var codes []uint16
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		txt := strings.TrimSpace(scanner.Text())
		if txt == "" {
			continue
		}
		v, err := strconv.ParseUint(txt, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrLoad, line, err)
		}
		codes = append(codes, uint16(v))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	return NewTable(codes)
}

// Len is the number of entries in the table
func (t *Table) Len() int {
	return len(t.Codes)
}

// Index returns the table index for a phase.  Any finite phase maps to a valid
// index, phases in (-π, π] map without wrapping.
func (t *Table) Index(phase float64) int {
	n := len(t.Codes)
	f := phase * t.Scale
	if f < 0 {
		f += float64(n)
	}
	i := int(f) % n
	if i < 0 {
		i += n
	}
	return i
}

// Map converts a phase column into device codes.  t must have been loaded.
func (t *Table) Map(phase []float64) []uint16 {
	out := make([]uint16, len(phase))
	t.MapInto(out, phase)
	return out
}

// MapInto is Map writing into dst, which must be at least as long as phase
func (t *Table) MapInto(dst []uint16, phase []float64) {
	for i, p := range phase {
		dst[i] = t.Codes[t.Index(p)]
	}
}

// MapFrame maps a set of phase columns
func (t *Table) MapFrame(cols [][]float64) [][]uint16 {
	out := make([][]uint16, len(cols))
	for i, c := range cols {
		out[i] = t.Map(c)
	}
	return out
}

// Fingerprint is the CRC-16/XMODEM of the table contents, useful to confirm
// which table a running process loaded
func (t *Table) Fingerprint() uint16 {
	buf := make([]byte, 2*len(t.Codes))
	for i, c := range t.Codes {
		binary.BigEndian.PutUint16(buf[2*i:], c)
	}
	return uint16(crcTable.CalculateCRC(buf))
}
