package pattern

import (
	"bufio"
	"errors"
	"io"
	"strconv"

	"github.com/astrogo/fitsio"
)

// WriteText writes a set as text, one line per pixel and one space separated
// value per column
func WriteText(w io.Writer, s Set) error {
	if len(s) == 0 {
		return nil
	}
	bw := bufio.NewWriter(w)
	rows := len(s[0])
	for r := 0; r < rows; r++ {
		for c, col := range s {
			if c > 0 {
				bw.WriteByte(' ')
			}
			bw.WriteString(strconv.FormatFloat(col[r], 'g', 8, 64))
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// WriteFITS streams a set to w as a 64-bit float image, NAXIS1 along pixels
// and NAXIS2 along columns
func WriteFITS(w io.Writer, s Set, metadata ...fitsio.Card) error {
	if len(s) == 0 {
		return errors.New("pattern: cannot write an empty set")
	}
	rows := len(s[0])
	f, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer f.Close()
	im := fitsio.NewImage(-64, []int{rows, len(s)})
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}
	flat := make([]float64, 0, rows*len(s))
	for _, col := range s {
		flat = append(flat, col...)
	}
	err = im.Write(flat)
	if err != nil {
		return err
	}
	return f.Write(im)
}
