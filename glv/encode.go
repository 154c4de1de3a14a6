package glv

import "encoding/binary"

// EncodeColumn packs a column into the USB transfer layout.  Pixel pairs
// from the two halves of the array are interleaved,
//
//	0, 1, 544, 545, 2, 3, 546, 547, ..., 542, 543, 1086, 1087
//
// and every code is sent big endian.  dst must hold BytesPerTransfer bytes;
// the tail past the column is left as is.
func EncodeColumn(dst []byte, col []uint16) {
	const half = Pixels / 2
	for i := 0; i < half; i += 2 {
		o := 4 * i
		binary.BigEndian.PutUint16(dst[o:], col[i])
		binary.BigEndian.PutUint16(dst[o+2:], col[i+1])
		binary.BigEndian.PutUint16(dst[o+4:], col[half+i])
		binary.BigEndian.PutUint16(dst[o+6:], col[half+i+1])
	}
}

// DecodeColumn is the inverse of EncodeColumn
func DecodeColumn(src []byte) []uint16 {
	const half = Pixels / 2
	col := make([]uint16, Pixels)
	for i := 0; i < half; i += 2 {
		o := 4 * i
		col[i] = binary.BigEndian.Uint16(src[o:])
		col[i+1] = binary.BigEndian.Uint16(src[o+2:])
		col[half+i] = binary.BigEndian.Uint16(src[o+4:])
		col[half+i+1] = binary.BigEndian.Uint16(src[o+6:])
	}
	return col
}
