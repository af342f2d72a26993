package wire

import "encoding/binary"

// ReadLengthEncodedInt decodes a MySQL length-encoded integer: <0xfb is a
// literal one-byte value, 0xfc is followed by a u16, 0xfd by a u24, 0xfe by
// a u64. Returns the value, whether it was the NULL marker (0xfb), and the
// number of bytes consumed. Returns ok=false if b doesn't hold enough bytes
// for the encoded width.
func ReadLengthEncodedInt(b []byte) (value uint64, isNull bool, n int, ok bool) {
	if len(b) == 0 {
		return 0, false, 0, false
	}
	switch b[0] {
	case 0xfb:
		return 0, true, 1, true
	case 0xfc:
		if len(b) < 3 {
			return 0, false, 0, false
		}
		return uint64(binary.LittleEndian.Uint16(b[1:3])), false, 3, true
	case 0xfd:
		if len(b) < 4 {
			return 0, false, 0, false
		}
		return uint64(b[1]) | uint64(b[2])<<8 | uint64(b[3])<<16, false, 4, true
	case 0xfe:
		if len(b) < 9 {
			return 0, false, 0, false
		}
		return binary.LittleEndian.Uint64(b[1:9]), false, 9, true
	default:
		return uint64(b[0]), false, 1, true
	}
}

// PutLengthEncodedInt appends the length-encoded form of n to dst.
func PutLengthEncodedInt(dst []byte, n uint64) []byte {
	switch {
	case n < 251:
		return append(dst, byte(n))
	case n < 1<<16:
		return append(dst, 0xfc, byte(n), byte(n>>8))
	case n < 1<<24:
		return append(dst, 0xfd, byte(n), byte(n>>8), byte(n>>16))
	default:
		return append(dst, 0xfe,
			byte(n), byte(n>>8), byte(n>>16), byte(n>>24),
			byte(n>>32), byte(n>>40), byte(n>>48), byte(n>>56))
	}
}

// ReadLengthEncodedString reads a length-encoded string (length-encoded int
// followed by that many bytes). Returns the string bytes, the total number
// of bytes consumed (including the length prefix), and whether it was NULL.
func ReadLengthEncodedString(b []byte) (value []byte, n int, isNull bool, ok bool) {
	l, isNull, off, ok := ReadLengthEncodedInt(b)
	if !ok {
		return nil, 0, false, false
	}
	if isNull {
		return nil, off, true, true
	}
	if len(b) < off+int(l) {
		return nil, 0, false, false
	}
	return b[off : off+int(l)], off + int(l), false, true
}

// PutLengthEncodedString appends a length-encoded string to dst.
func PutLengthEncodedString(dst []byte, s []byte) []byte {
	dst = PutLengthEncodedInt(dst, uint64(len(s)))
	return append(dst, s...)
}

// ReadNullTerminatedString reads bytes up to (not including) the next NUL.
// Returns the string and the number of bytes consumed including the NUL.
func ReadNullTerminatedString(b []byte) (value []byte, n int, ok bool) {
	for i, c := range b {
		if c == 0 {
			return b[:i], i + 1, true
		}
	}
	return nil, 0, false
}
