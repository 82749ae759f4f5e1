package hpack

import "errors"

var (
	ErrIntegerOverflow = errors.New("hpack: integer overflow")
	ErrTruncated       = errors.New("hpack: truncated header block")
)

// appendInt appends v using an n-bit prefix. marker supplies the high bits of
// the first octet that are not part of the prefix.
func appendInt(dst []byte, n uint8, marker byte, v uint64) []byte {
	limit := uint64(1)<<n - 1
	if v < limit {
		return append(dst, marker|byte(v))
	}
	dst = append(dst, marker|byte(limit))
	v -= limit
	for v >= 0x80 {
		dst = append(dst, byte(v&0x7f)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// readInt decodes an n-bit prefix integer from the start of buf and returns
// the value and the number of bytes consumed.
func readInt(buf []byte, n uint8) (uint64, int, error) {
	if len(buf) == 0 {
		return 0, 0, ErrTruncated
	}
	limit := uint64(1)<<n - 1
	v := uint64(buf[0]) & limit
	if v < limit {
		return v, 1, nil
	}

	var shift uint
	for i := 1; i < len(buf); i++ {
		if shift >= 63 {
			return 0, 0, ErrIntegerOverflow
		}
		b := buf[i]
		add := uint64(b&0x7f) << shift
		if add>>shift != uint64(b&0x7f) {
			return 0, 0, ErrIntegerOverflow
		}
		v += add
		if v < add {
			return 0, 0, ErrIntegerOverflow
		} else if b&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrTruncated
}
