package hpack

import (
	"errors"
	"fmt"

	"golang.org/x/net/http2/hpack"
)

var (
	ErrInvalidIndex    = errors.New("hpack: invalid table index")
	ErrStringTooLong   = errors.New("hpack: string literal too long")
	ErrTableSizeUpdate = errors.New("hpack: invalid dynamic table size update")
	ErrHuffman         = errors.New("hpack: invalid huffman data")

	// ErrHeaderListTooLarge reports a block whose decoded fields exceed
	// MaxHeaderListSize. The whole block is still decoded, so the dynamic
	// table stays usable and the error can be confined to one stream.
	ErrHeaderListTooLarge = errors.New("hpack: header list too large")
)

// DefaultMaxStringLength bounds a single decoded literal.
const DefaultMaxStringLength = 64 << 10

// Decoder decodes header blocks for one connection. It must not be shared
// between connections.
type Decoder struct {
	table dynamicTable

	// maxSizeLimit is our advertised SETTINGS_HEADER_TABLE_SIZE; size
	// updates from the peer may not exceed it.
	maxSizeLimit uint32

	// MaxStringLength bounds decoded name and value lengths. Zero disables the check.
	MaxStringLength int
	// MaxHeaderListSize bounds the sum of Size over a block's fields. Zero
	// disables the check.
	MaxHeaderListSize uint32
}

// NewDecoder creates a decoder with the given table size limit.
func NewDecoder(maxTableSize uint32) *Decoder {
	return &Decoder{
		table:           newDynamicTable(maxTableSize),
		maxSizeLimit:    maxTableSize,
		MaxStringLength: DefaultMaxStringLength,
	}
}

// SetMaxDynamicTableSizeLimit changes the advertised table size limit.
func (d *Decoder) SetMaxDynamicTableSizeLimit(n uint32) {
	d.maxSizeLimit = n
	if d.table.maxSize > n {
		d.table.setMaxSize(n)
	}
}

// TableSize returns the current dynamic table size in bytes.
func (d *Decoder) TableSize() uint32 { return d.table.size }

// Decode decodes a complete header block. Any error other than
// ErrHeaderListTooLarge leaves the decoder in an undefined state and must be
// treated as a connection error.
func (d *Decoder) Decode(block []byte) ([]HeaderField, error) {
	fields := make([]HeaderField, 0, 8)
	sawField := false
	var listSize uint64
	overflow := false
	for len(block) > 0 {
		b := block[0]
		var f HeaderField
		var n int
		var err error
		switch {
		case b&0x80 != 0: // indexed
			var idx uint64
			if idx, n, err = readInt(block, 7); err == nil {
				f, err = d.lookup(idx)
			}
		case b&0xc0 == 0x40: // literal with incremental indexing
			if f, n, err = d.readLiteral(block, 6); err == nil {
				d.table.add(f)
			}
		case b&0xe0 == 0x20: // dynamic table size update
			if sawField {
				return nil, fmt.Errorf("%w: after header field", ErrTableSizeUpdate)
			}
			var size uint64
			if size, n, err = readInt(block, 5); err == nil {
				if size > uint64(d.maxSizeLimit) {
					return nil, fmt.Errorf("%w: %d exceeds %d", ErrTableSizeUpdate, size, d.maxSizeLimit)
				}
				d.table.setMaxSize(uint32(size))
			}
			if err != nil {
				return nil, err
			}
			block = block[n:]
			continue
		default: // literal without indexing (0000) or never indexed (0001)
			f, n, err = d.readLiteral(block, 4)
			f.Sensitive = b&0x10 != 0
		}
		if err != nil {
			return nil, err
		}
		sawField = true
		block = block[n:]
		if overflow {
			continue // keep decoding for table updates only
		}
		listSize += uint64(f.Size())
		if d.MaxHeaderListSize > 0 && listSize > uint64(d.MaxHeaderListSize) {
			overflow = true
			fields = nil
			continue
		}
		fields = append(fields, f)
	}
	if overflow {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrHeaderListTooLarge, d.MaxHeaderListSize)
	}
	return fields, nil
}

func (d *Decoder) lookup(idx uint64) (HeaderField, error) {
	if idx == 0 {
		return HeaderField{}, fmt.Errorf("%w: 0", ErrInvalidIndex)
	} else if idx <= staticTableLen {
		return staticTable[idx-1], nil
	} else if f, ok := d.table.at(idx - staticTableLen); ok {
		return f, nil
	}
	return HeaderField{}, fmt.Errorf("%w: %d", ErrInvalidIndex, idx)
}

// readLiteral decodes a literal representation with an n-bit name index prefix.
func (d *Decoder) readLiteral(block []byte, n uint8) (HeaderField, int, error) {
	nameIdx, off, err := readInt(block, n)
	if err != nil {
		return HeaderField{}, 0, err
	}

	var f HeaderField
	if nameIdx > 0 {
		named, err := d.lookup(nameIdx)
		if err != nil {
			return HeaderField{}, 0, err
		}
		f.Name = named.Name
	} else {
		var used int
		if f.Name, used, err = d.readString(block[off:]); err != nil {
			return HeaderField{}, 0, err
		}
		off += used
	}

	var used int
	if f.Value, used, err = d.readString(block[off:]); err != nil {
		return HeaderField{}, 0, err
	}
	return f, off + used, nil
}

func (d *Decoder) readString(buf []byte) (string, int, error) {
	if len(buf) == 0 {
		return "", 0, ErrTruncated
	}
	huffman := buf[0]&0x80 != 0
	length, off, err := readInt(buf, 7)
	if err != nil {
		return "", 0, err
	} else if d.MaxStringLength > 0 && length > uint64(d.MaxStringLength) {
		return "", 0, ErrStringTooLong
	} else if length > uint64(len(buf)-off) {
		return "", 0, ErrTruncated
	}

	raw := buf[off : off+int(length)]
	if !huffman {
		return string(raw), off + int(length), nil
	}
	s, err := hpack.HuffmanDecodeToString(raw)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", ErrHuffman, err)
	} else if d.MaxStringLength > 0 && len(s) > d.MaxStringLength {
		return "", 0, ErrStringTooLong
	}
	return s, off + int(length), nil
}
