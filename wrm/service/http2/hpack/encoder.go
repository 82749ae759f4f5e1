package hpack

import (
	"golang.org/x/net/http2/hpack"
)

// Encoder produces header blocks for one connection. It must not be shared
// between connections.
type Encoder struct {
	table dynamicTable

	// Huffman enables Huffman coding of literals when it is shorter.
	Huffman bool

	// pending size updates to emit at the start of the next block
	minSizeUpdate uint32
	pendingUpdate bool
	maxSizeLimit  uint32
}

// NewEncoder creates an encoder with the default table size.
func NewEncoder() *Encoder {
	return &Encoder{
		table:        newDynamicTable(DefaultTableSize),
		maxSizeLimit: DefaultTableSize,
	}
}

// SetMaxDynamicTableSizeLimit applies the peer's SETTINGS_HEADER_TABLE_SIZE.
// The table shrinks if needed and a size update is sent with the next block.
func (e *Encoder) SetMaxDynamicTableSizeLimit(n uint32) {
	e.maxSizeLimit = n
	if n < e.table.maxSize {
		e.setMaxSize(n)
	}
}

// SetMaxDynamicTableSize changes the table size used by the encoder, bounded
// by the peer's limit.
func (e *Encoder) SetMaxDynamicTableSize(n uint32) {
	if n > e.maxSizeLimit {
		n = e.maxSizeLimit
	}
	e.setMaxSize(n)
}

func (e *Encoder) setMaxSize(n uint32) {
	if !e.pendingUpdate || n < e.minSizeUpdate {
		e.minSizeUpdate = n
	}
	e.pendingUpdate = true
	e.table.setMaxSize(n)
}

// TableSize returns the current dynamic table size in bytes.
func (e *Encoder) TableSize() uint32 { return e.table.size }

// Encode appends the header block for fields to dst.
func (e *Encoder) Encode(dst []byte, fields []HeaderField) []byte {
	if e.pendingUpdate {
		if e.minSizeUpdate < e.table.maxSize {
			dst = appendInt(dst, 5, 0x20, uint64(e.minSizeUpdate))
		}
		dst = appendInt(dst, 5, 0x20, uint64(e.table.maxSize))
		e.pendingUpdate = false
	}
	for _, f := range fields {
		dst = e.encodeField(dst, f)
	}
	return dst
}

func (e *Encoder) encodeField(dst []byte, f HeaderField) []byte {
	if f.Sensitive {
		nameIdx := staticNameIndex[f.Name]
		if nameIdx == 0 {
			if _, dynName := e.table.search(f); dynName != 0 {
				nameIdx = staticTableLen + dynName
			}
		}
		return e.appendLiteral(dst, 4, 0x10, nameIdx, f)
	}

	if idx, ok := staticPairIndex[pairKey{f.Name, f.Value}]; ok {
		return appendInt(dst, 7, 0x80, idx)
	}
	dynPair, dynName := e.table.search(f)
	if dynPair != 0 {
		return appendInt(dst, 7, 0x80, staticTableLen+dynPair)
	}

	nameIdx := staticNameIndex[f.Name]
	if nameIdx == 0 && dynName != 0 {
		nameIdx = staticTableLen + dynName
	}
	dst = e.appendLiteral(dst, 6, 0x40, nameIdx, f)
	e.table.add(f)
	return dst
}

// appendLiteral writes a literal representation, reusing nameIdx when nonzero.
func (e *Encoder) appendLiteral(dst []byte, n uint8, marker byte, nameIdx uint64, f HeaderField) []byte {
	dst = appendInt(dst, n, marker, nameIdx)
	if nameIdx == 0 {
		dst = e.appendString(dst, f.Name)
	}
	return e.appendString(dst, f.Value)
}

func (e *Encoder) appendString(dst []byte, s string) []byte {
	if e.Huffman {
		if hl := hpack.HuffmanEncodeLength(s); hl < uint64(len(s)) {
			dst = appendInt(dst, 7, 0x80, hl)
			return hpack.AppendHuffmanString(dst, s)
		}
	}
	dst = appendInt(dst, 7, 0, uint64(len(s)))
	return append(dst, s...)
}
