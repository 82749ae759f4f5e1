package hpack

// DefaultTableSize is the initial SETTINGS_HEADER_TABLE_SIZE.
const DefaultTableSize = 4096

// dynamicTable holds inserted fields. Entries are stored oldest first;
// index 1 refers to the newest entry.
type dynamicTable struct {
	entries []HeaderField
	size    uint32
	maxSize uint32
}

func newDynamicTable(maxSize uint32) dynamicTable {
	return dynamicTable{maxSize: maxSize}
}

func (t *dynamicTable) len() uint64 { return uint64(len(t.entries)) }

// at returns the entry at 1-based index i, newest first.
func (t *dynamicTable) at(i uint64) (HeaderField, bool) {
	if i == 0 || i > t.len() {
		return HeaderField{}, false
	}
	return t.entries[uint64(len(t.entries))-i], true
}

// add inserts f as the newest entry. An entry larger than the table clears it.
func (t *dynamicTable) add(f HeaderField) {
	sz := f.Size()
	if sz > t.maxSize {
		t.clear()
		return
	}
	t.evictTo(t.maxSize - sz)
	f.Sensitive = false
	t.entries = append(t.entries, f)
	t.size += sz
}

func (t *dynamicTable) setMaxSize(n uint32) {
	t.maxSize = n
	t.evictTo(n)
}

// evictTo drops oldest entries until size is at most target.
func (t *dynamicTable) evictTo(target uint32) {
	var drop int
	for drop < len(t.entries) && t.size > target {
		t.size -= t.entries[drop].Size()
		drop++
	}
	if drop > 0 {
		n := copy(t.entries, t.entries[drop:])
		clear(t.entries[n:])
		t.entries = t.entries[:n]
	}
}

func (t *dynamicTable) clear() {
	clear(t.entries)
	t.entries = t.entries[:0]
	t.size = 0
}

// search returns the 1-based dynamic index of an exact match and of the
// newest name match, zero when absent.
func (t *dynamicTable) search(f HeaderField) (pair, name uint64) {
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i]
		if e.Name != f.Name {
			continue
		}
		idx := uint64(len(t.entries) - i)
		if name == 0 {
			name = idx
		}
		if e.Value == f.Value {
			return idx, name
		}
	}
	return 0, name
}
