// Package hpack implements HTTP/2 header compression: the static and dynamic
// tables, prefix integers, string literals, and header block encoding.
package hpack

// HeaderField is a decoded header name/value pair.
type HeaderField struct {
	Name, Value string

	// Sensitive fields are encoded as never-indexed literals.
	Sensitive bool
}

// entryOverhead is the per-entry accounting overhead in the dynamic table.
const entryOverhead = 32

// Size returns the table size of the field.
func (f HeaderField) Size() uint32 {
	return uint32(len(f.Name) + len(f.Value) + entryOverhead)
}

// IsPseudo reports if the field is an HTTP/2 pseudo-header.
func (f HeaderField) IsPseudo() bool {
	return len(f.Name) != 0 && f.Name[0] == ':'
}

var staticTable = [...]HeaderField{
	{Name: ":authority"},
	{Name: ":method", Value: "GET"},
	{Name: ":method", Value: "POST"},
	{Name: ":path", Value: "/"},
	{Name: ":path", Value: "/index.html"},
	{Name: ":scheme", Value: "http"},
	{Name: ":scheme", Value: "https"},
	{Name: ":status", Value: "200"},
	{Name: ":status", Value: "204"},
	{Name: ":status", Value: "206"},
	{Name: ":status", Value: "304"},
	{Name: ":status", Value: "400"},
	{Name: ":status", Value: "404"},
	{Name: ":status", Value: "500"},
	{Name: "accept-charset"},
	{Name: "accept-encoding", Value: "gzip, deflate"},
	{Name: "accept-language"},
	{Name: "accept-ranges"},
	{Name: "accept"},
	{Name: "access-control-allow-origin"},
	{Name: "age"},
	{Name: "allow"},
	{Name: "authorization"},
	{Name: "cache-control"},
	{Name: "content-disposition"},
	{Name: "content-encoding"},
	{Name: "content-language"},
	{Name: "content-length"},
	{Name: "content-location"},
	{Name: "content-range"},
	{Name: "content-type"},
	{Name: "cookie"},
	{Name: "date"},
	{Name: "etag"},
	{Name: "expect"},
	{Name: "expires"},
	{Name: "from"},
	{Name: "host"},
	{Name: "if-match"},
	{Name: "if-modified-since"},
	{Name: "if-none-match"},
	{Name: "if-range"},
	{Name: "if-unmodified-since"},
	{Name: "last-modified"},
	{Name: "link"},
	{Name: "location"},
	{Name: "max-forwards"},
	{Name: "proxy-authenticate"},
	{Name: "proxy-authorization"},
	{Name: "range"},
	{Name: "referer"},
	{Name: "refresh"},
	{Name: "retry-after"},
	{Name: "server"},
	{Name: "set-cookie"},
	{Name: "strict-transport-security"},
	{Name: "transfer-encoding"},
	{Name: "user-agent"},
	{Name: "vary"},
	{Name: "via"},
	{Name: "www-authenticate"},
}

// staticTableLen is the number of static entries, and the index offset of
// the dynamic table.
const staticTableLen = uint64(len(staticTable))

type pairKey struct{ name, value string }

var (
	staticPairIndex = make(map[pairKey]uint64, len(staticTable))
	staticNameIndex = make(map[string]uint64, len(staticTable))
)

func init() {
	for i, f := range staticTable {
		idx := uint64(i + 1)
		staticPairIndex[pairKey{f.Name, f.Value}] = idx
		if _, ok := staticNameIndex[f.Name]; !ok {
			staticNameIndex[f.Name] = idx
		}
	}
}
