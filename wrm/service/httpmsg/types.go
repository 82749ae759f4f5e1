// Package httpmsg holds the protocol-agnostic request and response model that
// both the HTTP/1 and HTTP/2 engines populate.
package httpmsg

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/go-analyze/bulk"
)

const (
	Version10 = "HTTP/1.0"
	Version11 = "HTTP/1.1"
	Version2  = "HTTP/2.0"
)

// Header is a single header field. Duplicate names are kept as separate entries.
type Header struct {
	Name  string `json:"name" msgpack:"n"`
	Value string `json:"value" msgpack:"v"`
}

// Headers is an ordered header list with case-insensitive lookup.
type Headers []Header

// Get returns the first header value with the given name (case-insensitive).
// Returns empty string if not found.
func (h *Headers) Get(name string) string {
	for _, hdr := range *h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// Has reports if at least one header with the given name exists.
func (h *Headers) Has(name string) bool {
	for _, hdr := range *h {
		if strings.EqualFold(hdr.Name, name) {
			return true
		}
	}
	return false
}

// Values returns every value for the given name in wire order.
func (h *Headers) Values(name string) []string {
	var vals []string
	for _, hdr := range *h {
		if strings.EqualFold(hdr.Name, name) {
			vals = append(vals, hdr.Value)
		}
	}
	return vals
}

// Set sets or replaces the first header with the given name (case-insensitive).
// If not found, appends a new header.
func (h *Headers) Set(name, value string) {
	for i, hdr := range *h {
		if strings.EqualFold(hdr.Name, name) {
			(*h)[i].Value = value
			return
		}
	}
	h.Add(name, value)
}

// Add appends a header without touching existing entries of the same name.
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// Remove removes all headers with the given name (case-insensitive).
func (h *Headers) Remove(name string) {
	*h = bulk.SliceFilterInPlace(func(hdr Header) bool {
		return !strings.EqualFold(hdr.Name, name)
	}, *h)
}

// hopByHop headers describe a single connection and are never forwarded
// across a protocol boundary.
var hopByHop = []string{"Connection", "Keep-Alive", "Proxy-Connection", "Transfer-Encoding", "Upgrade"}

// RemoveHopByHop removes the connection-scoped headers along with any header
// named in a Connection value.
func (h *Headers) RemoveHopByHop() {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Remove(name)
			}
		}
	}
	for _, name := range hopByHop {
		h.Remove(name)
	}
}

// Request is a parsed request from either protocol engine.
type Request struct {
	Method  string
	Path    string
	Version string
	Headers Headers

	// Body is framed lazily by the engine and is never nil.
	Body io.Reader

	// StreamID is the HTTP/2 stream the request arrived on, zero for HTTP/1.
	StreamID uint32
}

// Host returns the Host header, which the HTTP/2 engine synthesizes from :authority.
func (r *Request) Host() string { return r.Headers.Get("Host") }

// Response is produced by a pipeline stage and written by the active engine.
type Response struct {
	StatusCode int
	// Reason overrides the standard reason phrase on HTTP/1 status lines.
	Reason  string
	Headers Headers
	Body    io.Reader

	// Tunnel, when set, is relayed to the client after the response head is written.
	Tunnel io.ReadWriteCloser
}

// NewResponse builds a response with an in-memory body and content type.
func NewResponse(status int, contentType string, body []byte) *Response {
	resp := &Response{StatusCode: status, Body: bytes.NewReader(body)}
	if contentType != "" {
		resp.Headers.Set("Content-Type", contentType)
	}
	return resp
}

// ReasonPhrase returns the reason for the status line, falling back to the
// registered phrase for the code.
func (r *Response) ReasonPhrase() string {
	if r.Reason != "" {
		return r.Reason
	}
	if text := http.StatusText(r.StatusCode); text != "" {
		return text
	}
	return "Unknown"
}

// BodyLength reports the remaining bytes in body when that is knowable
// without consuming it. A nil body has length zero.
func BodyLength(body io.Reader) (int64, bool) {
	switch b := body.(type) {
	case nil:
		return 0, true
	case interface{ Len() int }:
		return int64(b.Len()), true
	case io.Seeker:
		cur, err := b.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, false
		}
		end, err := b.Seek(0, io.SeekEnd)
		if err != nil {
			return 0, false
		} else if _, err := b.Seek(cur, io.SeekStart); err != nil {
			return 0, false
		}
		return end - cur, true
	}
	return 0, false
}

// BodyForbidden reports if a response to method with status must not carry a body.
func BodyForbidden(method string, status int) bool {
	return method == http.MethodHead || (status >= 100 && status < 200) ||
		status == http.StatusNoContent || status == http.StatusNotModified
}
