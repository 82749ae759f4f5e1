package http2

import (
	"bytes"
	"cmp"
	"slices"
	"time"

	"github.com/go-analyze/bulk"

	"github.com/go-appsec/wrm/wrm/service/httpmsg"
)

// streamState is the RFC 9113 stream state from the server's point of view.
type streamState int

const (
	stateIdle streamState = iota
	stateOpen
	stateHalfClosedLocal
	stateHalfClosedRemote
	stateClosed
)

func (s streamState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateOpen:
		return "open"
	case stateHalfClosedLocal:
		return "half-closed(local)"
	case stateHalfClosedRemote:
		return "half-closed(remote)"
	default:
		return "closed"
	}
}

// stream tracks one request/response exchange. Streams are owned by the
// connection's read loop and need no locking.
type stream struct {
	id    uint32
	state streamState

	req  *httpmsg.Request
	body bytes.Buffer

	headersReceived   bool
	endStreamReceived bool
	responseSent      bool

	// tunnel receives DATA once a CONNECT response was sent
	tunnel *streamConn

	started time.Time
}

// acceptsData reports if the peer may still send DATA on the stream.
func (s *stream) acceptsData() bool {
	return s.state == stateOpen || s.state == stateHalfClosedLocal
}

// markEndStream records END_STREAM from the client.
func (s *stream) markEndStream() {
	s.endStreamReceived = true
	if s.state == stateHalfClosedLocal {
		s.state = stateClosed
	} else {
		s.state = stateHalfClosedRemote
	}
}

// ready reports if the stream can be dispatched through the pipeline.
func (s *stream) ready() bool {
	if !s.headersReceived || s.responseSent {
		return false
	}
	return s.endStreamReceived || s.req.Method == "CONNECT"
}

// streamTable maps stream ids to streams for one connection.
type streamTable struct {
	streams      map[uint32]*stream
	lastClientID uint32
}

func newStreamTable() *streamTable {
	return &streamTable{streams: make(map[uint32]*stream)}
}

func (t *streamTable) get(id uint32) (*stream, bool) {
	s, ok := t.streams[id]
	return s, ok
}

// open creates a stream for a client-initiated id.
func (t *streamTable) open(id uint32) *stream {
	s := &stream{id: id, state: stateIdle, started: time.Now()}
	t.streams[id] = s
	if id > t.lastClientID {
		t.lastClientID = id
	}
	return s
}

func (t *streamTable) remove(id uint32) {
	delete(t.streams, id)
}

// active counts streams that have not yet closed.
func (t *streamTable) active() int {
	var n int
	for _, s := range t.streams {
		if s.state != stateClosed {
			n++
		}
	}
	return n
}

// readyStreams returns dispatchable streams in ascending id order.
func (t *streamTable) readyStreams() []*stream {
	ready := bulk.SliceFilter(func(s *stream) bool { return s.ready() }, bulk.MapValuesSlice(t.streams))
	slices.SortFunc(ready, func(a, b *stream) int { return cmp.Compare(a.id, b.id) })
	return ready
}

// all returns every tracked stream.
func (t *streamTable) all() []*stream {
	return bulk.MapValuesSlice(t.streams)
}
