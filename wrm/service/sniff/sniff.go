// Package sniff classifies the application protocol on a fresh connection
// from its first bytes and replays those bytes to later readers.
package sniff

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"time"
)

const (
	// PeekSize is the most bytes read before a protocol is chosen.
	PeekSize = 32

	// Preface is the HTTP/2 client connection preface.
	Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"
)

// Protocol is the protocol tag assigned to a connection.
type Protocol int

const (
	Unknown Protocol = iota
	TLS
	HTTP1
	HTTP2
)

func (p Protocol) String() string {
	switch p {
	case TLS:
		return "tls"
	case HTTP1:
		return "http/1.1"
	case HTTP2:
		return "h2"
	default:
		return "unknown"
	}
}

var http1Prefixes = [][]byte{[]byte("GET "), []byte("POST"), []byte("HEAD"), []byte("CONN")}

// Detect classifies a peeked prefix. Checks run in priority order: HTTP/2
// preface, TLS handshake record, HTTP/1 method prefix.
func Detect(prefix []byte) Protocol {
	if len(prefix) >= len(Preface) && string(prefix[:len(Preface)]) == Preface {
		return HTTP2
	} else if isTLSRecord(prefix) {
		return TLS
	} else if len(prefix) >= 4 {
		for _, m := range http1Prefixes {
			if bytes.EqualFold(prefix[:4], m) {
				return HTTP1
			}
		}
	}
	return Unknown
}

func isTLSRecord(b []byte) bool {
	return len(b) >= 3 && b[0] == 0x16 && b[1] == 0x03 && b[2] <= 0x04
}

// decided reports if more bytes could not change the result of Detect.
func decided(b []byte) bool {
	switch {
	case len(b) >= PeekSize, len(b) >= len(Preface):
		return true
	case isTLSRecord(b):
		return true
	case len(b) >= 4:
		// a partial preface may still complete
		return !bytes.HasPrefix([]byte(Preface), b)
	}
	return false
}

// Sniff reads up to PeekSize bytes from conn and classifies them. Reading stops
// early once the classification can no longer change, so a short request that
// waits on a response does not stall detection. The returned ReplayConn
// delivers the peeked bytes before any new bytes from conn.
//
// An error is returned only when nothing could be read; io.EOF signals that
// the peer closed without sending data.
func Sniff(ctx context.Context, conn net.Conn) (Protocol, *ReplayConn, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	buf := make([]byte, PeekSize)
	var n int
	var readErr error
	for n < PeekSize && !decided(buf[:n]) {
		var m int
		m, readErr = conn.Read(buf[n:])
		n += m
		if readErr != nil {
			break
		}
	}

	rc := NewReplayConn(conn, buf[:n])
	if n == 0 && readErr != nil {
		if ctx.Err() != nil {
			return Unknown, rc, ctx.Err()
		}
		return Unknown, rc, readErr
	} else if readErr != nil && !errors.Is(readErr, io.EOF) {
		// keep the partial prefix, the next reader will observe the failure
		rc.err = readErr
	}
	return Detect(buf[:n]), rc, nil
}

// ReplayConn is a net.Conn that serves a previously read prefix exactly once
// before reading from the wrapped connection.
type ReplayConn struct {
	net.Conn
	prefix []byte
	err    error
}

// NewReplayConn wraps conn so prefix is read first.
func NewReplayConn(conn net.Conn, prefix []byte) *ReplayConn {
	return &ReplayConn{Conn: conn, prefix: prefix}
}

func (c *ReplayConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	} else if c.err != nil {
		err := c.err
		c.err = nil
		return 0, err
	}
	return c.Conn.Read(p)
}

// Buffered returns the number of replay bytes not yet read.
func (c *ReplayConn) Buffered() int { return len(c.prefix) }
