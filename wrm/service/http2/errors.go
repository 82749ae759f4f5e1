package http2

import (
	"fmt"

	"golang.org/x/net/http2"
)

// ConnectionError is fatal to the connection. The engine sends GOAWAY with
// Code and closes.
type ConnectionError struct {
	Code   http2.ErrCode
	Reason string
}

func (e ConnectionError) Error() string {
	return fmt.Sprintf("connection error %s: %s", e.Code, e.Reason)
}

func connError(code http2.ErrCode, format string, args ...any) ConnectionError {
	return ConnectionError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// StreamError terminates one stream with RST_STREAM; the connection continues.
type StreamError struct {
	StreamID uint32
	Code     http2.ErrCode
	Reason   string
}

func (e StreamError) Error() string {
	return fmt.Sprintf("stream %d error %s: %s", e.StreamID, e.Code, e.Reason)
}

func streamError(id uint32, code http2.ErrCode, reason string) StreamError {
	return StreamError{StreamID: id, Code: code, Reason: reason}
}
