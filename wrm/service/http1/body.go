package http1

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-appsec/wrm/wrm/service/httpmsg"
)

var ErrMalformedChunk = errors.New("malformed chunked encoding")

// maxChunkLine bounds a chunk size line including extensions.
const maxChunkLine = 4096

// isChunked reports if any Transfer-Encoding value names chunked.
func isChunked(h httpmsg.Headers) bool {
	for _, v := range h.Values("Transfer-Encoding") {
		for _, coding := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(coding), "chunked") {
				return true
			}
		}
	}
	return false
}

// newBodyReader frames the request body: chunked when Transfer-Encoding says
// so, otherwise a valid Content-Length, otherwise empty.
func newBodyReader(br *bufio.Reader, h httpmsg.Headers, maxTrailerBytes int) io.Reader {
	if isChunked(h) {
		return &chunkedReader{br: br, maxTrailer: maxTrailerBytes}
	}
	if cl := strings.TrimSpace(h.Get("Content-Length")); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			return &fixedReader{r: br, remaining: n}
		}
	}
	return eofReader{}
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// fixedReader yields exactly remaining bytes. A short source is an error.
type fixedReader struct {
	r         io.Reader
	remaining int64
}

func (f *fixedReader) Read(p []byte) (int, error) {
	if f.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > f.remaining {
		p = p[:f.remaining]
	}
	n, err := f.r.Read(p)
	f.remaining -= int64(n)
	if errors.Is(err, io.EOF) {
		if f.remaining > 0 {
			return n, io.ErrUnexpectedEOF
		}
		err = nil
	}
	return n, err
}

// chunkedReader decodes a chunked body. Trailers are read and discarded.
type chunkedReader struct {
	br         *bufio.Reader
	remaining  int64
	maxTrailer int
	done       bool
	err        error
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	} else if c.done {
		return 0, io.EOF
	}

	if c.remaining == 0 {
		size, err := c.readSize()
		if err != nil {
			c.err = err
			return 0, err
		} else if size == 0 {
			if _, err := readHeaders(c.br, c.maxTrailer); err != nil {
				c.err = fmt.Errorf("%w: trailers: %w", ErrMalformedChunk, err)
				return 0, c.err
			}
			c.done = true
			return 0, io.EOF
		}
		c.remaining = size
	}

	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.br.Read(p)
	c.remaining -= int64(n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		c.err = err
		return n, err
	}

	if c.remaining == 0 {
		// chunk data is followed by CRLF
		if line, err := readLine(c.br, 0); err != nil && !errors.Is(err, ErrLineTooLong) {
			c.err = transportErr(err)
			return n, c.err
		} else if err != nil || len(line) != 0 {
			c.err = fmt.Errorf("%w: missing CRLF after chunk", ErrMalformedChunk)
			return n, c.err
		}
	}
	return n, nil
}

// readSize parses "HEX[;ext]".
func (c *chunkedReader) readSize() (int64, error) {
	line, err := readLine(c.br, maxChunkLine)
	if errors.Is(err, ErrLineTooLong) {
		return 0, fmt.Errorf("%w: %w", ErrMalformedChunk, err)
	} else if err != nil {
		return 0, transportErr(err)
	}

	s, _, _ := strings.Cut(string(line), ";")
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 15 {
		return 0, fmt.Errorf("%w: size %q", ErrMalformedChunk, s)
	}
	for _, r := range s {
		if !isHexDigit(r) {
			return 0, fmt.Errorf("%w: size %q", ErrMalformedChunk, s)
		}
	}
	size, err := strconv.ParseInt(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: size %q", ErrMalformedChunk, s)
	}
	return size, nil
}

// transportErr reports a read failure that is not a framing violation.
func transportErr(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
