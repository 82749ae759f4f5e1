// Package http1 serves HTTP/1.x connections: request parsing, body framing,
// response writing, and keep-alive.
package http1

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/go-appsec/wrm/wrm/service/httpmsg"
)

var (
	ErrInvalidRequest = errors.New("invalid request line")
	ErrLineTooLong    = errors.New("line too long")
	ErrHeaderTooLarge = errors.New("request headers too large")
)

// maxLeadingBlankLines bounds the empty lines tolerated before a request line.
const maxLeadingBlankLines = 4

// limits bounds the request head.
type limits struct {
	maxRequestLine int
	maxHeaderBytes int
}

// readLine reads one line terminated by CRLF or bare LF and returns it
// without the ending. Lines longer than max fail with ErrLineTooLong. A
// connection closed before any byte returns io.EOF; closed mid-line returns
// io.ErrUnexpectedEOF.
func readLine(br *bufio.Reader, max int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		if len(line)+len(chunk) > max+2 { // allow for the line ending
			return nil, ErrLineTooLong
		}
		line = append(line, chunk...)
		if err == nil {
			break
		} else if errors.Is(err, bufio.ErrBufferFull) {
			continue
		} else if errors.Is(err, io.EOF) && len(line) > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	if len(line) > max {
		return nil, ErrLineTooLong
	}
	return line, nil
}

// ParseRequestLine splits "METHOD SP TARGET SP VERSION".
func ParseRequestLine(line string) (method, target, version string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 3 {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidRequest, line)
	}
	method, target, version = parts[0], parts[1], strings.TrimSpace(parts[2])
	if !httpguts.ValidHeaderFieldName(method) {
		return "", "", "", fmt.Errorf("%w: bad method %q", ErrInvalidRequest, method)
	} else if target == "" {
		return "", "", "", fmt.Errorf("%w: empty target", ErrInvalidRequest)
	} else if !strings.HasPrefix(version, "HTTP/") {
		return "", "", "", fmt.Errorf("%w: bad version %q", ErrInvalidRequest, version)
	}
	return method, target, version, nil
}

// readRequestHead parses the request line and headers. The body is framed
// separately by newBodyReader.
func readRequestHead(br *bufio.Reader, lim limits) (*httpmsg.Request, error) {
	var line []byte
	var err error
	for i := 0; ; i++ {
		if line, err = readLine(br, lim.maxRequestLine); err != nil {
			if errors.Is(err, ErrLineTooLong) {
				return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
			}
			return nil, err
		} else if len(line) > 0 || i >= maxLeadingBlankLines {
			break
		}
	}

	method, target, version, err := ParseRequestLine(string(line))
	if err != nil {
		return nil, err
	}
	req := &httpmsg.Request{Method: method, Path: target, Version: version}
	if req.Headers, err = readHeaders(br, lim.maxHeaderBytes); err != nil {
		return nil, err
	}
	return req, nil
}

// readHeaders reads header lines until the blank line. Lines without a colon
// are skipped. The cumulative size of the header section is capped at max.
func readHeaders(br *bufio.Reader, max int) (httpmsg.Headers, error) {
	var headers httpmsg.Headers
	var total int
	for {
		remaining := max - total
		if remaining < 0 {
			return nil, ErrHeaderTooLarge
		}
		line, err := readLine(br, remaining)
		if errors.Is(err, ErrLineTooLong) {
			return nil, ErrHeaderTooLarge
		} else if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		} else if err != nil {
			return nil, err
		} else if len(line) == 0 {
			return headers, nil
		}
		total += len(line) + 2
		if total > max {
			return nil, ErrHeaderTooLarge
		}

		name, value, ok := strings.Cut(string(line), ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if !httpguts.ValidHeaderFieldName(name) {
			continue
		}
		headers = append(headers, httpmsg.Header{Name: name, Value: strings.TrimSpace(value)})
	}
}

// keepAliveDefault resolves persistence from the version and Connection header.
func keepAliveDefault(req *httpmsg.Request) bool {
	conn := strings.TrimSpace(req.Headers.Get("Connection"))
	if req.Version == httpmsg.Version10 {
		return strings.EqualFold(conn, "keep-alive")
	}
	return !strings.EqualFold(conn, "close")
}
