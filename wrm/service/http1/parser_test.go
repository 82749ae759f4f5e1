package http1

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/wrm/wrm/service/httpmsg"
)

func testLimits() limits {
	return limits{maxRequestLine: 8192, maxHeaderBytes: 8192}
}

func readHead(t *testing.T, raw string) (*httpmsg.Request, error) {
	t.Helper()
	return readRequestHead(bufio.NewReader(strings.NewReader(raw)), testLimits())
}

func TestParseRequestLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		line    string
		method  string
		target  string
		version string
		wantErr bool
	}{
		{name: "get", line: "GET / HTTP/1.1", method: "GET", target: "/", version: "HTTP/1.1"},
		{name: "connect", line: "CONNECT example.com:443 HTTP/1.1", method: "CONNECT", target: "example.com:443", version: "HTTP/1.1"},
		{name: "http10", line: "POST /submit?a=1 HTTP/1.0", method: "POST", target: "/submit?a=1", version: "HTTP/1.0"},
		{name: "two_parts", line: "GET /", wantErr: true},
		{name: "empty_target", line: "GET  HTTP/1.1", wantErr: true},
		{name: "bad_version", line: "GET / FTP/1.0", wantErr: true},
		{name: "bad_method", line: "G(T / HTTP/1.1", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			method, target, version, err := ParseRequestLine(tc.line)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.method, method)
			assert.Equal(t, tc.target, target)
			assert.Equal(t, tc.version, version)
		})
	}
}

func TestReadRequestHead(t *testing.T) {
	t.Parallel()

	t.Run("keep_alive_http11", func(t *testing.T) {
		t.Parallel()
		req, err := readHead(t, "GET / HTTP/1.1\r\nHost: a\r\nConnection: keep-alive\r\n\r\n")
		require.NoError(t, err)
		assert.Equal(t, "GET", req.Method)
		assert.Equal(t, "/", req.Path)
		assert.Equal(t, "a", req.Host())
		assert.True(t, keepAliveDefault(req))
	})

	t.Run("http10_defaults_close", func(t *testing.T) {
		t.Parallel()
		req, err := readHead(t, "GET / HTTP/1.0\r\n\r\n")
		require.NoError(t, err)
		assert.Equal(t, httpmsg.Version10, req.Version)
		assert.False(t, keepAliveDefault(req))
	})

	t.Run("http10_keep_alive", func(t *testing.T) {
		t.Parallel()
		req, err := readHead(t, "GET / HTTP/1.0\r\nConnection: Keep-Alive\r\n\r\n")
		require.NoError(t, err)
		assert.True(t, keepAliveDefault(req))
	})

	t.Run("http11_close", func(t *testing.T) {
		t.Parallel()
		req, err := readHead(t, "GET / HTTP/1.1\r\nConnection: close\r\n\r\n")
		require.NoError(t, err)
		assert.False(t, keepAliveDefault(req))
	})

	t.Run("bare_lf_and_leading_blank", func(t *testing.T) {
		t.Parallel()
		req, err := readHead(t, "\r\n\nGET /x HTTP/1.1\nHost: b\n\n")
		require.NoError(t, err)
		assert.Equal(t, "/x", req.Path)
		assert.Equal(t, "b", req.Host())
	})

	t.Run("header_order_and_duplicates", func(t *testing.T) {
		t.Parallel()
		req, err := readHead(t, "GET / HTTP/1.1\r\nX-A: 1\r\nbogus line\r\nx-a:  2 \r\nX-B: 3\r\n\r\n")
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "2"}, req.Headers.Values("x-a"))
		require.Len(t, req.Headers, 3)
		assert.Equal(t, "X-B", req.Headers[2].Name)
	})

	t.Run("clean_eof", func(t *testing.T) {
		t.Parallel()
		_, err := readHead(t, "")
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("eof_mid_line", func(t *testing.T) {
		t.Parallel()
		_, err := readHead(t, "GET / HT")
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("eof_in_headers", func(t *testing.T) {
		t.Parallel()
		_, err := readHead(t, "GET / HTTP/1.1\r\nHost: a\r\n")
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("request_line_too_long", func(t *testing.T) {
		t.Parallel()
		br := bufio.NewReader(strings.NewReader("GET /" + strings.Repeat("a", 100) + " HTTP/1.1\r\n\r\n"))
		_, err := readRequestHead(br, limits{maxRequestLine: 32, maxHeaderBytes: 1024})
		assert.ErrorIs(t, err, ErrInvalidRequest)
		assert.ErrorIs(t, err, ErrLineTooLong)
	})

	t.Run("headers_too_large", func(t *testing.T) {
		t.Parallel()
		raw := "GET / HTTP/1.1\r\n" + strings.Repeat("X-Pad: 0123456789\r\n", 10) + "\r\n"
		br := bufio.NewReader(strings.NewReader(raw))
		_, err := readRequestHead(br, limits{maxRequestLine: 1024, maxHeaderBytes: 64})
		assert.ErrorIs(t, err, ErrHeaderTooLarge)
	})
}

func TestReadLine(t *testing.T) {
	t.Parallel()

	t.Run("longer_than_buffer", func(t *testing.T) {
		t.Parallel()
		long := strings.Repeat("a", 5000)
		br := bufio.NewReaderSize(strings.NewReader(long+"\r\nnext\r\n"), 16)
		line, err := readLine(br, 6000)
		require.NoError(t, err)
		assert.Equal(t, long, string(line))
		line, err = readLine(br, 6000)
		require.NoError(t, err)
		assert.Equal(t, "next", string(line))
	})

	t.Run("over_max", func(t *testing.T) {
		t.Parallel()
		br := bufio.NewReader(strings.NewReader("abcdef\r\n"))
		_, err := readLine(br, 5)
		assert.ErrorIs(t, err, ErrLineTooLong)
	})
}
