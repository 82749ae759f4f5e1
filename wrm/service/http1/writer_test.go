package http1

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/wrm/wrm/service/httpmsg"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testOptions() writeOptions {
	return writeOptions{
		serverName:       "WRM/1.0",
		keepAliveTimeout: 5 * time.Second,
		maxRequests:      100,
		now:              func() time.Time { return fixedNow },
	}
}

func writeTo(t *testing.T, req *httpmsg.Request, resp *httpmsg.Response, keepAlive bool) (string, bool) {
	t.Helper()
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	keep, err := writeResponse(bw, req, resp, keepAlive, testOptions())
	require.NoError(t, err)
	return buf.String(), keep
}

func get11() *httpmsg.Request {
	return &httpmsg.Request{Method: http.MethodGet, Path: "/", Version: httpmsg.Version11}
}

// onlyReader hides any Len or Seek method on the body.
type onlyReader struct{ io.Reader }

func TestWriteResponse(t *testing.T) {
	t.Parallel()

	t.Run("seekable_body_gets_length", func(t *testing.T) {
		t.Parallel()
		resp := &httpmsg.Response{StatusCode: http.StatusOK, Body: io.NewSectionReader(strings.NewReader("hello"), 0, 5)}
		out, keep := writeTo(t, get11(), resp, true)

		assert.True(t, keep)
		assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n"))
		assert.Contains(t, out, "Content-Length: 5\r\n")
		assert.Contains(t, out, "Connection: keep-alive\r\n")
		assert.Contains(t, out, "Keep-Alive: timeout=5, max=100\r\n")
		assert.Contains(t, out, "Date: Fri, 01 Mar 2024 12:00:00 GMT\r\n")
		assert.Contains(t, out, "Server: WRM/1.0\r\n")
		assert.True(t, strings.HasSuffix(out, "\r\n\r\nhello"))
	})

	t.Run("unknown_length_closes", func(t *testing.T) {
		t.Parallel()
		resp := &httpmsg.Response{StatusCode: http.StatusOK, Body: onlyReader{strings.NewReader("stream")}}
		out, keep := writeTo(t, get11(), resp, true)

		assert.False(t, keep)
		assert.Contains(t, out, "Connection: close\r\n")
		assert.NotContains(t, out, "Content-Length")
		assert.NotContains(t, out, "Keep-Alive")
		assert.True(t, strings.HasSuffix(out, "stream"))
	})

	t.Run("handler_connection_close", func(t *testing.T) {
		t.Parallel()
		resp := httpmsg.NewResponse(http.StatusOK, "text/plain", []byte("x"))
		resp.Headers.Set("Connection", "close")
		out, keep := writeTo(t, get11(), resp, true)

		assert.False(t, keep)
		assert.Equal(t, 1, strings.Count(out, "Connection:"))
	})

	t.Run("head_has_length_no_body", func(t *testing.T) {
		t.Parallel()
		req := get11()
		req.Method = http.MethodHead
		out, keep := writeTo(t, req, httpmsg.NewResponse(http.StatusOK, "text/plain", []byte("hello")), true)

		assert.True(t, keep)
		assert.Contains(t, out, "Content-Length: 5\r\n")
		assert.True(t, strings.HasSuffix(out, "\r\n\r\n"))
	})

	t.Run("no_content", func(t *testing.T) {
		t.Parallel()
		out, keep := writeTo(t, get11(), &httpmsg.Response{StatusCode: http.StatusNoContent}, true)

		assert.True(t, keep)
		assert.True(t, strings.HasPrefix(out, "HTTP/1.1 204 No Content\r\n"))
		assert.NotContains(t, out, "Content-Length")
	})

	t.Run("chunked", func(t *testing.T) {
		t.Parallel()
		resp := &httpmsg.Response{StatusCode: http.StatusOK, Body: onlyReader{strings.NewReader("hello")}}
		resp.Headers.Set("Transfer-Encoding", "chunked")
		out, keep := writeTo(t, get11(), resp, true)

		assert.True(t, keep)
		assert.True(t, strings.HasSuffix(out, "\r\n\r\n5\r\nhello\r\n0\r\n\r\n"))

		parsed, err := http.ReadResponse(bufio.NewReader(strings.NewReader(out)), nil)
		require.NoError(t, err)
		body, err := io.ReadAll(parsed.Body)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(body))
	})

	t.Run("http10_status_line", func(t *testing.T) {
		t.Parallel()
		req := get11()
		req.Version = httpmsg.Version10
		out, keep := writeTo(t, req, httpmsg.NewResponse(http.StatusOK, "", nil), false)

		assert.False(t, keep)
		assert.True(t, strings.HasPrefix(out, "HTTP/1.0 200 OK\r\n"))
		assert.Contains(t, out, "Connection: close\r\n")
	})

	t.Run("custom_reason", func(t *testing.T) {
		t.Parallel()
		resp := &httpmsg.Response{StatusCode: 299, Reason: "Fine Enough"}
		out, _ := writeTo(t, get11(), resp, true)
		assert.True(t, strings.HasPrefix(out, "HTTP/1.1 299 Fine Enough\r\n"))
	})

	t.Run("headers_not_mutated", func(t *testing.T) {
		t.Parallel()
		resp := httpmsg.NewResponse(http.StatusOK, "text/plain", []byte("x"))
		writeTo(t, get11(), resp, true)
		assert.Len(t, resp.Headers, 1)
	})
}

func TestWriteError(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	require.NoError(t, writeError(bw, http.StatusBadRequest, testOptions()))

	resp, err := http.ReadResponse(bufio.NewReader(&buf), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "close", resp.Header.Get("Connection"))
	assert.True(t, resp.Close)
}
