package http1

import (
	"bufio"
	"io"
	"os"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/wrm/wrm/service/httpmsg"
)

func bodyFor(raw string, headers ...httpmsg.Header) (io.Reader, *bufio.Reader) {
	br := bufio.NewReader(strings.NewReader(raw))
	return newBodyReader(br, headers, 1024), br
}

func TestBodyReader(t *testing.T) {
	t.Parallel()

	t.Run("content_length", func(t *testing.T) {
		t.Parallel()
		body, br := bodyFor("helloGET", httpmsg.Header{Name: "Content-Length", Value: "5"})
		got, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(got))

		rest, err := io.ReadAll(br)
		require.NoError(t, err)
		assert.Equal(t, "GET", string(rest))
	})

	t.Run("content_length_short", func(t *testing.T) {
		t.Parallel()
		body, _ := bodyFor("hel", httpmsg.Header{Name: "Content-Length", Value: "5"})
		_, err := io.ReadAll(body)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("no_framing_is_empty", func(t *testing.T) {
		t.Parallel()
		body, _ := bodyFor("leftover")
		got, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("invalid_content_length_is_empty", func(t *testing.T) {
		t.Parallel()
		body, _ := bodyFor("abc", httpmsg.Header{Name: "Content-Length", Value: "-1"})
		got, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("chunked", func(t *testing.T) {
		t.Parallel()
		raw := "5;ext=1\r\nhello\r\n6\r\n world\r\n0\r\nX-Trailer: t\r\n\r\nNEXT"
		body, br := bodyFor(raw,
			httpmsg.Header{Name: "Transfer-Encoding", Value: "gzip, Chunked"},
			httpmsg.Header{Name: "Content-Length", Value: "99"})
		got, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Equal(t, "hello world", string(got))

		rest, err := io.ReadAll(br)
		require.NoError(t, err)
		assert.Equal(t, "NEXT", string(rest))
	})

	t.Run("chunked_bad_size", func(t *testing.T) {
		t.Parallel()
		body, _ := bodyFor("zz\r\nhello\r\n0\r\n\r\n", httpmsg.Header{Name: "Transfer-Encoding", Value: "chunked"})
		_, err := io.ReadAll(body)
		assert.ErrorIs(t, err, ErrMalformedChunk)
	})

	t.Run("chunked_missing_crlf", func(t *testing.T) {
		t.Parallel()
		body, _ := bodyFor("5\r\nhelloXX0\r\n\r\n", httpmsg.Header{Name: "Transfer-Encoding", Value: "chunked"})
		_, err := io.ReadAll(body)
		assert.ErrorIs(t, err, ErrMalformedChunk)
	})

	t.Run("chunked_read_timeout", func(t *testing.T) {
		t.Parallel()
		src := io.MultiReader(strings.NewReader("5\r\nhel"), iotest.ErrReader(os.ErrDeadlineExceeded))
		body := newBodyReader(bufio.NewReader(src), httpmsg.Headers{{Name: "Transfer-Encoding", Value: "chunked"}}, 1024)
		_, err := io.ReadAll(body)
		require.ErrorIs(t, err, os.ErrDeadlineExceeded)
		assert.NotErrorIs(t, err, ErrMalformedChunk)
	})

	t.Run("chunked_size_timeout", func(t *testing.T) {
		t.Parallel()
		src := io.MultiReader(strings.NewReader("5"), iotest.ErrReader(os.ErrDeadlineExceeded))
		body := newBodyReader(bufio.NewReader(src), httpmsg.Headers{{Name: "Transfer-Encoding", Value: "chunked"}}, 1024)
		_, err := io.ReadAll(body)
		require.ErrorIs(t, err, os.ErrDeadlineExceeded)
		assert.NotErrorIs(t, err, ErrMalformedChunk)
	})

	t.Run("chunked_truncated", func(t *testing.T) {
		t.Parallel()
		body, _ := bodyFor("5\r\nhel", httpmsg.Header{Name: "Transfer-Encoding", Value: "chunked"})
		_, err := io.ReadAll(body)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}
