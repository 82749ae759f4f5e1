package http1

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"time"

	"github.com/go-appsec/wrm/wrm/service/httpmsg"
)

// writeOptions carries connection-level values for response headers.
type writeOptions struct {
	serverName       string
	keepAliveTimeout time.Duration
	maxRequests      int
	now              func() time.Time
}

// writeResponse writes the status line, headers and body. It returns whether
// the connection may be kept alive after this response.
func writeResponse(bw *bufio.Writer, req *httpmsg.Request, resp *httpmsg.Response, keepAlive bool, opts writeOptions) (bool, error) {
	version := httpmsg.Version11
	if req.Version == httpmsg.Version10 {
		version = httpmsg.Version10
	}
	headers := append(httpmsg.Headers(nil), resp.Headers...)
	noBody := httpmsg.BodyForbidden(req.Method, resp.StatusCode)
	chunked := isChunked(headers)

	if strings.EqualFold(strings.TrimSpace(headers.Get("Connection")), "close") {
		keepAlive = false
	}
	if resp.Tunnel == nil && !headers.Has("Content-Length") && !chunked {
		if n, ok := httpmsg.BodyLength(resp.Body); ok {
			if resp.StatusCode >= 200 && resp.StatusCode != http.StatusNoContent {
				headers.Set("Content-Length", strconv.FormatInt(n, 10))
			}
		} else if !noBody {
			keepAlive = false // body delimited by close
		}
	}

	if resp.Tunnel == nil {
		if !headers.Has("Connection") {
			if keepAlive {
				headers.Set("Connection", "keep-alive")
			} else {
				headers.Set("Connection", "close")
			}
		}
		if keepAlive && !headers.Has("Keep-Alive") {
			headers.Set("Keep-Alive", fmt.Sprintf("timeout=%d, max=%d", int(opts.keepAliveTimeout.Seconds()), opts.maxRequests))
		}
	}
	if !headers.Has("Date") {
		now := time.Now
		if opts.now != nil {
			now = opts.now
		}
		headers.Set("Date", now().UTC().Format(http.TimeFormat))
	}
	if !headers.Has("Server") && opts.serverName != "" {
		headers.Set("Server", opts.serverName)
	}

	if _, err := fmt.Fprintf(bw, "%s %d %s\r\n", version, resp.StatusCode, resp.ReasonPhrase()); err != nil {
		return false, err
	}
	for _, h := range headers {
		if _, err := fmt.Fprintf(bw, "%s: %s\r\n", h.Name, h.Value); err != nil {
			return false, err
		}
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return false, err
	}

	if !noBody && resp.Tunnel == nil && resp.Body != nil {
		if chunked {
			cw := httputil.NewChunkedWriter(bw)
			if _, err := io.Copy(cw, resp.Body); err != nil {
				return false, err
			} else if err := cw.Close(); err != nil {
				return false, err
			} else if _, err := bw.WriteString("\r\n"); err != nil { // empty trailer section
				return false, err
			}
		} else if _, err := io.Copy(bw, resp.Body); err != nil {
			return false, err
		}
	}
	return keepAlive, bw.Flush()
}

// errorResponse is a minimal response that asks for the connection to close.
func errorResponse(status int) *httpmsg.Response {
	resp := httpmsg.NewResponse(status, "text/plain; charset=utf-8", []byte(http.StatusText(status)+"\n"))
	resp.Headers.Set("Connection", "close")
	return resp
}

// writeError writes an errorResponse outside of a request exchange.
func writeError(bw *bufio.Writer, status int, opts writeOptions) error {
	req := &httpmsg.Request{Version: httpmsg.Version11}
	_, err := writeResponse(bw, req, errorResponse(status), false, opts)
	return err
}
