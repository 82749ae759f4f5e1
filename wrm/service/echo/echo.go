// Package echo provides the default terminal stage, answering each request
// with a plain-text description of itself.
package echo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-appsec/wrm/wrm/service/httpmsg"
	"github.com/go-appsec/wrm/wrm/service/pipeline"
)

// Stage answers requests that no earlier stage responded to. The body lists
// the request line, the headers in arrival order, and the body length.
func Stage() pipeline.Stage {
	return pipeline.StageFunc(func(ctx context.Context, cc *pipeline.Context, next pipeline.Handler) error {
		if cc.Request == nil || cc.Response != nil {
			return next(ctx, cc)
		}

		req := cc.Request
		var n int64
		if req.Body != nil {
			var err error
			if n, err = io.Copy(io.Discard, req.Body); err != nil {
				return fmt.Errorf("read request body: %w", err)
			}
		}

		var sb strings.Builder
		sb.WriteString(req.Method + " " + req.Path + " " + req.Version + "\r\n")
		for _, h := range req.Headers {
			sb.WriteString(h.Name + ": " + h.Value + "\r\n")
		}
		fmt.Fprintf(&sb, "\r\nprotocol: %s\r\nbody-length: %d\r\n", cc.Protocol, n)

		cc.Response = httpmsg.NewResponse(http.StatusOK, "text/plain; charset=utf-8", []byte(sb.String()))
		return next(ctx, cc)
	})
}
