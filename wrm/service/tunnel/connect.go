package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-appsec/wrm/wrm/service/httpmsg"
	"github.com/go-appsec/wrm/wrm/service/pipeline"
)

var ErrInvalidTarget = errors.New("invalid CONNECT target")

// Dialer opens upstream connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ConnectConfig configures the CONNECT stage.
type ConnectConfig struct {
	DialTimeout time.Duration
	// Dialer defaults to a net.Dialer.
	Dialer Dialer
}

type connectStage struct {
	cfg ConnectConfig
}

// ConnectStage answers CONNECT requests by dialing the target and returning a
// tunnel response. Other requests pass to the next stage.
func ConnectStage(cfg ConnectConfig) pipeline.Stage {
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	return &connectStage{cfg: cfg}
}

func (s *connectStage) Serve(ctx context.Context, cc *pipeline.Context, next pipeline.Handler) error {
	req := cc.Request
	if req == nil || req.Method != http.MethodConnect {
		return next(ctx, cc)
	}

	target, err := Target(req)
	if err != nil {
		cc.Response = httpmsg.NewResponse(http.StatusBadRequest, "text/plain; charset=utf-8", []byte(err.Error()+"\n"))
		return nil
	}

	dialCtx := ctx
	if s.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.cfg.DialTimeout)
		defer cancel()
	}
	upstream, err := s.cfg.Dialer.DialContext(dialCtx, "tcp", target)
	if err != nil {
		log.Printf("tunnel: %s dial %s failed: %v", cc.ID, target, err)
		cc.Response = httpmsg.NewResponse(http.StatusBadGateway, "text/plain; charset=utf-8", []byte("upstream unreachable\n"))
		return nil
	}

	cc.Response = &httpmsg.Response{
		StatusCode: http.StatusOK,
		Reason:     "Connection Established",
		Tunnel:     upstream,
	}
	return nil
}

// Target returns the host:port a CONNECT request asks for. HTTP/1 carries it
// in the request target, HTTP/2 in :authority.
func Target(req *httpmsg.Request) (string, error) {
	target := req.Path
	if target == "" || strings.HasPrefix(target, "/") {
		target = req.Host()
	}
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	} else if host == "" || port == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	return target, nil
}
