package service

import (
	"context"
	"net"
)

// Listen opens the TCP listener with address reuse enabled where supported.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: setReuseAddr}
	return lc.Listen(ctx, "tcp", addr)
}
