// Package tlsterm terminates TLS on connections the sniffer tagged as TLS and
// re-detects the protocol carried inside.
package tlsterm

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/go-appsec/wrm/wrm/service/pipeline"
	"github.com/go-appsec/wrm/wrm/service/sniff"
)

var ErrNoCertificate = errors.New("tls termination not configured")

// DefaultHandshakeTimeout bounds the TLS handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// LoadConfig builds a server TLS config from PEM files, offering h2 and
// http/1.1 through ALPN.
func LoadConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return NewConfig(cert), nil
}

// NewConfig builds a server TLS config for cert.
func NewConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h2", "http/1.1"},
		MinVersion:   tls.VersionTLS12,
	}
}

// Stage returns the termination stage. With a nil config, TLS connections
// are closed without calling next. Other connections pass through.
func Stage(cfg *tls.Config, handshakeTimeout time.Duration) pipeline.Stage {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return pipeline.StageFunc(func(ctx context.Context, cc *pipeline.Context, next pipeline.Handler) error {
		if cc.Protocol != sniff.TLS || cc.TLS {
			return next(ctx, cc)
		} else if cfg == nil {
			log.Printf("tls: %s closing TLS connection from %v: %v", cc.ID, cc.RemoteAddr, ErrNoCertificate)
			return nil
		}

		conn := tls.Server(cc.Conn, cfg)
		hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
		err := conn.HandshakeContext(hsCtx)
		cancel()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("tls: %s handshake from %v failed: %v", cc.ID, cc.RemoteAddr, err)
			}
			return nil
		}

		proto, rc, err := sniff.Sniff(ctx, conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("sniff tls payload: %w", err)
		}
		cc.Conn = rc
		cc.Protocol = proto
		cc.TLS = true
		if alpn := conn.ConnectionState().NegotiatedProtocol; alpn == "h2" && proto != sniff.HTTP2 {
			log.Printf("tls: %s negotiated h2 but client sent %s", cc.ID, proto)
		}
		return next(ctx, cc)
	})
}
