// Package http2 serves HTTP/2 connections: the preface and SETTINGS
// handshake, the frame dispatch loop, and per-stream request dispatch
// through the pipeline.
package http2

import (
	"context"
	"time"

	"github.com/go-appsec/wrm/wrm/service/pipeline"
	"github.com/go-appsec/wrm/wrm/service/sniff"
)

// Config holds local limits and advertised settings.
type Config struct {
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	HeaderTableSize      uint32

	// MaxBodyBytes bounds the buffered request body per stream.
	MaxBodyBytes int64
	// MaxHeaderBlockBytes bounds an accumulated HEADERS+CONTINUATION block.
	MaxHeaderBlockBytes int
	// MaxHeaderListSize bounds the decoded header list, counted as name plus
	// value plus 32 per field. It is advertised as SETTINGS_MAX_HEADER_LIST_SIZE.
	MaxHeaderListSize uint32

	HandshakeTimeout time.Duration
	ServerName       string
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentStreams: 100,
		InitialWindowSize:    65535,
		MaxFrameSize:         DefaultMaxFrameSize,
		HeaderTableSize:      4096,
		MaxBodyBytes:         10 << 20,
		MaxHeaderBlockBytes:  1 << 20,
		MaxHeaderListSize:    64 << 10,
		HandshakeTimeout:     30 * time.Second,
		ServerName:           "WRM/1.0",
	}
}

func (c Config) localSettings() Settings {
	s := DefaultSettings()
	s.EnablePush = false
	if c.MaxConcurrentStreams > 0 {
		s.MaxConcurrentStreams = c.MaxConcurrentStreams
	}
	if c.InitialWindowSize > 0 && c.InitialWindowSize <= maxWindowSize {
		s.InitialWindowSize = c.InitialWindowSize
	}
	if c.MaxFrameSize >= DefaultMaxFrameSize && c.MaxFrameSize <= MaxFrameLength {
		s.MaxFrameSize = c.MaxFrameSize
	}
	if c.HeaderTableSize > 0 {
		s.HeaderTableSize = c.HeaderTableSize
	}
	if c.MaxHeaderListSize > 0 {
		s.MaxHeaderListSize = c.MaxHeaderListSize
	}
	return s
}

type engine struct {
	cfg Config
}

// Stage returns the pipeline stage that runs the HTTP/2 engine on
// connections tagged HTTP/2. Other connections pass through.
func Stage(cfg Config) pipeline.Stage {
	return &engine{cfg: cfg}
}

func (e *engine) Serve(ctx context.Context, cc *pipeline.Context, next pipeline.Handler) error {
	if cc.Protocol != sniff.HTTP2 || cc.Request != nil {
		return next(ctx, cc)
	}
	return newServerConn(e.cfg, cc, next).serve(ctx)
}
