package service

import (
	"crypto/tls"
	"fmt"

	"github.com/go-appsec/wrm/wrm/config"
	"github.com/go-appsec/wrm/wrm/service/echo"
	"github.com/go-appsec/wrm/wrm/service/firewall"
	"github.com/go-appsec/wrm/wrm/service/history"
	"github.com/go-appsec/wrm/wrm/service/http1"
	"github.com/go-appsec/wrm/wrm/service/http2"
	"github.com/go-appsec/wrm/wrm/service/pipeline"
	"github.com/go-appsec/wrm/wrm/service/tlsterm"
	"github.com/go-appsec/wrm/wrm/service/tunnel"
)

// newHost registers the shared services and the default stage order:
// sniff, tls, http1, h2, metrics, history, firewall, connect, echo.
func newHost(cfg *config.Config, m *Metrics, hist *history.Store) (*pipeline.Host, error) {
	h := pipeline.NewHost()
	pipeline.RegisterService(h, m)
	pipeline.RegisterService(h, hist)
	pipeline.RegisterService(h, newFirewall(cfg.Firewall))
	if cfg.TLS.Enabled() {
		tlsCfg, err := tlsterm.LoadConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		pipeline.RegisterService(h, tlsCfg)
	}

	stages := []struct {
		name    string
		factory pipeline.Factory
	}{
		{"sniff", func(*pipeline.Host) (pipeline.Stage, error) {
			return pipeline.SniffStage(), nil
		}},
		{"tls", func(h *pipeline.Host) (pipeline.Stage, error) {
			tlsCfg, _ := pipeline.Lookup[*tls.Config](h) // nil closes TLS connections
			return tlsterm.Stage(tlsCfg, cfg.TLS.HandshakeTimeout.Std()), nil
		}},
		{"http1", func(*pipeline.Host) (pipeline.Stage, error) {
			return http1.Stage(http1Config(cfg)), nil
		}},
		{"h2", func(*pipeline.Host) (pipeline.Stage, error) {
			return http2.Stage(http2Config(cfg)), nil
		}},
		{"metrics", func(h *pipeline.Host) (pipeline.Stage, error) {
			m, err := pipeline.MustLookup[*Metrics](h)
			if err != nil {
				return nil, err
			}
			return m.Stage(), nil
		}},
		{"history", func(h *pipeline.Host) (pipeline.Stage, error) {
			hist, err := pipeline.MustLookup[*history.Store](h)
			if err != nil {
				return nil, err
			}
			return history.Stage(hist), nil
		}},
		{"firewall", func(h *pipeline.Host) (pipeline.Stage, error) {
			fw, err := pipeline.MustLookup[*firewall.Engine](h)
			if err != nil {
				return nil, err
			} else if fw.Len() == 0 {
				return nil, nil
			}
			return firewall.Stage(fw), nil
		}},
		{"connect", func(*pipeline.Host) (pipeline.Stage, error) {
			return tunnel.ConnectStage(tunnel.ConnectConfig{DialTimeout: cfg.Tunnel.DialTimeout.Std()}), nil
		}},
		{"echo", func(*pipeline.Host) (pipeline.Stage, error) {
			return echo.Stage(), nil
		}},
	}
	for _, s := range stages {
		if err := h.RegisterStage(s.name, s.factory); err != nil {
			return nil, fmt.Errorf("register %s: %w", s.name, err)
		}
	}
	return h, nil
}

func newFirewall(cfg config.FirewallConfig) *firewall.Engine {
	var rules []firewall.Rule
	if len(cfg.BlockedHosts) > 0 {
		rules = append(rules, firewall.NewBlockHostRule(cfg.BlockedHosts...))
	}
	if len(cfg.BlockedMethods) > 0 {
		rules = append(rules, firewall.NewBlockMethodRule(cfg.BlockedMethods...))
	}
	return firewall.NewEngine(rules...)
}

func http1Config(cfg *config.Config) http1.Config {
	return http1.Config{
		FirstRequestTimeout: cfg.HTTP1.FirstRequestTimeout.Std(),
		KeepAliveTimeout:    cfg.HTTP1.KeepAliveTimeout.Std(),
		MaxRequestLineBytes: cfg.HTTP1.MaxRequestLineBytes,
		MaxHeaderBytes:      cfg.HTTP1.MaxHeaderBytes,
		MaxRequests:         cfg.HTTP1.MaxRequests,
		ServerName:          cfg.ServerName,
	}
}

func http2Config(cfg *config.Config) http2.Config {
	h2 := http2.DefaultConfig()
	h2.MaxConcurrentStreams = cfg.HTTP2.MaxConcurrentStreams
	h2.InitialWindowSize = cfg.HTTP2.InitialWindowSize
	h2.MaxFrameSize = cfg.HTTP2.MaxFrameSize
	h2.HeaderTableSize = cfg.HTTP2.HeaderTableSize
	h2.MaxHeaderListSize = cfg.HTTP2.MaxHeaderListSize
	h2.MaxBodyBytes = cfg.HTTP2.MaxBodyBytes
	h2.HandshakeTimeout = cfg.HTTP1.FirstRequestTimeout.Std()
	h2.ServerName = cfg.ServerName
	return h2
}
