package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

const (
	Version = "0.1.0"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultServerName      = "WRM/1.0"
	DefaultMaxConnections  = 100
	DefaultShutdownTimeout = 10 * time.Second
	DefaultHistorySize     = 1000
)

// Duration is a time.Duration that reads and writes as a string such as "30s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// plain numbers are taken as seconds
		var secs float64
		if numErr := json.Unmarshal(b, &secs); numErr != nil {
			return fmt.Errorf("invalid duration %s", b)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the wrm server configuration, stored as YAML or JSON.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	// MetricsAddr serves Prometheus metrics when set.
	MetricsAddr     string   `json:"metrics_addr,omitempty"`
	MaxConnections  int      `json:"max_connections"`
	ServerName      string   `json:"server_name"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`

	HTTP1    HTTP1Config    `json:"http1"`
	HTTP2    HTTP2Config    `json:"http2"`
	TLS      TLSConfig      `json:"tls"`
	Tunnel   TunnelConfig   `json:"tunnel"`
	Firewall FirewallConfig `json:"firewall"`
	History  HistoryConfig  `json:"history"`
}

type HTTP1Config struct {
	FirstRequestTimeout Duration `json:"first_request_timeout"`
	KeepAliveTimeout    Duration `json:"keep_alive_timeout"`
	MaxRequestLineBytes int      `json:"max_request_line_bytes"`
	MaxHeaderBytes      int      `json:"max_header_bytes"`
	MaxRequests         int      `json:"max_requests"`
}

type HTTP2Config struct {
	MaxConcurrentStreams uint32 `json:"max_concurrent_streams"`
	InitialWindowSize    uint32 `json:"initial_window_size"`
	MaxFrameSize         uint32 `json:"max_frame_size"`
	HeaderTableSize      uint32 `json:"header_table_size"`
	MaxHeaderListSize    uint32 `json:"max_header_list_size"`
	MaxBodyBytes         int64  `json:"max_body_bytes"`
}

// TLSConfig enables TLS termination when both files are set.
type TLSConfig struct {
	CertFile         string   `json:"cert_file,omitempty"`
	KeyFile          string   `json:"key_file,omitempty"`
	HandshakeTimeout Duration `json:"handshake_timeout"`
}

// Enabled reports whether a certificate is configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

type TunnelConfig struct {
	DialTimeout Duration `json:"dial_timeout"`
}

type FirewallConfig struct {
	BlockedHosts   []string `json:"blocked_hosts,omitempty"`
	BlockedMethods []string `json:"blocked_methods,omitempty"`
}

type HistoryConfig struct {
	Capacity int `json:"capacity"`
}

// DefaultConfig returns a new Config with default values
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses config from the given path.
// If the file doesn't exist, returns os.ErrNotExist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()

	return &cfg, cfg.Validate()
}

// Save writes the config to the given path atomically.
func (c *Config) Save(path string) error {
	if c == nil {
		return errors.New("config is nil")
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls: cert_file and key_file must be set together")
	} else if c.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be positive, got %d", c.MaxConnections)
	}
	durations := []struct {
		name string
		d    Duration
	}{
		{"shutdown_timeout", c.ShutdownTimeout},
		{"http1.first_request_timeout", c.HTTP1.FirstRequestTimeout},
		{"http1.keep_alive_timeout", c.HTTP1.KeepAliveTimeout},
		{"tls.handshake_timeout", c.TLS.HandshakeTimeout},
		{"tunnel.dial_timeout", c.Tunnel.DialTimeout},
	}
	for _, v := range durations {
		if v.d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", v.name, v.d.Std())
		}
	}
	return nil
}

// applyDefaults fills in zero values with defaults
func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.ServerName == "" {
		c.ServerName = DefaultServerName
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}

	if c.HTTP1.FirstRequestTimeout == 0 {
		c.HTTP1.FirstRequestTimeout = Duration(30 * time.Second)
	}
	if c.HTTP1.KeepAliveTimeout == 0 {
		c.HTTP1.KeepAliveTimeout = Duration(5 * time.Second)
	}
	if c.HTTP1.MaxRequestLineBytes == 0 {
		c.HTTP1.MaxRequestLineBytes = 8192
	}
	if c.HTTP1.MaxHeaderBytes == 0 {
		c.HTTP1.MaxHeaderBytes = 8192
	}
	if c.HTTP1.MaxRequests == 0 {
		c.HTTP1.MaxRequests = 100
	}

	if c.HTTP2.MaxConcurrentStreams == 0 {
		c.HTTP2.MaxConcurrentStreams = 100
	}
	if c.HTTP2.InitialWindowSize == 0 {
		c.HTTP2.InitialWindowSize = 65535
	}
	if c.HTTP2.MaxFrameSize == 0 {
		c.HTTP2.MaxFrameSize = 16384
	}
	if c.HTTP2.HeaderTableSize == 0 {
		c.HTTP2.HeaderTableSize = 4096
	}
	if c.HTTP2.MaxHeaderListSize == 0 {
		c.HTTP2.MaxHeaderListSize = 64 << 10
	}
	if c.HTTP2.MaxBodyBytes == 0 {
		c.HTTP2.MaxBodyBytes = 10 << 20
	}

	if c.TLS.HandshakeTimeout == 0 {
		c.TLS.HandshakeTimeout = Duration(10 * time.Second)
	}
	if c.Tunnel.DialTimeout == 0 {
		c.Tunnel.DialTimeout = Duration(10 * time.Second)
	}
	if c.History.Capacity == 0 {
		c.History.Capacity = DefaultHistorySize
	}
}
