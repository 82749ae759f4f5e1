package service

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/go-appsec/wrm/wrm/cli"
	"github.com/go-appsec/wrm/wrm/config"
)

// ServeFlags holds flags for `wrm serve`. Zero values leave the config file
// (or default) value in place.
type ServeFlags struct {
	ConfigPath     string
	ListenAddr     string
	MetricsAddr    string
	MaxConnections int
	CertFile       string
	KeyFile        string
	BlockHosts     []string
	BlockMethods   []string
	Summary        int // recent exchanges printed at shutdown, 0 = none
}

// ParseServeFlags parses flags for server mode (wrm serve).
func ParseServeFlags(args []string) (ServeFlags, error) {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var flags ServeFlags

	fs.StringVarP(&flags.ConfigPath, "config", "c", "", "config file path (YAML or JSON)")
	fs.StringVarP(&flags.ListenAddr, "listen", "l", "", "listen address (default: from config or "+config.DefaultListenAddr+")")
	fs.StringVar(&flags.MetricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	fs.IntVar(&flags.MaxConnections, "max-conns", 0, "max concurrent connections (default: from config or 100)")
	fs.StringVar(&flags.CertFile, "cert", "", "TLS certificate file (PEM)")
	fs.StringVar(&flags.KeyFile, "key", "", "TLS private key file (PEM)")
	fs.StringSliceVar(&flags.BlockHosts, "block-host", nil, "block requests to host (repeatable)")
	fs.StringSliceVar(&flags.BlockMethods, "block-method", nil, "block requests using method (repeatable)")
	fs.IntVar(&flags.Summary, "summary", 0, "print the last N exchanges when the server stops")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, "Usage: wrm serve [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return flags, cli.SuggestFlag(err, fs)
	} else if fs.NArg() > 0 {
		return flags, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	} else if flags.MaxConnections < 0 {
		return flags, fmt.Errorf("invalid --max-conns %d: must be positive", flags.MaxConnections)
	} else if flags.Summary < 0 {
		return flags, fmt.Errorf("invalid --summary %d: must not be negative", flags.Summary)
	}
	return flags, nil
}

// LoadConfig reads the config file, if any, and applies flag overrides.
// Precedence: CLI flags > config file > defaults
func (f ServeFlags) LoadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if f.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(f.ConfigPath); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found", f.ConfigPath)
			}
			return nil, err
		}
	}
	f.apply(cfg)
	return cfg, cfg.Validate()
}

func (f ServeFlags) apply(cfg *config.Config) {
	if f.ListenAddr != "" {
		cfg.ListenAddr = f.ListenAddr
	}
	if f.MetricsAddr != "" {
		cfg.MetricsAddr = f.MetricsAddr
	}
	if f.MaxConnections > 0 {
		cfg.MaxConnections = f.MaxConnections
	}
	if f.CertFile != "" {
		cfg.TLS.CertFile = f.CertFile
	}
	if f.KeyFile != "" {
		cfg.TLS.KeyFile = f.KeyFile
	}
	cfg.Firewall.BlockedHosts = append(cfg.Firewall.BlockedHosts, f.BlockHosts...)
	cfg.Firewall.BlockedMethods = append(cfg.Firewall.BlockedMethods, f.BlockMethods...)
}
