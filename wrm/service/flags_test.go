package service

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/wrm/wrm/config"
)

func TestParseServeFlags(t *testing.T) {
	t.Parallel()

	t.Run("all", func(t *testing.T) {
		t.Parallel()

		flags, err := ParseServeFlags([]string{
			"-c", "wrm.yaml", "--listen", ":9000", "--metrics", ":9100", "--max-conns", "7",
			"--cert", "c.pem", "--key", "k.pem", "--block-host", "a.test,b.test",
			"--block-method", "TRACE", "--summary", "20",
		})
		require.NoError(t, err)
		assert.Equal(t, ServeFlags{
			ConfigPath:     "wrm.yaml",
			ListenAddr:     ":9000",
			MetricsAddr:    ":9100",
			MaxConnections: 7,
			CertFile:       "c.pem",
			KeyFile:        "k.pem",
			BlockHosts:     []string{"a.test", "b.test"},
			BlockMethods:   []string{"TRACE"},
			Summary:        20,
		}, flags)
	})

	t.Run("help", func(t *testing.T) {
		t.Parallel()

		_, err := ParseServeFlags([]string{"--help"})
		assert.ErrorIs(t, err, pflag.ErrHelp)
	})

	errCases := [][]string{
		{"extra"},
		{"--max-conns", "-1"},
		{"--summary", "-2"},
		{"--unknown"},
	}
	for _, args := range errCases {
		t.Run(args[0], func(t *testing.T) {
			t.Parallel()

			_, err := ParseServeFlags(args)
			assert.Error(t, err)
		})
	}
}

func TestServeFlagsLoadConfig(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()

		cfg, err := ServeFlags{}.LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, config.DefaultConfig(), cfg)
	})

	t.Run("flags_override_file", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "wrm.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":7000"
max_connections: 3
firewall:
  blocked_hosts: [file.test]
`), 0644))

		cfg, err := ServeFlags{
			ConfigPath: path,
			ListenAddr: ":7001",
			BlockHosts: []string{"flag.test"},
		}.LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, ":7001", cfg.ListenAddr)
		assert.Equal(t, 3, cfg.MaxConnections)
		assert.Equal(t, []string{"file.test", "flag.test"}, cfg.Firewall.BlockedHosts)
	})

	t.Run("missing_file", func(t *testing.T) {
		t.Parallel()

		_, err := ServeFlags{ConfigPath: "/nonexistent/wrm.yaml"}.LoadConfig()
		assert.ErrorContains(t, err, "not found")
	})

	t.Run("cert_without_key", func(t *testing.T) {
		t.Parallel()

		_, err := ServeFlags{CertFile: "c.pem"}.LoadConfig()
		assert.Error(t, err)
	})
}
