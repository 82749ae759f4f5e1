package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/wrm/wrm/config"
)

func TestRun(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		args []string
		want int
	}{
		{"no_args", nil, 1},
		{"version", []string{"version"}, 0},
		{"help", []string{"--help"}, 0},
		{"unknown", []string{"serv"}, 1},
		{"serve_help", []string{"serve", "--help"}, 0},
		{"serve_bad_flag", []string{"serve", "--lisen", ":80"}, 1},
		{"serve_missing_config", []string{"serve", "--config", "/nonexistent/wrm.yaml"}, 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, c.want, run(c.args))
		})
	}
}

func TestRunInit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wrm.yaml")
	require.Equal(t, 0, run([]string{"init", "--config", path}))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)

	assert.Equal(t, 1, run([]string{"init", "--config", path}))
	assert.Equal(t, 0, run([]string{"init", "--config", path, "--force"}))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
