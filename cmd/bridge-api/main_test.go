package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/aegis-sign/extbridge/internal/config"
	"github.com/stretchr/testify/require"
)

func TestFlagsOverrideFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host: chrome\nbridge:\n  extensionId: fromfile\n"), 0o600))
	t.Setenv("EXTBRIDGE_HTTP_ADDR", ":7000")

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--host", "ws", "--rate-limit", "0"}))
	cfg, err := loadConfig(cmd, flags{configPath: path, host: "ws"})
	require.NoError(t, err)
	require.Equal(t, config.HostWS, cfg.Host)
	require.Equal(t, "fromfile", cfg.Bridge.ExtensionID)
	require.Equal(t, ":7000", cfg.HTTPAddr)
	require.Zero(t, cfg.RateLimit.Rate)
}

func TestLoadConfigValidates(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags(nil))
	_, err := loadConfig(cmd, flags{})
	require.ErrorContains(t, err, "extensionId is required")
}

func TestBuildWSHostMountsHandler(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Bridge.ExtensionID = "ext"
	mux := http.NewServeMux()
	host, closeHost, err := buildHost(context.Background(), cfg, slog.Default(), mux)
	require.NoError(t, err)
	defer closeHost()
	require.NotNil(t, host)

	_, pattern := mux.Handler(httptest.NewRequest(http.MethodGet, "/ws", nil))
	require.Equal(t, "/ws", pattern)
}

func TestReloadKeepsRateLimitFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	write := func(rate string) {
		body := "host: ws\nbridge:\n  extensionId: ext\nrateLimit:\n  rate: " + rate + "\n"
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	write("5")

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--rate-limit", "0.5"}))
	f := flags{configPath: path, rateLimit: 0.5}
	reload := func() (config.Config, error) { return loadConfig(cmd, f) }

	write("9")
	var applied []float64
	apply := func(r float64) { applied = append(applied, r) }
	reloadRateLimit(logger, reload, apply)
	require.Equal(t, []float64{0.5}, applied)

	plain := newRootCmd()
	require.NoError(t, plain.ParseFlags(nil))
	reloadRateLimit(logger, func() (config.Config, error) {
		return loadConfig(plain, flags{configPath: path})
	}, apply)
	require.Equal(t, []float64{0.5, 9}, applied)

	write("not-a-number")
	reloadRateLimit(logger, reload, apply)
	require.Len(t, applied, 2)
}
