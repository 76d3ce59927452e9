package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
mode: debug
port: 9000
signal_url: wss://sfu.example.org/ws
insecure_tls: true
request_timeout: 3s
room_id: lobby
user_id: alice
speaking_threshold: 12.5
ice_servers:
  - stun:stun.example.org:3478
join_rate_limit: 2
join_rate_interval: 30s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "wss://sfu.example.org/ws", cfg.SignalURL)
	assert.True(t, cfg.InsecureTLS)
	assert.Equal(t, 3*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "lobby", cfg.RoomID)
	assert.Equal(t, "alice", cfg.UserID)
	assert.InDelta(t, 12.5, cfg.SpeakingThreshold, 0.001)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, cfg.ICEServers)
	assert.Equal(t, 2, cfg.JoinRateLimit)
	assert.Equal(t, 30*time.Second, cfg.JoinRateInterval)

	// Keys missing from the file keep their defaults.
	assert.Equal(t, 100*time.Millisecond, cfg.MeterInterval)
	assert.Equal(t, int64(1<<20), cfg.ReadLimit)
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("CONFIG_ENV", "missing")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8090, cfg.Port)
	assert.InDelta(t, 10, cfg.SpeakingThreshold, 0.001)
	assert.Equal(t, 5, cfg.JoinRateLimit)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", writeConfig(t, sample))
	t.Setenv("VOICE_PORT", "9100")
	t.Setenv("VOICE_ROOM_ID", "override")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "override", cfg.RoomID)
	assert.Equal(t, "alice", cfg.UserID)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "port: 0\nsignal_url: ''\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port out of range")
	assert.Contains(t, err.Error(), "signal_url is required")
}

func TestLoadAndWatchReloads(t *testing.T) {
	path := writeConfig(t, sample)

	var threshold atomic.Value
	cfg, err := LoadAndWatch(path, func(c *Config) { threshold.Store(c.SpeakingThreshold) })
	require.NoError(t, err)
	assert.InDelta(t, 12.5, cfg.SpeakingThreshold, 0.001)

	require.NoError(t, os.WriteFile(path, []byte("signal_url: ws://x/ws\nspeaking_threshold: 30\n"), 0o600))
	require.Eventually(t, func() bool {
		v, ok := threshold.Load().(float64)
		return ok && v == 30
	}, 3*time.Second, 10*time.Millisecond)
}
