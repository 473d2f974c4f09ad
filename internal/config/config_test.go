package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unsetEnv clears key for the duration of the test.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 45, cfg.Call.RingTimeoutSec)
	assert.Equal(t, BackendHub, cfg.Store.Backend)
	assert.False(t, cfg.Call.ReceiveOnlyFallback)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		edit func(*Config)
	}{
		{"role", func(c *Config) { c.Identity.Role = "admin" }},
		{"backend", func(c *Config) { c.Store.Backend = "postgres" }},
		{"mongo uri", func(c *Config) { c.Store.Backend = BackendMongo }},
		{"sqlite dir", func(c *Config) { c.Store.Backend = BackendSQLite; c.Store.DataDir = " " }},
		{"redis addr", func(c *Config) { c.Store.RedisAddr = "localhost" }},
		{"hub scheme", func(c *Config) { c.Hub.URL = "http://hub:8790/ws" }},
		{"hub host", func(c *Config) { c.Hub.URL = "ws://0.0.0.0:8790/ws" }},
		{"ring timeout", func(c *Config) { c.Call.RingTimeoutSec = 1 }},
		{"stun", func(c *Config) { c.Call.STUNServers = []string{"stun.example.org"} }},
		{"chat rate", func(c *Config) { c.Chat.SendRatePerSec = -1 }},
		{"viewer addr", func(c *Config) { c.Viewer.HTTPAddr = "8791" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.edit(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Store.Backend = BackendMongo
	cfg.Store.MongoURI = "mongodb://localhost:27017"
	cfg.Hub.URL = "" // not needed unless the backend is the hub
	assert.NoError(t, cfg.Validate())
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counselcall.json")

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default().Call, cfg.Call)

	_, created, err = Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestLoadStripsBOMAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counselcall.json")
	body := []byte("\xEF\xBB\xBF" + `{"identity":{"user_id":"c1","name":"Ana","role":"counselor"},"call":{"ring_timeout_seconds":30}}`)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "c1", cfg.Identity.UserID)
	assert.Equal(t, 30, cfg.Call.RingTimeoutSec)
	assert.Equal(t, Default().Hub.URL, cfg.Hub.URL)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counselcall.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"call":{"ring_timeout_seconds":0}}`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)

	cfg, err := LoadPartial(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Call.RingTimeoutSec)
}

func TestEnvOverrides(t *testing.T) {
	unsetEnv(t, EnvPrefix+"USER_NAME")
	t.Setenv(EnvPrefix+"USER_ID", "s9")
	t.Setenv(EnvPrefix+"HUB_TOKEN", "secret")
	t.Setenv(EnvPrefix+"STUN_SERVERS", "stun:a:3478, stun:b:3478")
	t.Setenv(EnvPrefix+"DEBUG", "true")

	dir := t.TempDir()
	path := filepath.Join(dir, "counselcall.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"identity":{"user_id":"from-file"}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("COUNSELCALL_USER_NAME=Sam\nCOUNSELCALL_USER_ID=ignored\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s9", cfg.Identity.UserID, "process env wins over .env")
	assert.Equal(t, "Sam", cfg.Identity.Name)
	assert.Equal(t, "secret", cfg.Hub.Token)
	assert.Equal(t, []string{"stun:a:3478", "stun:b:3478"}, cfg.Call.STUNServers)
	assert.True(t, cfg.Viewer.Debug)
}

func TestApplyEnvIgnoresBadNumbers(t *testing.T) {
	cfg := Default()
	env := map[string]string{EnvPrefix + "RING_TIMEOUT": "soon", EnvPrefix + "RECEIVE_ONLY": "yes please"}
	cfg.ApplyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	assert.Equal(t, 45, cfg.Call.RingTimeoutSec)
	assert.False(t, cfg.Call.ReceiveOnlyFallback)
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counselcall.json")
	_, _, err := Ensure(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Config, 4)
	require.NoError(t, Watch(ctx, path, func(c Config) { got <- c }))

	cfg := Default()
	cfg.Call.RingTimeoutSec = 20
	require.NoError(t, Save(path, cfg))

	select {
	case c := <-got:
		assert.Equal(t, 20, c.Call.RingTimeoutSec)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload")
	}
}
