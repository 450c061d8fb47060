package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/rsupport/agent"
	"github.com/guseggert/rsupport/correlator"
	"github.com/guseggert/rsupport/heartbeat"
	"github.com/guseggert/rsupport/protocol"
	"github.com/guseggert/rsupport/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestDefaultMatchesComponentDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, transport.DefaultNATSURL, cfg.NATSURL)
	assert.Equal(t, protocol.DefaultPrefix, cfg.SubjectPrefix)
	assert.Equal(t, correlator.DefaultTimeout, cfg.CallTimeout)
	assert.Equal(t, heartbeat.DefaultInterval, cfg.Heartbeat.Interval)
	assert.Equal(t, heartbeat.DefaultThresholds(heartbeat.DefaultInterval), cfg.Thresholds())
	assert.Equal(t, heartbeat.DefaultSweepInterval, cfg.Heartbeat.SweepInterval)
	assert.Equal(t, agent.DefaultBackoff(), agent.Backoff{Initial: cfg.Backoff.Initial, Max: cfg.Backoff.Max})
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	writeFile(t, path, `
nats_url: nats://bus.example:4222
codec: cbor
heartbeat:
  interval: 2s
  stale_after: 6s
  evict_after: 12s
admin:
  listen_addr: 127.0.0.1:8222
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "nats://bus.example:4222", cfg.NATSURL)
	assert.Equal(t, "cbor", cfg.Codec)
	assert.Equal(t, 2*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 6*time.Second, cfg.Thresholds().StaleAfter)
	assert.Equal(t, 12*time.Second, cfg.Thresholds().EvictAfter)
	assert.Equal(t, "127.0.0.1:8222", cfg.Admin.ListenAddr)

	// untouched fields keep their defaults
	assert.Equal(t, "rs-support", cfg.SubjectPrefix)
	assert.Equal(t, 5*time.Second, cfg.Heartbeat.SweepInterval)
	assert.Equal(t, 30*time.Second, cfg.CallTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Backoff.Initial)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, "heartbeat:\n  interval: soon\n")
	_, err = Load(bad)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{name: "empty url", mutate: func(c *Config) { c.NATSURL = "" }, errMsg: "nats_url"},
		{name: "wildcard prefix", mutate: func(c *Config) { c.SubjectPrefix = "rs.*" }, errMsg: "subject_prefix"},
		{name: "unknown codec", mutate: func(c *Config) { c.Codec = "xml" }, errMsg: "codec"},
		{name: "client id with dot", mutate: func(c *Config) { c.ClientID = "alice.host" }, errMsg: "client_id"},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, errMsg: "log_level"},
		{name: "zero call timeout", mutate: func(c *Config) { c.CallTimeout = 0 }, errMsg: "call_timeout"},
		{name: "evict before stale", mutate: func(c *Config) { c.Heartbeat.EvictAfter = 10 * time.Second }, errMsg: "heartbeat"},
		{name: "stale within interval", mutate: func(c *Config) { c.Heartbeat.StaleAfter = 5 * time.Second }, errMsg: "heartbeat.stale_after"},
		{name: "zero sweep", mutate: func(c *Config) { c.Heartbeat.SweepInterval = 0 }, errMsg: "heartbeat.sweep_interval"},
		{name: "backoff max below initial", mutate: func(c *Config) { c.Backoff.Max = time.Millisecond }, errMsg: "backoff.max"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := Default()
			c.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.errMsg)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.NATSURL = ""
	cfg.Codec = "xml"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats_url")
	assert.Contains(t, err.Error(), "codec")
}

func TestFind(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	path, err := Find(nested)
	require.NoError(t, err)
	if path != "" {
		// a stray rsupport.yaml above the temp dir; nothing under root has one
		assert.NotContains(t, path, root)
	}

	want := filepath.Join(root, "a", FileName)
	writeFile(t, want, "codec: json\n")
	path, err = Find(nested)
	require.NoError(t, err)
	assert.Equal(t, want, path)
}
