package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/rsupport/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

// runConfig runs the app with args followed by a command that captures the resolved config.
func runConfig(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()
	var cfg *config.Config
	app := newApp()
	app.Commands = append(app.Commands, &cli.Command{
		Name: "show-config",
		Action: func(c *cli.Context) error {
			var err error
			cfg, err = loadConfig(c)
			return err
		},
	})
	err := app.Run(append(append([]string{"rsupport"}, args...), "show-config"))
	return cfg, err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), config.FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := writeConfig(t, "nats_url: nats://file:4222\ncodec: cbor\ncall_timeout: 5s\n")

	cfg, err := runConfig(t, "--config", path, "--nats-url", "nats://flag:4222")
	require.NoError(t, err)
	assert.Equal(t, "nats://flag:4222", cfg.NATSURL)
	assert.Equal(t, "cbor", cfg.Codec)
	assert.Equal(t, 5*time.Second, cfg.CallTimeout)
	assert.Equal(t, "rs-support", cfg.SubjectPrefix)
}

func TestEnvironmentOverridesConfigFile(t *testing.T) {
	path := writeConfig(t, "subject_prefix: from-file\n")
	t.Setenv("RSUPPORT_SUBJECT_PREFIX", "from-env")

	cfg, err := runConfig(t, "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.SubjectPrefix)
}

func TestInvalidConfigIsRejected(t *testing.T) {
	path := writeConfig(t, "codec: xml\n")

	_, err := runConfig(t, "--config", path)
	assert.ErrorContains(t, err, "codec")

	_, err = runConfig(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestClientID(t *testing.T) {
	cfg := config.Default()
	cfg.ClientID = "explicit"
	assert.Equal(t, "explicit", clientID(cfg))

	cfg.ClientID = ""
	id := clientID(cfg)
	assert.NotEmpty(t, id)
	assert.NotContains(t, id, ".")
}
