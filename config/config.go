// Package config loads rsupport settings from a YAML file on top of built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/guseggert/rsupport/agent"
	"github.com/guseggert/rsupport/correlator"
	"github.com/guseggert/rsupport/heartbeat"
	"github.com/guseggert/rsupport/internal/files"
	"github.com/guseggert/rsupport/protocol"
	"github.com/guseggert/rsupport/transport"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// FileName is the file Find looks for.
const FileName = "rsupport.yaml"

type Config struct {
	// NATSURL is the bus both sides connect to.
	// Default: nats://localhost:4222
	NATSURL string `yaml:"nats_url"`

	// SubjectPrefix namespaces every subject. Server and clients must agree on it.
	// Default: rs-support
	SubjectPrefix string `yaml:"subject_prefix"`

	// Codec is the envelope encoding, json or cbor.
	// Default: json
	Codec string `yaml:"codec"`

	// ClientID overrides the derived <username>-<hostname> id. Client only.
	ClientID string `yaml:"client_id"`

	// LogLevel is the minimum level logged.
	// Default: info
	LogLevel string `yaml:"log_level"`

	// CallTimeout bounds every server call that does not pass its own.
	// Default: 30s
	CallTimeout time.Duration `yaml:"call_timeout"`

	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Backoff   BackoffConfig   `yaml:"backoff"`
	Admin     AdminConfig     `yaml:"admin"`
}

type HeartbeatConfig struct {
	// Default: 10s
	Interval time.Duration `yaml:"interval"`
	// Default: 30s
	StaleAfter time.Duration `yaml:"stale_after"`
	// Default: 60s
	EvictAfter time.Duration `yaml:"evict_after"`
	// Default: 5s
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// BackoffConfig bounds the delay between client reconnect attempts.
type BackoffConfig struct {
	// Default: 500ms
	Initial time.Duration `yaml:"initial"`
	// Default: 30s
	Max time.Duration `yaml:"max"`
}

type AdminConfig struct {
	// ListenAddr enables the admin HTTP API when set, e.g. 127.0.0.1:8222.
	ListenAddr string `yaml:"listen_addr"`
}

func Default() *Config {
	backoff := agent.DefaultBackoff()
	thresholds := heartbeat.DefaultThresholds(heartbeat.DefaultInterval)
	return &Config{
		NATSURL:       transport.DefaultNATSURL,
		SubjectPrefix: protocol.DefaultPrefix,
		Codec:         protocol.JSON.Name(),
		LogLevel:      "info",
		CallTimeout:   correlator.DefaultTimeout,
		Heartbeat: HeartbeatConfig{
			Interval:      heartbeat.DefaultInterval,
			StaleAfter:    thresholds.StaleAfter,
			EvictAfter:    thresholds.EvictAfter,
			SweepInterval: heartbeat.DefaultSweepInterval,
		},
		Backoff: BackoffConfig{
			Initial: backoff.Initial,
			Max:     backoff.Max,
		},
	}
}

// Load reads the file at path over the defaults. Fields missing from the file keep their default.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Find returns the path of the nearest rsupport.yaml in dir or its parents, or "" if there is none.
func Find(dir string) (string, error) {
	return files.FindUp(FileName, dir)
}

// Thresholds returns the liveness thresholds of the heartbeat section.
func (c *Config) Thresholds() heartbeat.Thresholds {
	return heartbeat.Thresholds{StaleAfter: c.Heartbeat.StaleAfter, EvictAfter: c.Heartbeat.EvictAfter}
}

// Level parses LogLevel.
func (c *Config) Level() (zapcore.Level, error) {
	return zapcore.ParseLevel(c.LogLevel)
}

func (c *Config) Validate() error {
	var errs []error

	if c.NATSURL == "" {
		errs = append(errs, errors.New("nats_url is required"))
	}
	if err := protocol.ValidatePrefix(c.SubjectPrefix); err != nil {
		errs = append(errs, fmt.Errorf("subject_prefix: %w", err))
	}
	if _, err := protocol.CodecByName(c.Codec); err != nil {
		errs = append(errs, fmt.Errorf("codec: %w", err))
	}
	if c.ClientID != "" {
		if err := protocol.ValidateClientID(c.ClientID); err != nil {
			errs = append(errs, fmt.Errorf("client_id: %w", err))
		}
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, errors.New("call_timeout must be positive"))
	}

	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, errors.New("heartbeat.interval must be positive"))
	}
	if c.Heartbeat.SweepInterval <= 0 {
		errs = append(errs, errors.New("heartbeat.sweep_interval must be positive"))
	}
	if err := c.Thresholds().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("heartbeat: %w", err))
	}
	if c.Heartbeat.StaleAfter > 0 && c.Heartbeat.StaleAfter <= c.Heartbeat.Interval {
		errs = append(errs, fmt.Errorf("heartbeat.stale_after (%s) must be longer than heartbeat.interval (%s)", c.Heartbeat.StaleAfter, c.Heartbeat.Interval))
	}

	if c.Backoff.Initial <= 0 {
		errs = append(errs, errors.New("backoff.initial must be positive"))
	}
	if c.Backoff.Max < c.Backoff.Initial {
		errs = append(errs, errors.New("backoff.max must not be less than backoff.initial"))
	}

	return errors.Join(errs...)
}
