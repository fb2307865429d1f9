// Package conf loads process configuration for the lighthouse server and the
// replica agent. The server reads an optional YAML file whose location comes
// from LIGHTHOUSE_CONFIG_PATH; listen addresses can be overridden from the
// environment. The replica agent is configured from the environment only.
package conf

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/lighthouse/internal/common"
	"github.com/dreamware/lighthouse/internal/lighthouse"
)

const (
	EnvHTTPAddr = "LIGHTHOUSE_HTTP_ADDR"
	EnvGRPCAddr = "LIGHTHOUSE_GRPC_ADDR"

	DefaultHTTPAddr = ":29510"
	DefaultGRPCAddr = ":29511"
)

// ErrInvalid wraps every configuration load or validation error.
var ErrInvalid = errors.New("conf: invalid configuration")

// ServerConfig is the on-disk shape of the lighthouse configuration. All
// durations are in milliseconds; zero means "use the default".
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	HeartbeatTimeoutMS int64 `yaml:"heartbeat_timeout_ms"`
	FailureTickMS      int64 `yaml:"failure_tick_ms"`
	QuorumTickMS       int64 `yaml:"quorum_tick_ms"`
	JoinTimeoutMS      int64 `yaml:"join_timeout_ms"`
	MinReplicas        int   `yaml:"min_replicas"`
	MaxJoinWaitMS      int64 `yaml:"max_join_wait_ms"`
	SubscriberBuffer   int   `yaml:"subscriber_buffer"`

	ShutdownTimeoutMS int64 `yaml:"shutdown_timeout_ms"`
}

// DefaultServerConfig mirrors lighthouse.DefaultConfig in file form.
func DefaultServerConfig() ServerConfig {
	d := lighthouse.DefaultConfig()
	return ServerConfig{
		HTTPAddr:           DefaultHTTPAddr,
		GRPCAddr:           DefaultGRPCAddr,
		HeartbeatTimeoutMS: d.HeartbeatTimeout.Milliseconds(),
		FailureTickMS:      d.FailureTick.Milliseconds(),
		QuorumTickMS:       d.QuorumTick.Milliseconds(),
		JoinTimeoutMS:      d.JoinTimeout.Milliseconds(),
		MinReplicas:        d.MinReplicas,
		MaxJoinWaitMS:      d.MaxJoinWait.Milliseconds(),
		SubscriberBuffer:   d.SubscriberBuffer,
		ShutdownTimeoutMS:  5000,
	}
}

// LoadServerConfig reads path, fills unset fields from the defaults, applies
// environment overrides and validates the result. An empty path skips the
// file and yields the defaults.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := ServerConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyDefaults()
	cfg.HTTPAddr = getenv(EnvHTTPAddr, cfg.HTTPAddr)
	cfg.GRPCAddr = getenv(EnvGRPCAddr, cfg.GRPCAddr)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// LoadServerConfigFromEnv is LoadServerConfig on LIGHTHOUSE_CONFIG_PATH.
func LoadServerConfigFromEnv() (*ServerConfig, error) {
	return LoadServerConfig(os.Getenv(common.ENVConfigFilePath))
}

func (c *ServerConfig) applyDefaults() {
	d := DefaultServerConfig()
	if c.HTTPAddr == "" {
		c.HTTPAddr = d.HTTPAddr
	}
	if c.GRPCAddr == "" {
		c.GRPCAddr = d.GRPCAddr
	}
	setDefault(&c.HeartbeatTimeoutMS, d.HeartbeatTimeoutMS)
	setDefault(&c.FailureTickMS, d.FailureTickMS)
	setDefault(&c.QuorumTickMS, d.QuorumTickMS)
	setDefault(&c.JoinTimeoutMS, d.JoinTimeoutMS)
	setDefault(&c.MaxJoinWaitMS, d.MaxJoinWaitMS)
	setDefault(&c.ShutdownTimeoutMS, d.ShutdownTimeoutMS)
	if c.MinReplicas == 0 {
		c.MinReplicas = d.MinReplicas
	}
	if c.SubscriberBuffer == 0 {
		c.SubscriberBuffer = d.SubscriberBuffer
	}
}

func setDefault(v *int64, d int64) {
	if *v == 0 {
		*v = d
	}
}

// Validate checks the server configuration, including the lighthouse
// timing constraints.
func (c *ServerConfig) Validate() error {
	if c.HTTPAddr == "" && c.GRPCAddr == "" {
		return fmt.Errorf("%w: at least one of http_addr and grpc_addr is required", ErrInvalid)
	}
	if c.ShutdownTimeoutMS <= 0 {
		return fmt.Errorf("%w: shutdown_timeout_ms must be positive", ErrInvalid)
	}
	if err := c.Lighthouse().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Lighthouse converts the file form into the service configuration.
func (c *ServerConfig) Lighthouse() lighthouse.Config {
	return lighthouse.Config{
		HeartbeatTimeout: ms(c.HeartbeatTimeoutMS),
		FailureTick:      ms(c.FailureTickMS),
		QuorumTick:       ms(c.QuorumTickMS),
		JoinTimeout:      ms(c.JoinTimeoutMS),
		MinReplicas:      c.MinReplicas,
		MaxJoinWait:      ms(c.MaxJoinWaitMS),
		SubscriberBuffer: c.SubscriberBuffer,
	}
}

func (c *ServerConfig) ShutdownTimeout() time.Duration { return ms(c.ShutdownTimeoutMS) }

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

// getenv returns the value of the environment variable k, or def if unset.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalid, k, err)
	}
	return d, nil
}

func getenvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalid, k, err)
	}
	return n, nil
}

func getenvBool(k string, def bool) (bool, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %w", ErrInvalid, k, err)
	}
	return b, nil
}
