package conf

import (
	"fmt"
	"time"
)

// ReplicaConfig drives the demo replica agent.
type ReplicaConfig struct {
	// ReplicaName is the configured name; the agent appends a per-process
	// uuid to form its replica id.
	ReplicaName string
	// LighthouseAddr is the lighthouse base URL for HTTP or host:port for gRPC.
	LighthouseAddr string
	// Transport is "http" or "grpc".
	Transport string
	Address   string

	TargetWorldSize    int
	TargetMinWorldSize int
	// ShrinkOnly asks the lighthouse to form rounds from the previous
	// quorum's members only.
	ShrinkOnly bool

	HeartbeatInterval time.Duration
	StepInterval      time.Duration
	PollTimeout       time.Duration
	QueueCapacity     int
	ShutdownGrace     time.Duration
}

// LoadReplicaConfig reads the agent configuration from the environment.
func LoadReplicaConfig() (*ReplicaConfig, error) {
	cfg := &ReplicaConfig{
		ReplicaName:    getenv("REPLICA_ID", "replica"),
		LighthouseAddr: getenv("LIGHTHOUSE_ADDR", "http://127.0.0.1"+DefaultHTTPAddr),
		Transport:      getenv("LIGHTHOUSE_TRANSPORT", "http"),
		Address:        getenv("REPLICA_ADDR", "127.0.0.1:29500"),
	}

	var err error
	if cfg.TargetWorldSize, err = getenvInt("TARGET_WORLD_SIZE", 1); err != nil {
		return nil, err
	}
	if cfg.TargetMinWorldSize, err = getenvInt("TARGET_MIN_WORLD_SIZE", 1); err != nil {
		return nil, err
	}
	if cfg.ShrinkOnly, err = getenvBool("SHRINK_ONLY", false); err != nil {
		return nil, err
	}
	if cfg.QueueCapacity, err = getenvInt("FAILURE_QUEUE_CAPACITY", 128); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval, err = getenvDuration("HEARTBEAT_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.StepInterval, err = getenvDuration("STEP_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.PollTimeout, err = getenvDuration("LISTENER_POLL_TIMEOUT", 100*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.ShutdownGrace, err = getenvDuration("LISTENER_SHUTDOWN_GRACE", 2*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first unusable setting, wrapped in ErrInvalid.
func (c *ReplicaConfig) Validate() error {
	switch {
	case c.ReplicaName == "":
		return fmt.Errorf("%w: REPLICA_ID is required", ErrInvalid)
	case c.LighthouseAddr == "":
		return fmt.Errorf("%w: LIGHTHOUSE_ADDR is required", ErrInvalid)
	case c.Transport != "http" && c.Transport != "grpc":
		return fmt.Errorf("%w: LIGHTHOUSE_TRANSPORT must be http or grpc, got %q", ErrInvalid, c.Transport)
	case c.TargetWorldSize < 0 || c.TargetMinWorldSize < 0:
		return fmt.Errorf("%w: world sizes must not be negative", ErrInvalid)
	case c.QueueCapacity <= 0:
		return fmt.Errorf("%w: FAILURE_QUEUE_CAPACITY must be positive", ErrInvalid)
	case c.HeartbeatInterval <= 0 || c.StepInterval <= 0 || c.PollTimeout <= 0 || c.ShutdownGrace <= 0:
		return fmt.Errorf("%w: intervals must be positive", ErrInvalid)
	}
	return nil
}
