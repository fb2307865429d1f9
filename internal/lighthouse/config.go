package lighthouse

import (
	"errors"
	"fmt"
	"time"

	"github.com/dreamware/lighthouse/internal/notify"
)

// Config is fixed for the lifetime of a Lighthouse.
type Config struct {
	// HeartbeatTimeout is how long a replica may stay silent before the
	// failure detector declares it failed.
	HeartbeatTimeout time.Duration
	// FailureTick is the failure detector period.
	FailureTick time.Duration
	// QuorumTick is the quorum former period.
	QuorumTick time.Duration
	// JoinTimeout is how long a round waits, from its first join, for every
	// participant's target world size to be reached before finalizing with
	// whatever has joined.
	JoinTimeout time.Duration
	// MinReplicas is the global floor on quorum size.
	MinReplicas int
	// MaxJoinWait caps how long a single Join call is held open.
	MaxJoinWait time.Duration
	// SubscriberBuffer is the per-subscriber notification queue depth.
	SubscriberBuffer int
}

// DefaultConfig returns the stock server settings.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 5 * time.Second,
		FailureTick:      time.Second,
		QuorumTick:       100 * time.Millisecond,
		JoinTimeout:      60 * time.Second,
		MinReplicas:      1,
		MaxJoinWait:      5 * time.Minute,
		SubscriberBuffer: notify.DefaultSubscriberBuffer,
	}
}

// ErrInvalidConfig wraps every error returned by Config.Validate.
var ErrInvalidConfig = errors.New("lighthouse: invalid config")

// Validate checks that every period is positive, that the failure tick is
// shorter than the heartbeat timeout, and that counts are not negative.
//
// Returns:
//   - nil when the configuration can run
//   - an error wrapping ErrInvalidConfig naming the first bad field
//
// Example:
//
//	cfg := lighthouse.DefaultConfig()
//	cfg.FailureTick = 10 * time.Second
//	err := cfg.Validate() // errors.Is(err, lighthouse.ErrInvalidConfig)
func (c Config) Validate() error {
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"heartbeat timeout", c.HeartbeatTimeout},
		{"failure tick", c.FailureTick},
		{"quorum tick", c.QuorumTick},
		{"join timeout", c.JoinTimeout},
		{"max join wait", c.MaxJoinWait},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidConfig, p.name, p.d)
		}
	}
	// A tick at least as long as the timeout would let a replica heartbeat
	// once, expire, and never be observed fresh by the detector.
	if c.FailureTick >= c.HeartbeatTimeout {
		return fmt.Errorf("%w: failure tick %v must be shorter than heartbeat timeout %v",
			ErrInvalidConfig, c.FailureTick, c.HeartbeatTimeout)
	}
	if c.MinReplicas < 0 {
		return fmt.Errorf("%w: min replicas must not be negative, got %d", ErrInvalidConfig, c.MinReplicas)
	}
	if c.SubscriberBuffer < 0 {
		return fmt.Errorf("%w: subscriber buffer must not be negative, got %d", ErrInvalidConfig, c.SubscriberBuffer)
	}
	return nil
}

// joinWait resolves the hold time for a Join request. Zero selects
// JoinTimeout plus one quorum tick, long enough to observe a timeout-driven
// finalize of a round the caller started.
func (c Config) joinWait(requested time.Duration) time.Duration {
	wait := requested
	if wait <= 0 {
		wait = c.JoinTimeout + c.QuorumTick
	}
	if wait > c.MaxJoinWait {
		wait = c.MaxJoinWait
	}
	return wait
}
