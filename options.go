package pipemux

import "time"

// Default client options.
const (
	DefaultTimeout              = 10 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 1 * time.Second
	DefaultStartupDelay         = 500 * time.Millisecond
	DefaultHealthInterval       = 30 * time.Second
)

// Options configures client-wide behavior. Zero values fall back to the
// defaults above; per-worker overrides live on WorkerDefinition.
type Options struct {
	// Timeout bounds every request awaiting a worker response.
	Timeout time.Duration

	// AutoReconnect respawns a worker whose process exited.
	AutoReconnect bool

	// MaxReconnectAttempts bounds consecutive reconnect attempts before the
	// worker is left permanently disconnected.
	MaxReconnectAttempts int

	// ReconnectDelay is the base of the linear backoff: attempt n waits
	// ReconnectDelay × n.
	ReconnectDelay time.Duration

	// StartupDelay is the grace period between spawning a process and
	// starting the capability handshake. Negative disables the grace
	// period entirely.
	StartupDelay time.Duration

	// HealthInterval is the liveness probe period.
	HealthInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.StartupDelay == 0 {
		o.StartupDelay = DefaultStartupDelay
	}
	if o.StartupDelay < 0 {
		o.StartupDelay = 0
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = DefaultHealthInterval
	}
	return o
}

// WorkerDefinition describes one worker process to supervise. Definitions are
// immutable once Connect begins.
type WorkerDefinition struct {
	// Name is the unique key the worker is addressed by.
	Name string

	// Command is the executable path; Args are passed verbatim.
	Command string
	Args    []string

	// Dir is the working directory ("" inherits the client's).
	Dir string

	// Env entries are appended to the inherited environment.
	Env []string

	// Per-worker overrides; zero inherits the client option.
	Timeout              time.Duration
	MaxReconnectAttempts int
}

// effectiveOptions resolves per-worker overrides against the client options.
func (d WorkerDefinition) effectiveOptions(base Options) Options {
	out := base
	if d.Timeout > 0 {
		out.Timeout = d.Timeout
	}
	if d.MaxReconnectAttempts > 0 {
		out.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	return out
}
