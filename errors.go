package pipemux

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Caller errors. These are rejected immediately without touching any process.
var (
	ErrUnknownWorker   = errors.New("unknown worker")
	ErrUnknownTool     = errors.New("unknown tool")
	ErrNotConnected    = errors.New("worker not connected")
	ErrDuplicateWorker = errors.New("worker already registered")
	ErrClosed          = errors.New("client is disconnected")
)

// SpawnError means a worker executable could not be launched. Fatal for that
// worker only; sibling workers are unaffected.
type SpawnError struct {
	Worker string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn worker '%s': %v", e.Worker, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// HandshakeError means capability discovery failed after the process came up.
// Fatal for that worker only.
type HandshakeError struct {
	Worker string
	Method string
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake with worker '%s' (%s): %v", e.Worker, e.Method, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TimeoutError means no response arrived within the request budget. The
// process is left running; a slow worker is not evidence of a crash.
type TimeoutError struct {
	Worker  string
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request '%s' to worker '%s' timed out after %v", e.Method, e.Worker, e.Timeout)
}

// MalformedMessageError means a line could not be decoded as a protocol frame.
// Discarded and reported, never fatal.
type MalformedMessageError struct {
	Reason string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return "malformed message: " + e.Reason + ": " + e.Err.Error()
	}
	return "malformed message: " + e.Reason
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

// ConnectError aggregates every failing worker's reason when Connect cannot
// satisfy the all-workers-reachable contract.
type ConnectError struct {
	Failures map[string]error
}

func (e *ConnectError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Failures[name]))
	}
	return fmt.Sprintf("connect failed for %d worker(s): %s", len(names), strings.Join(parts, "; "))
}
