package pipemux

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// workerProcess is the supervisor's view of a spawned worker: three byte
// streams and lifecycle control. Tests substitute an in-process fake.
type workerProcess interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
}

// spawnFunc launches the process for a worker definition.
type spawnFunc func(def WorkerDefinition) (workerProcess, error)

// execProcess wraps exec.Cmd with piped streams.
type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func execSpawn(def WorkerDefinition) (workerProcess, error) {
	cmd := exec.Command(def.Command, def.Args...)
	cmd.Dir = def.Dir
	if len(def.Env) > 0 {
		cmd.Env = append(os.Environ(), def.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (p *execProcess) Stdin() io.Writer  { return p.stdin }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }
func (p *execProcess) Wait() error       { return p.cmd.Wait() }

func (p *execProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return errors.New("process not started")
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return errors.New("process not started")
	}
	return p.cmd.Process.Kill()
}

// closeGrace is how long a signaled process gets before the hard kill.
const closeGrace = 2 * time.Second

// WorkerConnection owns one worker's full lifecycle: process, streams,
// pending-request table, capability lists and health record. Correlation ids
// are unique per worker and keep increasing across reconnects.
type WorkerConnection struct {
	def  WorkerDefinition
	opts Options

	clock    Clock
	logger   *slog.Logger
	notifier *Notifier
	metrics  *Metrics
	spawn    spawnFunc

	// onCatalogChange fires after the worker's capability lists change or the
	// worker drops out of the connected set.
	onCatalogChange func()

	mu        sync.Mutex
	proc      workerProcess
	exited    chan struct{}
	connected bool
	closing   bool
	attempts  int
	nextID    int64
	pending   map[int64]*pendingRequest
	tools     []ToolInfo
	resources []ResourceInfo
	health    HealthRecord
	reconnect Timer

	writeMu sync.Mutex
	stdin   io.Writer
}

type pendingRequest struct {
	method  string
	issued  time.Time
	timer   Timer
	resolve func(json.RawMessage)
	reject  func(error)
}

func newWorkerConnection(def WorkerDefinition, base Options, clock Clock, logger *slog.Logger,
	notifier *Notifier, metrics *Metrics, spawn spawnFunc, onCatalogChange func()) *WorkerConnection {
	return &WorkerConnection{
		def:             def,
		opts:            def.effectiveOptions(base),
		clock:           clock,
		logger:          logger.With("worker", def.Name),
		notifier:        notifier,
		metrics:         metrics,
		spawn:           spawn,
		onCatalogChange: onCatalogChange,
		pending:         make(map[int64]*pendingRequest),
	}
}

// Name returns the worker's registration name.
func (c *WorkerConnection) Name() string { return c.def.Name }

// Connected reports whether the worker has completed its handshake and its
// process is still up.
func (c *WorkerConnection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Health returns the worker's current health record.
func (c *WorkerConnection) Health() HealthRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

func (c *WorkerConnection) capabilities() (name string, tools []ToolInfo, resources []ResourceInfo, connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.def.Name, c.tools, c.resources, c.connected
}

func (c *WorkerConnection) hasTool(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// start launches the worker process and wires its streams. The capability
// handshake is a separate step; see initialize.
func (c *WorkerConnection) start() error {
	proc, err := c.spawn(c.def)
	if err != nil {
		spawnErr := &SpawnError{Worker: c.def.Name, Err: err}
		c.setUnhealthy(spawnErr)
		return spawnErr
	}

	exited := make(chan struct{})
	c.mu.Lock()
	if c.closing {
		// close() won the race while the spawn was in flight; the fresh
		// process must not outlive it.
		c.mu.Unlock()
		go func() {
			_ = proc.Wait()
			close(exited)
		}()
		c.terminate(proc, exited)
		return fmt.Errorf("worker '%s': %w", c.def.Name, ErrClosed)
	}
	c.proc = proc
	c.exited = exited
	c.mu.Unlock()

	c.writeMu.Lock()
	c.stdin = proc.Stdin()
	c.writeMu.Unlock()

	go c.readOutput(proc)
	go c.readStderr(proc)
	go c.watchExit(proc, exited)
	return nil
}

// initialize waits out the startup grace period, then discovers the worker's
// capabilities. Both discovery calls must succeed before the worker counts as
// connected. Runs on the connection-check-exempt request path.
func (c *WorkerConnection) initialize(ctx context.Context) error {
	if err := c.clock.Sleep(ctx, c.opts.StartupDelay); err != nil {
		return &HandshakeError{Worker: c.def.Name, Method: MethodListTools, Err: err}
	}

	toolsRaw, err := c.call(ctx, MethodListTools, nil)
	if err != nil {
		return &HandshakeError{Worker: c.def.Name, Method: MethodListTools, Err: err}
	}
	var tools ListToolsResult
	if err := json.Unmarshal(toolsRaw, &tools); err != nil {
		return &HandshakeError{Worker: c.def.Name, Method: MethodListTools, Err: err}
	}

	resourcesRaw, err := c.call(ctx, MethodListResources, nil)
	if err != nil {
		return &HandshakeError{Worker: c.def.Name, Method: MethodListResources, Err: err}
	}
	var resources ListResourcesResult
	if err := json.Unmarshal(resourcesRaw, &resources); err != nil {
		return &HandshakeError{Worker: c.def.Name, Method: MethodListResources, Err: err}
	}

	c.mu.Lock()
	c.tools = tools.Tools
	c.resources = resources.Resources
	c.connected = true
	c.attempts = 0
	c.health = HealthRecord{Healthy: true, LastCheck: c.clock.Now()}
	c.mu.Unlock()

	c.logger.Info("worker initialized", "tools", len(tools.Tools), "resources", len(resources.Resources))
	c.notifier.Emit(EventWorkerInitialized, c.def.Name, map[string]any{
		"tools":     len(tools.Tools),
		"resources": len(resources.Resources),
	})
	c.onCatalogChange()
	return nil
}

// call issues one request and awaits its matching response or timeout. Any
// number of calls may be outstanding at once; calls to other workers are
// fully independent. A caller abandoned by close escapes only through its own
// context.
func (c *WorkerConnection) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closing || c.proc == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("worker '%s': %w", c.def.Name, ErrNotConnected)
	}
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	msg, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	data, err := EncodeLine(msg)
	if err != nil {
		return nil, err
	}

	resultCh := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)
	start := c.clock.Now()
	req := &pendingRequest{
		method:  method,
		issued:  start,
		resolve: func(r json.RawMessage) { resultCh <- r },
		reject:  func(e error) { errCh <- e },
	}

	timeout := c.opts.Timeout
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil, fmt.Errorf("worker '%s': %w", c.def.Name, ErrNotConnected)
	}
	c.pending[id] = req
	req.timer = c.clock.AfterFunc(timeout, func() {
		// The slow process stays running; only this request fails.
		if c.takePending(id) != nil {
			errCh <- &TimeoutError{Worker: c.def.Name, Method: method, Timeout: timeout}
		}
	})
	c.mu.Unlock()

	c.writeMu.Lock()
	w := c.stdin
	var writeErr error
	if w == nil {
		writeErr = ErrNotConnected
	} else {
		_, writeErr = w.Write(data)
	}
	c.writeMu.Unlock()

	if writeErr != nil {
		if p := c.takePending(id); p != nil && p.timer != nil {
			p.timer.Stop()
		}
		err := fmt.Errorf("write to worker '%s': %w", c.def.Name, writeErr)
		c.complete(method, start, false, err)
		return nil, err
	}

	select {
	case result := <-resultCh:
		c.complete(method, start, true, nil)
		return result, nil
	case err := <-errCh:
		c.complete(method, start, false, err)
		return nil, err
	case <-ctx.Done():
		if p := c.takePending(id); p != nil && p.timer != nil {
			p.timer.Stop()
		}
		c.complete(method, start, false, ctx.Err())
		return nil, ctx.Err()
	}
}

// complete records one finished request with the metrics collector and the
// event notifier.
func (c *WorkerConnection) complete(method string, start time.Time, success bool, callErr error) {
	latency := c.clock.Now().Sub(start)
	c.metrics.Record(context.Background(), c.def.Name, method, latency, success)

	payload := map[string]any{
		"method":     method,
		"latency_ms": float64(latency) / float64(time.Millisecond),
		"success":    success,
	}
	if callErr != nil {
		payload["error"] = callErr.Error()
	}
	c.notifier.Emit(EventRequestCompleted, c.def.Name, payload)
}

// takePending removes and returns the pending entry for id, or nil. Response
// arrival and timeout race through here; exactly one side wins.
func (c *WorkerConnection) takePending(id int64) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending[id]
	if p != nil {
		delete(c.pending, id)
	}
	return p
}

func (c *WorkerConnection) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// readOutput splits stdout into lines and feeds each through the codec.
func (c *WorkerConnection) readOutput(proc workerProcess) {
	scanner := bufio.NewScanner(proc.Stdout())
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		c.handleLine(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		// The scanner cannot advance past this point (an oversized line,
		// a read error); left alone the worker would stay marked connected
		// while nothing reads its responses. Kill it so the exit watcher
		// applies the reconnect policy.
		c.logger.Warn("worker stdout unreadable", "error", err)
		c.notifier.Emit(EventWorkerProtocol, c.def.Name, map[string]any{"error": err.Error()})
		c.mu.Lock()
		closing := c.closing
		exited := c.exited
		c.mu.Unlock()
		if !closing {
			c.terminate(proc, exited)
		}
		return
	}
	// EOF; the exit watcher owns the state transition.
}

func (c *WorkerConnection) handleLine(line []byte) {
	msg, err := DecodeLine(line)
	if err != nil {
		// Discarded, never fatal: other pending requests must not stall.
		c.logger.Warn("discarding malformed line", "error", err)
		c.notifier.Emit(EventWorkerProtocol, c.def.Name, map[string]any{"error": err.Error()})
		return
	}
	if !msg.IsResponse() {
		c.logger.Debug("ignoring non-response frame", "method", msg.Method)
		return
	}

	p := c.takePending(msg.ID)
	if p == nil {
		// Duplicate or post-timeout response; silently discarded.
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	if msg.Error != nil {
		p.reject(msg.Error)
	} else {
		p.resolve(msg.Result)
	}
}

// readStderr forwards diagnostic lines verbatim; they are never parsed as
// protocol data.
func (c *WorkerConnection) readStderr(proc workerProcess) {
	scanner := bufio.NewScanner(proc.Stderr())
	for scanner.Scan() {
		line := scanner.Text()
		c.logger.Info("worker stderr", "line", line)
		c.notifier.Emit(EventWorkerStderr, c.def.Name, map[string]any{"line": line})
	}
}

// watchExit observes process termination and applies the reconnect policy.
func (c *WorkerConnection) watchExit(proc workerProcess, exited chan struct{}) {
	err := proc.Wait()
	close(exited)

	reason := "exited"
	if err != nil {
		reason = err.Error()
	}

	c.mu.Lock()
	if c.closing {
		c.connected = false
		c.mu.Unlock()
		return
	}
	wasConnected := c.connected
	c.connected = false
	c.proc = nil
	c.health = HealthRecord{
		Healthy:   false,
		LastCheck: c.clock.Now(),
		Err:       fmt.Errorf("process exited: %s", reason),
	}
	retry := c.opts.AutoReconnect && c.attempts < c.opts.MaxReconnectAttempts
	var delay time.Duration
	if retry {
		c.attempts++
		delay = c.opts.ReconnectDelay * time.Duration(c.attempts)
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	c.stdin = nil
	c.writeMu.Unlock()

	c.logger.Warn("worker process exited", "reason", reason, "reconnecting", retry)
	c.notifier.Emit(EventWorkerDisconnected, c.def.Name, map[string]any{"reason": reason})
	if wasConnected {
		c.onCatalogChange()
	}

	if retry {
		c.scheduleReconnect(delay)
	} else if c.opts.AutoReconnect {
		c.logger.Error("worker permanently disconnected", "attempts", c.opts.MaxReconnectAttempts)
	}
}

func (c *WorkerConnection) scheduleReconnect(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return
	}
	c.reconnect = c.clock.AfterFunc(delay, c.reconnectNow)
}

func (c *WorkerConnection) reconnectNow() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	attempt := c.attempts
	c.mu.Unlock()

	c.logger.Info("reconnecting worker", "attempt", attempt)
	if err := c.start(); err != nil {
		// Nothing spawned; drive the backoff from here.
		c.logger.Warn("reconnect spawn failed", "attempt", attempt, "error", err)
		c.mu.Lock()
		retry := !c.closing && c.attempts < c.opts.MaxReconnectAttempts
		var delay time.Duration
		if retry {
			c.attempts++
			delay = c.opts.ReconnectDelay * time.Duration(c.attempts)
		}
		c.mu.Unlock()
		if retry {
			c.scheduleReconnect(delay)
		}
		return
	}

	if err := c.initialize(context.Background()); err != nil {
		// The process is up but useless; kill it and let the exit watcher
		// apply the backoff policy.
		c.logger.Warn("reconnect handshake failed", "attempt", attempt, "error", err)
		c.setUnhealthy(err)
		c.mu.Lock()
		proc, exited := c.proc, c.exited
		c.mu.Unlock()
		c.terminate(proc, exited)
		return
	}

	c.logger.Info("worker reconnected", "attempt", attempt)
}

// probe issues one cheap liveness call and updates the health record.
// tools/list is the only method every worker must answer cheaply, so it
// doubles as the probe.
func (c *WorkerConnection) probe(ctx context.Context) error {
	_, err := c.call(ctx, MethodListTools, nil)

	c.mu.Lock()
	if err != nil {
		c.health = HealthRecord{Healthy: false, LastCheck: c.clock.Now(), Err: err}
	} else {
		c.health = HealthRecord{Healthy: true, LastCheck: c.clock.Now()}
	}
	c.mu.Unlock()
	return err
}

func (c *WorkerConnection) setUnhealthy(err error) {
	c.mu.Lock()
	c.health = HealthRecord{Healthy: false, LastCheck: c.clock.Now(), Err: err}
	c.mu.Unlock()
}

// close terminates the process and clears the pending table without resolving
// its entries: abandoned callers are never completed and escape only through
// their own contexts. Idempotent.
func (c *WorkerConnection) close() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.connected = false
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	proc, exited := c.proc, c.exited
	c.proc = nil
	for id, p := range c.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(c.pending, id)
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	c.stdin = nil
	c.writeMu.Unlock()

	c.terminate(proc, exited)
}

// reset returns a closed connection to its pre-spawn state so a later
// Connect attempt can reuse it. No-op while a process is still attached.
func (c *WorkerConnection) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc != nil {
		return
	}
	c.closing = false
	c.connected = false
	c.attempts = 0
	c.tools = nil
	c.resources = nil
}

// terminate signals the process and escalates to a hard kill if it is still
// up after the grace period.
func (c *WorkerConnection) terminate(proc workerProcess, exited chan struct{}) {
	if proc == nil {
		return
	}
	_ = proc.Signal(os.Interrupt)
	if c.awaitExit(exited, closeGrace) {
		return
	}
	_ = proc.Kill()
	c.awaitExit(exited, closeGrace)
}

func (c *WorkerConnection) awaitExit(exited chan struct{}, grace time.Duration) bool {
	if exited == nil {
		return true
	}
	expired := make(chan struct{})
	t := c.clock.AfterFunc(grace, func() { close(expired) })
	defer t.Stop()
	select {
	case <-exited:
		return true
	case <-expired:
		return false
	}
}
