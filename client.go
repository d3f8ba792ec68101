package pipemux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

type clientState int

const (
	stateIdle clientState = iota
	stateConnecting
	stateConnected
	stateClosed
)

// ClientOption customizes a Client at construction.
type ClientOption func(*Client)

// WithLogger sets the client logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock sets the timer source; tests use it to drive virtual time.
func WithClock(clock Clock) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// withSpawner replaces process launching; tests inject in-process workers.
func withSpawner(spawn spawnFunc) ClientOption {
	return func(c *Client) {
		c.spawn = spawn
	}
}

// Client supervises a set of independently-spawned worker processes and
// presents their aggregated capability catalog. All registries it owns (the
// worker map, pending-request tables, the catalog) live on the instance; its
// lifecycle runs from construction to Disconnect.
type Client struct {
	opts     Options
	clock    Clock
	logger   *slog.Logger
	notifier *Notifier
	metrics  *Metrics
	spawn    spawnFunc
	monitor  *HealthMonitor

	mu          sync.Mutex
	workers     map[string]*WorkerConnection
	order       []*WorkerConnection
	cat         catalog
	state       clientState
	connectDone chan struct{}
	connectErr  error
}

// NewClient creates a client with the given options.
func NewClient(opts Options, copts ...ClientOption) *Client {
	c := &Client{
		opts:    opts.withDefaults(),
		clock:   SystemClock(),
		logger:  slog.Default(),
		spawn:   execSpawn,
		workers: make(map[string]*WorkerConnection),
	}
	for _, opt := range copts {
		opt(c)
	}
	c.notifier = NewNotifier(c.clock)
	c.metrics = NewMetrics()
	c.monitor = newHealthMonitor(c.opts.HealthInterval, c.clock, c.logger, c.notifier, c.connections)
	return c
}

// Register adds a worker definition. Re-registering an existing name is a
// configuration error, as is registering once Connect has begun.
func (c *Client) Register(def WorkerDefinition) error {
	if def.Name == "" || def.Command == "" {
		return errors.New("worker definition needs a name and a command")
	}

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != stateIdle {
		c.mu.Unlock()
		return fmt.Errorf("register worker '%s': connect has already begun", def.Name)
	}
	if _, exists := c.workers[def.Name]; exists {
		c.mu.Unlock()
		return fmt.Errorf("worker '%s': %w", def.Name, ErrDuplicateWorker)
	}
	conn := newWorkerConnection(def, c.opts, c.clock, c.logger, c.notifier, c.metrics, c.spawn, c.rebuildCatalog)
	c.workers[def.Name] = conn
	c.order = append(c.order, conn)
	c.mu.Unlock()

	c.notifier.Emit(EventWorkerRegistered, def.Name, nil)
	return nil
}

// Connect spawns all registered workers concurrently and waits until each has
// completed its capability handshake. It is idempotent: a concurrent second
// call awaits the outcome of the call in flight instead of spawning duplicate
// processes. If any worker fails, every worker is torn down and the aggregate
// error reports each failing worker's reason.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateConnected:
		c.mu.Unlock()
		return nil
	case stateClosed:
		c.mu.Unlock()
		return ErrClosed
	case stateConnecting:
		done := c.connectDone
		c.mu.Unlock()
		select {
		case <-done:
			return c.connectResult()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.state = stateConnecting
	done := make(chan struct{})
	c.connectDone = done
	conns := slices.Clone(c.order)
	c.mu.Unlock()

	err := c.connectAll(ctx, conns)

	c.mu.Lock()
	// Disconnect may have raced us; never resurrect a closed client.
	if c.state == stateConnecting {
		if err == nil {
			c.state = stateConnected
		} else {
			c.state = stateIdle
		}
	}
	aborted := c.state == stateClosed
	c.connectErr = err
	c.mu.Unlock()
	close(done)

	if aborted {
		return ErrClosed
	}
	if err != nil {
		c.logger.Error("connect failed", "error", err)
		c.notifier.Emit(EventConnectionFailed, "", map[string]any{"error": err.Error()})
		return err
	}

	c.monitor.Start()
	c.logger.Info("all workers connected", "workers", len(conns))
	c.notifier.Emit(EventConnected, "", map[string]any{"workers": len(conns)})
	return nil
}

func (c *Client) connectResult() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectErr
}

func (c *Client) connectAll(ctx context.Context, conns []*WorkerConnection) error {
	var wg sync.WaitGroup
	var failMu sync.Mutex
	failures := make(map[string]error)

	for _, conn := range conns {
		wg.Add(1)
		go func(conn *WorkerConnection) {
			defer wg.Done()
			err := conn.start()
			if err == nil {
				err = conn.initialize(ctx)
			}
			if err != nil {
				// One worker failing never aborts its siblings; the
				// aggregate verdict comes after all have finished.
				failMu.Lock()
				failures[conn.Name()] = err
				failMu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	if len(failures) == 0 {
		return nil
	}
	for _, conn := range conns {
		conn.close()
		conn.reset()
	}
	c.rebuildCatalog()
	return &ConnectError{Failures: failures}
}

// rebuildCatalog recomputes the aggregated catalog from every connected
// worker; entries keep their per-worker order, workers keep registration
// order.
func (c *Client) rebuildCatalog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cat.rebuild(c.order)
}

// CallTool invokes a named tool on a specific worker. Unknown workers and
// tools are rejected immediately without touching any process.
func (c *Client) CallTool(ctx context.Context, worker, tool string, args map[string]any) (json.RawMessage, error) {
	conn, err := c.lookupConnected(worker)
	if err != nil {
		return nil, err
	}
	if !conn.hasTool(tool) {
		return nil, fmt.Errorf("worker '%s' has no tool '%s': %w", worker, tool, ErrUnknownTool)
	}

	result, err := conn.call(ctx, MethodCallTool, CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, err
	}
	c.notifier.Emit(EventToolInvoked, worker, map[string]any{
		"tool":      tool,
		"arguments": args,
		"result":    result,
	})
	return result, nil
}

// ReadResource reads a resource by URI from a specific worker.
func (c *Client) ReadResource(ctx context.Context, worker, uri string) (json.RawMessage, error) {
	conn, err := c.lookupConnected(worker)
	if err != nil {
		return nil, err
	}

	result, err := conn.call(ctx, MethodReadResource, ReadResourceParams{URI: uri})
	if err != nil {
		return nil, err
	}
	c.notifier.Emit(EventResourceRead, worker, map[string]any{
		"uri":    uri,
		"result": result,
	})
	return result, nil
}

func (c *Client) lookupConnected(worker string) (*WorkerConnection, error) {
	c.mu.Lock()
	state := c.state
	conn, ok := c.workers[worker]
	c.mu.Unlock()

	if state == stateClosed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("worker '%s': %w", worker, ErrUnknownWorker)
	}
	if state != stateConnected || !conn.Connected() {
		return nil, fmt.Errorf("worker '%s': %w", worker, ErrNotConnected)
	}
	return conn, nil
}

// Tools returns the aggregated tool catalog.
func (c *Client) Tools() []ToolEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.cat.tools)
}

// Resources returns the aggregated resource catalog.
func (c *Client) Resources() []ResourceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.cat.resources)
}

// WorkerTools returns the catalog subset owned by one worker.
func (c *Client) WorkerTools(worker string) []ToolEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ToolEntry
	for _, t := range c.cat.tools {
		if t.Worker == worker {
			out = append(out, t)
		}
	}
	return out
}

// WorkerResources returns the resource subset owned by one worker.
func (c *Client) WorkerResources(worker string) []ResourceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ResourceEntry
	for _, r := range c.cat.resources {
		if r.Worker == worker {
			out = append(out, r)
		}
	}
	return out
}

// FindToolWorker returns the first worker in registration order offering the
// named tool.
func (c *Client) FindToolWorker(tool string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.cat.tools {
		if t.Name == tool {
			return t.Worker, true
		}
	}
	return "", false
}

// Workers returns registered worker names in registration order.
func (c *Client) Workers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.order))
	for i, conn := range c.order {
		names[i] = conn.Name()
	}
	return names
}

// Connected reports whether Connect has completed successfully.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// Health returns the current health record of every registered worker.
func (c *Client) Health() map[string]HealthRecord {
	out := make(map[string]HealthRecord)
	for _, conn := range c.connections() {
		out[conn.Name()] = conn.Health()
	}
	return out
}

// Metrics returns the request metrics collector. It keeps answering after
// Disconnect with the historical counts.
func (c *Client) Metrics() *Metrics { return c.metrics }

// MetricsSnapshot returns a point-in-time view of the request metrics.
func (c *Client) MetricsSnapshot() MetricsSnapshot { return c.metrics.Snapshot() }

// Monitor returns the health monitor.
func (c *Client) Monitor() *HealthMonitor { return c.monitor }

// Subscribe registers an event handler; see Notifier.Subscribe.
func (c *Client) Subscribe(handler func(Event)) string {
	return c.notifier.Subscribe(handler)
}

// Unsubscribe removes an event subscription.
func (c *Client) Unsubscribe(id string) {
	c.notifier.Unsubscribe(id)
}

func (c *Client) connections() []*WorkerConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.order)
}

// Disconnect synchronously terminates every worker process, abandons all
// pending requests without resolving them, stops the health monitor and the
// event dispatch loop. Metrics stay queryable afterward. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	conns := slices.Clone(c.order)
	c.mu.Unlock()

	c.monitor.Stop()
	for _, conn := range conns {
		conn.close()
	}

	c.mu.Lock()
	c.cat.rebuild(nil)
	c.mu.Unlock()

	c.logger.Info("client disconnected", "workers", len(conns))
	c.notifier.Emit(EventDisconnected, "", nil)
	c.notifier.Close()
}
