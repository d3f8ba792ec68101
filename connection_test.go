package pipemux

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualWorker is a scripted worker: capability listings answer themselves,
// everything else lands on reqs for the test to answer (or ignore). Every
// request id seen on the wire is recorded.
type manualWorker struct {
	proc      *fakeProcess
	reqs      chan *Message
	tools     []ToolInfo
	resources []ResourceInfo

	mu     sync.Mutex
	silent bool
	ids    []int64
}

func newManualWorker(tools []ToolInfo, resources []ResourceInfo) *manualWorker {
	w := &manualWorker{
		proc:      newFakeProcess(),
		reqs:      make(chan *Message, 16),
		tools:     tools,
		resources: resources,
	}
	go w.read()
	return w
}

func (w *manualWorker) read() {
	scanner := bufio.NewScanner(w.proc.stdinR)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		msg, err := DecodeLine(scanner.Bytes())
		if err != nil || msg.IsResponse() {
			continue
		}
		w.mu.Lock()
		w.ids = append(w.ids, msg.ID)
		silent := w.silent
		w.mu.Unlock()
		if silent {
			continue
		}
		switch msg.Method {
		case MethodListTools:
			w.respond(msg.ID, ListToolsResult{Tools: w.tools})
		case MethodListResources:
			w.respond(msg.ID, ListResourcesResult{Resources: w.resources})
		default:
			w.reqs <- msg
		}
	}
}

func (w *manualWorker) respond(id int64, result any) {
	msg, err := NewResponse(id, result)
	if err != nil {
		return
	}
	data, _ := EncodeLine(msg)
	_, _ = w.proc.stdoutW.Write(data)
}

func (w *manualWorker) writeRaw(line string) {
	_, _ = w.proc.stdoutW.Write([]byte(line + "\n"))
}

func (w *manualWorker) setSilent(v bool) {
	w.mu.Lock()
	w.silent = v
	w.mu.Unlock()
}

func (w *manualWorker) next(t *testing.T) *Message {
	t.Helper()
	select {
	case msg := <-w.reqs:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no request arrived at the worker")
		return nil
	}
}

func (w *manualWorker) seenIDs() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int64, len(w.ids))
	copy(out, w.ids)
	return out
}

// eventRecorder collects dispatched events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) byType(tp EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == tp {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestConn(t *testing.T, clock Clock, opts Options, spawn spawnFunc) (*WorkerConnection, *Notifier) {
	t.Helper()
	notifier := NewNotifier(clock)
	t.Cleanup(notifier.Close)
	conn := newWorkerConnection(WorkerDefinition{Name: "alpha", Command: "alpha-worker"},
		opts.withDefaults(), clock, discardLogger(), notifier, NewMetrics(), spawn, func() {})
	t.Cleanup(conn.close)
	return conn, notifier
}

func callToolArgs(n int) CallToolParams {
	return CallToolParams{Name: "echo", Arguments: map[string]any{"n": n}}
}

func TestWorkerConnection_Multiplexing(t *testing.T) {
	clock := newFakeClock()
	worker := newManualWorker([]ToolInfo{{Name: "echo"}}, nil)
	conn, _ := newTestConn(t, clock, Options{Timeout: 5 * time.Second, StartupDelay: -1},
		func(WorkerDefinition) (workerProcess, error) { return worker.proc, nil })

	require.NoError(t, conn.start())
	require.NoError(t, conn.initialize(context.Background()))

	type outcome struct {
		result json.RawMessage
		err    error
	}
	const calls = 3
	results := make([]chan outcome, calls)
	for i := 0; i < calls; i++ {
		results[i] = make(chan outcome, 1)
		go func(n int) {
			r, err := conn.call(context.Background(), MethodCallTool, callToolArgs(n))
			results[n] <- outcome{r, err}
		}(i)
	}

	reqs := make([]*Message, calls)
	seen := make(map[int64]bool)
	for i := range reqs {
		reqs[i] = worker.next(t)
		assert.False(t, seen[reqs[i].ID], "duplicate request id %d", reqs[i].ID)
		seen[reqs[i].ID] = true
	}
	assert.Equal(t, calls, conn.pendingCount())

	// Answer in reverse arrival order; every caller must still get the
	// response matching its own request.
	for i := calls - 1; i >= 0; i-- {
		var params CallToolParams
		require.NoError(t, json.Unmarshal(reqs[i].Params, &params))
		worker.respond(reqs[i].ID, map[string]any{"n": params.Arguments["n"]})
	}

	for i := 0; i < calls; i++ {
		select {
		case out := <-results[i]:
			require.NoError(t, out.err)
			var got map[string]float64
			require.NoError(t, json.Unmarshal(out.result, &got))
			assert.Equal(t, float64(i), got["n"])
		case <-time.After(2 * time.Second):
			t.Fatalf("call %d never completed", i)
		}
	}
	assert.Equal(t, 0, conn.pendingCount())
}

func TestWorkerConnection_RequestTimeout(t *testing.T) {
	clock := newFakeClock()
	worker := newManualWorker([]ToolInfo{{Name: "echo"}}, nil)
	conn, _ := newTestConn(t, clock, Options{Timeout: 5 * time.Second, StartupDelay: -1},
		func(WorkerDefinition) (workerProcess, error) { return worker.proc, nil })

	require.NoError(t, conn.start())
	require.NoError(t, conn.initialize(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.call(context.Background(), MethodCallTool, callToolArgs(0))
		errCh <- err
	}()
	req := worker.next(t)

	delay, ok := clock.nextDelay()
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, delay)

	clock.Advance(5 * time.Second)
	select {
	case err := <-errCh:
		var timeoutErr *TimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, "alpha", timeoutErr.Worker)
		assert.Equal(t, MethodCallTool, timeoutErr.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("timed-out call never returned")
	}
	assert.Equal(t, 0, conn.pendingCount())

	// A response arriving after the timeout is silently discarded and the
	// connection keeps working.
	worker.respond(req.ID, "too late")

	resCh := make(chan json.RawMessage, 1)
	go func() {
		r, err := conn.call(context.Background(), MethodCallTool, callToolArgs(1))
		require.NoError(t, err)
		resCh <- r
	}()
	req2 := worker.next(t)
	assert.Greater(t, req2.ID, req.ID)
	worker.respond(req2.ID, "fresh")

	select {
	case result := <-resCh:
		assert.JSONEq(t, `"fresh"`, string(result))
	case <-time.After(2 * time.Second):
		t.Fatal("followup call never completed")
	}
}

func TestWorkerConnection_MalformedLineDiscarded(t *testing.T) {
	clock := newFakeClock()
	worker := newManualWorker([]ToolInfo{{Name: "echo"}}, nil)
	conn, notifier := newTestConn(t, clock, Options{Timeout: 5 * time.Second, StartupDelay: -1},
		func(WorkerDefinition) (workerProcess, error) { return worker.proc, nil })
	rec := &eventRecorder{}
	notifier.Subscribe(rec.record)

	require.NoError(t, conn.start())
	require.NoError(t, conn.initialize(context.Background()))

	resCh := make(chan json.RawMessage, 1)
	go func() {
		r, err := conn.call(context.Background(), MethodCallTool, callToolArgs(0))
		require.NoError(t, err)
		resCh <- r
	}()
	req := worker.next(t)

	// Garbage lines in between must not break the pending request.
	worker.writeRaw("this is not a frame")
	worker.writeRaw(`{"jsonrpc":"1.0","id":99,"result":"wrong version"}`)
	worker.respond(req.ID, "fine")

	select {
	case result := <-resCh:
		assert.JSONEq(t, `"fine"`, string(result))
	case <-time.After(2 * time.Second):
		t.Fatal("call never completed")
	}

	require.Eventually(t, func() bool {
		return len(rec.byType(EventWorkerProtocol)) == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorkerConnection_OversizedLineKillsWorker(t *testing.T) {
	clock := newFakeClock()
	worker := newManualWorker([]ToolInfo{{Name: "echo"}}, nil)
	conn, notifier := newTestConn(t, clock, Options{Timeout: 5 * time.Second, StartupDelay: -1},
		func(WorkerDefinition) (workerProcess, error) { return worker.proc, nil })
	rec := &eventRecorder{}
	notifier.Subscribe(rec.record)

	require.NoError(t, conn.start())
	require.NoError(t, conn.initialize(context.Background()))
	require.True(t, conn.Connected())

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.call(context.Background(), MethodCallTool, callToolArgs(0))
		errCh <- err
	}()
	worker.next(t)

	// A single line the reader can never get past. The write unblocks once
	// the process is torn down and its pipes close.
	go func() {
		_, _ = worker.proc.stdoutW.Write(bytes.Repeat([]byte{'x'}, maxLineBytes+2))
	}()

	require.Eventually(t, func() bool {
		return len(rec.byType(EventWorkerProtocol)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The worker must not be left alive and marked connected with nobody
	// reading its responses.
	select {
	case <-worker.proc.done:
	case <-time.After(2 * time.Second):
		t.Fatal("unreadable worker left running")
	}
	require.Eventually(t, func() bool {
		return !conn.Connected() && len(rec.byType(EventWorkerDisconnected)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The in-flight request resolves through its timeout, not a stall.
	clock.Advance(5 * time.Second)
	select {
	case err := <-errCh:
		var timeoutErr *TimeoutError
		require.ErrorAs(t, err, &timeoutErr)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never resolved after worker teardown")
	}
}

func TestWorkerConnection_StderrForwarded(t *testing.T) {
	clock := newFakeClock()
	worker := newManualWorker(nil, nil)
	conn, notifier := newTestConn(t, clock, Options{Timeout: 5 * time.Second, StartupDelay: -1},
		func(WorkerDefinition) (workerProcess, error) { return worker.proc, nil })
	rec := &eventRecorder{}
	notifier.Subscribe(rec.record)

	require.NoError(t, conn.start())
	_, err := worker.proc.stderrW.Write([]byte("boot diagnostics\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events := rec.byType(EventWorkerStderr)
		return len(events) == 1 && events[0].Payload["line"] == "boot diagnostics"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorkerConnection_CorrelationSurvivesRestart(t *testing.T) {
	clock := newFakeClock()
	tools := []ToolInfo{{Name: "echo"}}
	workers := []*manualWorker{newManualWorker(tools, nil), newManualWorker(tools, nil)}
	next := 0
	conn, _ := newTestConn(t, clock, Options{Timeout: 5 * time.Second, StartupDelay: -1},
		func(WorkerDefinition) (workerProcess, error) {
			w := workers[next]
			next++
			return w.proc, nil
		})

	require.NoError(t, conn.start())
	require.NoError(t, conn.initialize(context.Background()))

	resCh := make(chan error, 1)
	go func() {
		_, err := conn.call(context.Background(), MethodCallTool, callToolArgs(0))
		resCh <- err
	}()
	req := workers[0].next(t)
	workers[0].respond(req.ID, "pong")
	require.NoError(t, <-resCh)

	conn.close()
	conn.reset()
	require.NoError(t, conn.start())
	require.NoError(t, conn.initialize(context.Background()))

	// Ids keep increasing across the restart; the replacement process never
	// sees an id the old one already used.
	firstIDs := workers[0].seenIDs()
	secondIDs := workers[1].seenIDs()
	require.NotEmpty(t, firstIDs)
	require.NotEmpty(t, secondIDs)
	maxFirst := firstIDs[0]
	for _, id := range firstIDs {
		if id > maxFirst {
			maxFirst = id
		}
	}
	for _, id := range secondIDs {
		assert.Greater(t, id, maxFirst)
	}
}
