package pipemux

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
)

// fakeProcess satisfies workerProcess with in-memory pipes so supervision
// tests run deterministically without spawning real executables.
type fakeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	once    sync.Once
	done    chan struct{}
	exitErr error
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProcess) Stdin() io.Writer  { return p.stdinW }
func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader { return p.stderrR }

func (p *fakeProcess) Wait() error {
	<-p.done
	return p.exitErr
}

func (p *fakeProcess) Signal(_ os.Signal) error {
	// Fake workers always shut down cleanly on the first signal.
	p.exit(nil)
	return nil
}

func (p *fakeProcess) Kill() error {
	p.exit(errors.New("killed"))
	return nil
}

// exit simulates process termination with the given reason.
func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.exitErr = err
		p.stdinR.Close()
		p.stdinW.Close()
		p.stdoutW.Close()
		p.stderrW.Close()
		close(p.done)
	})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// servedWorker couples a fakeProcess with a WorkerServer reading its stdin
// and writing its stdout, the way a real worker binary would.
type servedWorker struct {
	proc   *fakeProcess
	server *WorkerServer
}

func newServedWorker(configure func(*WorkerServer)) *servedWorker {
	proc := newFakeProcess()
	server := NewWorkerServerIO(proc.stdinR, proc.stdoutW, discardLogger())
	if configure != nil {
		configure(server)
	}
	go func() {
		_ = server.Serve(context.Background())
	}()
	return &servedWorker{proc: proc, server: server}
}

// echoTool registers a trivial tool that returns its arguments.
func echoTool(name string) func(*WorkerServer) {
	return func(s *WorkerServer) {
		s.RegisterTool(ToolInfo{Name: name, Description: "echoes arguments"},
			func(_ context.Context, args map[string]any) (any, error) {
				return args, nil
			})
	}
}

// workerSpawner hands out scripted fake workers per worker name and records
// every spawn.
type workerSpawner struct {
	mu        sync.Mutex
	factories map[string]func() *servedWorker
	spawned   map[string][]*servedWorker
}

func newWorkerSpawner() *workerSpawner {
	return &workerSpawner{
		factories: make(map[string]func() *servedWorker),
		spawned:   make(map[string][]*servedWorker),
	}
}

func (ws *workerSpawner) register(name string, factory func() *servedWorker) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.factories[name] = factory
}

func (ws *workerSpawner) spawn(def WorkerDefinition) (workerProcess, error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	factory, ok := ws.factories[def.Name]
	if !ok {
		return nil, errors.New("no such executable: " + def.Command)
	}
	worker := factory()
	ws.spawned[def.Name] = append(ws.spawned[def.Name], worker)
	return worker.proc, nil
}

func (ws *workerSpawner) spawnCount(name string) int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.spawned[name])
}

func (ws *workerSpawner) latest(name string) *servedWorker {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	procs := ws.spawned[name]
	if len(procs) == 0 {
		return nil
	}
	return procs[len(procs)-1]
}

func (ws *workerSpawner) killAll() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, workers := range ws.spawned {
		for _, w := range workers {
			w.proc.exit(nil)
		}
	}
}
