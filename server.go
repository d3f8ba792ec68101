package pipemux

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ToolHandler executes one tool invocation on the worker side.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// ResourceHandler serves one resource read on the worker side.
type ResourceHandler func(ctx context.Context, uri string) (any, error)

type registeredTool struct {
	info    ToolInfo
	handler ToolHandler
}

type registeredResource struct {
	info    ResourceInfo
	handler ResourceHandler
}

// WorkerServer is the worker-side half of the protocol: it reads request
// lines from stdin, dispatches to registered handlers and writes response
// lines to stdout. Diagnostics go to stderr only; stdout carries nothing but
// protocol frames. An unknown method fails that request, never the
// connection.
type WorkerServer struct {
	in     io.Reader
	out    io.Writer
	logger *slog.Logger

	mu            sync.Mutex
	tools         map[string]registeredTool
	toolOrder     []string
	resources     map[string]registeredResource
	resourceOrder []string

	writeMu sync.Mutex
}

// NewWorkerServer creates a server on the process's own stdio streams.
func NewWorkerServer() *WorkerServer {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return NewWorkerServerIO(os.Stdin, os.Stdout, logger)
}

// NewWorkerServerIO creates a server on explicit streams; tests use pipes.
func NewWorkerServerIO(in io.Reader, out io.Writer, logger *slog.Logger) *WorkerServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerServer{
		in:        in,
		out:       out,
		logger:    logger,
		tools:     make(map[string]registeredTool),
		resources: make(map[string]registeredResource),
	}
}

// RegisterTool adds a callable tool. Registration order is the order
// reported by tools/list.
func (s *WorkerServer) RegisterTool(info ToolInfo, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[info.Name]; !exists {
		s.toolOrder = append(s.toolOrder, info.Name)
	}
	s.tools[info.Name] = registeredTool{info: info, handler: handler}
}

// RegisterResource adds a readable resource keyed by URI.
func (s *WorkerServer) RegisterResource(info ResourceInfo, handler ResourceHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.resources[info.URI]; !exists {
		s.resourceOrder = append(s.resourceOrder, info.URI)
	}
	s.resources[info.URI] = registeredResource{info: info, handler: handler}
}

// Serve reads request lines until EOF or context cancellation. Requests are
// handled sequentially in arrival order.
func (s *WorkerServer) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		s.handleLine(ctx, scanner.Bytes())
	}
	return scanner.Err()
}

// Run serves until stdin closes or the process receives SIGINT/SIGTERM.
func (s *WorkerServer) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		s.logger.Info("received signal, shutting down")
		cancel()
	}()

	if err := s.Serve(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("serve failed", "error", err)
		os.Exit(1)
	}
}

func (s *WorkerServer) handleLine(ctx context.Context, line []byte) {
	msg, err := DecodeLine(line)
	if err != nil {
		s.logger.Warn("discarding malformed request line", "error", err)
		s.write(NewErrorResponse(0, CodeParseError, err.Error()))
		return
	}
	if msg.IsResponse() {
		// Clients never send responses; drop silently.
		return
	}
	s.write(s.dispatch(ctx, msg))
}

func (s *WorkerServer) dispatch(ctx context.Context, msg *Message) *Message {
	switch msg.Method {
	case MethodListTools:
		return s.listTools(msg.ID)
	case MethodListResources:
		return s.listResources(msg.ID)
	case MethodCallTool:
		return s.callTool(ctx, msg)
	case MethodReadResource:
		return s.readResource(ctx, msg)
	default:
		return NewErrorResponse(msg.ID, CodeMethodNotFound, fmt.Sprintf("unknown method '%s'", msg.Method))
	}
}

func (s *WorkerServer) listTools(id int64) *Message {
	s.mu.Lock()
	result := ListToolsResult{Tools: make([]ToolInfo, 0, len(s.toolOrder))}
	for _, name := range s.toolOrder {
		result.Tools = append(result.Tools, s.tools[name].info)
	}
	s.mu.Unlock()

	resp, err := NewResponse(id, result)
	if err != nil {
		return NewErrorResponse(id, CodeInternalError, err.Error())
	}
	return resp
}

func (s *WorkerServer) listResources(id int64) *Message {
	s.mu.Lock()
	result := ListResourcesResult{Resources: make([]ResourceInfo, 0, len(s.resourceOrder))}
	for _, uri := range s.resourceOrder {
		result.Resources = append(result.Resources, s.resources[uri].info)
	}
	s.mu.Unlock()

	resp, err := NewResponse(id, result)
	if err != nil {
		return NewErrorResponse(id, CodeInternalError, err.Error())
	}
	return resp
}

func (s *WorkerServer) callTool(ctx context.Context, msg *Message) *Message {
	var params CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return NewErrorResponse(msg.ID, CodeInvalidParams, "invalid tools/call params: "+err.Error())
	}

	s.mu.Lock()
	tool, ok := s.tools[params.Name]
	s.mu.Unlock()
	if !ok {
		return NewErrorResponse(msg.ID, CodeInvalidParams, fmt.Sprintf("unknown tool '%s'", params.Name))
	}

	result, err := tool.handler(ctx, params.Arguments)
	if err != nil {
		return NewErrorResponse(msg.ID, CodeInternalError, err.Error())
	}
	resp, err := NewResponse(msg.ID, result)
	if err != nil {
		return NewErrorResponse(msg.ID, CodeInternalError, err.Error())
	}
	return resp
}

func (s *WorkerServer) readResource(ctx context.Context, msg *Message) *Message {
	var params ReadResourceParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return NewErrorResponse(msg.ID, CodeInvalidParams, "invalid resources/read params: "+err.Error())
	}

	s.mu.Lock()
	resource, ok := s.resources[params.URI]
	s.mu.Unlock()
	if !ok {
		return NewErrorResponse(msg.ID, CodeInvalidParams, fmt.Sprintf("unknown resource '%s'", params.URI))
	}

	result, err := resource.handler(ctx, params.URI)
	if err != nil {
		return NewErrorResponse(msg.ID, CodeInternalError, err.Error())
	}
	resp, err := NewResponse(msg.ID, result)
	if err != nil {
		return NewErrorResponse(msg.ID, CodeInternalError, err.Error())
	}
	return resp
}

func (s *WorkerServer) write(msg *Message) {
	data, err := EncodeLine(msg)
	if err != nil {
		s.logger.Error("encode response failed", "error", err)
		return
	}
	s.writeMu.Lock()
	_, err = s.out.Write(data)
	s.writeMu.Unlock()
	if err != nil {
		s.logger.Error("write response failed", "error", err)
	}
}
