// Package pipemux supervises worker processes that expose a capability
// catalog over newline-delimited JSON-RPC on their standard streams, and
// multiplexes many concurrent requests to each of them.
//
// # Architecture
//
//   - Client owns the worker registry, the aggregated catalog, health
//     monitoring and metrics
//   - WorkerConnection owns one process: spawn, stream wiring, request
//     correlation, crash detection and bounded reconnect with linear backoff
//   - WorkerServer is the worker-side half for building worker executables
//
// # Quick Start
//
// Worker process:
//
//	srv := pipemux.NewWorkerServer()
//	srv.RegisterTool(pipemux.ToolInfo{Name: "add", Description: "Add two numbers"},
//	    func(ctx context.Context, args map[string]any) (any, error) {
//	        return args["a"].(float64) + args["b"].(float64), nil
//	    })
//	srv.Run()
//
// Supervising client:
//
//	client := pipemux.NewClient(pipemux.Options{AutoReconnect: true})
//	client.Register(pipemux.WorkerDefinition{Name: "calc", Command: "./calc-worker"})
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Disconnect()
//
//	result, err := client.CallTool(ctx, "calc", "add", map[string]any{"a": 1, "b": 2})
//
// Workers are fully independent: a crashed, slow or misbehaving worker never
// affects requests in flight to its siblings.
package pipemux

// Version is the current library version
const Version = "1.0.0"
