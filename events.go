package pipemux

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a lifecycle or traffic event emitted by the client.
type EventType string

const (
	EventWorkerRegistered   EventType = "worker.registered"
	EventConnected          EventType = "client.connected"
	EventConnectionFailed   EventType = "client.connection_failed"
	EventWorkerInitialized  EventType = "worker.initialized"
	EventWorkerDisconnected EventType = "worker.disconnected"
	EventWorkerUnhealthy    EventType = "worker.unhealthy"
	EventWorkerStderr       EventType = "worker.stderr"
	EventWorkerProtocol     EventType = "worker.protocol_error"
	EventToolInvoked        EventType = "tool.invoked"
	EventResourceRead       EventType = "resource.read"
	EventRequestCompleted   EventType = "request.completed"
	EventDisconnected       EventType = "client.disconnected"
)

// Event captures one observable state change. Worker is empty for
// client-level events.
type Event struct {
	Type      EventType
	Worker    string
	Timestamp time.Time
	Payload   map[string]any
}

// Notifier fans events out to subscribers from a single dispatch goroutine,
// so subscribers observe events in the order they were emitted. Events from
// the same worker are emitted sequentially and therefore delivered in causal
// order; no ordering holds across different workers.
type Notifier struct {
	mu       sync.RWMutex
	handlers map[string]func(Event)
	ch       chan Event
	done     chan struct{}
	closed   bool
	dropped  atomic.Int64
	clock    Clock
}

const eventBuffer = 256

// NewNotifier creates a Notifier and starts its dispatch loop.
func NewNotifier(clock Clock) *Notifier {
	if clock == nil {
		clock = SystemClock()
	}
	n := &Notifier{
		handlers: make(map[string]func(Event)),
		ch:       make(chan Event, eventBuffer),
		done:     make(chan struct{}),
		clock:    clock,
	}
	go n.dispatch()
	return n
}

// Subscribe registers a handler and returns its subscription id. Handlers run
// on the dispatch goroutine and must not block.
func (n *Notifier) Subscribe(handler func(Event)) string {
	id := uuid.New().String()
	n.mu.Lock()
	n.handlers[id] = handler
	n.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription. Unknown ids are a no-op.
func (n *Notifier) Unsubscribe(id string) {
	n.mu.Lock()
	delete(n.handlers, id)
	n.mu.Unlock()
}

// Emit enqueues an event for dispatch. If the buffer is full the event is
// dropped rather than blocking the emitting goroutine; see Dropped.
func (n *Notifier) Emit(eventType EventType, worker string, payload map[string]any) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}

	ev := Event{
		Type:      eventType,
		Worker:    worker,
		Timestamp: n.clock.Now(),
		Payload:   payload,
	}
	select {
	case n.ch <- ev:
	default:
		n.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded due to a full buffer.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// Close stops the dispatch loop after draining queued events. Emit after
// Close is a no-op.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	close(n.ch)
	<-n.done
}

func (n *Notifier) dispatch() {
	defer close(n.done)
	for ev := range n.ch {
		n.mu.RLock()
		handlers := make([]func(Event), 0, len(n.handlers))
		for _, h := range n.handlers {
			handlers = append(handlers, h)
		}
		n.mu.RUnlock()

		for _, h := range handlers {
			h(ev)
		}
	}
}
