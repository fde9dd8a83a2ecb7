package server

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/unvm/unvm/pkg/broker"
	"github.com/unvm/unvm/pkg/ident"
	"github.com/unvm/unvm/pkg/logging"
	"github.com/unvm/unvm/pkg/wire"
)

// HandlerFunc serves one method. It runs on the host tick goroutine, so it
// must not block; anything slow belongs on the editor's own machinery.
type HandlerFunc func(params json.RawMessage) (result string, status wire.Status)

type handlerEntry struct {
	fn       HandlerFunc
	ackFirst bool
}

// Dispatcher consumes at most one request per host tick and produces
// exactly one response for it. It defines no methods of its own; the
// embedding application registers the whole surface.
type Dispatcher struct {
	broker  *broker.Broker
	version string
	logger  *logging.Logger

	mu       sync.RWMutex
	handlers map[string]handlerEntry
}

// NewDispatcher constructs a dispatcher that answers with the given
// protocol version.
func NewDispatcher(b *broker.Broker, version string, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{
		broker:   b,
		version:  version,
		logger:   logger,
		handlers: make(map[string]handlerEntry),
	}
}

// Register installs a handler for a method.
func (d *Dispatcher) Register(method string, fn HandlerFunc) {
	d.register(method, fn, false)
}

// RegisterAckFirst installs a handler whose side effect may suspend or
// restart observable host state (a domain reload, a play-mode switch).
// The dispatcher enqueues the OK response before invoking it, so the
// controller sees a timely acknowledgement even when the handler takes the
// host down with it.
func (d *Dispatcher) RegisterAckFirst(method string, fn HandlerFunc) {
	d.register(method, fn, true)
}

func (d *Dispatcher) register(method string, fn HandlerFunc, ackFirst bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = handlerEntry{fn: fn, ackFirst: ackFirst}
}

// Tick processes at most one inbound request. It is the only dispatcher
// entry point and runs on the host's update loop; it never blocks.
func (d *Dispatcher) Tick() {
	req, ok := d.broker.Receive.TryPop()
	if !ok {
		return
	}
	trace := ident.NewTraceID()

	if req.Version != d.version {
		msg := fmt.Sprintf("protocol version mismatch: controller speaks %q, host speaks %q", req.Version, d.version)
		d.logger.Printf("[%s] %s", trace, msg)
		d.respond(req.ID, wire.StatusError, msg)
		return
	}

	entry, ok := d.lookup(req.Method)
	if !ok {
		msg := fmt.Sprintf("unknown method %q", req.Method)
		d.logger.Printf("[%s] %s", trace, msg)
		d.respond(req.ID, wire.StatusError, msg)
		return
	}

	if entry.ackFirst {
		// The response must be on the send queue before the handler runs,
		// or a handler that triggers a reload leaves the controller
		// waiting on a host that is already restarting.
		d.respond(req.ID, wire.StatusOK, "")
		result, status := entry.fn(req.Parameters)
		if status != wire.StatusOK {
			d.logger.Printf("[%s] %s failed after ack: %s", trace, req.Method, result)
		}
		return
	}

	result, status := entry.fn(req.Parameters)
	d.respond(req.ID, status, result)
}

func (d *Dispatcher) lookup(method string) (handlerEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.handlers[method]
	return entry, ok
}

func (d *Dispatcher) respond(id int64, status wire.Status, result string) {
	d.broker.Send.Push(&wire.Response{
		ID:      id,
		Version: d.version,
		Status:  status,
		Result:  result,
	})
}
