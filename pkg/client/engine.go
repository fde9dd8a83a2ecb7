// Package client implements the controller side of the bridge: a
// request/response engine that connects to a discovered editor host,
// correlates responses by id, and retries transient failures within a
// fixed budget.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/unvm/unvm/pkg/logging"
	"github.com/unvm/unvm/pkg/stream"
	"github.com/unvm/unvm/pkg/wire"
)

// Terminal request errors.
var (
	// ErrBusy rejects a second request while one is outstanding. The
	// engine serves one request at a time; callers wanting concurrency
	// use multiple engines.
	ErrBusy = errors.New("client: request already in flight")

	// ErrNotFound means no live host could be discovered or reached.
	ErrNotFound = errors.New("client: no discoverable live host")

	// ErrConnectTimeout means the connect deadline passed. A dead target
	// is not transient, so this is never retried.
	ErrConnectTimeout = errors.New("client: connect timed out")

	ErrWriteRetriesExceeded = errors.New("client: write retries exceeded")
	ErrReadRetriesExceeded  = errors.New("client: read retries exceeded")
)

// Resolver supplies the transport address of a live host. Discovery of the
// instance descriptor lives outside the engine.
type Resolver interface {
	Resolve() (socketPath string, err error)
}

// Options tunes the engine. Zero values take the defaults below.
type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration // per read attempt
	RetryInterval  time.Duration // pause between retry attempts
	RetryBudget    int           // attempts shared by one send-receive exchange
	Version        string
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 2 * time.Second
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 2 * time.Second
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = 500 * time.Millisecond
	}
	if o.RetryBudget == 0 {
		o.RetryBudget = 10
	}
	if o.Version == "" {
		o.Version = wire.ProtocolVersion
	}
	return o
}

// Callback receives the correlated response or a terminal error, exactly
// once per accepted request.
type Callback func(*wire.Response, error)

// Engine performs connect → send → receive → correlate for one request at
// a time. All protocol work happens on a single goroutine per request;
// the only cross-goroutine state is the busy flag.
type Engine struct {
	resolver Resolver
	opts     Options
	logger   *logging.Logger
	limiter  *rate.Limiter

	busy   atomic.Bool
	nextID int64

	conn net.Conn
	buf  *stream.Buffer
}

// New constructs an idle engine.
func New(resolver Resolver, opts Options, logger *logging.Logger) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		resolver: resolver,
		opts:     opts,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Every(opts.RetryInterval), 1),
	}
	e.limiter.Allow() // drain the initial token so the first retry is paced too
	return e
}

// Request runs the protocol for one method call and delivers the outcome
// to cb exactly once. It fails fast with ErrBusy while another request is
// outstanding; rejected calls do not disturb the one in flight.
func (e *Engine) Request(method string, params json.RawMessage, cb Callback) error {
	if cb == nil {
		return errors.New("client: nil callback")
	}
	if !e.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	go func() {
		resp, err := e.exchange(method, params)
		e.busy.Store(false) // cleared before the callback so it may issue the next request
		cb(resp, err)
	}()
	return nil
}

// Call is the synchronous form of Request.
func (e *Engine) Call(method string, params json.RawMessage) (*wire.Response, error) {
	type outcome struct {
		resp *wire.Response
		err  error
	}
	ch := make(chan outcome, 1)
	err := e.Request(method, params, func(resp *wire.Response, err error) {
		ch <- outcome{resp, err}
	})
	if err != nil {
		return nil, err
	}
	o := <-ch
	return o.resp, o.err
}

// Close tears down the cached connection. Only call once the engine is
// idle.
func (e *Engine) Close() error {
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	e.buf = nil
	return err
}

// exchange runs one full send-receive cycle with retries. Write failures,
// read timeouts, and transport errors mid-exchange are transient: close,
// reconnect, and try again until the budget runs out. Stale responses are
// discarded silently within the same budget.
func (e *Engine) exchange(method string, params json.RawMessage) (*wire.Response, error) {
	if e.conn == nil {
		if err := e.connect(true); err != nil {
			return nil, err
		}
	}

	e.nextID++
	id := e.nextID
	frame, err := wire.EncodeRequest(&wire.Request{
		ID:         id,
		Version:    e.opts.Version,
		Method:     method,
		Parameters: params,
	})
	if err != nil {
		return nil, err
	}

	attempts := 0
	spend := func() bool { // reports whether another attempt remains
		attempts++
		return attempts < e.opts.RetryBudget
	}
	pace := func() { _ = e.limiter.Wait(context.Background()) }

send:
	for {
		if e.conn == nil {
			if err := e.connect(false); err != nil {
				if errors.Is(err, ErrConnectTimeout) {
					return nil, err
				}
				if !spend() {
					return nil, fmt.Errorf("%w: last error: %v", ErrWriteRetriesExceeded, err)
				}
				pace()
				continue send
			}
		}

		if _, err := e.conn.Write(frame); err != nil {
			e.disconnect()
			if !spend() {
				return nil, fmt.Errorf("%w: last error: %v", ErrWriteRetriesExceeded, err)
			}
			e.logger.Printf("write failed, reconnecting: %v", err)
			pace()
			continue send
		}

		for {
			resp, err := e.readResponse()
			switch {
			case err == nil && resp.ID == id:
				return resp, nil

			case err == nil:
				// Stale response from an earlier aborted exchange.
				// Discard and keep reading; not surfaced to the caller.
				if !spend() {
					return nil, ErrReadRetriesExceeded
				}
				continue

			case errors.Is(err, wire.ErrMalformedPayload):
				e.disconnect()
				return nil, err

			default:
				// Read timeout or transport failure: reconnect and retry
				// the whole send-receive cycle.
				e.disconnect()
				if !spend() {
					return nil, fmt.Errorf("%w: last error: %v", ErrReadRetriesExceeded, err)
				}
				e.logger.Printf("read failed, reconnecting: %v", err)
				pace()
				continue send
			}
		}
	}
}

// connect resolves the host's socket and dials it within the connect
// timeout. On the initial attempt every failure is terminal: a timeout is
// ErrConnectTimeout and anything else is ErrNotFound. During retries,
// non-timeout failures are transient because the host may be mid-restart.
func (e *Engine) connect(initial bool) error {
	addr, err := e.resolver.Resolve()
	if err != nil {
		if initial {
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return err
	}
	dialer := net.Dialer{Timeout: e.opts.ConnectTimeout}
	conn, err := dialer.Dial("unix", addr)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		if initial {
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return err
	}

	buf := stream.NewBuffer()
	go feed(conn, buf)
	e.conn = conn
	e.buf = buf
	return nil
}

func (e *Engine) disconnect() {
	if e.conn != nil {
		e.conn.Close()
	}
	e.conn = nil
	e.buf = nil
}

// readResponse reads and decodes one frame within the per-attempt read
// timeout.
func (e *Engine) readResponse() (*wire.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.ReadTimeout)
	defer cancel()

	header, err := e.buf.ReadExact(ctx, wire.HeaderSize)
	if err != nil {
		return nil, err
	}
	length, err := wire.DecodeHeader(header)
	if err != nil {
		return nil, err
	}
	payload, err := e.buf.ReadExact(ctx, int(length))
	if err != nil {
		return nil, err
	}
	return wire.DecodeResponse(payload)
}

// feed pumps raw chunks from the connection into the buffer until the
// connection dies. The buffer resolves any suspended read with the error.
func feed(conn net.Conn, buf *stream.Buffer) {
	chunk := make([]byte, 32*1024)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Feed(chunk[:n])
		}
		if err != nil {
			buf.Fail(err)
			return
		}
	}
}

func isTimeout(err error) bool {
	return os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded)
}
