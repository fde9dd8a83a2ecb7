package client

import (
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unvm/unvm/pkg/logging"
	"github.com/unvm/unvm/pkg/wire"
)

type staticResolver string

func (s staticResolver) Resolve() (string, error) { return string(s), nil }

type failingResolver struct{}

func (failingResolver) Resolve() (string, error) {
	return "", errors.New("no descriptor found")
}

// stubHost accepts connections on a temp socket and serves each with the
// given handler until the test ends.
func stubHost(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "host.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				handle(conn)
			}()
		}
	}()
	return path
}

func readRequest(conn net.Conn) (*wire.Request, error) {
	payload, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	return wire.DecodeRequest(payload)
}

func writeResponse(conn net.Conn, id int64, status wire.Status, result string) error {
	frame, err := wire.EncodeResponse(&wire.Response{
		ID: id, Version: wire.ProtocolVersion, Status: status, Result: result,
	})
	if err != nil {
		return err
	}
	_, err = conn.Write(frame)
	return err
}

func fastOptions() Options {
	return Options{
		ConnectTimeout: time.Second,
		ReadTimeout:    200 * time.Millisecond,
		RetryInterval:  10 * time.Millisecond,
		RetryBudget:    4,
	}
}

func TestEnginePingPong(t *testing.T) {
	path := stubHost(t, func(conn net.Conn) {
		for {
			req, err := readRequest(conn)
			if err != nil {
				return
			}
			if err := writeResponse(conn, req.ID, wire.StatusOK, "pong"); err != nil {
				return
			}
		}
	})

	e := New(staticResolver(path), fastOptions(), logging.Discard())
	defer e.Close()

	start := time.Now()
	resp, err := e.Call("ping", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Status != wire.StatusOK || resp.Result != "pong" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("ping took %v", elapsed)
	}
}

func TestEngineIDsStrictlyIncrease(t *testing.T) {
	ids := make(chan int64, 4)
	path := stubHost(t, func(conn net.Conn) {
		for {
			req, err := readRequest(conn)
			if err != nil {
				return
			}
			ids <- req.ID
			if err := writeResponse(conn, req.ID, wire.StatusOK, ""); err != nil {
				return
			}
		}
	})

	e := New(staticResolver(path), fastOptions(), logging.Discard())
	defer e.Close()

	var prev int64
	for i := 0; i < 3; i++ {
		if _, err := e.Call("ping", nil); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		id := <-ids
		if id <= prev {
			t.Fatalf("id %d not strictly greater than %d", id, prev)
		}
		prev = id
	}
}

func TestEngineDiscardsStaleResponse(t *testing.T) {
	path := stubHost(t, func(conn net.Conn) {
		req, err := readRequest(conn)
		if err != nil {
			return
		}
		// Stale response from a previous aborted exchange arrives first.
		if err := writeResponse(conn, 0, wire.StatusOK, "stale"); err != nil {
			return
		}
		writeResponse(conn, req.ID, wire.StatusOK, "fresh")
	})

	e := New(staticResolver(path), fastOptions(), logging.Discard())
	defer e.Close()

	resp, err := e.Call("ping", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Result != "fresh" {
		t.Fatalf("got %q, want the correlated response", resp.Result)
	}
}

func TestEngineBusyGuard(t *testing.T) {
	path := stubHost(t, func(conn net.Conn) {
		for {
			req, err := readRequest(conn)
			if err != nil {
				return
			}
			time.Sleep(100 * time.Millisecond)
			if err := writeResponse(conn, req.ID, wire.StatusOK, "slow"); err != nil {
				return
			}
		}
	})

	e := New(staticResolver(path), fastOptions(), logging.Discard())
	defer e.Close()

	done := make(chan *wire.Response, 1)
	if err := e.Request("ping", nil, func(resp *wire.Response, err error) {
		if err != nil {
			t.Errorf("first request failed: %v", err)
		}
		done <- resp
	}); err != nil {
		t.Fatalf("first request rejected: %v", err)
	}

	if err := e.Request("ping", nil, func(*wire.Response, error) {
		t.Error("rejected request must not invoke its callback")
	}); !errors.Is(err, ErrBusy) {
		t.Fatalf("want ErrBusy, got %v", err)
	}

	select {
	case resp := <-done:
		if resp.Result != "slow" {
			t.Fatalf("first request resolved with %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first request never resolved")
	}
}

func TestEngineNotFound(t *testing.T) {
	e := New(failingResolver{}, fastOptions(), logging.Discard())
	if _, err := e.Call("ping", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	// A resolvable address nobody listens on is just as dead.
	e = New(staticResolver(filepath.Join(t.TempDir(), "gone.sock")), fastOptions(), logging.Discard())
	if _, err := e.Call("ping", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound for dead socket, got %v", err)
	}
}

func TestEngineReconnectsAndResends(t *testing.T) {
	var conns atomic.Int32
	path := stubHost(t, func(conn net.Conn) {
		n := conns.Add(1)
		req, err := readRequest(conn)
		if err != nil {
			return
		}
		if n == 1 {
			return // drop the first exchange mid-flight
		}
		writeResponse(conn, req.ID, wire.StatusOK, "recovered")
	})

	e := New(staticResolver(path), fastOptions(), logging.Discard())
	defer e.Close()

	resp, err := e.Call("ping", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Result != "recovered" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestEngineReadRetriesExceeded(t *testing.T) {
	path := stubHost(t, func(conn net.Conn) {
		for {
			if _, err := readRequest(conn); err != nil {
				return // read requests forever, answer nothing
			}
		}
	})

	opts := fastOptions()
	opts.RetryBudget = 2
	opts.ReadTimeout = 50 * time.Millisecond
	e := New(staticResolver(path), opts, logging.Discard())
	defer e.Close()

	if _, err := e.Call("ping", nil); !errors.Is(err, ErrReadRetriesExceeded) {
		t.Fatalf("want ErrReadRetriesExceeded, got %v", err)
	}

	// The guard cleared: the engine accepts another request.
	if _, err := e.Call("ping", nil); !errors.Is(err, ErrReadRetriesExceeded) {
		t.Fatalf("engine stuck after terminal failure: %v", err)
	}
}

func TestEngineParametersPassThrough(t *testing.T) {
	got := make(chan json.RawMessage, 1)
	path := stubHost(t, func(conn net.Conn) {
		req, err := readRequest(conn)
		if err != nil {
			return
		}
		got <- req.Parameters
		writeResponse(conn, req.ID, wire.StatusOK, "")
	})

	e := New(staticResolver(path), fastOptions(), logging.Discard())
	defer e.Close()

	params := json.RawMessage(`{"count":200}`)
	if _, err := e.Call("log_history", params); err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(<-got) != `{"count":200}` {
		t.Fatal("parameters did not pass through opaquely")
	}
}
