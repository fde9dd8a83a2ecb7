// Package server hosts the editor side of the bridge: a unix-socket
// listener that accepts one controller connection at a time and shuttles
// frames between the socket and the broker queues.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/unvm/unvm/pkg/broker"
	"github.com/unvm/unvm/pkg/logging"
	"github.com/unvm/unvm/pkg/wire"
)

// Server accepts controller connections on a per-instance socket. It owns
// no queue state of its own; everything it shares with the host tick loop
// goes through the broker.
type Server struct {
	broker *broker.Broker
	logger *logging.Logger

	mu     sync.Mutex
	ln     net.Listener
	closed bool
	wg     sync.WaitGroup
}

// NewServer constructs a server bound to the given broker.
func NewServer(b *broker.Broker, logger *logging.Logger) *Server {
	return &Server{broker: b, logger: logger}
}

// Start begins listening on socketPath and accepting connections in the
// background. A stale socket file left by a crashed process is removed
// first.
func (s *Server) Start(ctx context.Context, socketPath string) error {
	if err := removeStaleSocket(socketPath); err != nil {
		return err
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()
	return nil
}

// acceptLoop serves connections one at a time. The transport is single
// client by design: a second controller connecting while one is served
// waits in the listen backlog until the first disconnects.
func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return
			}
			s.logger.Printf("accept error: %v", err)
			continue
		}
		s.serveConn(ctx, conn)
		if ctx.Err() != nil || s.isClosed() {
			return
		}
	}
}

// serveConn runs a read task and a write task over one connection.
// Whichever finishes first cancels the other; both are awaited before the
// connection is torn down and the loop re-enters accept. Nothing that
// happens here is allowed to escape: a misbehaving peer costs one
// connection, never the server.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("connection panic (treated as disconnect): %v", r)
		}
	}()
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Accept has no sibling to cancel it, but Close unblocks a pending
	// conn.Read, so cancellation propagates to both tasks through here.
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	var tasks sync.WaitGroup
	tasks.Add(2)
	go func() {
		defer tasks.Done()
		defer cancel()
		s.readTask(conn)
	}()
	go func() {
		defer tasks.Done()
		defer cancel()
		s.writeTask(connCtx, conn)
	}()
	tasks.Wait()
}

// readTask decodes frames into requests and pushes them onto the Receive
// queue. Any framing or parse error closes the connection; the process
// keeps running and the server keeps listening.
func (s *Server) readTask(conn net.Conn) {
	for {
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			if !isExpectedClose(err) {
				s.logger.Printf("read task: %v", err)
			}
			return
		}
		req, err := wire.DecodeRequest(payload)
		if err != nil {
			s.logger.Printf("read task: %v", err)
			return
		}
		s.broker.Receive.Push(req)
	}
}

// writeTask pops responses and writes each as one logical frame. Blocking
// on the queue gives automatic backpressure: no response is dropped and
// the writer never busy-polls.
func (s *Server) writeTask(ctx context.Context, conn net.Conn) {
	for {
		resp, err := s.broker.Send.Pop(ctx)
		if err != nil {
			return
		}
		frame, err := wire.EncodeResponse(resp)
		if err != nil {
			s.logger.Printf("write task: %v", err)
			continue
		}
		if _, err := conn.Write(frame); err != nil {
			if !isExpectedClose(err) {
				s.logger.Printf("write task: %v", err)
			}
			return
		}
	}
}

// Stop closes the listener, unblocking a pending Accept, and waits for the
// accept loop to drain.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func isExpectedClose(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}

func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); err == nil {
		return os.Remove(path)
	}
	return nil
}
