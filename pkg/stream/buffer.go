// Package stream provides a chunk-fed byte buffer that turns a transport's
// raw delivery callback into exact-size reads. The transport may deliver
// bytes in arbitrary chunks that split or straddle frame boundaries; the
// reader side always sees whole reads.
package stream

import (
	"context"
	"errors"
	"sync"
)

// ErrBusy is returned when a second ReadExact is issued while one is
// already suspended. The buffer supports exactly one reader at a time.
var ErrBusy = errors.New("stream: read already in progress")

// Buffer accumulates raw transport chunks and satisfies exact-size reads,
// suspending the reader until enough bytes have arrived. Feed and ReadExact
// may run on different goroutines.
type Buffer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	data    []byte
	err     error
	reading bool
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	b := &Buffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Feed appends a raw chunk. The chunk is copied; the caller may reuse its
// slice. Chunks fed after Fail are dropped.
func (b *Buffer) Feed(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return
	}
	b.data = append(b.data, chunk...)
	b.cond.Broadcast()
}

// Fail marks the stream as broken. A reader suspended in ReadExact resolves
// with err instead of hanging; buffered bytes that already satisfy the read
// are still delivered first.
func (b *Buffer) Fail(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
	b.cond.Broadcast()
}

// Buffered reports the number of bytes available without suspending.
func (b *Buffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// ReadExact returns exactly n bytes, suspending until the buffer holds at
// least that many. Surplus bytes are retained for the next call. Only one
// ReadExact may be outstanding; a concurrent call fails fast with ErrBusy.
// Context cancellation resolves a suspended read with ctx.Err().
func (b *Buffer) ReadExact(ctx context.Context, n int) ([]byte, error) {
	if n < 0 {
		return nil, errors.New("stream: negative read size")
	}
	b.mu.Lock()
	if b.reading {
		b.mu.Unlock()
		return nil, ErrBusy
	}
	b.reading = true
	defer func() {
		b.reading = false
		b.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	for len(b.data) < n && b.err == nil && ctx.Err() == nil {
		b.cond.Wait()
	}
	if len(b.data) >= n {
		out := make([]byte, n)
		copy(out, b.data)
		b.data = b.data[n:]
		return out, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, b.err
}
