package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestReadExactAcrossChunkBoundaries(t *testing.T) {
	ctx := context.Background()
	payload := []byte("hello framed world")

	splits := [][]int{
		{len(payload)},          // single chunk
		{3, 1, len(payload) - 4}, // small leading chunks
		{1, 1, 1, len(payload) - 3},
	}
	for _, split := range splits {
		b := NewBuffer()
		go func() {
			rest := payload
			for _, n := range split {
				b.Feed(rest[:n])
				rest = rest[n:]
			}
		}()
		got, err := b.ReadExact(ctx, len(payload))
		if err != nil {
			t.Fatalf("split %v: %v", split, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("split %v: got %q", split, got)
		}
	}
}

func TestReadExactRetainsSurplus(t *testing.T) {
	ctx := context.Background()
	b := NewBuffer()
	b.Feed([]byte("abcdef"))

	first, err := b.ReadExact(ctx, 2)
	if err != nil || string(first) != "ab" {
		t.Fatalf("first read: %q, %v", first, err)
	}
	second, err := b.ReadExact(ctx, 4)
	if err != nil || string(second) != "cdef" {
		t.Fatalf("second read: %q, %v", second, err)
	}
	if b.Buffered() != 0 {
		t.Fatalf("expected drained buffer, %d bytes left", b.Buffered())
	}
}

func TestReadExactBusyGuard(t *testing.T) {
	ctx := context.Background()
	b := NewBuffer()

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := b.ReadExact(ctx, 4)
		done <- err
	}()
	<-started
	time.Sleep(10 * time.Millisecond) // let the first read suspend

	if _, err := b.ReadExact(ctx, 1); !errors.Is(err, ErrBusy) {
		t.Fatalf("want ErrBusy, got %v", err)
	}

	// The suspended read is undisturbed and completes once bytes arrive.
	b.Feed([]byte("data"))
	if err := <-done; err != nil {
		t.Fatalf("suspended read failed: %v", err)
	}
}

func TestReadExactResolvesOnFail(t *testing.T) {
	ctx := context.Background()
	b := NewBuffer()

	done := make(chan error, 1)
	go func() {
		_, err := b.ReadExact(ctx, 8)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	b.Fail(io.ErrClosedPipe)

	select {
	case err := <-done:
		if !errors.Is(err, io.ErrClosedPipe) {
			t.Fatalf("want ErrClosedPipe, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("read did not resolve after Fail")
	}
}

func TestReadExactServesBufferedBytesAfterFail(t *testing.T) {
	ctx := context.Background()
	b := NewBuffer()
	b.Feed([]byte("tail"))
	b.Fail(io.EOF)

	got, err := b.ReadExact(ctx, 4)
	if err != nil || string(got) != "tail" {
		t.Fatalf("buffered read after fail: %q, %v", got, err)
	}
	if _, err := b.ReadExact(ctx, 1); !errors.Is(err, io.EOF) {
		t.Fatalf("want EOF once drained, got %v", err)
	}
}

func TestReadExactContextCancel(t *testing.T) {
	b := NewBuffer()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.ReadExact(ctx, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}
}
