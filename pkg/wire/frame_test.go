package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"testing/iotest"
)

func TestFrameRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte(`{}`),
		[]byte(`{"id":1,"version":"1.0","method":"ping","parameters":null}`),
		bytes.Repeat([]byte("x"), MaxMessageSize),
		{},
	}
	for _, payload := range payloads {
		frame, err := EncodeFrame(payload)
		if err != nil {
			t.Fatalf("encode %d bytes: %v", len(payload), err)
		}
		got, err := ReadFrame(bytes.NewReader(frame))
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("round trip mismatch: %d bytes in, %d bytes out", len(payload), len(got))
		}
	}
}

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	frame, err := EncodeFrame([]byte(`{"ok":true}`))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for i := 0; i < 4; i++ {
		corrupted := bytes.Clone(frame)
		corrupted[i] ^= 0xFF
		_, err := ReadFrame(bytes.NewReader(corrupted))
		if !errors.Is(err, ErrInvalidMagic) {
			t.Fatalf("corrupt byte %d: want ErrInvalidMagic, got %v", i, err)
		}
	}
}

func TestDecodeHeaderRejectsOversizeBeforePayload(t *testing.T) {
	header := make([]byte, HeaderSize)
	copy(header[0:4], Magic[:])
	binary.LittleEndian.PutUint32(header[4:8], MaxMessageSize+1)

	// Reader that fails the test if anything past the header is consumed.
	r := io.MultiReader(bytes.NewReader(header), failReader{t})
	_, err := ReadFrame(r)
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("want ErrMessageTooLarge, got %v", err)
	}
}

type failReader struct{ t *testing.T }

func (f failReader) Read([]byte) (int, error) {
	f.t.Fatal("payload bytes consumed after oversize header")
	return 0, io.EOF
}

func TestEncodeFrameRejectsOversizePayload(t *testing.T) {
	_, err := EncodeFrame(make([]byte, MaxMessageSize+1))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("want ErrMessageTooLarge, got %v", err)
	}
}

func TestReadFrameToleratesShortReads(t *testing.T) {
	payload := []byte(`{"id":7,"version":"1.0","method":"refresh","parameters":{}}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := ReadFrame(iotest.OneByteReader(bytes.NewReader(frame)))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch after byte-at-a-time delivery")
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	frame, err := EncodeFrame([]byte(`{"truncated":true}`))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, err = ReadFrame(bytes.NewReader(frame[:len(frame)-3]))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("want ErrUnexpectedEOF, got %v", err)
	}
}
