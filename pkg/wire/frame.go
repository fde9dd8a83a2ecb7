// Package wire implements the framed JSON protocol spoken between an editor
// host and its controller.
//
// Each frame is a fixed 8-byte header followed by a variable-length body.
// The receiver reads the header first to learn the body length, then reads
// exactly that many bytes, so chunk boundaries in the underlying stream
// never matter.
//
// Frame format:
//
//	0        4        8
//	┌────────┬────────┬───────────────────┐
//	│ magic  │ length │   UTF-8 JSON ...  │
//	│ "UNVM" │ LE32   │   length bytes    │
//	└────────┴────────┴───────────────────┘
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Magic identifies a frame as ours, rejecting stray writers that connect to
// the wrong socket.
var Magic = [4]byte{0x55, 0x4E, 0x56, 0x4D} // "UNVM"

const (
	// HeaderSize is the fixed length of the frame header in bytes.
	HeaderSize = 8

	// MaxMessageSize bounds the declared payload length. A header claiming
	// more is rejected before any payload byte is read.
	MaxMessageSize = 1 << 20
)

// EncodeFrame builds a complete frame (header + payload) as one buffer so
// the caller can hand it to the transport as a single logical write.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}
	buf := make([]byte, HeaderSize+len(payload))
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// DecodeHeader validates an 8-byte frame header and returns the declared
// payload length. The magic is checked before the length is trusted.
func DecodeHeader(header []byte) (uint32, error) {
	if len(header) != HeaderSize {
		return 0, fmt.Errorf("frame header must be %d bytes, got %d", HeaderSize, len(header))
	}
	if !bytes.Equal(header[0:4], Magic[:]) {
		return 0, fmt.Errorf("%w: % x", ErrInvalidMagic, header[0:4])
	}
	length := binary.LittleEndian.Uint32(header[4:8])
	if length > MaxMessageSize {
		return 0, fmt.Errorf("%w: declared %d bytes", ErrMessageTooLarge, length)
	}
	return length, nil
}

// ReadFrame reads one complete frame from r and returns its payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length, err := DecodeHeader(header)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame frames payload and writes it to w in one call.
func WriteFrame(w io.Writer, payload []byte) error {
	buf, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
