package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rung/go-safecast"
)

// MaxFrameSize is the per-frame payload cap. A declared length above this is
// a protocol error and the connection must be closed.
const MaxFrameSize = 1048576 // 1 MiB

// FrameHeaderSize is the fixed length prefix: 4 bytes, big-endian, uint32.
const FrameHeaderSize = 4

var (
	ErrOversizedFrame = errors.New("oversized frame")
	ErrFrameTooLarge  = errors.New("encoded frame exceeds cap")
)

// EncodeFrame prefixes payload with its big-endian uint32 length.
// Payloads above MaxFrameSize are refused, they could never be decoded by a
// conforming peer.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	frame := make([]byte, FrameHeaderSize+len(payload))
	length, err := safecast.Int32(len(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	binary.BigEndian.PutUint32(frame[0:FrameHeaderSize], uint32(length))
	copy(frame[FrameHeaderSize:], payload)
	return frame, nil
}

// FrameScanner assembles frames from a connection's byte stream. Append
// incoming bytes with Feed, then call Next until it reports no complete
// frame. The scanner is not safe for concurrent use; each connection owns
// exactly one and all reads for that connection are serialised.
type FrameScanner struct {
	buf []byte
}

// Feed appends freshly read bytes to the assembly buffer.
func (s *FrameScanner) Feed(data []byte) {
	s.buf = append(s.buf, data...)
}

// Buffered returns the number of bytes awaiting assembly.
func (s *FrameScanner) Buffered() int {
	return len(s.buf)
}

// Reset drops all buffered bytes. Called after a protocol error so a poison
// byte stream cannot produce further frames.
func (s *FrameScanner) Reset() {
	s.buf = nil
}

// Next extracts the next complete frame payload, if one is buffered.
// It returns (payload, true, nil) for a complete frame, (nil, false, nil)
// when more bytes are needed, and ErrOversizedFrame as soon as a length
// prefix above MaxFrameSize is seen, without waiting for the payload bytes.
func (s *FrameScanner) Next() ([]byte, bool, error) {
	if len(s.buf) < FrameHeaderSize {
		return nil, false, nil
	}
	length := binary.BigEndian.Uint32(s.buf[0:FrameHeaderSize])
	if length > MaxFrameSize {
		return nil, false, ErrOversizedFrame
	}
	total := FrameHeaderSize + int(length)
	if len(s.buf) < total {
		return nil, false, nil
	}
	payload := make([]byte, length)
	copy(payload, s.buf[FrameHeaderSize:total])
	s.buf = s.buf[total:]
	return payload, true, nil
}
