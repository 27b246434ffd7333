// Package wire — frame.go
//
// Fixed, length-prefixed request frame exchanged between the gaimode
// client and gaimoded over the local Unix domain socket.
//
// Wire layout (big-endian):
//
//	[0..3]  size    u32   total frame length, including size and kind
//	[4..5]  kind    u16   command code
//	[6..size] payload      kind-dependent
//
// Minimum frame size is 6 bytes (empty payload). Unknown kinds decode
// successfully (callers decide what to do with them); malformed or
// truncated frames return an error.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Kind identifies the command carried by a Frame.
type Kind uint16

const (
	KindOptimizeProcess Kind = 0x0002
	KindResetProcess    Kind = 0x0004
	KindResetAll        Kind = 0x0006
	KindStatus          Kind = 0x0008
)

// MinFrameSize is the smallest legal frame: size (4) + kind (2).
const MinFrameSize = 6

// MaxFrameSize is the largest frame the listener will read from a
// connection.
const MaxFrameSize = 2048

// Frame is a decoded wire message.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// Encode serialises f into its wire representation. The returned slice's
// length equals the size field it writes.
func Encode(f Frame) []byte {
	size := uint32(MinFrameSize + len(f.Payload))
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], size)
	binary.BigEndian.PutUint16(buf[4:6], uint16(f.Kind))
	copy(buf[6:], f.Payload)
	return buf
}

// EncodePID builds a frame for a PID-carrying command (OptimizeProcess
// or ResetProcess): a 4-byte big-endian payload.
func EncodePID(kind Kind, pid int32) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(pid))
	return Encode(Frame{Kind: kind, Payload: payload})
}

// Decode parses a single frame out of raw. raw may contain trailing
// bytes beyond the frame (ignored); it must contain at least the frame's
// declared size bytes.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < MinFrameSize {
		return Frame{}, fmt.Errorf("wire: frame too short: got %d bytes, need at least %d", len(raw), MinFrameSize)
	}

	size := binary.BigEndian.Uint32(raw[0:4])
	if size < MinFrameSize {
		return Frame{}, fmt.Errorf("wire: declared size %d below minimum %d", size, MinFrameSize)
	}
	if size > MaxFrameSize {
		return Frame{}, fmt.Errorf("wire: declared size %d exceeds max %d", size, MaxFrameSize)
	}
	if uint32(len(raw)) < size {
		return Frame{}, fmt.Errorf("wire: short read: have %d bytes, frame declares %d", len(raw), size)
	}

	kind := Kind(binary.BigEndian.Uint16(raw[4:6]))
	payload := raw[6:size]
	out := make([]byte, len(payload))
	copy(out, payload)
	return Frame{Kind: kind, Payload: out}, nil
}

// DecodePID extracts a big-endian int32 PID from a frame's payload.
func DecodePID(f Frame) (int32, error) {
	if len(f.Payload) < 4 {
		return 0, fmt.Errorf("wire: payload too short for pid: got %d bytes, need 4", len(f.Payload))
	}
	return int32(binary.BigEndian.Uint32(f.Payload[0:4])), nil
}
