// Package transport implements the multiplexed, credit-flow-controlled
// frame session that carries peer messages over an ordered byte pipe
// (spec.md §4.7): a fixed 9-byte header frame codec, and a Session that
// layers streams, flow control, keep-alive, handshake, and shutdown over
// it. The core's contract is frame sequencing only; the byte pipe itself is
// typically a coder/websocket connection, and any TLS upgrade is the
// transport collaborator's concern, signaled but not performed here.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType enumerates every frame kind spec.md §4.7 names.
type FrameType uint8

const (
	FrameHeader FrameType = iota
	FrameBody
	FrameEnd
	FrameErr
	FramePing
	FramePong
	FrameCredit
	FramePause
	FrameClose
	FrameHandshake
	FrameHandshakeAck
	FrameTlsReady
)

func (t FrameType) String() string {
	switch t {
	case FrameHeader:
		return "Header"
	case FrameBody:
		return "Body"
	case FrameEnd:
		return "End"
	case FrameErr:
		return "Err"
	case FramePing:
		return "Ping"
	case FramePong:
		return "Pong"
	case FrameCredit:
		return "Credit"
	case FramePause:
		return "Pause"
	case FrameClose:
		return "Close"
	case FrameHandshake:
		return "Handshake"
	case FrameHandshakeAck:
		return "HandshakeAck"
	case FrameTlsReady:
		return "TlsReady"
	default:
		return "Unknown"
	}
}

const (
	// HeaderLen is the fixed frame header size: stream_id:u32 | type:u8 | length:u32.
	HeaderLen = 9
	// MaxFrameBytes is the maximum payload size of a single frame.
	MaxFrameBytes = 128 * 1024
)

// Frame is one unit of the wire protocol: a stream id, a type tag, and an
// opaque payload no larger than MaxFrameBytes.
type Frame struct {
	StreamId uint32
	Type     FrameType
	Payload  []byte
}

// EncodeFrame serializes f into its big-endian wire form.
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxFrameBytes {
		return nil, fmt.Errorf("transport: frame payload %d bytes exceeds max %d", len(f.Payload), MaxFrameBytes)
	}
	buf := make([]byte, HeaderLen+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], f.StreamId)
	buf[4] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(f.Payload)))
	copy(buf[HeaderLen:], f.Payload)
	return buf, nil
}

// DecodeFrame reads exactly one frame from r: the fixed header, then its
// payload. It returns io.EOF (via io.ReadFull) only when r is exhausted
// before any header bytes arrive; a frame truncated mid-payload is an error.
func DecodeFrame(r io.Reader) (Frame, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	streamID := binary.BigEndian.Uint32(hdr[0:4])
	typ := FrameType(hdr[4])
	length := binary.BigEndian.Uint32(hdr[5:9])
	if length > MaxFrameBytes {
		return Frame{}, fmt.Errorf("transport: frame declares length %d exceeding max %d", length, MaxFrameBytes)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("transport: read frame payload: %w", err)
		}
	}
	return Frame{StreamId: streamID, Type: typ, Payload: payload}, nil
}
