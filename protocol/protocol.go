// Package protocol implements the frame format used when the bridge talks to a target over
// a raw TCP stream instead of WebSocket.
//
// TCP has no message boundaries, so each JSON-RPC message is wrapped in a fixed 9-byte
// header followed by the body. The receiver reads the header first, then exactly BodyLen
// bytes.
//
// Frame format:
//
//	0      3  4  5         9
//	┌──────┬──┬──┬─────────┬────────────────┐
//	│magic │v │mt│ bodyLen │    body ...    │
//	│ lbr  │01│  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴─────────┴────────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic bytes "lbr" identify a bridge frame and reject anything else hitting the port.
const (
	MagicNumber byte   = 0x6c // 'l'
	MagicByte2  byte   = 0x62 // 'b'
	MagicByte3  byte   = 0x72 // 'r'
	Version     byte   = 0x01
	HeaderSize  int    = 9 // 3 (magic) + 1 (version) + 1 (msgType) + 4 (bodyLen)
	MaxBodyLen  uint32 = 16 << 20
)

// MsgType distinguishes payload frames from liveness frames.
type MsgType byte

const (
	MsgTypeData      MsgType = 0 // One complete JSON-RPC message
	MsgTypeHeartbeat MsgType = 1 // Keep-alive probe, no body
)

// Header is the fixed frame header.
type Header struct {
	MsgType MsgType
	BodyLen uint32
}

// Encode writes header and body to w as one buffer so a frame is never split across writes.
// Callers sharing w between goroutines must serialise calls.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) != h.BodyLen {
		return fmt.Errorf("body length %d does not match header %d", len(body), h.BodyLen)
	}
	if h.BodyLen > MaxBodyLen {
		return fmt.Errorf("body too large: %d bytes", h.BodyLen)
	}

	buf := make([]byte, HeaderSize+len(body))
	buf[0], buf[1], buf[2] = MagicNumber, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[5:9], h.BodyLen)
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads one complete frame from r, validating magic, version, type and length.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	msgType := MsgType(headerBuf[4])
	if msgType != MsgTypeData && msgType != MsgTypeHeartbeat {
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[5:9])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{MsgType: msgType, BodyLen: bodyLen}, body, nil
}
