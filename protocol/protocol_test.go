package protocol

import (
	"bytes"
	"strings"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","method":"heartbeat"}`)
	header := Header{MsgType: MsgTypeData, BodyLen: uint32(len(body))}

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if buf.Len() != HeaderSize+len(body) {
		t.Fatalf("expect %d bytes on the wire, got %d", HeaderSize+len(body), buf.Len())
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decodedHeader.MsgType != header.MsgType {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, header.MsgType)
	}
	if decodedHeader.BodyLen != header.BodyLen {
		t.Errorf("BodyLen mismatch: got %d, want %d", decodedHeader.BodyLen, header.BodyLen)
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", decodedBody, body)
	}
}

func TestDecodeSequentialFrames(t *testing.T) {
	var buf bytes.Buffer
	bodies := [][]byte{[]byte("first"), nil, []byte("third")}
	for _, b := range bodies {
		mt := MsgTypeData
		if b == nil {
			mt = MsgTypeHeartbeat
		}
		if err := Encode(&buf, &Header{MsgType: mt, BodyLen: uint32(len(b))}, b); err != nil {
			t.Fatal(err)
		}
	}

	for i, want := range bodies {
		h, body, err := Decode(&buf)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if want == nil {
			if h.MsgType != MsgTypeHeartbeat || len(body) != 0 {
				t.Fatalf("frame %d: expect empty heartbeat, got %d/%q", i, h.MsgType, body)
			}
			continue
		}
		if string(body) != string(want) {
			t.Fatalf("frame %d: expect %q, got %q", i, want, body)
		}
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, Version, byte(MsgTypeData), 0, 0, 0, 5})
	buf.WriteString("hello")

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("expected error for invalid magic number")
	}
	if !strings.Contains(err.Error(), "invalid magic number") {
		t.Errorf("error should mention invalid magic, got: %v", err)
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{MagicNumber, MagicByte2, MagicByte3, 0xFF, byte(MsgTypeData), 0, 0, 0, 0})

	_, _, err := Decode(&buf)
	if err == nil || !strings.Contains(err.Error(), "unsupported version") {
		t.Fatalf("expect unsupported version, got %v", err)
	}
}

func TestDecodeInvalidType(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{MagicNumber, MagicByte2, MagicByte3, Version, 0x7F, 0, 0, 0, 0})

	_, _, err := Decode(&buf)
	if err == nil || !strings.Contains(err.Error(), "unsupported message type") {
		t.Fatalf("expect unsupported message type, got %v", err)
	}
}

func TestDecodeOversizedBody(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{MagicNumber, MagicByte2, MagicByte3, Version, byte(MsgTypeData), 0xFF, 0xFF, 0xFF, 0xFF})

	_, _, err := Decode(&buf)
	if err == nil || !strings.Contains(err.Error(), "body too large") {
		t.Fatalf("expect body too large, got %v", err)
	}
}

func TestDecodeTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{MagicNumber, MagicByte2, MagicByte3, Version, byte(MsgTypeData), 0, 0, 0, 10})
	buf.WriteString("short")

	if _, _, err := Decode(&buf); err == nil {
		t.Fatal("expect error for truncated body")
	}
}

func TestEncodeLengthMismatch(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{MsgType: MsgTypeData, BodyLen: 3}, []byte("hello")); err == nil {
		t.Fatal("expect error for mismatched length")
	}
}

func TestDecodeLargeBody(t *testing.T) {
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, &Header{MsgType: MsgTypeData, BodyLen: uint32(len(largeBody))}, largeBody); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	_, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decodedBody, largeBody) {
		t.Errorf("large body mismatch")
	}
}
