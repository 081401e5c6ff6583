// Package codec serializes JSON-RPC envelopes and classifies inbound messages.
//
// Classification is a tagged-union step: a raw message is probed for the fields that
// distinguish a Call, a Response and a Notification, and anything matching none of the
// three shapes is rejected with ErrMalformed before any consumer sees it.
package codec

import (
	"errors"

	"lua-bridge/message"
)

// ErrMalformed is returned for messages that are not valid JSON or match no envelope shape.
var ErrMalformed = errors.New("malformed envelope")

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (*message.Envelope, error)
	Name() string
}

// Default returns the codec used on every bridge connection.
func Default() Codec {
	return &JSONCodec{}
}
