package codec

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"

	"lua-bridge/message"
)

// JSONCodec encodes envelopes with encoding/json and classifies inbound text with gjson,
// so the shape is known before anything is unmarshalled.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode classifies data into exactly one envelope kind.
//
//	id (non-null) + method             → Call
//	id (non-null) + one of result/error → Response
//	no id + method                     → Notification
//
// The jsonrpc member is optional but must be "2.0" when present.
func (c *JSONCodec) Decode(data []byte) (*message.Envelope, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	fields := root.Map()
	if v, ok := fields["jsonrpc"]; ok && v.String() != message.Version {
		return nil, fmt.Errorf("%w: unsupported version %s", ErrMalformed, v.Raw)
	}

	id, hasID := fields["id"]
	hasID = hasID && id.Type != gjson.Null
	method, hasMethod := fields["method"]
	if hasMethod && (method.Type != gjson.String || method.Str == "") {
		return nil, fmt.Errorf("%w: method must be a non-empty string", ErrMalformed)
	}
	_, hasResult := fields["result"]
	errField, hasError := fields["error"]
	hasError = hasError && errField.Type != gjson.Null

	if hasID {
		if id.Type != gjson.Number {
			return nil, fmt.Errorf("%w: id %s is not a number", ErrMalformed, id.Raw)
		}
		if _, err := strconv.ParseUint(id.Raw, 10, 64); err != nil {
			return nil, fmt.Errorf("%w: id %s is not an unsigned integer", ErrMalformed, id.Raw)
		}
	}

	switch {
	case hasID && hasMethod:
		if hasResult || hasError {
			return nil, fmt.Errorf("%w: call carries result or error", ErrMalformed)
		}
		var call message.Call
		if err := json.Unmarshal(data, &call); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &message.Envelope{Kind: message.KindCall, Call: &call}, nil

	case hasID:
		if hasResult == hasError {
			return nil, fmt.Errorf("%w: response must carry exactly one of result and error", ErrMalformed)
		}
		if hasError && !errField.IsObject() {
			return nil, fmt.Errorf("%w: error member is not an object", ErrMalformed)
		}
		var resp message.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if hasResult && resp.Result == nil {
			resp.Result = json.RawMessage("null")
		}
		return &message.Envelope{Kind: message.KindResponse, Response: &resp}, nil

	case hasMethod:
		var n message.Notification
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &message.Envelope{Kind: message.KindNotification, Notification: &n}, nil
	}

	return nil, fmt.Errorf("%w: neither id nor method present", ErrMalformed)
}

func (c *JSONCodec) Name() string {
	return "json"
}
