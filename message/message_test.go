package message

import (
	"encoding/json"
	"testing"
)

type executeParams struct {
	Code string `json:"code"`
}

func TestNewCall(t *testing.T) {
	call, err := NewCall(1, "execute", &executeParams{Code: "print(1)"})
	if err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(call)
	if err != nil {
		t.Fatalf("marshal call: %v", err)
	}

	want := `{"jsonrpc":"2.0","id":1,"method":"execute","params":{"code":"print(1)"}}`
	if string(data) != want {
		t.Fatalf("expect %s, got %s", want, data)
	}
}

func TestNewCallRawParams(t *testing.T) {
	raw := json.RawMessage(`{"code":"return 2"}`)
	call, err := NewCall(9, "execute", raw)
	if err != nil {
		t.Fatal(err)
	}
	if string(call.Params) != string(raw) {
		t.Fatalf("expect params passed through verbatim, got %s", call.Params)
	}
}

func TestNewNotificationOmitsID(t *testing.T) {
	n, err := NewNotification("heartbeat", nil)
	if err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(n)
	if err != nil {
		t.Fatal(err)
	}

	want := `{"jsonrpc":"2.0","method":"heartbeat"}`
	if string(data) != want {
		t.Fatalf("expect %s, got %s", want, data)
	}
}

func TestNewResultNull(t *testing.T) {
	resp, err := NewResult(3, nil)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(resp)
	want := `{"jsonrpc":"2.0","id":3,"result":null}`
	if string(data) != want {
		t.Fatalf("expect %s, got %s", want, data)
	}
}

func TestRPCErrorString(t *testing.T) {
	cases := []struct {
		err  *RPCError
		want string
	}{
		{&RPCError{Code: CodeMethodNotFound, Message: "method not found"}, "rpc error -32601: method not found"},
		{&RPCError{Code: 1, Message: "boom", Data: json.RawMessage(`"line 3"`)}, `rpc error 1: boom (data: "line 3")`},
	}

	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("expect %q, got %q", tc.want, got)
		}
	}
}

func TestKindString(t *testing.T) {
	if KindResponse.String() != "response" || KindInvalid.String() != "invalid" {
		t.Fatalf("unexpected kind names: %s %s", KindResponse, KindInvalid)
	}
}
