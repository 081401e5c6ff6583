package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"lua-bridge/clock"
	"lua-bridge/connection"
	"lua-bridge/message"
	"lua-bridge/middleware"
	"lua-bridge/observer"
)

// fakeConn records outbound messages and lets tests inject inbound ones.
type fakeConn struct {
	connected atomic.Bool
	sendErr   atomic.Value // error
	sent      chan []byte
	listeners observer.Registry[connection.MessageListener]
}

func newFakeConn() *fakeConn {
	c := &fakeConn{sent: make(chan []byte, 256)}
	c.connected.Store(true)
	return c
}

func (c *fakeConn) Send(data []byte) error {
	if !c.connected.Load() {
		return connection.ErrNotConnected
	}
	if err, ok := c.sendErr.Load().(error); ok && err != nil {
		return err
	}
	c.sent <- data
	return nil
}

func (c *fakeConn) IsConnected() bool { return c.connected.Load() }

func (c *fakeConn) OnMessage(l connection.MessageListener) func() {
	return c.listeners.Add(l)
}

func (c *fakeConn) inject(raw string) {
	for _, l := range c.listeners.Snapshot() {
		l([]byte(raw))
	}
}

// nextCall waits for the next outbound call and decodes it.
func (c *fakeConn) nextCall(t *testing.T) *message.Call {
	t.Helper()
	select {
	case data := <-c.sent:
		var call message.Call
		if err := json.Unmarshal(data, &call); err != nil {
			t.Fatalf("outbound message is not a call: %s", data)
		}
		return &call
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound message")
		return nil
	}
}

type callResult struct {
	value json.RawMessage
	err   error
}

func goCall(c *Client, method string, params any, opts ...CallOption) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		v, err := c.Call(context.Background(), method, params, opts...)
		ch <- callResult{v, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan callResult) callResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("call did not settle")
		return callResult{}
	}
}

func newTestClient() (*Client, *fakeConn, *clock.Fake) {
	conn := newFakeConn()
	sched := clock.NewFake()
	return New(conn, WithScheduler(sched)), conn, sched
}

func TestCallResolvesWithResult(t *testing.T) {
	c, conn, _ := newTestClient()

	ch := goCall(c, "execute", map[string]string{"code": "print(1)"}, WithTimeout(5*time.Second))
	call := conn.nextCall(t)
	if call.ID != 1 || call.Method != "execute" || string(call.Params) != `{"code":"print(1)"}` {
		t.Fatalf("unexpected call: %+v", call)
	}

	conn.inject(`{"id":1,"result":{"success":true,"output":"1"}}`)
	r := await(t, ch)
	if r.err != nil {
		t.Fatal(r.err)
	}
	var got struct {
		Success bool   `json:"success"`
		Output  string `json:"output"`
	}
	json.Unmarshal(r.value, &got)
	if !got.Success || got.Output != "1" {
		t.Fatalf("unexpected result: %s", r.value)
	}
	if c.Pending() != 0 {
		t.Fatalf("expect empty pending table, got %d", c.Pending())
	}
}

func TestCallTimeout(t *testing.T) {
	c, conn, sched := newTestClient()

	ch := goCall(c, "slow_op", struct{}{}, WithTimeout(100*time.Millisecond))
	call := conn.nextCall(t)

	sched.Advance(99 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("call settled before its timeout")
	case <-time.After(10 * time.Millisecond):
	}

	sched.Advance(time.Millisecond)
	r := await(t, ch)
	if !errors.Is(r.err, ErrTimeout) {
		t.Fatalf("expect ErrTimeout, got %v", r.err)
	}
	if !strings.Contains(r.err.Error(), "slow_op") {
		t.Fatalf("timeout error should name the method: %v", r.err)
	}

	// A late response is discarded and leaves the call still in flight alone.
	other := goCall(c, "get_scripts", nil, WithTimeout(time.Minute))
	otherCall := conn.nextCall(t)
	conn.inject(fmt.Sprintf(`{"id":%d,"result":true}`, call.ID))
	if c.Pending() != 1 {
		t.Fatalf("expect the other call still pending, got %d", c.Pending())
	}
	select {
	case r := <-other:
		t.Fatalf("late response settled another call: %+v", r)
	case <-time.After(10 * time.Millisecond):
	}

	conn.inject(fmt.Sprintf(`{"id":%d,"result":["main"]}`, otherCall.ID))
	r = await(t, other)
	if r.err != nil || string(r.value) != `["main"]` {
		t.Fatalf("expect the other call's own result, got %s %v", r.value, r.err)
	}
	if c.Pending() != 0 {
		t.Fatalf("expect empty pending table, got %d", c.Pending())
	}
}

func TestNotificationDispatch(t *testing.T) {
	c, conn, _ := newTestClient()

	var calls []string
	c.OnNotification("remote_called", func(params json.RawMessage) {
		calls = append(calls, string(params))
	})

	conn.inject(`{"method":"remote_called","params":{"remoteName":"X"}}`)
	if len(calls) != 1 || calls[0] != `{"remoteName":"X"}` {
		t.Fatalf("expect one dispatch with params, got %v", calls)
	}
	if c.Pending() != 0 {
		t.Fatal("notification must not touch the pending table")
	}
}

func TestResponsesOutOfOrder(t *testing.T) {
	c, conn, _ := newTestClient()

	first := goCall(c, "first", nil)
	firstCall := conn.nextCall(t)
	second := goCall(c, "second", nil)
	secondCall := conn.nextCall(t)

	conn.inject(fmt.Sprintf(`{"id":%d,"result":"two"}`, secondCall.ID))
	conn.inject(fmt.Sprintf(`{"id":%d,"result":"one"}`, firstCall.ID))

	if r := await(t, first); string(r.value) != `"one"` {
		t.Fatalf("first call got %s %v", r.value, r.err)
	}
	if r := await(t, second); string(r.value) != `"two"` {
		t.Fatalf("second call got %s %v", r.value, r.err)
	}
}

func TestDisconnectedBehaviour(t *testing.T) {
	c, conn, _ := newTestClient()
	conn.connected.Store(false)

	if err := c.Notify("heartbeat", struct{}{}); err != nil {
		t.Fatalf("notify while disconnected must not fail: %v", err)
	}
	select {
	case data := <-conn.sent:
		t.Fatalf("nothing should be sent, got %s", data)
	default:
	}

	_, err := c.Call(context.Background(), "x", struct{}{})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expect ErrNotConnected, got %v", err)
	}
	var ce *CallError
	if !errors.As(err, &ce) || ce.Method != "x" {
		t.Fatalf("expect CallError naming x, got %v", err)
	}
}

func TestRemoteError(t *testing.T) {
	c, conn, _ := newTestClient()

	ch := goCall(c, "execute", nil)
	call := conn.nextCall(t)
	conn.inject(fmt.Sprintf(`{"id":%d,"error":{"code":-32000,"message":"attempt to call nil"}}`, call.ID))

	r := await(t, ch)
	var rpcErr *message.RPCError
	if !errors.As(r.err, &rpcErr) || rpcErr.Code != -32000 {
		t.Fatalf("expect remote error, got %v", r.err)
	}
}

func TestSendFailureLeavesNothingBehind(t *testing.T) {
	c, conn, sched := newTestClient()
	boom := errors.New("write: broken pipe")
	conn.sendErr.Store(boom)

	_, err := c.Call(context.Background(), "execute", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expect send error, got %v", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("expect empty pending table, got %d", c.Pending())
	}
	if len(sched.Pending()) != 0 {
		t.Fatalf("expect timer cancelled, got %v", sched.Pending())
	}
}

func TestUniqueIDs(t *testing.T) {
	c, conn, _ := newTestClient()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Call(context.Background(), "ping", nil)
		}()
	}

	seen := make(map[uint64]bool)
	for i := 0; i < n; i++ {
		call := conn.nextCall(t)
		if seen[call.ID] {
			t.Fatalf("duplicate id %d", call.ID)
		}
		seen[call.ID] = true
	}
	for id := range seen {
		conn.inject(fmt.Sprintf(`{"id":%d,"result":null}`, id))
	}
	wg.Wait()
}

func TestFanOutIsolation(t *testing.T) {
	c, conn, _ := newTestClient()

	var order []string
	c.OnNotification("M", func(json.RawMessage) { panic("h1") })
	c.OnNotification("M", func(json.RawMessage) { order = append(order, "h2") })
	c.OnNotification("N", func(json.RawMessage) { order = append(order, "n") })

	conn.inject(`{"method":"M"}`)
	conn.inject(`{"method":"N"}`)

	if strings.Join(order, ",") != "h2,n" {
		t.Fatalf("expect h2 then n, got %v", order)
	}
}

func TestDisposerRemovesOneHandler(t *testing.T) {
	c, conn, _ := newTestClient()

	var a, b int
	disposeA := c.OnNotification("M", func(json.RawMessage) { a++ })
	c.OnNotification("M", func(json.RawMessage) { b++ })

	conn.inject(`{"method":"M"}`)
	disposeA()
	disposeA()
	conn.inject(`{"method":"M"}`)

	if a != 1 || b != 2 {
		t.Fatalf("expect a=1 b=2, got a=%d b=%d", a, b)
	}
}

func TestHandlerUnsubscribingDuringDispatch(t *testing.T) {
	c, conn, _ := newTestClient()

	var hits []string
	var dispose func()
	dispose = c.OnNotification("M", func(json.RawMessage) {
		hits = append(hits, "self")
		dispose()
		c.OnNotification("M", func(json.RawMessage) { hits = append(hits, "late") })
	})
	c.OnNotification("M", func(json.RawMessage) { hits = append(hits, "other") })

	conn.inject(`{"method":"M"}`)
	if strings.Join(hits, ",") != "self,other" {
		t.Fatalf("dispatch in progress must use a snapshot, got %v", hits)
	}
}

func TestDispose(t *testing.T) {
	c, conn, sched := newTestClient()

	var notified bool
	c.OnNotification("M", func(json.RawMessage) { notified = true })
	ch := goCall(c, "execute", nil)
	call := conn.nextCall(t)

	c.Dispose()
	c.Dispose()

	if r := await(t, ch); !errors.Is(r.err, ErrDisposed) {
		t.Fatalf("expect ErrDisposed, got %v", r.err)
	}
	if len(sched.Pending()) != 0 {
		t.Fatalf("expect no timers after dispose, got %v", sched.Pending())
	}
	if conn.listeners.Len() != 0 {
		t.Fatal("expect dispose to unsubscribe from the connection")
	}

	conn.inject(`{"method":"M"}`)
	conn.inject(fmt.Sprintf(`{"id":%d,"result":1}`, call.ID))
	if notified {
		t.Fatal("handlers must be cleared by dispose")
	}

	if _, err := c.Call(context.Background(), "x", nil); !errors.Is(err, ErrDisposed) {
		t.Fatalf("expect ErrDisposed after dispose, got %v", err)
	}
}

// disposingScheduler disposes the client while a call is between registration and send.
type disposingScheduler struct {
	clock.Scheduler
	client *Client
}

func (s *disposingScheduler) AfterFunc(d time.Duration, f func()) clock.Timer {
	s.client.Dispose()
	return s.Scheduler.AfterFunc(d, f)
}

func TestDisposeBeforeSendSkipsSend(t *testing.T) {
	conn := newFakeConn()
	sched := &disposingScheduler{Scheduler: clock.NewFake()}
	c := New(conn, WithScheduler(sched))
	sched.client = c

	_, err := c.Call(context.Background(), "execute", map[string]string{"code": "wipe()"})
	if !errors.Is(err, ErrDisposed) {
		t.Fatalf("expect ErrDisposed, got %v", err)
	}
	select {
	case data := <-conn.sent:
		t.Fatalf("disposed call reached the wire: %s", data)
	default:
	}
	if c.Pending() != 0 {
		t.Fatalf("expect empty pending table, got %d", c.Pending())
	}
}

func TestContextCancel(t *testing.T) {
	c, conn, sched := newTestClient()

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, "execute", nil)
		ch <- err
	}()
	conn.nextCall(t)
	cancel()

	select {
	case err := <-ch:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expect context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call ignored cancellation")
	}
	if c.Pending() != 0 || len(sched.Pending()) != 0 {
		t.Fatal("expect cancelled call to clean up")
	}
}

func TestEmptyMethod(t *testing.T) {
	c, _, _ := newTestClient()
	if _, err := c.Call(context.Background(), "", nil); !errors.Is(err, ErrEmptyMethod) {
		t.Fatalf("expect ErrEmptyMethod, got %v", err)
	}
	if err := c.Notify("", nil); !errors.Is(err, ErrEmptyMethod) {
		t.Fatalf("expect ErrEmptyMethod, got %v", err)
	}
}

func TestNotifySends(t *testing.T) {
	c, conn, _ := newTestClient()
	if err := c.Notify("heartbeat", map[string]int{"t": 1}); err != nil {
		t.Fatal(err)
	}
	data := <-conn.sent
	if string(data) != `{"jsonrpc":"2.0","method":"heartbeat","params":{"t":1}}` {
		t.Fatalf("unexpected notification: %s", data)
	}
}

func TestInboundCallIsRefused(t *testing.T) {
	c, conn, _ := newTestClient()
	_ = c

	conn.inject(`{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	data := <-conn.sent
	var resp message.Response
	json.Unmarshal(data, &resp)
	if resp.ID != 7 || resp.Error == nil || resp.Error.Code != message.CodeMethodNotFound {
		t.Fatalf("expect method-not-found reply, got %s", data)
	}
}

func TestMalformedInboundIsDropped(t *testing.T) {
	c, conn, _ := newTestClient()

	ch := goCall(c, "execute", nil)
	call := conn.nextCall(t)

	conn.inject(`{not json`)
	conn.inject(`{"id":1,"result":1,"error":{"code":1,"message":"x"}}`)
	conn.inject(fmt.Sprintf(`{"id":%d,"result":"ok"}`, call.ID))

	if r := await(t, ch); string(r.value) != `"ok"` {
		t.Fatalf("expect ok after malformed input, got %s %v", r.value, r.err)
	}
}

func TestCallInto(t *testing.T) {
	c, conn, _ := newTestClient()

	type execResult struct {
		Success bool   `json:"success"`
		Output  string `json:"output"`
	}
	ch := make(chan execResult, 1)
	go func() {
		r, _ := CallInto[execResult](context.Background(), c, "execute", nil)
		ch <- r
	}()
	call := conn.nextCall(t)
	conn.inject(fmt.Sprintf(`{"id":%d,"result":{"success":true,"output":"hi"}}`, call.ID))

	select {
	case r := <-ch:
		if !r.Success || r.Output != "hi" {
			t.Fatalf("unexpected decode: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CallInto did not return")
	}
}

func TestMiddlewareRetryUsesFreshIDs(t *testing.T) {
	c, conn, _ := newTestClient()

	var seen []string
	c.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, call *message.Call) (json.RawMessage, error) {
			seen = append(seen, call.Method)
			return next(ctx, call)
		}
	})
	c.Use(middleware.Retry(1, time.Millisecond, func(err error) bool {
		var rpcErr *message.RPCError
		return errors.As(err, &rpcErr)
	}, zap.NewNop()))

	ch := goCall(c, "execute", nil)
	first := conn.nextCall(t)
	conn.inject(fmt.Sprintf(`{"id":%d,"error":{"code":-32000,"message":"busy"}}`, first.ID))
	second := conn.nextCall(t)
	if second.ID == first.ID {
		t.Fatal("retry must allocate a new id")
	}
	conn.inject(fmt.Sprintf(`{"id":%d,"result":"done"}`, second.ID))

	if r := await(t, ch); string(r.value) != `"done"` {
		t.Fatalf("expect retried result, got %s %v", r.value, r.err)
	}
	if len(seen) != 1 {
		t.Fatalf("outer middleware should run once, ran %d times", len(seen))
	}
}
