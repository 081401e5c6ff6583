// Package client multiplexes JSON-RPC calls and notifications over one connection.
//
// Request processing pipeline:
//
//	Call → middleware chain → roundTrip: allocate id → store pendingCall → arm timer → Send
//	inbound bytes → Decode → Response: settle pending by id
//	                       → Notification: fan out to handlers registered for the method
//
// Every pending call settles exactly once. Whoever removes the entry from the pending table
// (response, timer, context, dispose) is the one that completes it; everyone else finds
// nothing and backs off.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"lua-bridge/clock"
	"lua-bridge/codec"
	"lua-bridge/connection"
	"lua-bridge/message"
	"lua-bridge/middleware"
	"lua-bridge/observer"
)

// Conn is the part of the connection manager the multiplexer needs.
// *connection.Manager satisfies it.
type Conn interface {
	Send(data []byte) error
	IsConnected() bool
	OnMessage(l connection.MessageListener) (dispose func())
}

type NotificationHandler func(params json.RawMessage)

type result struct {
	value json.RawMessage
	err   error
}

type pendingCall struct {
	method string
	done   chan result // buffered, receives exactly one value

	mu      sync.Mutex
	timer   clock.Timer
	settled bool
}

// arm starts the timeout. The timer is created outside p.mu and cancelled at once if the
// call settled in the meantime.
func (p *pendingCall) arm(s clock.Scheduler, d time.Duration, f func()) {
	t := s.AfterFunc(d, f)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		t.Stop()
		return
	}
	p.timer = t
}

func (p *pendingCall) isSettled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settled
}

// stop cancels the timer. It reports false if the call was already stopped.
func (p *pendingCall) stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return false
	}
	p.settled = true
	if p.timer != nil {
		p.timer.Stop()
	}
	return true
}

type Client struct {
	conn      Conn
	codec     codec.Codec
	scheduler clock.Scheduler
	logger    *zap.Logger
	timeout   time.Duration

	nextID  atomic.Uint64
	pending sync.Map // id (uint64) → *pendingCall

	mu          sync.Mutex
	handlers    map[string]*observer.Registry[NotificationHandler]
	middlewares []middleware.Middleware

	unsubscribe func()
	disposed    atomic.Bool
}

// New subscribes to conn's inbound messages. Call Dispose to detach.
func New(conn Conn, opts ...Option) *Client {
	c := &Client{
		conn:      conn,
		codec:     codec.Default(),
		scheduler: clock.Real(),
		logger:    zap.NewNop(),
		timeout:   DefaultTimeout,
		handlers:  make(map[string]*observer.Registry[NotificationHandler]),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.unsubscribe = conn.OnMessage(c.handleMessage)
	return c
}

// Use appends outbound middlewares. The first one registered is the outermost.
func (c *Client) Use(mws ...middleware.Middleware) {
	c.mu.Lock()
	c.middlewares = append(c.middlewares, mws...)
	c.mu.Unlock()
}

// Call sends method with params and waits for the matching response, the timeout,
// ctx cancellation or Dispose, whichever comes first. params may be nil, a
// json.RawMessage, or any value encoding/json can marshal.
//
// Errors are *CallError values; use errors.Is with ErrTimeout, ErrNotConnected or
// ErrDisposed, and errors.As with *message.RPCError for remote failures.
func (c *Client) Call(ctx context.Context, method string, params any, opts ...CallOption) (json.RawMessage, error) {
	if method == "" {
		return nil, ErrEmptyMethod
	}
	if c.disposed.Load() {
		return nil, &CallError{Method: method, Err: ErrDisposed}
	}
	if !c.conn.IsConnected() {
		return nil, &CallError{Method: method, Err: ErrNotConnected}
	}

	o := callOptions{timeout: c.timeout}
	for _, opt := range opts {
		opt(&o)
	}

	call, err := message.NewCall(0, method, params)
	if err != nil {
		return nil, &CallError{Method: method, Err: err}
	}

	c.mu.Lock()
	mws := c.middlewares
	c.mu.Unlock()

	handler := middleware.Chain(mws...)(func(ctx context.Context, call *message.Call) (json.RawMessage, error) {
		return c.roundTrip(ctx, call, o.timeout)
	})
	value, err := handler(ctx, call)
	if err != nil {
		return nil, &CallError{Method: method, Err: err}
	}
	return value, nil
}

// CallInto performs a Call and decodes the result into T.
func CallInto[T any](ctx context.Context, c *Client, method string, params any, opts ...CallOption) (T, error) {
	var out T
	raw, err := c.Call(ctx, method, params, opts...)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &CallError{Method: method, Err: fmt.Errorf("decode result: %w", err)}
	}
	return out, nil
}

// roundTrip is the innermost handler. Each invocation uses a fresh id, so a retried call
// can never be answered by a response meant for an earlier attempt.
func (c *Client) roundTrip(ctx context.Context, call *message.Call, timeout time.Duration) (json.RawMessage, error) {
	out := *call
	out.ID = c.nextID.Add(1)
	id := out.ID

	data, err := c.codec.Encode(&out)
	if err != nil {
		return nil, fmt.Errorf("encode call: %w", err)
	}

	p := &pendingCall{method: call.Method, done: make(chan result, 1)}
	c.pending.Store(id, p)
	if c.disposed.Load() {
		c.settle(id, result{err: ErrDisposed})
		r := <-p.done
		return r.value, r.err
	}
	p.arm(c.scheduler, timeout, func() {
		if c.settle(id, result{err: ErrTimeout}) {
			c.logger.Debug("call timed out", zap.String("method", call.Method), zap.Uint64("id", id))
		}
	})

	// Dispose or the timer may have settled the call already; its caller has its answer
	// and the target must not see the request.
	if p.isSettled() {
		r := <-p.done
		return r.value, r.err
	}
	if err := c.conn.Send(data); err != nil {
		if c.remove(id) {
			return nil, err
		}
	}

	select {
	case r := <-p.done:
		return r.value, r.err
	case <-ctx.Done():
		if c.remove(id) {
			return nil, ctx.Err()
		}
		r := <-p.done
		return r.value, r.err
	}
}

// settle completes the pending call with id. It reports false if no such call is pending.
func (c *Client) settle(id uint64, r result) bool {
	v, ok := c.pending.LoadAndDelete(id)
	if !ok {
		return false
	}
	p := v.(*pendingCall)
	if p.stop() {
		p.done <- r
	}
	return true
}

// remove drops the pending call without completing it, leaving the caller to report.
func (c *Client) remove(id uint64) bool {
	v, ok := c.pending.LoadAndDelete(id)
	if !ok {
		return false
	}
	return v.(*pendingCall).stop()
}

// Notify sends a notification. It does nothing when the connection is down.
func (c *Client) Notify(method string, params any) error {
	if method == "" {
		return ErrEmptyMethod
	}
	if c.disposed.Load() || !c.conn.IsConnected() {
		return nil
	}
	n, err := message.NewNotification(method, params)
	if err != nil {
		return err
	}
	data, err := c.codec.Encode(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := c.conn.Send(data); err != nil {
		c.logger.Debug("notification dropped", zap.String("method", method), zap.Error(err))
	}
	return nil
}

// OnNotification registers h for method. The returned disposer removes exactly this
// registration.
func (c *Client) OnNotification(method string, h NotificationHandler) (dispose func()) {
	if c.disposed.Load() {
		return func() {}
	}
	c.mu.Lock()
	reg, ok := c.handlers[method]
	if !ok {
		reg = &observer.Registry[NotificationHandler]{}
		c.handlers[method] = reg
	}
	c.mu.Unlock()
	return reg.Add(h)
}

// Pending returns the number of calls awaiting a response.
func (c *Client) Pending() int {
	n := 0
	c.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Dispose detaches from the connection, fails every outstanding call with ErrDisposed and
// drops all notification handlers. Safe to call more than once.
func (c *Client) Dispose() {
	if !c.disposed.CompareAndSwap(false, true) {
		return
	}
	c.unsubscribe()

	c.pending.Range(func(k, _ any) bool {
		c.settle(k.(uint64), result{err: ErrDisposed})
		return true
	})

	c.mu.Lock()
	for _, reg := range c.handlers {
		reg.Clear()
	}
	c.handlers = make(map[string]*observer.Registry[NotificationHandler])
	c.mu.Unlock()
}

func (c *Client) handleMessage(data []byte) {
	env, err := c.codec.Decode(data)
	if err != nil {
		c.logger.Warn("dropping inbound message", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}

	switch env.Kind {
	case message.KindResponse:
		resp := env.Response
		r := result{value: resp.Result}
		if resp.Error != nil {
			r = result{err: resp.Error}
		}
		if !c.settle(resp.ID, r) {
			c.logger.Debug("discarding response with no pending call", zap.Uint64("id", resp.ID))
		}
	case message.KindNotification:
		c.dispatch(env.Notification)
	case message.KindCall:
		c.refuse(env.Call)
	}
}

func (c *Client) dispatch(n *message.Notification) {
	c.mu.Lock()
	reg := c.handlers[n.Method]
	c.mu.Unlock()
	if reg == nil {
		return
	}
	for _, h := range reg.Snapshot() {
		c.invoke(n.Method, h, n.Params)
	}
}

func (c *Client) invoke(method string, h NotificationHandler, params json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("notification handler panicked", zap.String("method", method), zap.Any("panic", r))
		}
	}()
	h(params)
}

// refuse answers a peer-initiated call. The multiplexer serves no methods.
func (c *Client) refuse(call *message.Call) {
	resp := message.NewError(call.ID, message.CodeMethodNotFound, "method not found: "+call.Method)
	data, err := c.codec.Encode(resp)
	if err != nil {
		return
	}
	if err := c.conn.Send(data); err != nil {
		c.logger.Debug("cannot answer inbound call", zap.String("method", call.Method), zap.Error(err))
	}
}
