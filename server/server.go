// Package server implements the target side of the bridge: a JSON-RPC peer that serves
// registered methods and pushes notifications to every attached peer.
//
// Request processing pipeline:
//
//	Accept conn → handlePeer (single goroutine reads messages)
//	  → Call: go handleRequest → middleware chain → method handler → encode → write response
//	  → Notification: fan out to OnNotification handlers
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lua-bridge/codec"
	"lua-bridge/message"
	"lua-bridge/middleware"
	"lua-bridge/observer"
	"lua-bridge/registry"
	"lua-bridge/transport"
)

var (
	ErrMethodNotFound = errors.New("method not found")
	ErrInvalidParams  = errors.New("invalid params")
	ErrShutdown       = errors.New("server: shut down")
)

// NotificationHandler receives a notification sent by the peer identified by peerID.
type NotificationHandler func(peerID string, params json.RawMessage)

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithCodec(c codec.Codec) Option {
	return func(s *Server) { s.codec = c }
}

// WithRegistry makes Serve publish instance and Shutdown withdraw it.
func WithRegistry(reg registry.Registry, instance registry.Instance, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.instance = instance
		s.ttl = ttl
	}
}

type peer struct {
	id      string
	conn    transport.Conn
	writeMu sync.Mutex
}

func (p *peer) write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(data)
}

type Server struct {
	codec  codec.Codec
	logger *zap.Logger

	mu            sync.RWMutex
	methods       map[string]middleware.HandlerFunc
	middlewares   []middleware.Middleware
	notifications map[string]*observer.Registry[NotificationHandler]
	peers         map[string]*peer
	listener      transport.Listener

	handler  middleware.HandlerFunc // chain built once in Serve
	wg       sync.WaitGroup         // in-flight requests, added under mu
	shutdown atomic.Bool            // set under mu

	registry registry.Registry
	instance registry.Instance
	ttl      int64
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		codec:         codec.Default(),
		logger:        zap.NewNop(),
		methods:       make(map[string]middleware.HandlerFunc),
		notifications: make(map[string]*observer.Registry[NotificationHandler]),
		peers:         make(map[string]*peer),
		ttl:           10,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register exposes the rpc-shaped methods of rcvr. See newService for the accepted form.
func (s *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, m := range svc.method {
		if _, dup := s.methods[name]; dup {
			return fmt.Errorf("server: method %s already registered", name)
		}
		s.methods[name] = svc.handler(m)
	}
	return nil
}

// Handle registers h for method, replacing any previous handler.
func (s *Server) Handle(method string, h middleware.HandlerFunc) {
	s.mu.Lock()
	s.methods[method] = h
	s.mu.Unlock()
}

// Use registers a middleware. Middlewares must be added before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.mu.Unlock()
}

// Methods lists the registered method names in sorted order.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) OnNotification(method string, h NotificationHandler) (dispose func()) {
	s.mu.Lock()
	reg, ok := s.notifications[method]
	if !ok {
		reg = &observer.Registry[NotificationHandler]{}
		s.notifications[method] = reg
	}
	s.mu.Unlock()
	return reg.Add(h)
}

// Serve accepts peers from l until ctx is done or Shutdown is called. It returns nil in
// both cases and the accept error otherwise.
func (s *Server) Serve(ctx context.Context, l transport.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
	s.mu.Unlock()

	if s.registry != nil {
		if err := s.registry.Register(ctx, s.instance, s.ttl); err != nil {
			return fmt.Errorf("register %s: %w", s.instance.Name, err)
		}
		s.logger.Info("registered target", zap.String("name", s.instance.Name), zap.String("addr", s.instance.Addr))
	}

	s.logger.Info("serving", zap.String("addr", l.Addr()))
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if s.shutdown.Load() || ctx.Err() != nil {
				return nil
			}
			return err
		}
		p := &peer{id: uuid.NewString(), conn: conn}
		s.mu.Lock()
		if s.shutdown.Load() {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.peers[p.id] = p
		s.mu.Unlock()
		s.logger.Info("peer attached", zap.String("peer", p.id))
		go s.handlePeer(ctx, p)
	}
}

// Peers returns the ids of attached peers.
func (s *Server) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Notify sends a notification to every attached peer. Per-peer write failures are logged;
// the peer's read loop notices the broken connection on its own.
func (s *Server) Notify(method string, params any) error {
	n, err := message.NewNotification(method, params)
	if err != nil {
		return err
	}
	data, err := s.codec.Encode(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	s.mu.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	for _, p := range peers {
		if err := p.write(data); err != nil {
			s.logger.Debug("notify failed", zap.String("peer", p.id), zap.String("method", method), zap.Error(err))
		}
	}
	return nil
}

// handlePeer reads messages sequentially and answers each call in its own goroutine,
// so one slow method does not hold up the calls behind it.
func (s *Server) handlePeer(ctx context.Context, p *peer) {
	defer func() {
		s.mu.Lock()
		delete(s.peers, p.id)
		s.mu.Unlock()
		p.conn.Close()
		s.logger.Info("peer detached", zap.String("peer", p.id))
	}()

	for {
		data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := s.codec.Decode(data)
		if err != nil {
			s.logger.Warn("dropping inbound message", zap.String("peer", p.id), zap.Error(err))
			continue
		}

		switch env.Kind {
		case message.KindCall:
			if !s.track() {
				s.reply(p, message.NewError(env.Call.ID, message.CodeServerError, ErrShutdown.Error()))
				continue
			}
			go s.handleRequest(ctx, p, env.Call)
		case message.KindNotification:
			s.notify(p.id, env.Notification)
		case message.KindResponse:
			s.logger.Debug("ignoring response", zap.String("peer", p.id), zap.Uint64("id", env.Response.ID))
		}
	}
}

// track counts one more in-flight request unless shutdown has begun. The flag and the
// counter change under s.mu, so Shutdown's Wait never races an Add.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) handleRequest(ctx context.Context, p *peer, call *message.Call) {
	defer s.wg.Done()

	resp := s.invoke(ctx, call)
	s.reply(p, resp)
}

func (s *Server) invoke(ctx context.Context, call *message.Call) (resp *message.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", zap.String("method", call.Method), zap.Any("panic", r))
			resp = message.NewError(call.ID, message.CodeInternalError, fmt.Sprint(r))
		}
	}()

	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()

	result, err := handler(ctx, call)
	if err != nil {
		return errorResponse(call.ID, err)
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return &message.Response{JSONRPC: message.Version, ID: call.ID, Result: result}
}

func errorResponse(id uint64, err error) *message.Response {
	var rpcErr *message.RPCError
	switch {
	case errors.As(err, &rpcErr):
		return &message.Response{JSONRPC: message.Version, ID: id, Error: rpcErr}
	case errors.Is(err, ErrMethodNotFound):
		return message.NewError(id, message.CodeMethodNotFound, err.Error())
	case errors.Is(err, ErrInvalidParams):
		return message.NewError(id, message.CodeInvalidParams, err.Error())
	default:
		return message.NewError(id, message.CodeServerError, err.Error())
	}
}

func (s *Server) reply(p *peer, resp *message.Response) {
	data, err := s.codec.Encode(resp)
	if err != nil {
		s.logger.Error("encode response", zap.Uint64("id", resp.ID), zap.Error(err))
		return
	}
	if err := p.write(data); err != nil {
		s.logger.Debug("write response", zap.String("peer", p.id), zap.Uint64("id", resp.ID), zap.Error(err))
	}
}

// dispatch is the innermost handler: it routes the call to the registered method.
func (s *Server) dispatch(ctx context.Context, call *message.Call) (json.RawMessage, error) {
	s.mu.RLock()
	h, ok := s.methods[call.Method]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, call.Method)
	}
	return h(ctx, call)
}

func (s *Server) notify(peerID string, n *message.Notification) {
	s.mu.RLock()
	reg := s.notifications[n.Method]
	s.mu.RUnlock()
	if reg == nil {
		return
	}
	for _, h := range reg.Snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("notification handler panicked", zap.String("method", n.Method), zap.Any("panic", r))
				}
			}()
			h(peerID, n.Params)
		}()
	}
}

// Shutdown withdraws the registry entry, stops accepting peers, waits up to timeout for
// in-flight requests and then closes every peer.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		return nil
	}
	s.shutdown.Store(true)
	s.mu.Unlock()

	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.registry.Deregister(ctx, s.instance.Name, s.instance.Addr); err != nil {
			s.logger.Warn("deregister failed", zap.String("name", s.instance.Name), zap.Error(err))
		}
		cancel()
	}

	s.mu.RLock()
	l := s.listener
	s.mu.RUnlock()
	if l != nil {
		l.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	s.mu.Lock()
	for _, p := range s.peers {
		p.conn.Close()
	}
	s.mu.Unlock()
	return err
}
