// Package bridge wires one connection.Manager and one client.Client together from a
// config.Config and exposes the combined surface to consumers.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lua-bridge/client"
	"lua-bridge/clock"
	"lua-bridge/codec"
	"lua-bridge/config"
	"lua-bridge/connection"
	"lua-bridge/loadbalance"
	"lua-bridge/logging"
	"lua-bridge/message"
	"lua-bridge/middleware"
	"lua-bridge/registry"
	"lua-bridge/transport"
)

const MethodHeartbeat = "heartbeat"

// ReadOnlyMethods leave the target unchanged, so repeating one is harmless. Only these
// are retried.
var ReadOnlyMethods = []string{"get_globals", "get_closures", "get_scripts", "get_script"}

// Options carries the collaborators New would otherwise build from the config.
// Zero fields are derived from Config.
type Options struct {
	Config    *config.Config
	Logger    *zap.Logger
	Scheduler clock.Scheduler
	Dialer    transport.Dialer
	Listen    func(ctx context.Context) (transport.Listener, error)
	Registry  registry.Registry
}

type Bridge struct {
	cfg     *config.Config
	logger  *zap.Logger
	session string

	manager   *connection.Manager
	client    *client.Client
	discovery *connection.DiscoveryEndpoint

	stopWatch     context.CancelFunc
	closeRegistry func() error
}

func New(opts Options) (*Bridge, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Bridge{
		cfg:     cfg,
		logger:  logger,
		session: uuid.NewString(),
	}

	mopts := connection.Options{
		Dialer:            opts.Dialer,
		Listen:            opts.Listen,
		MaxAttempts:       cfg.ReconnectMaxAttempts,
		BaseDelay:         cfg.ReconnectBaseDelay(),
		MaxDelay:          cfg.ReconnectMaxDelay(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		Heartbeat:         b.heartbeat,
		Scheduler:         opts.Scheduler,
		Logger:            logging.Named(logger, "connection"),
	}

	if cfg.Role == "server" {
		mopts.Role = connection.RoleServer
		if mopts.Listen == nil {
			mopts.Listen = b.listen
		}
	} else {
		endpoint, err := b.endpoint(opts.Registry)
		if err != nil {
			return nil, err
		}
		mopts.Endpoint = endpoint
		if mopts.Dialer == nil && cfg.Scheme == "tcp" {
			mopts.Dialer = &transport.TCPDialer{KeepAlive: cfg.HeartbeatInterval()}
		}
	}

	b.manager = connection.NewManager(mopts)
	if b.discovery != nil {
		ctx, cancel := context.WithCancel(context.Background())
		b.stopWatch = cancel
		b.discovery.Watch(ctx, b.targetGone)
	}

	copts := []client.Option{
		client.WithLogger(logging.Named(logger, "client")),
		client.WithDefaultTimeout(cfg.RequestTimeout()),
	}
	if opts.Scheduler != nil {
		copts = append(copts, client.WithScheduler(opts.Scheduler))
	}
	b.client = client.New(b.manager, copts...)
	b.client.Use(middleware.Logging(logging.Named(logger, "rpc")))
	if cfg.Retry.MaxRetries > 0 {
		retry := middleware.Retry(cfg.Retry.MaxRetries, cfg.RetryBaseDelay(), retryable, logging.Named(logger, "retry"))
		b.client.Use(middleware.ForMethods(retry, ReadOnlyMethods...))
	}
	if cfg.RateLimit.PerSecond > 0 {
		b.client.Use(middleware.RateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst))
	}
	return b, nil
}

func (b *Bridge) endpoint(reg registry.Registry) (connection.EndpointSource, error) {
	d := b.cfg.Discovery
	if d.Target == "" {
		return connection.StaticEndpoint(b.cfg.Endpoint()), nil
	}
	if reg == nil {
		etcd, err := registry.NewEtcdRegistry(d.EtcdEndpoints, logging.Named(b.logger, "etcd"))
		if err != nil {
			return nil, fmt.Errorf("discovery: %w", err)
		}
		reg = etcd
		b.closeRegistry = etcd.Close
	}
	bal, err := loadbalance.New(d.Balancer, b.session)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}
	b.discovery = &connection.DiscoveryEndpoint{Registry: reg, Balancer: bal, Target: d.Target}
	return b.discovery, nil
}

// targetGone drops the live conn once its target leaves the registry, so the reconnect
// goes to an instance that is still there.
func (b *Bridge) targetGone(addr string) {
	b.logger.Info("target left discovery", zap.String("addr", addr))
	b.manager.Drop()
}

// retryable covers failures where the call may never have reached the target.
func retryable(err error) bool {
	return errors.Is(err, client.ErrTimeout) || errors.Is(err, client.ErrNotConnected)
}

func (b *Bridge) listen(ctx context.Context) (transport.Listener, error) {
	if b.cfg.Scheme == "tcp" {
		l, err := transport.ListenTCP(b.cfg.ListenAddr, b.cfg.HeartbeatInterval())
		if err != nil {
			return nil, err
		}
		return l, nil
	}
	l, err := transport.ListenWebSocket(b.cfg.ListenAddr, b.cfg.Path)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// heartbeat builds the liveness notification sent while connected.
func (b *Bridge) heartbeat() []byte {
	n, err := message.NewNotification(MethodHeartbeat, map[string]any{
		"session": b.session,
		"ts":      time.Now().UnixMilli(),
	})
	if err != nil {
		return nil
	}
	data, err := codec.Default().Encode(n)
	if err != nil {
		return nil
	}
	return data
}

// Start connects when the config asks for auto-connect.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.cfg.AutoConnect {
		return nil
	}
	return b.Connect(ctx)
}

func (b *Bridge) Connect(ctx context.Context) error {
	return b.manager.Connect(ctx)
}

func (b *Bridge) Disconnect() {
	b.manager.Disconnect()
}

func (b *Bridge) IsConnected() bool {
	return b.manager.IsConnected()
}

func (b *Bridge) State() connection.State {
	return b.manager.State()
}

func (b *Bridge) OnStateChange(l connection.StateListener) (dispose func()) {
	return b.manager.OnStateChange(l)
}

func (b *Bridge) Call(ctx context.Context, method string, params any, opts ...client.CallOption) (json.RawMessage, error) {
	return b.client.Call(ctx, method, params, opts...)
}

func (b *Bridge) Notify(method string, params any) error {
	return b.client.Notify(method, params)
}

func (b *Bridge) OnNotification(method string, h client.NotificationHandler) (dispose func()) {
	return b.client.OnNotification(method, h)
}

// Client exposes the multiplexer, e.g. for client.CallInto.
func (b *Bridge) Client() *client.Client {
	return b.client
}

// Session is the id carried by this bridge's heartbeats.
func (b *Bridge) Session() string {
	return b.session
}

// Dispose fails outstanding calls, closes the connection and releases the registry.
func (b *Bridge) Dispose() {
	if b.stopWatch != nil {
		b.stopWatch()
	}
	b.client.Dispose()
	b.manager.Disconnect()
	if b.closeRegistry != nil {
		if err := b.closeRegistry(); err != nil {
			b.logger.Warn("closing registry", zap.Error(err))
		}
		b.closeRegistry = nil
	}
}
