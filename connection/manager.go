// Package connection owns the single physical channel between the bridge and a target.
//
// The Manager dials (client role) or accepts (server role) one transport.Conn at a time,
// broadcasts every inbound message to its message listeners in arrival order, and rejects
// sends unless a peer is attached. After an unexpected loss it reconnects on its own with
// exponential backoff, up to a maximum number of attempts:
//
//	Disconnected ──Connect──► Connecting ──ok──► Connected ──loss──► Error ──timer──► Connecting
//	      ▲                        │                                  │
//	      └──────────fail──────────┘◄────────── attempts exhausted ───┘
//
// Only a read error on the live conn counts as a loss. A failed Send is reported to its
// caller and does not touch the state; Disconnect never schedules a reconnect.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"lua-bridge/clock"
	"lua-bridge/observer"
	"lua-bridge/transport"
)

var (
	// ErrNotConnected is returned by Send when no peer is attached.
	ErrNotConnected = errors.New("connection: not connected")

	// ErrSuperseded is returned by a connection attempt that Disconnect overtook.
	ErrSuperseded = errors.New("connection: attempt cancelled by disconnect")

	errNoEndpoint = errors.New("no endpoint configured")
	errNoListener = errors.New("no listener configured")
)

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultDialTimeout = 10 * time.Second
)

// StateListener observes every state transition. It is never called with from == to.
type StateListener func(from, to State)

// MessageListener receives each inbound message exactly as the transport delivered it.
type MessageListener func(data []byte)

type Options struct {
	Role Role

	// Client role.
	Endpoint    EndpointSource
	Dialer      transport.Dialer // Defaults to a WebSocket dialer
	DialTimeout time.Duration

	// Server role: Listen binds the listener on Connect.
	Listen func(ctx context.Context) (transport.Listener, error)

	// Reconnect policy. MaxAttempts 0 disables reconnection.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Heartbeat sends Heartbeat() every HeartbeatInterval while connected. Either zero disables it.
	HeartbeatInterval time.Duration
	Heartbeat         func() []byte

	Scheduler clock.Scheduler
	Logger    *zap.Logger
}

type stateEvent struct {
	from, to State
}

// Manager is safe for concurrent use. Create one per process and pass it to whoever needs it.
type Manager struct {
	opts   Options
	logger *zap.Logger
	sched  clock.Scheduler

	mu       sync.Mutex
	state    State
	conn     transport.Conn
	listener transport.Listener
	gen      uint64 // Bumped by every attempt and by Disconnect; stale attempts compare against it
	attempts int    // Reconnect attempts since the last successful connection

	reconnectTimer clock.Timer
	reconnectToken uint64
	heartbeatTimer clock.Timer
	heartbeatToken uint64

	events   []stateEvent
	flushing bool

	writeMu sync.Mutex

	stateListeners   observer.Registry[StateListener]
	messageListeners observer.Registry[MessageListener]
}

func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = &transport.WebSocketDialer{}
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.Scheduler == nil {
		opts.Scheduler = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		opts:   opts,
		logger: opts.Logger,
		sched:  opts.Scheduler,
		state:  Disconnected,
	}
}

// Backoff returns the delay before reconnect attempt n (0-based): base * 2^n, capped at max.
func Backoff(n int, base, max time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	if n >= 62 {
		return max
	}
	d := base << n
	if d <= 0 || d > max || d>>n != base {
		return max
	}
	return d
}

// Connect dials the target (client role) or binds the listener (server role).
//
// It returns nil immediately if the manager is already Connected, Connecting or Listening,
// so at most one attempt is ever in flight. A manual Connect cancels any pending reconnect
// timer. Its failure is returned to the caller and leaves the manager Disconnected without
// scheduling a retry.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case Connected, Connecting, Listening:
		m.mu.Unlock()
		return nil
	}
	m.stopReconnectLocked()
	gen := m.beginAttemptLocked()
	m.mu.Unlock()
	m.flush()

	if m.opts.Role == RoleServer {
		return m.listen(ctx, gen)
	}
	return m.dial(ctx, gen, false)
}

// Disconnect cancels any pending reconnect, closes the conn and listener, and settles in
// Disconnected. It is idempotent and only the first call emits a state event.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.stopReconnectLocked()
	m.stopHeartbeatLocked()
	m.attempts = 0
	c, l := m.conn, m.listener
	m.conn, m.listener = nil, nil
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	if c != nil {
		c.Close()
	}
	if l != nil {
		l.Close()
	}
	m.flush()
}

// Send writes one message to the attached peer. It never queues: without a peer it fails
// with ErrNotConnected.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	c, state := m.conn, m.state
	m.mu.Unlock()

	if state != Connected || c == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := c.WriteMessage(data); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Drop closes the live conn as if the peer had gone away, so the usual loss handling
// applies and a client-role manager reconnects. It does nothing without a live conn.
func (m *Manager) Drop() {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c != nil {
		m.logger.Info("dropping connection")
		c.Close()
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConnected() bool {
	return m.State() == Connected
}

// Attempts returns the number of reconnect attempts scheduled since the last success.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// OnStateChange registers l and returns its disposer.
func (m *Manager) OnStateChange(l StateListener) (dispose func()) {
	return m.stateListeners.Add(l)
}

// OnMessage registers l for inbound messages and returns its disposer.
func (m *Manager) OnMessage(l MessageListener) (dispose func()) {
	return m.messageListeners.Add(l)
}

func (m *Manager) beginAttemptLocked() uint64 {
	m.gen++
	m.setStateLocked(Connecting)
	return m.gen
}

// dial runs one client-role attempt. fromReconnect decides whether a failure feeds the
// backoff chain or ends in Disconnected.
func (m *Manager) dial(ctx context.Context, gen uint64, fromReconnect bool) error {
	var (
		endpoint string
		c        transport.Conn
		err      = errNoEndpoint
	)
	if m.opts.Endpoint != nil {
		endpoint, err = m.opts.Endpoint.Endpoint(ctx)
	}
	if err == nil {
		dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
		c, err = m.opts.Dialer.Dial(dialCtx, endpoint)
		cancel()
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if c != nil {
			c.Close()
		}
		return ErrSuperseded
	}
	if err != nil {
		m.logger.Warn("connection attempt failed", zap.String("endpoint", endpoint), zap.Error(err))
		m.setStateLocked(Error)
		if fromReconnect {
			m.scheduleReconnectLocked()
		} else {
			m.setStateLocked(Disconnected)
		}
		m.mu.Unlock()
		m.flush()
		return fmt.Errorf("connect %s: %w", endpoint, err)
	}

	m.attachLocked(c)
	m.mu.Unlock()
	m.logger.Info("connected", zap.String("endpoint", endpoint))
	m.flush()

	go m.readLoop(c)
	return nil
}

func (m *Manager) listen(ctx context.Context, gen uint64) error {
	var (
		l   transport.Listener
		err = errNoListener
	)
	if m.opts.Listen != nil {
		l, err = m.opts.Listen(ctx)
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if l != nil {
			l.Close()
		}
		return ErrSuperseded
	}
	if err != nil {
		m.setStateLocked(Error)
		m.setStateLocked(Disconnected)
		m.mu.Unlock()
		m.flush()
		return fmt.Errorf("listen: %w", err)
	}
	m.listener = l
	m.setStateLocked(Listening)
	m.mu.Unlock()
	m.logger.Info("listening", zap.String("addr", l.Addr()))
	m.flush()

	go m.acceptLoop(l, gen)
	return nil
}

// acceptLoop attaches at most one peer at a time. Peers arriving while one is attached are refused.
func (m *Manager) acceptLoop(l transport.Listener, gen uint64) {
	for {
		c, err := l.Accept(context.Background())
		if err != nil {
			m.mu.Lock()
			if gen == m.gen {
				m.logger.Error("listener failed", zap.Error(err))
				m.stopHeartbeatLocked()
				peer := m.conn
				m.conn, m.listener = nil, nil
				m.setStateLocked(Error)
				m.setStateLocked(Disconnected)
				m.mu.Unlock()
				if peer != nil {
					peer.Close()
				}
				l.Close()
				m.flush()
				return
			}
			m.mu.Unlock()
			return
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			c.Close()
			return
		}
		if m.conn != nil {
			m.mu.Unlock()
			m.logger.Warn("refusing second peer while one is attached")
			c.Close()
			continue
		}
		m.attachLocked(c)
		m.mu.Unlock()
		m.logger.Info("peer attached")
		m.flush()

		go m.readLoop(c)
	}
}

func (m *Manager) attachLocked(c transport.Conn) {
	m.conn = c
	m.attempts = 0
	m.stopReconnectLocked()
	m.setStateLocked(Connected)
	m.startHeartbeatLocked()
}

// readLoop is the only reader of c. Messages reach listeners strictly in arrival order.
func (m *Manager) readLoop(c transport.Conn) {
	for {
		data, err := c.ReadMessage()
		if err != nil {
			m.handleLoss(c, err)
			return
		}
		for _, l := range m.messageListeners.Snapshot() {
			m.deliver(l, data)
		}
	}
}

func (m *Manager) deliver(l MessageListener, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("message listener panicked", zap.Any("panic", r))
		}
	}()
	l(data)
}

// handleLoss reacts to a read error on c. It is a no-op unless c is still the live conn,
// which filters out errors caused by Disconnect or by an already-replaced conn.
func (m *Manager) handleLoss(c transport.Conn, err error) {
	m.mu.Lock()
	if m.conn != c {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.stopHeartbeatLocked()
	m.logger.Warn("connection lost", zap.Error(err))

	if m.opts.Role == RoleServer {
		m.setStateLocked(Listening)
	} else {
		m.setStateLocked(Error)
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()

	c.Close()
	m.flush()
}

// scheduleReconnectLocked arms the next reconnect timer, or gives up and settles in
// Disconnected once MaxAttempts is reached. Any earlier timer is cancelled first.
func (m *Manager) scheduleReconnectLocked() {
	if m.attempts >= m.opts.MaxAttempts {
		if m.opts.MaxAttempts > 0 {
			m.logger.Warn("giving up reconnecting", zap.Int("attempts", m.attempts))
		}
		m.attempts = 0
		m.setStateLocked(Disconnected)
		return
	}

	delay := Backoff(m.attempts, m.opts.BaseDelay, m.opts.MaxDelay)
	m.attempts++
	m.stopReconnectLocked()
	m.reconnectToken++
	token := m.reconnectToken
	m.logger.Info("scheduling reconnect", zap.Int("attempt", m.attempts), zap.Duration("delay", delay))
	m.reconnectTimer = m.sched.AfterFunc(delay, func() { m.reconnect(token) })
}

func (m *Manager) reconnect(token uint64) {
	m.mu.Lock()
	if token != m.reconnectToken || m.state != Error {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	gen := m.beginAttemptLocked()
	m.mu.Unlock()
	m.flush()

	// Failures are logged inside dial and feed the next backoff step.
	_ = m.dial(context.Background(), gen, true)
}

func (m *Manager) stopReconnectLocked() {
	m.reconnectToken++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) startHeartbeatLocked() {
	if m.opts.HeartbeatInterval <= 0 || m.opts.Heartbeat == nil {
		return
	}
	m.stopHeartbeatLocked()
	token := m.heartbeatToken
	m.heartbeatTimer = m.sched.AfterFunc(m.opts.HeartbeatInterval, func() { m.beat(token) })
}

// beat sends one heartbeat and re-arms the timer. Send failures are only logged; loss
// detection belongs to the read loop.
func (m *Manager) beat(token uint64) {
	m.mu.Lock()
	if token != m.heartbeatToken || m.state != Connected {
		m.mu.Unlock()
		return
	}
	m.heartbeatTimer = m.sched.AfterFunc(m.opts.HeartbeatInterval, func() { m.beat(token) })
	m.mu.Unlock()

	if err := m.Send(m.opts.Heartbeat()); err != nil {
		m.logger.Debug("heartbeat not sent", zap.Error(err))
	}
}

func (m *Manager) stopHeartbeatLocked() {
	m.heartbeatToken++
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
		m.heartbeatTimer = nil
	}
}

// setStateLocked records a transition for flush to deliver. Same-state writes are dropped.
func (m *Manager) setStateLocked(s State) {
	if s == m.state {
		return
	}
	m.events = append(m.events, stateEvent{from: m.state, to: s})
	m.logger.Debug("state change", zap.Stringer("from", m.state), zap.Stringer("to", s))
	m.state = s
}

// flush delivers queued transitions in order, outside the lock. A listener that triggers
// another transition re-enters flush, which returns at once; the outer loop delivers it.
func (m *Manager) flush() {
	m.mu.Lock()
	if m.flushing {
		m.mu.Unlock()
		return
	}
	m.flushing = true
	for len(m.events) > 0 {
		ev := m.events[0]
		m.events = m.events[1:]
		m.mu.Unlock()

		for _, l := range m.stateListeners.Snapshot() {
			m.notifyState(l, ev)
		}

		m.mu.Lock()
	}
	m.flushing = false
	m.mu.Unlock()
}

func (m *Manager) notifyState(l StateListener, ev stateEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("state listener panicked", zap.Any("panic", r))
		}
	}()
	l(ev.from, ev.to)
}
