package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
)

const pipeBuffer = 128

// pipeConn is one end of an in-memory Conn pair. Closing either end closes both.
type pipeConn struct {
	in    <-chan []byte
	out   chan<- []byte
	done  chan struct{}
	close func()
}

// Pipe returns two connected Conns. Each direction buffers up to 128 messages before
// WriteMessage blocks.
func Pipe() (Conn, Conn) {
	a := make(chan []byte, pipeBuffer)
	b := make(chan []byte, pipeBuffer)
	done := make(chan struct{})
	var once sync.Once
	closeFn := func() { once.Do(func() { close(done) }) }

	return &pipeConn{in: a, out: b, done: done, close: closeFn},
		&pipeConn{in: b, out: a, done: done, close: closeFn}
}

func (p *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		return nil, io.EOF
	}
}

func (p *pipeConn) WriteMessage(data []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	msg := make([]byte, len(data))
	copy(msg, data)
	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *pipeConn) Close() error {
	p.close()
	return nil
}

// PipeListener is an in-memory Listener. Connect plays the dialing peer: it returns the
// peer's end and queues the other end for Accept.
type PipeListener struct {
	mu       sync.Mutex
	closed   bool
	accepted chan Conn
	done     chan struct{}
}

func NewPipeListener() *PipeListener {
	return &PipeListener{
		accepted: make(chan Conn, 8),
		done:     make(chan struct{}),
	}
}

// Connect creates a pipe, queues the server end for Accept and returns the peer end.
// It fails with ErrClosed once the listener is closed, or when the backlog is full.
func (l *PipeListener) Connect() (Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	local, remote := Pipe()
	select {
	case l.accepted <- remote:
		return local, nil
	default:
		return nil, fmt.Errorf("pipe listener backlog full: %w", ErrClosed)
	}
}

func (l *PipeListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.accepted:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *PipeListener) Addr() string {
	return "pipe://"
}

// Close stops Accept and closes connections that were queued but never accepted.
func (l *PipeListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.done)
	for {
		select {
		case c := <-l.accepted:
			c.Close()
		default:
			return nil
		}
	}
}
