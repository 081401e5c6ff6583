package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"lua-bridge/protocol"
)

// tcpConn carries one protocol frame per message. Heartbeat frames are consumed here and
// never surface from ReadMessage.
type tcpConn struct {
	conn      net.Conn
	reader    *bufio.Reader
	writeMu   sync.Mutex // A frame must be written whole; heartbeats and messages share the conn
	done      chan struct{}
	closeOnce sync.Once
}

func newTCPConn(c net.Conn, keepAlive time.Duration) *tcpConn {
	t := &tcpConn{
		conn:   c,
		reader: bufio.NewReaderSize(c, 64*1024),
		done:   make(chan struct{}),
	}
	if keepAlive > 0 {
		go t.heartbeatLoop(keepAlive)
	}
	return t
}

func (t *tcpConn) ReadMessage() ([]byte, error) {
	for {
		header, body, err := protocol.Decode(t.reader)
		if err != nil {
			return nil, err
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		return body, nil
	}
}

func (t *tcpConn) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return protocol.Encode(t.conn, &protocol.Header{MsgType: protocol.MsgTypeData, BodyLen: uint32(len(data))}, data)
}

func (t *tcpConn) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

// heartbeatLoop writes empty heartbeat frames so idle NAT and proxy entries stay open.
func (t *tcpConn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		t.writeMu.Lock()
		err := protocol.Encode(t.conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
		t.writeMu.Unlock()
		if err != nil {
			return // Broken conn; the reader sees the error and reports the loss
		}
	}
}

// TCPDialer dials "tcp://host:port" (or bare "host:port") endpoints.
type TCPDialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration // Interval between heartbeat frames, 0 disables
}

func (d *TCPDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	c, err := nd.DialContext(ctx, "tcp", strings.TrimPrefix(endpoint, "tcp://"))
	if err != nil {
		return nil, err
	}
	return newTCPConn(c, d.KeepAlive), nil
}

// TCPListener accepts framed TCP peers.
type TCPListener struct {
	ln        net.Listener
	keepAlive time.Duration
}

func ListenTCP(addr string, keepAlive time.Duration) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPListener{ln: ln, keepAlive: keepAlive}, nil
}

type acceptResult struct {
	conn net.Conn
	err  error
}

func (l *TCPListener) Accept(ctx context.Context) (Conn, error) {
	ch := make(chan acceptResult, 1)
	go func() {
		c, err := l.ln.Accept()
		ch <- acceptResult{c, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, net.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, r.err
		}
		return newTCPConn(r.conn, l.keepAlive), nil
	case <-ctx.Done():
		// The pending Accept still owns a goroutine; close whatever it yields.
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (l *TCPListener) Addr() string {
	return "tcp://" + l.ln.Addr().String()
}

func (l *TCPListener) Close() error {
	return l.ln.Close()
}
