package transport

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"
)

// TCP wraps a net.Conn with the buffering a pull-based Transport
// needs: a background goroutine reads from the socket as fast as the
// kernel delivers bytes and appends them to an internal buffer that
// CanRead/Read drain from without blocking.
type TCP struct {
	conn net.Conn

	mu      sync.Mutex
	inbox   bytes.Buffer
	readErr error
}

// DialTCP connects to addr and returns a Transport wrapping the
// resulting socket.
func DialTCP(addr string, timeout time.Duration) (*TCP, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return NewTCP(conn), nil
}

// NewTCP wraps an already-established connection.
func NewTCP(conn net.Conn) *TCP {
	t := &TCP{conn: conn}
	go t.pump()
	return t
}

func (t *TCP) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := t.conn.Read(buf)
		t.mu.Lock()
		if n > 0 {
			t.inbox.Write(buf[:n])
		}
		if err != nil {
			t.readErr = err
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()
	}
}

// CanRead reports how many bytes are currently buffered.
func (t *TCP) CanRead() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inbox.Len()
}

// Read drains up to len(p) buffered bytes. Once the buffer is empty it
// surfaces the pump goroutine's terminal error, if any.
func (t *TCP) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inbox.Len() == 0 {
		if t.readErr != nil {
			return 0, t.readErr
		}
		return 0, nil
	}
	return t.inbox.Read(p)
}

// Write forwards p to the socket.
func (t *TCP) Write(p []byte) (int, error) {
	return t.conn.Write(p)
}

// Close closes the underlying connection.
func (t *TCP) Close() error {
	return t.conn.Close()
}
