// Package transport provides concrete implementations of qemud's pull-
// based Transport collaborator: an in-process byte pipe for tests and
// bridge adapters, a TCP-socket carrier, and an SSH-tunneled carrier.
package transport

import (
	"bytes"
	"io"
	"sync"
)

// Pipe is one end of an in-process, back-to-back byte pipe. Writing to
// one end makes the bytes available to Read on the other. It has no
// internal goroutine: CanRead/Read/Write are synchronous and safe to
// call from any goroutine, matching the non-blocking contract the
// qemud codec expects from a Transport.
type Pipe struct {
	mu     sync.Mutex
	inbox  bytes.Buffer
	closed bool
	peer   *Pipe
}

// NewPipe returns two connected Pipe endpoints. Bytes written to a are
// read from b, and vice versa.
func NewPipe() (a, b *Pipe) {
	a = &Pipe{}
	b = &Pipe{}
	a.peer = b
	b.peer = a
	return a, b
}

// CanRead reports how many bytes are waiting to be read.
func (p *Pipe) CanRead() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inbox.Len()
}

// Read drains up to len(buf) bytes already buffered. It never blocks:
// an empty buffer with no error means "nothing ready yet", unless the
// peer has closed, in which case it reports io.EOF once drained, since
// no further bytes can ever arrive.
func (p *Pipe) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inbox.Len() == 0 {
		if p.peer.isClosed() {
			return 0, io.EOF
		}
		return 0, nil
	}
	return p.inbox.Read(buf)
}

func (p *Pipe) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Write appends data to the peer's inbox.
func (p *Pipe) Write(data []byte) (int, error) {
	p.peer.mu.Lock()
	defer p.peer.mu.Unlock()
	if p.peer.closed {
		return 0, io.ErrClosedPipe
	}
	return p.peer.inbox.Write(data)
}

// Close marks this end closed; the peer observes io.EOF once its
// inbox drains.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
