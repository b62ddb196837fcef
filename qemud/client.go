package qemud

import (
	"github.com/sagan/qemud/internal/logging"
)

// RecvFunc is invoked once per payload a Client delivers to its owner:
// once per wire record when framing is disabled, once per reassembled
// message when framing is enabled.
type RecvFunc func(data []byte)

// CloseFunc is invoked exactly once, when a Client closes, regardless
// of whether the close was initiated locally or by the peer.
type CloseFunc func()

const frameLenDigits = 4

// Client represents one end of a single-channel conversation: either
// the channel-0 control conversation, or a conversation a Service
// accepted after a connect: handshake. It optionally layers an inner
// 4-hex-digit length-prefixed message framing on top of the raw wire
// records the Codec delivers.
type Client struct {
	mux       *Multiplexer
	channelID int
	service   *Service
	recv      RecvFunc
	closeFn   CloseFunc
	closed    bool
	log       logging.Logger

	framing    bool
	needHeader bool
	frameHdr   [frameLenDigits]byte
	frameHdrSn sink
	framePay   []byte
	framePaySn sink
}

func newClient(mux *Multiplexer, channelID int, recv RecvFunc, closeFn CloseFunc) *Client {
	c := &Client{
		mux:        mux,
		channelID:  channelID,
		recv:       recv,
		closeFn:    closeFn,
		log:        mux.log,
		needHeader: true,
	}
	c.frameHdrSn.reset(c.frameHdr[:])
	return c
}

// ChannelID returns the transport channel this client occupies. It is
// -1 once the client has fully closed.
func (c *Client) ChannelID() int { return c.channelID }

// Service returns the Service this client is attached to, or nil for
// the control client and any client created without one.
func (c *Client) Service() *Service { return c.service }

// SetFraming enables or disables the inner message-framing layer.
// Toggling resets any partially accumulated frame; calling it with the
// current value is a no-op.
func (c *Client) SetFraming(enabled bool) {
	if enabled == c.framing {
		return
	}
	c.framing = enabled
	c.needHeader = true
	c.framePay = nil
	c.frameHdrSn.reset(c.frameHdr[:])
}

// Framing reports whether the inner message-framing layer is active.
func (c *Client) Framing() bool { return c.framing }

// Send transmits data on this client's channel through the codec,
// applying the inner framing layer if enabled.
func (c *Client) Send(data []byte) error {
	return c.mux.codec.Send(c.channelID, c.framing, data)
}

// receive is invoked by the multiplexer's dispatch loop with one
// decoded wire-record payload. With framing disabled, the record is
// delivered verbatim. With framing enabled, it is folded into the
// inner length-prefixed message reassembly state machine, taking a
// fast path when an entire frame arrives in a single record.
func (c *Client) receive(data []byte) {
	if !c.framing {
		if c.recv != nil {
			c.recv(data)
		}
		return
	}

	if c.needHeader && c.frameHdrSn.filled == 0 && len(data) >= frameLenDigits {
		if n, err := hex2int(data[:frameLenDigits]); err == nil && n == len(data)-frameLenDigits {
			if c.recv != nil {
				c.recv(data[frameLenDigits:])
			}
			return
		}
	}

	for len(data) > 0 {
		if c.needHeader {
			consumed, full := c.frameHdrSn.append(data)
			data = data[consumed:]
			if !full {
				continue
			}

			length, err := hex2int(c.frameHdr[:])
			c.frameHdrSn.reset(c.frameHdr[:])
			if err != nil || length < 0 {
				c.log.Warn("corrupt inner frame length, dropping",
					logging.Field{Key: "channel", Value: c.channelID})
				continue
			}
			if length == 0 {
				continue
			}

			c.framePay = make([]byte, length)
			c.framePaySn.reset(c.framePay)
			c.needHeader = false
			continue
		}

		consumed, full := c.framePaySn.append(data)
		data = data[consumed:]
		if full {
			payload := c.framePay
			c.framePay = nil
			c.needHeader = true
			if c.recv != nil {
				c.recv(payload)
			}
		}
	}
}

// Close detaches the client from its service, notifies its owner, and
// tells the peer the channel is gone (unless the peer was the one who
// asked for the disconnect). It is idempotent.
func (c *Client) Close() {
	if c.closed {
		return
	}
	c.closed = true

	ch := c.channelID
	c.mux.unlinkClient(c)

	if ch > 0 {
		_ = c.mux.codec.Send(0, false, []byte(encodeDisconnect(ch)))
	}

	if fn := c.closeFn; fn != nil {
		c.closeFn = nil
		fn()
	}
	if c.service != nil {
		svc := c.service
		c.service = nil
		svc.detach(c)
	}
	c.framePay = nil
	c.channelID = -1
}
