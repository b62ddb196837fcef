package qemud

import (
	"fmt"

	"github.com/sagan/qemud/internal/logging"
	"github.com/sagan/qemud/internal/metrics"
)

// Multiplexer is the root object of a qemud session: it owns the
// Codec bound to one Transport, the flat list of all attached clients
// (including the channel-0 control client), and the service registry
// peers connect: into. Everything it does is driven synchronously by
// whoever calls Pump; it never starts a goroutine of its own.
type Multiplexer struct {
	transport Transport
	codec     *Codec
	log       logging.Logger
	metrics   *metrics.Recorder

	clients  []*Client
	services []*Service
	control  *Client

	initialized     bool
	lastControlErr  error
	nextBridgeChan  int
}

// New constructs a Multiplexer bound to transport. Call Init before
// pumping any data, so the legacy-detection probe goes out first.
func New(transport Transport) *Multiplexer {
	m := &Multiplexer{
		transport:      transport,
		log:            logging.Default(),
		metrics:        metrics.NewRecorder(),
		nextBridgeChan: 1,
	}
	m.codec = newCodec(transport, m.log, m.dispatch)
	m.codec.metrics = m.metrics
	m.control = newControlClient(m)
	m.clients = append(m.clients, m.control)
	return m
}

// SetLogger replaces the logger used by the multiplexer, its codec,
// and every service registered from this point on.
func (m *Multiplexer) SetLogger(l logging.Logger) {
	if l == nil {
		return
	}
	m.log = l
	m.codec.log = l
	m.control.log = l
}

// Metrics returns the running payload-size statistics recorder.
func (m *Multiplexer) Metrics() *metrics.Recorder { return m.metrics }

// Transport returns the bound transport, initializing the multiplexer
// (sending the legacy probe) on first use if that has not happened
// yet.
func (m *Multiplexer) Transport() (Transport, error) {
	if err := m.Init(); err != nil {
		return nil, err
	}
	return m.transport, nil
}

// Init sends the legacy-detection probe exactly once. It is safe to
// call more than once.
func (m *Multiplexer) Init() error {
	if m.initialized {
		return nil
	}
	if m.transport == nil {
		return ErrNoTransport
	}
	if err := m.codec.PrimeLegacyProbe(); err != nil {
		return fmt.Errorf("qemud: init: %w", err)
	}
	m.initialized = true
	return nil
}

// Pump delivers one chunk of bytes already read from the transport
// into the codec, driving however many records that chunk completes.
func (m *Multiplexer) Pump(data []byte) {
	m.codec.Feed(data)
}

// CanRead reports how many bytes the underlying codec's state machine
// currently wants, mirroring the original daemon's can_read hint: a
// caller sizing its next transport read can use this instead of an
// arbitrary fixed-size buffer.
func (m *Multiplexer) CanRead() int {
	return m.codec.CanRead()
}

// LastControlError returns the most recent negative control-channel
// reply produced by this session, or nil if none has occurred.
func (m *Multiplexer) LastControlError() error { return m.lastControlErr }

// RegisterService adds a named service peers may connect: to.
// maxClients of 0 means unlimited simultaneous clients.
func (m *Multiplexer) RegisterService(name string, maxClients int, connect ConnectFunc) *Service {
	svc := &Service{
		name:       name,
		maxClients: maxClients,
		connect:    connect,
		log:        m.log,
	}
	m.services = append(m.services, svc)
	return svc
}

// Services returns a snapshot of the currently registered services.
func (m *Multiplexer) Services() []*Service {
	return append([]*Service(nil), m.services...)
}

func (m *Multiplexer) findService(name string) *Service {
	for _, s := range m.services {
		if s.name == name {
			return s
		}
	}
	return nil
}

func (m *Multiplexer) findClientByChannel(channel int) *Client {
	for _, c := range m.clients {
		if c.channelID == channel {
			return c
		}
	}
	return nil
}

// NewClient creates a Client occupying channelID, optionally attached
// to svc, and adds it to the multiplexer's flat client list. It is the
// constructor a ConnectFunc is expected to call.
func (m *Multiplexer) NewClient(svc *Service, channelID int, recv RecvFunc, closeFn CloseFunc) *Client {
	c := newClient(m, channelID, recv, closeFn)
	m.clients = append([]*Client{c}, m.clients...)
	if svc != nil {
		svc.attach(c)
	}
	return c
}

func (m *Multiplexer) unlinkClient(c *Client) {
	for i, cl := range m.clients {
		if cl == c {
			m.clients = append(m.clients[:i], m.clients[i+1:]...)
			return
		}
	}
}

// dispatch routes one decoded (channel, payload) record to whichever
// client currently occupies that channel, or drops it with a log line
// if no client is listening there.
func (m *Multiplexer) dispatch(channel int, payload []byte) {
	c := m.findClientByChannel(channel)
	if c == nil {
		m.log.Warn("dropping record for unknown channel", logging.Field{Key: "channel", Value: channel})
		return
	}
	c.receive(payload)
}

// allocateChannel picks the lowest unused channel id above 0 for
// host-initiated (bridge) clients that bypass the connect: handshake.
func (m *Multiplexer) allocateChannel() (int, error) {
	for ch := 1; ch < 256; ch++ {
		if m.findClientByChannel(ch) == nil {
			return ch, nil
		}
	}
	return 0, ErrNoChannelLeft
}
