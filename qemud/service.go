package qemud

import "github.com/sagan/qemud/internal/logging"

// ConnectFunc is invoked when a peer's connect: request is accepted
// for a service. It must create and return the Client that will own
// the new channel, typically via (*Multiplexer).NewClient. Returning
// nil causes the connect to be rejected as if the service did not
// exist.
type ConnectFunc func(svc *Service, channel int) *Client

// Service is a named registry entry a peer can connect: to. It owns
// the list of Clients currently attached to it and enforces an
// optional cap on how many may be attached at once.
type Service struct {
	name       string
	maxClients int
	connect    ConnectFunc
	clients    []*Client
	log        logging.Logger
}

// Name returns the service's current registered name. It can change
// exactly once, when a legacy peer's control-channel renaming takes
// effect (see control.go).
func (s *Service) Name() string { return s.name }

// NumClients reports how many clients are currently attached.
func (s *Service) NumClients() int { return len(s.clients) }

// MaxClients returns the configured cap, or 0 for unlimited.
func (s *Service) MaxClients() int { return s.maxClients }

func (s *Service) atCapacity() bool {
	return s.maxClients > 0 && len(s.clients) >= s.maxClients
}

func (s *Service) attach(c *Client) {
	c.service = s
	s.clients = append(s.clients, c)
}

// detach removes c from the service's client list. A client not
// currently attached is tolerated: it is logged and otherwise ignored.
func (s *Service) detach(c *Client) {
	for i, cl := range s.clients {
		if cl == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			return
		}
	}
	s.log.Warn("detach of client not attached to service",
		logging.Field{Key: "service", Value: s.name},
		logging.Field{Key: "channel", Value: c.ChannelID()})
}

// Broadcast sends message to every client currently attached to the
// service. It snapshots the client list first, so a client closing or
// attaching from within a Send side effect cannot corrupt the
// broadcast in progress or be visited twice.
func (s *Service) Broadcast(message []byte) {
	targets := append([]*Client(nil), s.clients...)
	for _, c := range targets {
		if err := c.Send(message); err != nil {
			s.log.Warn("broadcast send failed",
				logging.Field{Key: "service", Value: s.name},
				logging.Field{Key: "channel", Value: c.ChannelID()},
				logging.Field{Key: "error", Value: err.Error()})
		}
	}
}
