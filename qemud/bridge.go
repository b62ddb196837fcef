package qemud

import "github.com/sagan/qemud/transport"

// SetChannel registers a single-client service named name whose sole
// client forwards every payload it receives from the guest verbatim
// to peer, bypassing the connect: handshake. It is the Go counterpart
// of the original get_channel/set_channel pair: a host-side collaborator
// (an emulated device, a bridge adapter) wants a dedicated channel
// wired straight through to something it already owns, rather than
// waiting for the guest to negotiate one.
func (m *Multiplexer) SetChannel(name string, peer Transport) (*Client, error) {
	channel, err := m.allocateChannel()
	if err != nil {
		return nil, err
	}

	svc := m.RegisterService(name, 1, nil)
	client := m.NewClient(svc, channel, func(data []byte) {
		_, _ = peer.Write(data)
	}, nil)
	return client, nil
}

// GetChannel registers a single-client service named name and returns
// the caller's end of a fresh in-process pipe whose other end is
// wired to that service's sole client. Bytes the guest sends arrive as
// Reads on the returned Transport; bytes written to it are forwarded
// to the guest on the allocated channel.
func (m *Multiplexer) GetChannel(name string) (Transport, error) {
	channel, err := m.allocateChannel()
	if err != nil {
		return nil, err
	}

	hostSide, callerSide := transport.NewPipe()
	svc := m.RegisterService(name, 1, nil)
	m.NewClient(svc, channel, func(data []byte) {
		_, _ = hostSide.Write(data)
	}, func() { _ = hostSide.Close() })

	return callerSide, nil
}

// PumpPeer drains whatever bytes are currently available on peer and
// forwards them through client. It is the other half of SetChannel and
// GetChannel: something outside the core (the bridge adapter) must
// call it to carry bytes from the peer endpoint back into the guest,
// since Transport is pull-based and the core never starts goroutines
// of its own.
func PumpPeer(client *Client, peer Transport) error {
	n := peer.CanRead()
	if n <= 0 {
		return nil
	}
	buf := make([]byte, n)
	got, err := peer.Read(buf)
	if got > 0 {
		if sendErr := client.Send(buf[:got]); sendErr != nil {
			return sendErr
		}
	}
	return err
}
