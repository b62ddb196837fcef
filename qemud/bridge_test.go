package qemud

import (
	"testing"

	"github.com/sagan/qemud/transport"
)

func TestSetChannelForwardsGuestBytesToPeer(t *testing.T) {
	m, _ := newTestMultiplexer()
	a, b := transport.NewPipe()

	client, err := m.SetChannel("gps-bridge", a)
	if err != nil {
		t.Fatalf("SetChannel: %v", err)
	}

	client.receive([]byte("$GPGGA"))

	buf := make([]byte, 16)
	n, err := b.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "$GPGGA" {
		t.Fatalf("got = %q, want %q", buf[:n], "$GPGGA")
	}
}

func TestGetChannelRoundTrip(t *testing.T) {
	m, tr := newTestMultiplexer()

	peer, err := m.GetChannel("hw-control")
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}

	client := m.findClientByChannel(1)
	if client == nil {
		t.Fatal("expected a client allocated on channel 1")
	}

	client.receive([]byte("from-guest"))
	buf := make([]byte, 32)
	n, _ := peer.Read(buf)
	if string(buf[:n]) != "from-guest" {
		t.Fatalf("got = %q", buf[:n])
	}

	if _, err := peer.Write([]byte("to-guest")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := PumpPeer(client, peer); err != nil {
		t.Fatalf("PumpPeer: %v", err)
	}
	if string(tr.written) != wireRecord(1, "to-guest") {
		t.Fatalf("written = %q", tr.written)
	}
}

func TestAllocateChannelSkipsUsed(t *testing.T) {
	m, _ := newTestMultiplexer()
	m.NewClient(nil, 1, nil, nil)

	ch, err := m.allocateChannel()
	if err != nil {
		t.Fatalf("allocateChannel: %v", err)
	}
	if ch != 2 {
		t.Fatalf("allocateChannel() = %d, want 2", ch)
	}
}
