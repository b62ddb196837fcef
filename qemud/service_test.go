package qemud

import "testing"

func TestServiceAttachDetachTracksClients(t *testing.T) {
	m, _ := newTestMultiplexer()
	svc := m.RegisterService("gsm", 0, nil)

	c1 := m.NewClient(svc, 3, nil, nil)
	c2 := m.NewClient(svc, 4, nil, nil)

	if svc.NumClients() != 2 {
		t.Fatalf("NumClients() = %d, want 2", svc.NumClients())
	}

	c1.Close()
	if svc.NumClients() != 1 {
		t.Fatalf("NumClients() after close = %d, want 1", svc.NumClients())
	}
	if svc.clients[0] != c2 {
		t.Fatalf("expected remaining client to be c2")
	}
}

func TestServiceAtCapacity(t *testing.T) {
	m, _ := newTestMultiplexer()
	svc := m.RegisterService("gps", 1, nil)
	m.NewClient(svc, 3, nil, nil)

	if !svc.atCapacity() {
		t.Fatal("expected service at capacity after one client with maxClients=1")
	}
}

func TestServiceUnlimitedNeverAtCapacity(t *testing.T) {
	m, _ := newTestMultiplexer()
	svc := m.RegisterService("logcat", 0, nil)
	for i := 1; i <= 5; i++ {
		m.NewClient(svc, i, nil, nil)
	}
	if svc.atCapacity() {
		t.Fatal("expected unlimited service to never report at capacity")
	}
}

func TestServiceBroadcastSendsToAllAttachedClients(t *testing.T) {
	m, tr := newTestMultiplexer()
	svc := m.RegisterService("gsm", 0, nil)
	m.NewClient(svc, 3, nil, nil)
	m.NewClient(svc, 4, nil, nil)

	svc.Broadcast([]byte("ring"))

	// attach() appends, so clients are visited in attach order: 3 then 4.
	want := "03" + "0004" + "ring" + "04" + "0004" + "ring"
	if string(tr.written) != want {
		t.Fatalf("written = %q, want %q", tr.written, want)
	}
}

func TestServiceBroadcastToEmptyServiceIsNoop(t *testing.T) {
	m, tr := newTestMultiplexer()
	svc := m.RegisterService("gsm", 0, nil)

	svc.Broadcast([]byte("x"))

	if len(tr.written) != 0 {
		t.Fatalf("written = %q, want empty", tr.written)
	}
}
