package qemud

import "testing"

func TestControlConnectSuccess(t *testing.T) {
	m, tr := newTestMultiplexer()
	m.RegisterService("gsm", 0, func(svc *Service, channel int) *Client {
		return m.NewClient(svc, channel, nil, nil)
	})

	m.handleControl([]byte("connect:gsm:42"))

	if string(tr.written) != wireRecord(0, "ok:connect:42") {
		t.Fatalf("written = %q", tr.written)
	}
	if c := m.findClientByChannel(0x42); c == nil {
		t.Fatal("expected client attached on channel 0x42")
	}
}

func TestControlConnectUnknownService(t *testing.T) {
	m, tr := newTestMultiplexer()

	m.handleControl([]byte("connect:bogus:07"))

	if string(tr.written) != wireRecord(0, "ko:connect:07:unknown service") {
		t.Fatalf("written = %q", tr.written)
	}
}

func TestControlConnectServiceBusy(t *testing.T) {
	m, tr := newTestMultiplexer()
	svc := m.RegisterService("gsm", 1, func(svc *Service, channel int) *Client {
		return m.NewClient(svc, channel, nil, nil)
	})
	m.NewClient(svc, 1, nil, nil)

	m.handleControl([]byte("connect:gsm:02"))

	if string(tr.written) != wireRecord(0, "ko:connect:02:service busy") {
		t.Fatalf("written = %q", tr.written)
	}
}

func TestControlDisconnectClosesClient(t *testing.T) {
	m, tr := newTestMultiplexer()
	closed := false
	m.NewClient(nil, 0x09, nil, func() { closed = true })

	m.handleControl([]byte("disconnect:09"))

	if !closed {
		t.Fatal("expected client's close callback to fire")
	}
	if c := m.findClientByChannel(0x09); c != nil {
		t.Fatal("expected channel freed after disconnect")
	}
	if len(tr.written) != 0 {
		t.Fatalf("written = %q, want empty (no echoed disconnect: on channel 0)", tr.written)
	}
}

func TestControlDisconnectUnknownChannelIsDropped(t *testing.T) {
	m, tr := newTestMultiplexer()

	m.handleControl([]byte("disconnect:aa"))

	if len(tr.written) != 0 {
		t.Fatalf("written = %q, want empty (no reply for unknown disconnect)", tr.written)
	}
}

func TestControlDisconnectWrongLengthIsDropped(t *testing.T) {
	m, tr := newTestMultiplexer()

	m.handleControl([]byte("disconnect:9")) // one hex digit short

	if len(tr.written) != 0 {
		t.Fatalf("written = %q, want empty", tr.written)
	}
}

func TestControlUnknownCommandReplies(t *testing.T) {
	m, tr := newTestMultiplexer()

	m.handleControl([]byte("frobnicate"))

	if string(tr.written) != wireRecord(0, "ko:unknown command") {
		t.Fatalf("written = %q", tr.written)
	}
}

func TestControlUnknownCommandSilentWhenLegacy(t *testing.T) {
	m, tr := newTestMultiplexer()
	m.codec.version = versionLegacy

	m.handleControl([]byte("frobnicate"))

	if len(tr.written) != 0 {
		t.Fatalf("written = %q, want empty under legacy", tr.written)
	}
}

func TestControlChannelZeroRejected(t *testing.T) {
	m, tr := newTestMultiplexer()
	m.RegisterService("gsm", 0, func(svc *Service, channel int) *Client {
		return m.NewClient(svc, channel, nil, nil)
	})

	// connect:<name>:00 must be rejected outright, not echoed as a
	// connect attempt on channel 0.
	m.handleControl([]byte("connect:gsm:00"))

	if len(tr.written) != 0 {
		t.Fatalf("written = %q, want empty for reserved channel 0", tr.written)
	}
}

func TestControlLegacyOkConnectRenamesControlService(t *testing.T) {
	m, tr := newTestMultiplexer()
	var attachedOn int
	m.RegisterService("control", 1, func(svc *Service, channel int) *Client {
		attachedOn = channel
		return m.NewClient(svc, channel, nil, nil)
	})

	m.handleControl([]byte("ok:connect:control:03"))

	if m.codec.Version() != versionLegacy {
		t.Fatal("expected ok:connect: to establish legacy version")
	}
	if attachedOn != 3 {
		t.Fatalf("attachedOn = %d, want 3", attachedOn)
	}
	if got := m.findService("hw-control"); got == nil {
		t.Fatal("expected control service renamed to hw-control")
	}
	if len(tr.written) != 0 {
		t.Fatalf("written = %q, want empty (legacy downgrade emits no reply)", tr.written)
	}
}

func TestControlLegacyOkConnectIgnoredUnderNormal(t *testing.T) {
	m, tr := newTestMultiplexer()
	m.codec.version = versionNormal
	m.RegisterService("gsm", 0, func(svc *Service, channel int) *Client {
		return m.NewClient(svc, channel, nil, nil)
	})

	m.handleControl([]byte("ok:connect:gsm:03"))

	if c := m.findClientByChannel(3); c != nil {
		t.Fatal("expected ok:connect: to be ignored once version is already normal")
	}
	if len(tr.written) != 0 {
		t.Fatalf("written = %q, want empty", tr.written)
	}
}

func TestParseChannelHexRejectsZero(t *testing.T) {
	if _, err := parseChannelHex("00"); err == nil {
		t.Fatal("expected error for reserved channel 00")
	}
}

func TestParseChannelHexCaseInsensitive(t *testing.T) {
	lower, err := parseChannelHex("ab")
	if err != nil {
		t.Fatalf("parseChannelHex(ab): %v", err)
	}
	upper, err := parseChannelHex("AB")
	if err != nil {
		t.Fatalf("parseChannelHex(AB): %v", err)
	}
	if lower != upper || lower != 0xab {
		t.Fatalf("lower=%d upper=%d, want both 0xab", lower, upper)
	}
}

// wireRecord renders the bytes a normal-orientation codec would write
// for a single-record Send(0, false, []byte(payload)).
func wireRecord(channel int, payload string) string {
	hdr := encodeHeader(channel, len(payload), versionNormal)
	return string(hdr[:]) + payload
}

func TestControlConnectMalformedLengthDropped(t *testing.T) {
	m, tr := newTestMultiplexer()

	m.handleControl([]byte("connect:gsm:4")) // trailing field too short

	if len(tr.written) != 0 {
		t.Fatalf("written = %q, want empty", tr.written)
	}
}
