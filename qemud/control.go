package qemud

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sagan/qemud/internal/logging"
)

const (
	connectPrefix      = "connect:"
	disconnectPrefix   = "disconnect:"
	okConnectPrefix    = "ok:connect:"
	disconnectMsgLen   = len(disconnectPrefix) + 2
	legacyControlName  = "control"
	legacyControlAlias = "hw-control"
)

func newControlClient(m *Multiplexer) *Client {
	c := newClient(m, 0, nil, nil)
	c.recv = func(data []byte) { m.handleControl(data) }
	return c
}

// handleControl parses one channel-0 control message and drives the
// connect/disconnect/legacy-downgrade state machine described by the
// control-channel protocol table.
func (m *Multiplexer) handleControl(data []byte) {
	text := string(data)

	switch {
	case strings.HasPrefix(text, okConnectPrefix):
		name, channel, ok := parseNamedChannelCommand(text, okConnectPrefix)
		if !ok {
			m.log.Warn("malformed ok:connect control message, dropping", logging.Field{Key: "message", Value: text})
			return
		}
		m.handleLegacyOkConnect(name, channel)

	case strings.HasPrefix(text, connectPrefix):
		name, channel, ok := parseNamedChannelCommand(text, connectPrefix)
		if !ok {
			m.log.Warn("malformed connect control message, dropping", logging.Field{Key: "message", Value: text})
			return
		}
		m.handleConnect(name, channel)

	case strings.HasPrefix(text, disconnectPrefix):
		if len(text) != disconnectMsgLen {
			m.log.Warn("malformed disconnect control message, dropping", logging.Field{Key: "message", Value: text})
			return
		}
		channel, err := parseChannelHex(text[len(disconnectPrefix):])
		if err != nil {
			m.log.Warn("malformed disconnect channel id, dropping", logging.Field{Key: "message", Value: text})
			return
		}
		m.handleDisconnect(channel)

	default:
		if m.codec.Version() == versionLegacy {
			m.log.Warn("unknown control command from legacy peer, ignoring", logging.Field{Key: "message", Value: text})
			return
		}
		m.setControlError("command", -1, "unknown command")
		_ = m.control.Send([]byte("ko:unknown command"))
	}
}

// parseNamedChannelCommand parses "<prefix><name>:<hh>", requiring the
// trailing field to be exactly two hex digits.
func parseNamedChannelCommand(text, prefix string) (name string, channel int, ok bool) {
	rest := text[len(prefix):]
	idx := strings.LastIndex(rest, ":")
	if idx < 0 || len(rest)-idx-1 != 2 {
		return "", 0, false
	}
	name = rest[:idx]
	channel, err := parseChannelHex(rest[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return name, channel, true
}

// parseChannelHex parses a strict 2-hex-digit, strictly-positive
// channel id. Channel 0 is reserved for the control conversation and
// is rejected here even though "00" parses as valid hex.
func parseChannelHex(s string) (int, error) {
	if len(s) != 2 {
		return 0, fmt.Errorf("qemud: channel id must be 2 hex digits, got %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return 0, fmt.Errorf("qemud: %w", ErrChannelReserved)
	}
	return int(v), nil
}

func encodeDisconnect(channel int) string {
	return fmt.Sprintf("disconnect:%02x", channel)
}

func (m *Multiplexer) handleConnect(name string, channel int) {
	svc := m.findService(name)
	if svc == nil {
		m.setControlError("connect", channel, "unknown service")
		_ = m.control.Send([]byte(fmt.Sprintf("ko:connect:%02x:unknown service", channel)))
		return
	}
	if svc.atCapacity() {
		m.setControlError("connect", channel, "service busy")
		_ = m.control.Send([]byte(fmt.Sprintf("ko:connect:%02x:service busy", channel)))
		return
	}

	var client *Client
	if svc.connect != nil {
		client = svc.connect(svc, channel)
	}
	if client == nil {
		m.setControlError("connect", channel, "unknown service")
		_ = m.control.Send([]byte(fmt.Sprintf("ko:connect:%02x:unknown service", channel)))
		return
	}

	_ = m.control.Send([]byte(fmt.Sprintf("ok:connect:%02x", channel)))
}

func (m *Multiplexer) handleDisconnect(channel int) {
	client := m.findClientByChannel(channel)
	if client == nil {
		m.log.Warn("disconnect for unknown channel, dropping", logging.Field{Key: "channel", Value: channel})
		return
	}
	// The peer already knows it is disconnecting; clear the channel id
	// first so Close does not echo a disconnect: back to it.
	client.channelID = -1
	client.Close()
}

// handleLegacyOkConnect processes "ok:connect:<name>:<hh>", the
// legacy-only reply a pre-2.0 qemud daemon sends in answer to the
// legacy probe's connect: requests. Seeing it confirms (or, if the
// header-based detection had not yet run, establishes) that the peer
// is legacy, and drives the connect the same way handleConnect would,
// but without emitting any reply -- the legacy protocol has no
// acknowledgement for this path.
func (m *Multiplexer) handleLegacyOkConnect(name string, channel int) {
	if m.codec.Version() == versionUnknown {
		m.codec.version = versionLegacy
		m.log.Info("legacy protocol detected via ok:connect")
	}
	if m.codec.Version() != versionLegacy {
		m.log.Warn("ok:connect from non-legacy peer, ignoring", logging.Field{Key: "name", Value: name})
		return
	}

	if legacy := m.findService(legacyControlName); legacy != nil {
		legacy.name = legacyControlAlias
	}

	lookup := name
	if lookup == legacyControlName {
		lookup = legacyControlAlias
	}

	svc := m.findService(lookup)
	if svc == nil {
		m.log.Warn("legacy connect to unknown service, dropping", logging.Field{Key: "name", Value: lookup})
		return
	}
	if svc.atCapacity() {
		m.log.Warn("legacy connect to full service, dropping", logging.Field{Key: "name", Value: lookup})
		return
	}
	if svc.connect != nil {
		_ = svc.connect(svc, channel)
	}
}

func (m *Multiplexer) setControlError(op string, channel int, reason string) {
	m.lastControlErr = &ControlError{Op: op, Channel: channel, Reason: reason}
}
