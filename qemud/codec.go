package qemud

import (
	"fmt"
	"strconv"

	"github.com/sagan/qemud/internal/logging"
	"github.com/sagan/qemud/internal/metrics"
)

// MaxSerialPayload is the largest payload a single transport-level
// record may carry. Anything the peer announces above this is treated
// as an overflow record: its bytes are discarded rather than buffered.
const MaxSerialPayload = 4000

const headerLen = 6

// version tracks which of the two wire-header byte orientations the
// peer speaks. It is set exactly once, from the first inbound header
// (or earlier, by a legacy ok:connect control message handled while it
// is still unknown), and is immutable for the remaining lifetime of
// the codec.
type version int

const (
	versionUnknown version = iota
	versionLegacy
	versionNormal
)

// legacyProbeHeader is the exact 6-byte header a legacy peer puts on
// its "ko:unknown command" reply to the probe (length 0x0012, channel
// 0x00, in length-then-channel order). A first inbound header equal to
// it identifies the peer as speaking the legacy header orientation.
const legacyProbeHeader = "001200"

// Codec owns a Transport and turns its raw byte stream into a sequence
// of (channel, payload) records, and the reverse: turning an outbound
// (channel, payload) write into one or more correctly framed and, if
// necessary, fragmented wire records.
//
// A Codec is not safe for concurrent use: it is driven by a single
// cooperative loop that calls Feed with whatever bytes the transport
// most recently made available.
type Codec struct {
	transport Transport
	log       logging.Logger
	metrics   *metrics.Recorder

	onRecord func(channel int, payload []byte)

	version         version
	firstHeaderSeen bool
	probeSent       bool

	needHeader bool
	overflow   int

	headerBuf [headerLen]byte
	headerSnk sink

	scratch    [MaxSerialPayload + 1]byte
	payloadSnk sink
	inChannel  int
	inLen      int
}

// newCodec constructs a Codec bound to transport. onRecord is invoked
// synchronously, from within Feed, once per fully reassembled record.
func newCodec(transport Transport, log logging.Logger, onRecord func(channel int, payload []byte)) *Codec {
	c := &Codec{
		transport:  transport,
		log:        log,
		onRecord:   onRecord,
		needHeader: true,
	}
	c.headerSnk.reset(c.headerBuf[:])
	return c
}

// Version reports the negotiated header orientation. It is
// versionUnknown until the first inbound header has been processed.
func (c *Codec) Version() version { return c.version }

// CanRead reports how many bytes Feed currently wants: the remainder
// of an overflow record being discarded, the remainder of the header,
// or the remainder of the payload.
func (c *Codec) CanRead() int {
	switch {
	case c.overflow > 0:
		return c.overflow
	case c.needHeader:
		return c.headerSnk.remaining()
	default:
		return c.payloadSnk.remaining()
	}
}

// Feed delivers the next chunk of bytes read from the transport. It
// may contain any number of complete or partial records; Feed drives
// the header/payload/overflow state machine until the chunk is fully
// consumed, invoking onRecord once per completed record.
func (c *Codec) Feed(data []byte) {
	for len(data) > 0 {
		switch {
		case c.overflow > 0:
			n := c.overflow
			if n > len(data) {
				n = len(data)
			}
			c.overflow -= n
			data = data[n:]
		case c.needHeader:
			consumed, full := c.headerSnk.append(data)
			data = data[consumed:]
			if full {
				c.onHeaderComplete()
			}
		default:
			consumed, full := c.payloadSnk.append(data)
			data = data[consumed:]
			if full {
				c.onPayloadComplete()
			}
		}
	}
}

func (c *Codec) onHeaderComplete() {
	if !c.firstHeaderSeen {
		c.firstHeaderSeen = true
		if c.version == versionUnknown {
			if string(c.headerBuf[:]) == legacyProbeHeader {
				c.version = versionLegacy
				c.log.Info("legacy protocol detected")
			} else {
				c.version = versionNormal
			}
		}
	}

	v := c.version
	if v == versionUnknown {
		v = versionNormal
	}

	length, channel, err := decodeHeader(c.headerBuf[:], v)
	if err != nil || length <= 0 || channel < 0 {
		c.log.Warn("malformed transport header, dropping",
			logging.Field{Key: "header", Value: string(c.headerBuf[:])})
		c.headerSnk.reset(c.headerBuf[:])
		return
	}

	if length > MaxSerialPayload {
		c.log.Warn("oversize record, discarding",
			logging.Field{Key: "channel", Value: channel},
			logging.Field{Key: "length", Value: length})
		c.metrics.ObserveOverflow()
		c.overflow = length
		c.headerSnk.reset(c.headerBuf[:])
		return
	}

	c.inChannel = channel
	c.inLen = length
	c.payloadSnk.reset(c.scratch[:length])
	c.needHeader = false
}

func (c *Codec) onPayloadComplete() {
	c.scratch[c.inLen] = 0
	payload := c.scratch[:c.inLen]
	c.metrics.Observe(c.inChannel, c.inLen)

	if c.onRecord != nil {
		c.onRecord(c.inChannel, payload)
	}

	c.needHeader = true
	c.headerSnk.reset(c.headerBuf[:])
}

// Send frames message for channel, fragmenting it across as many
// MaxSerialPayload-sized wire records as necessary. When framing is
// true, a 4-hex-digit inner length prefix naming len(message) is
// prepended to the logical byte stream before fragmentation, so the
// far Client reassembles exactly the bytes the caller passed in.
func (c *Codec) Send(channel int, framing bool, message []byte) error {
	if channel < 0 {
		return fmt.Errorf("qemud: send: %w", ErrChannelReserved)
	}
	if len(message) == 0 {
		return nil
	}

	logicalLen := len(message)
	if framing {
		logicalLen += frameHeaderLen
	}

	sentFromMsg := 0
	offset := 0
	first := true
	for offset < logicalLen {
		chunk := logicalLen - offset
		if chunk > MaxSerialPayload {
			chunk = MaxSerialPayload
		}

		hdr := encodeHeader(channel, chunk, c.version)
		if _, err := c.transport.Write(hdr[:]); err != nil {
			return fmt.Errorf("qemud: send: write header: %w", err)
		}

		fromMsg := chunk
		if first && framing {
			if _, err := c.transport.Write([]byte(fmt.Sprintf("%04x", len(message)))); err != nil {
				return fmt.Errorf("qemud: send: write frame length: %w", err)
			}
			fromMsg = chunk - frameHeaderLen
		}
		if fromMsg > 0 {
			if _, err := c.transport.Write(message[sentFromMsg : sentFromMsg+fromMsg]); err != nil {
				return fmt.Errorf("qemud: send: write payload: %w", err)
			}
			sentFromMsg += fromMsg
		}

		offset += chunk
		first = false
	}
	return nil
}

// legacyProbePacket is the exact byte sequence qemud transmits once,
// at startup, before the peer's orientation is known:
//
//	"000100"  + "X"                  -- 1-byte payload (legacy) / 256-byte payload (normal)
//	"000b00"  + "connect:gsm"        -- 11-byte payload (legacy) / garbage tail (normal)
//	"000b00"  + "connect:gps"
//	"000f00"  + "connect:control"
//	"00c210"  + 194 zero bytes       -- drains the bogus 256-byte payload a normal peer expects
//
// A legacy peer parses each header as <length><channel> and reads the
// first record as a 1-byte message "X" on channel 0, which it cannot
// interpret and answers with "001200ko:unknown command" -- the literal
// byte sequence this codec's own first-header check is looking for. A
// normal peer parses the same bytes as <channel><length>, sees a
// single 256-byte payload on channel 0 starting with "X000b00conn...",
// and silently discards it as unparseable control-channel noise.
func legacyProbePacket() []byte {
	b := []byte("000100X")
	b = append(b, "000b00connect:gsm"...)
	b = append(b, "000b00connect:gps"...)
	b = append(b, "000f00connect:control"...)
	b = append(b, "00c210"...)
	b = append(b, make([]byte, 194)...)
	return b
}

// PrimeLegacyProbe transmits the legacy-detection probe exactly once.
// It is a no-op on subsequent calls, and is kept separate from
// newCodec so tests can observe a codec before the probe is sent.
func (c *Codec) PrimeLegacyProbe() error {
	if c.probeSent {
		return nil
	}
	c.probeSent = true

	if _, err := c.transport.Write(legacyProbePacket()); err != nil {
		return fmt.Errorf("qemud: prime legacy probe: %w", err)
	}
	return nil
}

const frameHeaderLen = 4

// decodeHeader splits a 6-byte wire header into its length and channel
// fields according to v's orientation.
func decodeHeader(hdr []byte, v version) (length, channel int, err error) {
	if len(hdr) != headerLen {
		return 0, 0, fmt.Errorf("qemud: header must be %d bytes, got %d", headerLen, len(hdr))
	}
	if v == versionLegacy {
		length, err = hex2int(hdr[0:4])
		if err != nil {
			return 0, 0, err
		}
		channel, err = hex2int(hdr[4:6])
		return length, channel, err
	}
	channel, err = hex2int(hdr[0:2])
	if err != nil {
		return 0, 0, err
	}
	length, err = hex2int(hdr[2:6])
	return length, channel, err
}

// encodeHeader renders a 6-byte wire header for channel/length in v's
// orientation. versionUnknown is treated as versionNormal: the host
// never emits a header before it has decided how to describe itself.
func encodeHeader(channel, length int, v version) [headerLen]byte {
	var out [headerLen]byte
	var s string
	if v == versionLegacy {
		s = fmt.Sprintf("%04x%02x", length, channel)
	} else {
		s = fmt.Sprintf("%02x%04x", channel, length)
	}
	copy(out[:], s)
	return out
}

// hex2int parses an ASCII hex field (case-insensitive) into an int.
func hex2int(s []byte) (int, error) {
	v, err := strconv.ParseUint(string(s), 16, 32)
	if err != nil {
		return -1, err
	}
	return int(v), nil
}
