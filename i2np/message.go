// Package i2np implements the I2NP message envelope (spec §3): the
// abstract payload unit carried by tunnels and transports. It generalizes
// the teacher's cell.Cell (a fixed/variable-length Tor wire unit with a
// thin accessor layer over a raw byte slice) to I2P's self-describing
// message header: type byte, 32-bit message ID, 64-bit expiration, 16-bit
// size, and a 1-byte payload checksum.
package i2np

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-i2p/router/crypto"
)

// Message type constants (spec §6, bit-exact).
const (
	TypeDatabaseStore           uint8 = 1
	TypeDatabaseLookup          uint8 = 2
	TypeDatabaseSearchReply     uint8 = 3
	TypeDeliveryStatus          uint8 = 10
	TypeGarlic                  uint8 = 11
	TypeTunnelData               uint8 = 18
	TypeTunnelGateway            uint8 = 19
	TypeData                     uint8 = 20
	TypeTunnelBuild              uint8 = 21
	TypeTunnelBuildReply         uint8 = 22
	TypeVariableTunnelBuild       uint8 = 23
	TypeVariableTunnelBuildReply uint8 = 24
)

// HeaderLen is the fixed I2NP header size: 1 (type) + 4 (msgID) + 8
// (expiration) + 2 (size) + 1 (checksum) = 16 bytes (spec §6).
const HeaderLen = 16

// MaxClockSkew bounds how far an I2NP message's expiration may lie from
// the local clock, in either direction, before it is rejected (spec §3
// invariant).
const MaxClockSkew = time.Minute

// Message is a parsed I2NP message.
type Message struct {
	Type       uint8
	MessageID  uint32
	Expiration time.Time // millisecond precision on the wire
	Payload    []byte
}

// New builds a Message with the given type, ID, TTL from now, and payload.
func New(msgType uint8, messageID uint32, ttl time.Duration, payload []byte) *Message {
	return &Message{
		Type:       msgType,
		MessageID:  messageID,
		Expiration: time.Now().Add(ttl),
		Payload:    payload,
	}
}

// Marshal serializes the message to its on-wire form: header + payload.
func (m *Message) Marshal() ([]byte, error) {
	if len(m.Payload) > 0xFFFF {
		return nil, fmt.Errorf("i2np: payload length %d exceeds uint16 range", len(m.Payload))
	}
	out := make([]byte, HeaderLen+len(m.Payload))
	out[0] = m.Type
	binary.BigEndian.PutUint32(out[1:5], m.MessageID)
	binary.BigEndian.PutUint64(out[5:13], uint64(m.Expiration.UnixMilli()))
	binary.BigEndian.PutUint16(out[13:15], uint16(len(m.Payload)))
	out[15] = payloadChecksum(m.Payload)
	copy(out[HeaderLen:], m.Payload)
	return out, nil
}

// payloadChecksum is the first byte of SHA-256(payload) (spec §3).
func payloadChecksum(payload []byte) byte {
	sum := crypto.SHA256(payload)
	return sum[0]
}

// Unmarshal parses buf (header + payload) into a Message. It validates
// that the declared payload length matches what follows and that the
// checksum byte matches (spec §3 invariant: "payload length matches
// header"); it does NOT check the expiration clock-skew invariant, which
// depends on wall-clock time at accept time — call CheckExpiration
// separately once the caller's trusted clock is available.
func Unmarshal(buf []byte) (*Message, int, error) {
	if len(buf) < HeaderLen {
		return nil, 0, fmt.Errorf("i2np: buffer shorter than header (%d < %d)", len(buf), HeaderLen)
	}
	msgType := buf[0]
	msgID := binary.BigEndian.Uint32(buf[1:5])
	expMs := binary.BigEndian.Uint64(buf[5:13])
	size := int(binary.BigEndian.Uint16(buf[13:15]))
	checksum := buf[15]

	if len(buf) < HeaderLen+size {
		return nil, 0, fmt.Errorf("i2np: declared payload size %d exceeds buffer (%d remaining)", size, len(buf)-HeaderLen)
	}
	payload := buf[HeaderLen : HeaderLen+size]
	if got := payloadChecksum(payload); got != checksum {
		return nil, 0, fmt.Errorf("i2np: payload checksum mismatch (got %02x, want %02x)", got, checksum)
	}

	msg := &Message{
		Type:       msgType,
		MessageID:  msgID,
		Expiration: time.UnixMilli(int64(expMs)).UTC(),
		Payload:    append([]byte(nil), payload...),
	}
	return msg, HeaderLen + size, nil
}

// CheckExpiration validates the §3 invariant that a message's expiration
// lies within ±1 minute of now at accept time.
func (m *Message) CheckExpiration(now time.Time) error {
	diff := m.Expiration.Sub(now)
	if diff > MaxClockSkew || diff < -MaxClockSkew {
		return fmt.Errorf("i2np: expiration %v outside ±%v of local clock %v", m.Expiration, MaxClockSkew, now)
	}
	return nil
}

// TypeName returns a human-readable name for logging.
func TypeName(t uint8) string {
	switch t {
	case TypeDatabaseStore:
		return "DatabaseStore"
	case TypeDatabaseLookup:
		return "DatabaseLookup"
	case TypeDatabaseSearchReply:
		return "DatabaseSearchReply"
	case TypeDeliveryStatus:
		return "DeliveryStatus"
	case TypeGarlic:
		return "Garlic"
	case TypeTunnelData:
		return "TunnelData"
	case TypeTunnelGateway:
		return "TunnelGateway"
	case TypeData:
		return "Data"
	case TypeTunnelBuild:
		return "TunnelBuild"
	case TypeTunnelBuildReply:
		return "TunnelBuildReply"
	case TypeVariableTunnelBuild:
		return "VariableTunnelBuild"
	case TypeVariableTunnelBuildReply:
		return "VariableTunnelBuildReply"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}
