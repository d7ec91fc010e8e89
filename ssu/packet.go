// Package ssu implements the SSU transport (spec §4.4 C6): an
// unreliable UDP transport with an authenticated-DH session handshake,
// fragmented message delivery with selective ACKs, peer-testing, and
// introducer-based NAT traversal. It generalizes the teacher's cell-framed
// reliable TCP link (link/, cell/) to a connectionless, fragment-and-ACK
// wire format, following the same "encrypt then MAC" packet shape used by
// ntcp's frame layer but keyed per-datagram rather than per-stream.
package ssu

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/go-i2p/router/crypto"
)

// MinPacketLen is the smallest legal SSU packet: MAC(16) + IV(16) + one
// AES block of body.
const MinPacketLen = 16 + 16 + crypto.BlockSize

// NetworkFlag is ORed into the big-endian body-length field covered by
// the MAC, per spec §4.4 "uint16 (body length in big-endian with high
// bit set to network flag)".
const NetworkFlag = 0x8000

// Payload type nibble values (high nibble of the flag byte).
const (
	PayloadSessionRequest   = 0
	PayloadSessionCreated   = 1
	PayloadSessionConfirmed = 2
	PayloadRelayRequest     = 3
	PayloadRelayResponse    = 4
	PayloadRelayIntro       = 5
	PayloadData             = 6
	PayloadPeerTest         = 7
	PayloadSessionDestroyed = 8
)

// Flag-byte bit masks (low nibble plus data-packet control bits, spec §4.4).
const (
	FlagExtendedOptions = 0x08
	FlagExplicitRelayTag = 0x04

	DataFlagExplicitACK    = 0x80
	DataFlagACKBitfields   = 0x40
	DataFlagWantReply      = 0x04
	DataFlagECN            = 0x10
	DataFlagExtended       = 0x02
)

// Packet is a decrypted, MAC-verified SSU datagram.
type Packet struct {
	PayloadType byte
	Flags       byte
	Timestamp   uint32
	Body        []byte // payload after the 1-byte flag + 4-byte timestamp
}

// Seal encrypts and MACs a packet body under macKey/cipherKey (both
// derived from the session's DH shared secret, or from a peer's
// advertised intro-key pre-session), per spec §4.4's packet format:
//
//	MAC = HMAC-MD5-truncated(encryptedBody || IV || len|NetworkFlag)
//	packet = MAC(16) || IV(16) || encryptedBody
func Seal(macKey, cipherKey [32]byte, iv [16]byte, payloadType byte, flags byte, timestampSec uint32, body []byte) ([]byte, error) {
	plain := make([]byte, 1+4+len(body))
	plain[0] = (payloadType << 4) | (flags & 0x0f)
	binary.BigEndian.PutUint32(plain[1:5], timestampSec)
	copy(plain[5:], body)

	padded := padTo16(plain)

	block, err := aes.NewCipher(cipherKey[:])
	if err != nil {
		return nil, fmt.Errorf("ssu: aes cipher: %w", err)
	}
	mode := cipher.NewCBCEncrypter(block, iv[:])
	encBody := make([]byte, len(padded))
	mode.CryptBlocks(encBody, padded)

	var lenField [2]byte
	binary.BigEndian.PutUint16(lenField[:], uint16(len(encBody))|NetworkFlag)

	mac := crypto.SSUMAC(macKey[:], append(append(append([]byte(nil), encBody...), iv[:]...), lenField[:]...))

	out := make([]byte, 0, 16+16+len(encBody))
	out = append(out, mac[:]...)
	out = append(out, iv[:]...)
	out = append(out, encBody...)
	return out, nil
}

// Open verifies the MAC and decrypts raw into a Packet.
func Open(macKey, cipherKey [32]byte, raw []byte) (*Packet, error) {
	if len(raw) < MinPacketLen {
		return nil, fmt.Errorf("ssu: packet too short (%d bytes)", len(raw))
	}
	mac := raw[:16]
	iv := raw[16:32]
	encBody := raw[32:]
	if len(encBody)%crypto.BlockSize != 0 {
		return nil, fmt.Errorf("ssu: body length %d not block-aligned", len(encBody))
	}

	var lenField [2]byte
	binary.BigEndian.PutUint16(lenField[:], uint16(len(encBody))|NetworkFlag)
	wantMAC := crypto.SSUMAC(macKey[:], append(append(append([]byte(nil), encBody...), iv...), lenField[:]...))
	if !constantTimeEqual(mac, wantMAC[:]) {
		return nil, fmt.Errorf("ssu: MAC mismatch")
	}

	block, err := aes.NewCipher(cipherKey[:])
	if err != nil {
		return nil, fmt.Errorf("ssu: aes cipher: %w", err)
	}
	mode := cipher.NewCBCDecrypter(block, iv)
	plain := make([]byte, len(encBody))
	mode.CryptBlocks(plain, encBody)

	if len(plain) < 5 {
		return nil, fmt.Errorf("ssu: decrypted body too short")
	}
	flagByte := plain[0]
	ts := binary.BigEndian.Uint32(plain[1:5])

	return &Packet{
		PayloadType: flagByte >> 4,
		Flags:       flagByte & 0x0f,
		Timestamp:   ts,
		Body:        plain[5:],
	}, nil
}

func padTo16(b []byte) []byte {
	n := (len(b) + crypto.BlockSize - 1) / crypto.BlockSize * crypto.BlockSize
	if n == 0 {
		n = crypto.BlockSize
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
