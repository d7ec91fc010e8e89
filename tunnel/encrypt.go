package tunnel

import (
	"fmt"

	"github.com/go-i2p/router/crypto"
)

// MessageLen is the fixed on-wire tunnel data message size (spec §6):
// 4-byte tunnel-ID, 16-byte IV, 1008-byte encrypted payload.
const MessageLen = 4 + 16 + 1008

// PayloadLen is the encrypted region's length.
const PayloadLen = 1008

// Message is one on-wire TunnelMessage (spec §3).
type Message struct {
	TunnelID uint32
	IV       [16]byte
	Payload  [PayloadLen]byte
}

// Marshal serializes m to its fixed 1028-byte wire form.
func (m *Message) Marshal() []byte {
	out := make([]byte, MessageLen)
	putUint32(out[0:4], m.TunnelID)
	copy(out[4:20], m.IV[:])
	copy(out[20:], m.Payload[:])
	return out
}

// ParseMessage parses a fixed 1028-byte TunnelMessage.
func ParseMessage(buf []byte) (*Message, error) {
	if len(buf) != MessageLen {
		return nil, fmt.Errorf("tunnel: message length %d, want %d", len(buf), MessageLen)
	}
	m := &Message{TunnelID: getUint32(buf[0:4])}
	copy(m.IV[:], buf[4:20])
	copy(m.Payload[:], buf[20:])
	return m, nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// ProcessHop applies the double-IV transform a participant or endpoint
// performs on a received tunnel data message (spec §4.5 "Encryption per
// hop"): IV' = ECB-encrypt(IV, IVKey); P' = CBC-decrypt(P, LayerKey, IV');
// IV'' = ECB-encrypt(IV', IVKey). The caller forwards IV''||P' to the
// next hop, or — at the endpoint — hands P' to reassembly.
func ProcessHop(hop HopConfig, iv [16]byte, payload [PayloadLen]byte) (newIV [16]byte, out [PayloadLen]byte, err error) {
	nIV, nOut, err := crypto.TunnelDecrypt(hop.LayerKey[:], hop.IVKey[:], iv[:], payload[:])
	if err != nil {
		return newIV, out, fmt.Errorf("tunnel: process hop: %w", err)
	}
	copy(newIV[:], nIV)
	copy(out[:], nOut)
	return newIV, out, nil
}

// GatewayEncrypt builds the onion-layered payload an outbound gateway
// sends for a freshly chosen wire IV (spec §4.5 "Encryption per hop"). A
// receiving hop's ProcessHop (TunnelDecrypt) advances the IV by the same
// ECB-encrypt(ECB-encrypt(iv, ivKey), ivKey) step regardless of direction,
// so the IV each hop will see is fixed purely by seedIV and the ivKeys in
// path order and does not depend on the payload layering at all. This
// function first walks hops nearest-to-farthest to derive each hop's CBC
// IV from that fixed chain, then walks farthest-to-nearest applying each
// hop's CBC layer — innermost (the endpoint's) first — so that each hop,
// decrypting in delivery order, peels exactly the layer meant for it.
func GatewayEncrypt(hops []HopConfig, seedIV [16]byte, payload [PayloadLen]byte) (wireIV [16]byte, out [PayloadLen]byte, err error) {
	if len(hops) == 0 {
		return seedIV, payload, nil
	}

	cbcIVs := make([][]byte, len(hops))
	chainIV := seedIV[:]
	for i, hop := range hops {
		ivCT, encErr := crypto.ECBEncrypt(hop.IVKey[:], chainIV)
		if encErr != nil {
			return wireIV, out, fmt.Errorf("tunnel: gateway derive IV for hop %s: %w", hop.PeerHash.String(), encErr)
		}
		cbcIVs[i] = ivCT
		nextIV, encErr := crypto.ECBEncrypt(hop.IVKey[:], ivCT)
		if encErr != nil {
			return wireIV, out, fmt.Errorf("tunnel: gateway advance IV for hop %s: %w", hop.PeerHash.String(), encErr)
		}
		chainIV = nextIV
	}

	curPayload := payload[:]
	for i := len(hops) - 1; i >= 0; i-- {
		hop := hops[i]
		enc, encErr := crypto.CBCEncrypt(hop.LayerKey[:], cbcIVs[i], curPayload)
		if encErr != nil {
			return wireIV, out, fmt.Errorf("tunnel: gateway encrypt hop %s: %w", hop.PeerHash.String(), encErr)
		}
		curPayload = enc
	}

	copy(out[:], curPayload)
	return seedIV, out, nil
}
