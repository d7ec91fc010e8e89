package ssu

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// Introducer is one entry of a peer's advertised introducer list (spec
// §4.4 "When a peer's RouterInfo lists introducers").
type Introducer struct {
	Addr     *net.UDPAddr
	Tag      uint32
	IntroKey IntroKey
}

// RequestIntroduction asks an introducer (with whom we already hold an
// established session) to relay our address to a target peer we cannot
// reach directly (spec §4.4 "Introducers").
//
// RelayRequest body: tag(4) || ownAddrSize(1)=0 || challengeSize(1)=0 ||
// ownIntroKey(32) || nonce(4).
func (t *Transport) RequestIntroduction(introducerSession *Session, tag uint32) (uint32, error) {
	nonce, err := randomNonce()
	if err != nil {
		return 0, err
	}
	body := make([]byte, 4+1+1+32+4)
	binary.BigEndian.PutUint32(body[0:4], tag)
	body[4] = 0 // own address size: let the introducer use our observed UDP source
	body[5] = 0 // challenge size: unused, legacy field
	copy(body[6:38], t.introKey[:])
	binary.BigEndian.PutUint32(body[38:42], nonce)

	var iv [16]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return 0, err
	}
	raw, err := Seal(introducerSession.macKey, introducerSession.sessionKey, iv, PayloadRelayRequest, 0, uint32(time.Now().Unix()), body)
	if err != nil {
		return 0, fmt.Errorf("ssu: seal RelayRequest: %w", err)
	}
	if _, err := t.conn.WriteToUDP(raw, introducerSession.RemoteAddr); err != nil {
		return 0, fmt.Errorf("ssu: send RelayRequest: %w", err)
	}
	return nonce, nil
}

// handleRelayRequest runs on the introducer: it forwards a RelayIntro to
// the tagged target peer, identifying the requester's observed address.
func (t *Transport) handleRelayRequest(sess *Session, pkt *Packet) {
	body := pkt.Body
	if len(body) < 4+1+1 {
		t.logger.Debug("ssu: RelayRequest too short")
		return
	}
	tag := binary.BigEndian.Uint32(body[0:4])

	t.mu.Lock()
	target, ok := t.relayBindings[tag]
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("ssu: RelayRequest for unknown tag", "tag", tag)
		return
	}

	introBody := encodeIPPort(sess.RemoteAddr)
	var iv [16]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return
	}
	raw, err := Seal(target.macKey, target.sessionKey, iv, PayloadRelayIntro, 0, uint32(time.Now().Unix()), introBody)
	if err != nil {
		t.logger.Warn("ssu: seal RelayIntro", "err", err)
		return
	}
	if _, err := t.conn.WriteToUDP(raw, target.RemoteAddr); err != nil {
		t.logger.Warn("ssu: send RelayIntro", "err", err)
	}
}

// handleRelayIntro runs on the introduction target: it hole-punches a
// zero-byte UDP datagram to Alice's advertised address, then awaits her
// normal SessionRequest (spec §4.4 "who hole-punches a zero-byte UDP to
// Alice. Alice then begins a normal handshake").
func (t *Transport) handleRelayIntro(pkt *Packet) {
	addr, _, err := decodeIPPort(pkt.Body)
	if err != nil {
		t.logger.Debug("ssu: bad RelayIntro", "err", err)
		return
	}
	if _, err := t.conn.WriteToUDP(nil, addr); err != nil {
		t.logger.Warn("ssu: hole-punch to relayed peer", "addr", addr, "err", err)
	}
}

// RegisterRelayTag lets the local router act as an introducer for a peer
// it holds an established session with, under the given relay tag
// (advertised in that peer's RouterInfo SSU address options).
func (t *Transport) RegisterRelayTag(tag uint32, target *Session) {
	t.mu.Lock()
	if t.relayBindings == nil {
		t.relayBindings = make(map[uint32]*Session)
	}
	t.relayBindings[tag] = target
	t.mu.Unlock()
}
