package ssu

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-i2p/router/crypto"
	"github.com/go-i2p/router/identity"
)

// HandshakeTimeout bounds how long a SessionRequest/SessionCreated/
// SessionConfirmed exchange may take (spec §4.4).
const HandshakeTimeout = 5 * time.Second

// InactivityTimeout terminates an idle SSU session (spec §4.4).
const InactivityTimeout = 330 * time.Second

// KeepaliveInterval is the tick period of the transport's reapLoop, which
// checks sessions against InactivityTimeout. No keepalive packets are sent
// to idle sessions.
const KeepaliveInterval = 30 * time.Second

// State is a session's handshake/lifecycle stage.
type State int

const (
	StatePending State = iota
	StateEstablished
	StateClosed
)

// Session is one SSU peer relationship: a UDP 4-tuple, negotiated AES/MAC
// keys, and fragment-reassembly state (populated by fragment.go). It
// generalizes the teacher's link.Link session-wrapper idiom to a
// connectionless per-peer relationship instead of a single TCP stream.
type Session struct {
	mu sync.Mutex

	RemoteAddr *net.UDPAddr
	PeerHash   identity.Hash

	sessionKey [32]byte
	macKey     [32]byte
	dh         *crypto.DHKeyPair
	peerDH     []byte

	state        State
	lastActivity time.Time

	// reassembly state, owned by fragment.go operations on this Session.
	sent       map[uint32]*sentMessage
	incomplete map[uint32]*incompleteMessage
	delivered  map[uint32]time.Time // dedup set, spec §4.4 "decay"

	relayTag uint32
}

func newSession(remote *net.UDPAddr, dh *crypto.DHKeyPair) *Session {
	return &Session{
		RemoteAddr:   remote,
		dh:           dh,
		state:        StatePending,
		lastActivity: time.Now(),
		sent:         make(map[uint32]*sentMessage),
		incomplete:   make(map[uint32]*incompleteMessage),
		delivered:    make(map[uint32]time.Time),
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Idle reports whether the session has exceeded InactivityTimeout.
func (s *Session) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity) > InactivityTimeout
}

func (s *Session) established() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateEstablished
}

func (s *Session) setEstablished(peerHash identity.Hash, sessionKey, macKey [32]byte) {
	s.mu.Lock()
	s.state = StateEstablished
	s.PeerHash = peerHash
	s.sessionKey = sessionKey
	s.macKey = macKey
	s.mu.Unlock()
}

// buildSessionRequest constructs the plaintext body of a SessionRequest
// packet: X(256) || addrSize(1) || bobObservedIP (spec §4.4 step 1).
func buildSessionRequest(dh *crypto.DHKeyPair, bobIP net.IP) []byte {
	ip4 := bobIP.To4()
	var addrSize byte
	var addrBytes []byte
	if ip4 != nil {
		addrSize = 4
		addrBytes = ip4
	} else {
		addrSize = 16
		addrBytes = bobIP.To16()
	}
	body := make([]byte, 0, 256+1+len(addrBytes))
	body = append(body, dh.Public[:]...)
	body = append(body, addrSize)
	body = append(body, addrBytes...)
	return body
}

// parseSessionRequest extracts X and Bob's observed IP from a decrypted
// SessionRequest body.
func parseSessionRequest(body []byte) (X []byte, bobObservedIP net.IP, err error) {
	if len(body) < 256+1 {
		return nil, nil, fmt.Errorf("ssu: SessionRequest body too short")
	}
	X = body[:256]
	addrSize := int(body[256])
	if addrSize != 4 && addrSize != 16 {
		return nil, nil, fmt.Errorf("ssu: SessionRequest invalid address size %d", addrSize)
	}
	if len(body) < 257+addrSize {
		return nil, nil, fmt.Errorf("ssu: SessionRequest truncated address")
	}
	return X, net.IP(body[257 : 257+addrSize]), nil
}

// buildSessionCreated constructs Bob's SessionCreated body: Y(256) ||
// Alice's observed ip/port || relayTag(4) || signedOn(4) || signature
// (spec §4.4 step 2).
func buildSessionCreated(dh *crypto.DHKeyPair, aliceAddr *net.UDPAddr, bobAddr *net.UDPAddr, relayTag uint32, signedOn uint32, sign func([]byte) ([]byte, error), X []byte) ([]byte, error) {
	aliceAddrBytes := encodeIPPort(aliceAddr)
	bobAddrBytes := encodeIPPort(bobAddr)

	sigMsg := sessionSigTuple(X, dh.Public[:], aliceAddrBytes, bobAddrBytes, relayTag, signedOn)
	sig, err := sign(sigMsg)
	if err != nil {
		return nil, fmt.Errorf("ssu: sign SessionCreated: %w", err)
	}

	body := make([]byte, 0, 256+len(aliceAddrBytes)+4+4+len(sig))
	body = append(body, dh.Public[:]...)
	body = append(body, aliceAddrBytes...)
	var tail [8]byte
	binary.BigEndian.PutUint32(tail[0:4], relayTag)
	binary.BigEndian.PutUint32(tail[4:8], signedOn)
	body = append(body, tail[:]...)
	body = append(body, sig...)
	return body, nil
}

// sessionSigTuple is the message signed across SessionCreated/
// SessionConfirmed: X || Y || aliceAddr || bobAddr || relayTag || signedOn
// (spec §4.4, "DSA-style signature over (...)").
func sessionSigTuple(X, Y, aliceAddr, bobAddr []byte, relayTag, signedOn uint32) []byte {
	out := make([]byte, 0, len(X)+len(Y)+len(aliceAddr)+len(bobAddr)+8)
	out = append(out, X...)
	out = append(out, Y...)
	out = append(out, aliceAddr...)
	out = append(out, bobAddr...)
	var tail [8]byte
	binary.BigEndian.PutUint32(tail[0:4], relayTag)
	binary.BigEndian.PutUint32(tail[4:8], signedOn)
	out = append(out, tail[:]...)
	return out
}

// encodeIPPort packs a UDPAddr as (4 or 16 bytes IP) || (2 bytes port),
// i.e. 6 or 18 bytes total (spec §4.4 "6 or 18 bytes").
func encodeIPPort(addr *net.UDPAddr) []byte {
	ip4 := addr.IP.To4()
	var out []byte
	if ip4 != nil {
		out = make([]byte, 6)
		copy(out[:4], ip4)
		binary.BigEndian.PutUint16(out[4:6], uint16(addr.Port))
		return out
	}
	ip16 := addr.IP.To16()
	out = make([]byte, 18)
	copy(out[:16], ip16)
	binary.BigEndian.PutUint16(out[16:18], uint16(addr.Port))
	return out
}

func decodeIPPort(b []byte) (*net.UDPAddr, int, error) {
	switch len(b) {
	case 0, 1, 2, 3, 4, 5:
		return nil, 0, fmt.Errorf("ssu: address field too short (%d bytes)", len(b))
	}
	if len(b) >= 18 {
		ip := net.IP(append([]byte(nil), b[:16]...))
		port := binary.BigEndian.Uint16(b[16:18])
		return &net.UDPAddr{IP: ip, Port: int(port)}, 18, nil
	}
	ip := net.IP(append([]byte(nil), b[:4]...))
	port := binary.BigEndian.Uint16(b[4:6])
	return &net.UDPAddr{IP: ip, Port: int(port)}, 6, nil
}
