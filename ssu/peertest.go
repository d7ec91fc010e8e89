package ssu

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// PeerTestStatus is the local router's reachability classification,
// updated as peer-test rounds complete (spec §4.4 "the local router's
// status transitions between {OK, Testing, Firewalled}").
type PeerTestStatus int

const (
	StatusTesting PeerTestStatus = iota
	StatusOK
	StatusFirewalled
)

func (s PeerTestStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusFirewalled:
		return "Firewalled"
	default:
		return "Testing"
	}
}

// peerTestRound tracks one in-flight 4-message peer test (spec §4.4):
// Alice selects Bob; Bob selects Charlie. Alice->Bob(no addr),
// Bob->Charlie(Alice addr), Charlie->Alice(echo) AND Charlie->Bob(done).
type peerTestRound struct {
	Nonce     uint32
	StartedAt time.Time
	GotEcho   bool
	GotDone   bool
}

// PeerTester runs the local router's reachability classification.
type PeerTester struct {
	mu      sync.Mutex
	rounds  map[uint32]*peerTestRound
	status  PeerTestStatus
	logger  *slog.Logger
}

// NewPeerTester creates a tester in the Testing state.
func NewPeerTester(logger *slog.Logger) *PeerTester {
	if logger == nil {
		logger = slog.Default()
	}
	return &PeerTester{rounds: make(map[uint32]*peerTestRound), logger: logger, status: StatusTesting}
}

// Status reports the current reachability classification.
func (pt *PeerTester) Status() PeerTestStatus {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.status
}

func randomNonce() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("ssu: generate peer-test nonce: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// encodePeerTestBody builds the wire shape of every PeerTest message:
// nonce(4) || addrSize(1) || ip||port, where addrSize counts the IP and the
// 2-byte port together (0 with no address, 6 for IPv4, 18 for IPv6). The
// address is present only on the Bob->Charlie and Charlie->Alice legs.
func encodePeerTestBody(nonce uint32, addr *net.UDPAddr) []byte {
	if addr == nil {
		out := make([]byte, 5)
		binary.BigEndian.PutUint32(out[0:4], nonce)
		out[4] = 0
		return out
	}
	ipPort := encodeIPPort(addr)
	out := make([]byte, 4+1+len(ipPort))
	binary.BigEndian.PutUint32(out[0:4], nonce)
	out[4] = byte(len(ipPort))
	copy(out[5:], ipPort)
	return out
}

func decodePeerTestBody(body []byte) (nonce uint32, addr *net.UDPAddr, err error) {
	if len(body) < 5 {
		return 0, nil, fmt.Errorf("ssu: PeerTest body too short")
	}
	nonce = binary.BigEndian.Uint32(body[0:4])
	addrSize := int(body[4])
	if addrSize == 0 {
		return nonce, nil, nil
	}
	if len(body) < 5+addrSize {
		return 0, nil, fmt.Errorf("ssu: PeerTest address truncated")
	}
	a, _, err := decodeIPPort(body[5 : 5+addrSize])
	return nonce, a, err
}

// StartAsAlice initiates a peer test round against bob, who is expected
// to forward to some Charlie of his choosing.
func (t *Transport) StartAsAlice(bob *Session) (uint32, error) {
	nonce, err := randomNonce()
	if err != nil {
		return 0, err
	}
	if t.peerTester == nil {
		t.peerTester = NewPeerTester(t.logger)
	}
	t.peerTester.mu.Lock()
	t.peerTester.rounds[nonce] = &peerTestRound{Nonce: nonce, StartedAt: time.Now()}
	t.peerTester.status = StatusTesting
	t.peerTester.mu.Unlock()

	return nonce, t.sendPeerTest(bob, nonce, nil)
}

func (t *Transport) sendPeerTest(sess *Session, nonce uint32, addr *net.UDPAddr) error {
	body := encodePeerTestBody(nonce, addr)
	var iv [16]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return err
	}
	raw, err := Seal(sess.macKey, sess.sessionKey, iv, PayloadPeerTest, 0, uint32(time.Now().Unix()), body)
	if err != nil {
		return fmt.Errorf("ssu: seal PeerTest: %w", err)
	}
	_, err = t.conn.WriteToUDP(raw, sess.RemoteAddr)
	return err
}

// handlePeerTestPacket implements Bob's, Charlie's, and Alice's roles
// depending on which fields are populated and whether the nonce is
// already tracked locally (spec §4.4).
func (t *Transport) handlePeerTestPacket(sess *Session, pkt *Packet) {
	nonce, addr, err := decodePeerTestBody(pkt.Body)
	if err != nil {
		t.logger.Debug("ssu: bad PeerTest packet", "err", err)
		return
	}

	if t.peerTester == nil {
		t.peerTester = NewPeerTester(t.logger)
	}

	t.peerTester.mu.Lock()
	round, known := t.peerTester.rounds[nonce]
	t.peerTester.mu.Unlock()

	switch {
	case addr == nil && !known:
		// We are Bob: Alice pinged us with no address. Forward to Charlie
		// (any other established peer) carrying Alice's observed address.
		t.mu.Lock()
		var charlie *Session
		for _, s := range t.byPeer {
			if s != sess {
				charlie = s
				break
			}
		}
		t.mu.Unlock()
		if charlie == nil {
			t.logger.Debug("ssu: no Charlie candidate for peer test relay")
			return
		}
		if err := t.sendPeerTest(charlie, nonce, sess.RemoteAddr); err != nil {
			t.logger.Warn("ssu: relay PeerTest to Charlie", "err", err)
		}

	case addr != nil && !known:
		// We are Charlie: Bob handed us Alice's address. Echo to Alice
		// directly and notify Bob we're done.
		echoBody := encodePeerTestBody(nonce, addr)
		raw, err := sealToNewPeer(t, addr, nonce, echoBody)
		if err != nil {
			t.logger.Warn("ssu: echo PeerTest to Alice", "err", err)
		} else if _, err := t.conn.WriteToUDP(raw, addr); err != nil {
			t.logger.Warn("ssu: send PeerTest echo", "err", err)
		}
		if err := t.sendPeerTest(sess, nonce, nil); err != nil {
			t.logger.Warn("ssu: notify Bob PeerTest done", "err", err)
		}

	case known:
		// We are Alice, receiving either Charlie's echo or Bob's done.
		t.peerTester.mu.Lock()
		if addr != nil {
			round.GotEcho = true
		} else {
			round.GotDone = true
		}
		if round.GotEcho {
			t.peerTester.status = StatusOK
		} else if round.GotDone && !round.GotEcho && time.Since(round.StartedAt) > HandshakeTimeout {
			t.peerTester.status = StatusFirewalled
		}
		t.peerTester.mu.Unlock()
	}
}

// sealToNewPeer encrypts a PeerTest echo under our intro-key when we have
// no established session with Alice (the common case for Charlie).
func sealToNewPeer(t *Transport, addr *net.UDPAddr, nonce uint32, body []byte) ([]byte, error) {
	var iv [16]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return nil, err
	}
	return Seal([32]byte(t.introKey), [32]byte(t.introKey), iv, PayloadPeerTest, 0, uint32(time.Now().Unix()), body)
}
