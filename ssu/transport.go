package ssu

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/go-i2p/router/crypto"
	"github.com/go-i2p/router/i2np"
	"github.com/go-i2p/router/identity"
	"github.com/go-i2p/router/keys"
)

// resendRate and resendBurst bound how many fragment retransmissions a
// single peer session can trigger per resendLoop tick, so a peer stuck in a
// heavy-loss state cannot monopolize the loop at the expense of every other
// session's resends (spec §5 "Backpressure").
const (
	resendRate  = 20
	resendBurst = 40
)

// IntroKey is the 32-byte symmetric key a router advertises in its
// RouterInfo SSU address, used to encrypt the initial handshake packets
// before a session key exists (spec §4.4).
type IntroKey [32]byte

// Transport owns all SSU sessions for the local router: one UDP socket,
// a table keyed by remote 4-tuple for pre-session packets, and a table
// keyed by peer identity hash for established sessions. It generalizes
// the teacher's per-circuit reactor idiom to a single UDP reactor serving
// many concurrent unreliable peer relationships (spec §5 "one reactor per
// transport").
type Transport struct {
	conn *net.UDPConn

	local    *identity.PrivateKeys
	introKey IntroKey
	supplier *keys.Supplier
	logger   *slog.Logger

	mu           sync.Mutex
	byAddr       map[string]*Session
	byPeer       map[identity.Hash]*Session
	pendingDials map[string]chan *Session

	onMessage     func(from identity.Hash, msg *i2np.Message)
	peerTester    *PeerTester
	relayBindings map[uint32]*Session

	limiterMu      sync.RWMutex
	resendLimiters map[identity.Hash]*rate.Limiter
}

// NewTransport creates an SSU transport bound to the local router's
// identity and advertised intro-key.
func NewTransport(local *identity.PrivateKeys, introKey IntroKey, supplier *keys.Supplier, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		local:        local,
		introKey:     introKey,
		supplier:     supplier,
		logger:       logger,
		byAddr:         make(map[string]*Session),
		byPeer:         make(map[identity.Hash]*Session),
		pendingDials:   make(map[string]chan *Session),
		resendLimiters: make(map[identity.Hash]*rate.Limiter),
	}
}

// resendLimiterFor returns the token-bucket limiter gating retransmissions
// to peerHash, creating one on first use. Mirrors the per-key limiter map
// idiom used for per-IP HTTP throttling elsewhere in the stack.
func (t *Transport) resendLimiterFor(peerHash identity.Hash) *rate.Limiter {
	t.limiterMu.RLock()
	lim, ok := t.resendLimiters[peerHash]
	t.limiterMu.RUnlock()
	if ok {
		return lim
	}

	t.limiterMu.Lock()
	defer t.limiterMu.Unlock()
	if lim, ok = t.resendLimiters[peerHash]; ok {
		return lim
	}
	lim = rate.NewLimiter(rate.Limit(resendRate), resendBurst)
	t.resendLimiters[peerHash] = lim
	return lim
}

// OnMessage registers the upper-edge delivery callback (spec §6).
func (t *Transport) OnMessage(fn func(from identity.Hash, msg *i2np.Message)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

// Listen binds the UDP socket, tuning SO_REUSEADDR/SO_RCVBUF on platforms
// that support it so a restarted router can rebind promptly and the kernel
// keeps a deeper receive buffer for this UDP-only transport's bursty
// fragment traffic (spec §4.4).
func (t *Transport) Listen(addr string) error {
	lc := net.ListenConfig{Control: tuneSocket}
	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return fmt.Errorf("ssu: listen %s: %w", addr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		return fmt.Errorf("ssu: listen %s: unexpected packet conn type %T", addr, pc)
	}
	t.conn = conn
	return nil
}

// Serve runs the receive loop until ctx is cancelled.
func (t *Transport) Serve(ctx context.Context) error {
	if t.conn == nil {
		return fmt.Errorf("ssu: Serve called before Listen")
	}
	go func() {
		<-ctx.Done()
		_ = t.conn.Close()
	}()
	go t.resendLoop(ctx)
	go t.reapLoop(ctx)

	buf := make([]byte, 2048)
	for {
		n, remote, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("ssu: read: %w", err)
			}
		}
		raw := append([]byte(nil), buf[:n]...)
		go t.handlePacket(raw, remote)
	}
}

func (t *Transport) sessionFor(addr *net.UDPAddr) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byAddr[addr.String()]
	return s, ok
}

func (t *Transport) handlePacket(raw []byte, remote *net.UDPAddr) {
	sess, ok := t.sessionFor(remote)

	if ok && sess.established() {
		pkt, err := Open(sess.macKey, sess.sessionKey, raw)
		if err != nil {
			t.logger.Debug("ssu: drop packet with bad MAC", "remote", remote, "err", err)
			return
		}
		sess.touch()
		t.dispatchEstablished(sess, pkt)
		return
	}

	// Pre-session or handshake-in-progress: try our own intro-key.
	pkt, err := Open([32]byte(t.introKey), [32]byte(t.introKey), raw)
	if err != nil {
		t.logger.Debug("ssu: drop undecryptable pre-session packet", "remote", remote, "err", err)
		return
	}
	switch pkt.PayloadType {
	case PayloadSessionRequest:
		t.handleSessionRequest(pkt, remote)
	case PayloadSessionCreated:
		t.handleSessionCreated(pkt, remote)
	case PayloadSessionConfirmed:
		t.handleSessionConfirmed(pkt, remote)
	default:
		t.logger.Debug("ssu: unexpected pre-session payload type", "type", pkt.PayloadType)
	}
}

func (t *Transport) dispatchEstablished(sess *Session, pkt *Packet) {
	switch pkt.PayloadType {
	case PayloadData:
		t.handleData(sess, pkt)
	case PayloadSessionDestroyed:
		t.mu.Lock()
		delete(t.byAddr, sess.RemoteAddr.String())
		delete(t.byPeer, sess.PeerHash)
		t.mu.Unlock()
	case PayloadPeerTest:
		t.handlePeerTestPacket(sess, pkt)
	case PayloadRelayIntro:
		t.handleRelayIntro(pkt)
	case PayloadRelayRequest:
		t.handleRelayRequest(sess, pkt)
	default:
		t.logger.Debug("ssu: unhandled established payload type", "type", pkt.PayloadType)
	}
}

// Connect establishes a session with a peer at addr, authenticated by its
// advertised intro-key, blocking until SessionConfirmed completes or
// HandshakeTimeout elapses (spec §4.4 steps 1-3).
func (t *Transport) Connect(ctx context.Context, addr *net.UDPAddr, peerIntroKey IntroKey, peerHash identity.Hash) (*Session, error) {
	dh, err := t.supplier.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("ssu: take DH keypair: %w", err)
	}

	sess := newSession(addr, dh)
	ch := make(chan *Session, 1)
	t.mu.Lock()
	t.byAddr[addr.String()] = sess
	t.pendingDials[addr.String()] = ch
	t.mu.Unlock()

	body := buildSessionRequest(dh, addr.IP)
	var iv [16]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return nil, err
	}
	raw, err := Seal([32]byte(peerIntroKey), [32]byte(peerIntroKey), iv, PayloadSessionRequest, 0, uint32(time.Now().Unix()), body)
	if err != nil {
		return nil, fmt.Errorf("ssu: seal SessionRequest: %w", err)
	}
	if _, err := t.conn.WriteToUDP(raw, addr); err != nil {
		return nil, fmt.Errorf("ssu: send SessionRequest: %w", err)
	}

	select {
	case s := <-ch:
		return s, nil
	case <-time.After(HandshakeTimeout):
		t.mu.Lock()
		delete(t.byAddr, addr.String())
		delete(t.pendingDials, addr.String())
		t.mu.Unlock()
		return nil, fmt.Errorf("ssu: handshake with %s timed out", addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) handleSessionRequest(pkt *Packet, remote *net.UDPAddr) {
	X, _, err := parseSessionRequest(pkt.Body)
	if err != nil {
		t.logger.Warn("ssu: bad SessionRequest", "remote", remote, "err", err)
		return
	}
	dh, err := t.supplier.Take(context.Background())
	if err != nil {
		t.logger.Warn("ssu: no DH keypair for SessionCreated", "err", err)
		return
	}
	sess := newSession(remote, dh)
	sess.peerDH = X
	t.mu.Lock()
	t.byAddr[remote.String()] = sess
	t.mu.Unlock()

	localAddr := t.conn.LocalAddr().(*net.UDPAddr)
	signedOn := uint32(time.Now().Unix())
	body, err := buildSessionCreated(dh, remote, localAddr, 0, signedOn, t.local.Sign, X)
	if err != nil {
		t.logger.Warn("ssu: build SessionCreated", "err", err)
		return
	}
	var iv [16]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return
	}
	raw, err := Seal([32]byte(t.introKey), [32]byte(t.introKey), iv, PayloadSessionCreated, 0, signedOn, body)
	if err != nil {
		t.logger.Warn("ssu: seal SessionCreated", "err", err)
		return
	}
	if _, err := t.conn.WriteToUDP(raw, remote); err != nil {
		t.logger.Warn("ssu: send SessionCreated", "err", err)
	}
}

func (t *Transport) handleSessionCreated(pkt *Packet, remote *net.UDPAddr) {
	t.mu.Lock()
	sess, ok := t.byAddr[remote.String()]
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("ssu: SessionCreated from unknown peer", "remote", remote)
		return
	}
	if len(pkt.Body) < 256 {
		t.logger.Warn("ssu: SessionCreated body too short")
		return
	}
	Y := pkt.Body[:256]
	shared := crypto.DHSharedSecret(sess.dh.Private[:], Y)
	sessionKey, macKey := crypto.NormalizeSSUKeys(shared)

	sess.setEstablished(identity.Hash{}, sessionKey, macKey)

	localAddr := t.conn.LocalAddr().(*net.UDPAddr)
	signedOn := uint32(time.Now().Unix())
	idBytes := t.local.Identity.Bytes()
	sigMsg := sessionSigTuple(sess.dh.Public[:], Y, encodeIPPort(remote), encodeIPPort(localAddr), 0, signedOn)
	sig, err := t.local.Sign(sigMsg)
	if err != nil {
		t.logger.Warn("ssu: sign SessionConfirmed", "err", err)
		return
	}
	body := make([]byte, 0, 2+len(idBytes)+len(sig))
	var idLen [2]byte
	binary.BigEndian.PutUint16(idLen[:], uint16(len(idBytes)))
	body = append(body, idLen[:]...)
	body = append(body, idBytes...)
	body = append(body, sig...)

	var iv [16]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return
	}
	raw, err := Seal(sess.macKey, sess.sessionKey, iv, PayloadSessionConfirmed, 0, signedOn, body)
	if err != nil {
		t.logger.Warn("ssu: seal SessionConfirmed", "err", err)
		return
	}
	if _, err := t.conn.WriteToUDP(raw, remote); err != nil {
		t.logger.Warn("ssu: send SessionConfirmed", "err", err)
		return
	}

	t.mu.Lock()
	ch, ok := t.pendingDials[remote.String()]
	delete(t.pendingDials, remote.String())
	t.mu.Unlock()
	if ok {
		ch <- sess
	}
}

func (t *Transport) handleSessionConfirmed(pkt *Packet, remote *net.UDPAddr) {
	t.mu.Lock()
	sess, ok := t.byAddr[remote.String()]
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("ssu: SessionConfirmed from unknown peer", "remote", remote)
		return
	}
	if len(pkt.Body) < 2 {
		return
	}
	idLen := int(binary.BigEndian.Uint16(pkt.Body[0:2]))
	if len(pkt.Body) < 2+idLen {
		t.logger.Warn("ssu: SessionConfirmed truncated identity")
		return
	}
	peerID, _, err := identity.Parse(pkt.Body[2 : 2+idLen])
	if err != nil {
		t.logger.Warn("ssu: parse SessionConfirmed identity", "err", err)
		return
	}

	localAddr := t.conn.LocalAddr().(*net.UDPAddr)
	sigLen := crypto.SignatureLen(peerID.SigType())
	sigOff := 2 + idLen
	if len(pkt.Body) < sigOff+sigLen {
		t.logger.Warn("ssu: SessionConfirmed truncated signature")
		return
	}
	sig := pkt.Body[sigOff : sigOff+sigLen]
	sigMsg := sessionSigTuple(sess.peerDH, sess.dh.Public[:], encodeIPPort(localAddr), encodeIPPort(remote), 0, pkt.Timestamp)
	ok2, err := peerID.Verify(sigMsg, sig)
	if err != nil || !ok2 {
		t.logger.Warn("ssu: SessionConfirmed signature invalid", "err", err)
		return
	}

	shared := crypto.DHSharedSecret(sess.dh.Private[:], sess.peerDH)
	sessionKey, macKey := crypto.NormalizeSSUKeys(shared)
	sess.setEstablished(peerID.Hash(), sessionKey, macKey)

	t.mu.Lock()
	t.byPeer[peerID.Hash()] = sess
	t.mu.Unlock()
	t.logger.Info("ssu session established", "peer", peerID.Hash().String(), "remote", remote)
}

func (t *Transport) handleData(sess *Session, pkt *Packet) {
	body := pkt.Body
	flags := pkt.Flags

	off := 0
	if flags&DataFlagExplicitACK != 0 {
		if off+1 > len(body) {
			return
		}
		count := int(body[off])
		off++
		for i := 0; i < count && off+4 <= len(body); i++ {
			acked := binary.BigEndian.Uint32(body[off : off+4])
			off += 4
			t.ackSent(sess, acked, -1)
		}
	}
	if flags&DataFlagACKBitfields != 0 {
		if off+1 > len(body) {
			return
		}
		count := int(body[off])
		off++
		for i := 0; i < count && off+4 <= len(body); i++ {
			msgID := binary.BigEndian.Uint32(body[off : off+4])
			off += 4
			for off < len(body) {
				field := body[off]
				off++
				t.ackBitfield(sess, msgID, field&0x7f)
				if field&0x80 == 0 {
					break
				}
			}
		}
	}
	if flags&DataFlagExtended != 0 {
		if off+1 > len(body) {
			return
		}
		size := int(body[off])
		off += 1 + size
	}
	if off >= len(body) {
		return
	}
	fragCount := int(body[off])
	off++

	var toAck []uint32
	for i := 0; i < fragCount && off+7 <= len(body); i++ {
		msgID := binary.BigEndian.Uint32(body[off : off+4])
		hdr, err := decodeFragmentHeader(body[off+4 : off+7])
		if err != nil {
			return
		}
		off += 7
		if off+int(hdr.Size) > len(body) {
			return
		}
		data := body[off : off+int(hdr.Size)]
		off += int(hdr.Size)

		if t.alreadyDelivered(sess, msgID) {
			toAck = append(toAck, msgID)
			continue
		}

		sess.mu.Lock()
		im, ok := sess.incomplete[msgID]
		if !ok {
			im = &incompleteMessage{MsgID: msgID, CreatedAt: time.Now()}
			sess.incomplete[msgID] = im
		}
		sess.mu.Unlock()

		full, done := im.add(hdr, append([]byte(nil), data...))
		if done {
			sess.mu.Lock()
			delete(sess.incomplete, msgID)
			sess.delivered[msgID] = time.Now()
			sess.mu.Unlock()
			toAck = append(toAck, msgID)

			msg, _, err := i2np.Unmarshal(full)
			if err != nil {
				t.logger.Warn("ssu: decode reassembled i2np message", "err", err)
				continue
			}
			t.mu.Lock()
			cb := t.onMessage
			t.mu.Unlock()
			if cb != nil {
				cb(sess.PeerHash, msg)
			}
		}
	}

	if len(toAck) > 0 {
		t.sendExplicitACK(sess, toAck)
	}
}

func (t *Transport) alreadyDelivered(sess *Session, msgID uint32) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	_, ok := sess.delivered[msgID]
	return ok
}

func (t *Transport) ackSent(sess *Session, msgID uint32, fragment int) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sm, ok := sess.sent[msgID]
	if !ok {
		return
	}
	if fragment < 0 {
		for i := range sm.Acked {
			sm.Acked[i] = true
		}
	} else if fragment < len(sm.Acked) {
		sm.Acked[fragment] = true
	}
	if sm.allAcked() {
		delete(sess.sent, msgID)
	}
}

func (t *Transport) ackBitfield(sess *Session, msgID uint32, field byte) {
	for i := 0; i < 7; i++ {
		if field&(1<<uint(i)) != 0 {
			t.ackSent(sess, msgID, i)
		}
	}
}

// SendMessage fragments and sends an I2NP message to an established
// session (spec §4.4 "Reliability").
func (t *Transport) SendMessage(sess *Session, msgID uint32, msg *i2np.Message) error {
	raw, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("ssu: marshal message: %w", err)
	}
	sm := FragmentMessage(msgID, raw)
	sess.mu.Lock()
	sess.sent[msgID] = sm
	sess.mu.Unlock()
	return t.transmit(sess, sm)
}

func (t *Transport) transmit(sess *Session, sm *sentMessage) error {
	body := make([]byte, 0, 256)
	body = append(body, byte(len(sm.Fragments)))
	for _, f := range sm.Fragments {
		body = append(body, f...)
	}
	var iv [16]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return err
	}
	raw, err := Seal(sess.macKey, sess.sessionKey, iv, PayloadData, 0, uint32(time.Now().Unix()), body)
	if err != nil {
		return fmt.Errorf("ssu: seal data packet: %w", err)
	}
	if _, err := t.conn.WriteToUDP(raw, sess.RemoteAddr); err != nil {
		return fmt.Errorf("ssu: send data packet: %w", err)
	}
	sess.mu.Lock()
	sm.Attempts++
	sm.LastSentAt = time.Now()
	sess.mu.Unlock()
	return nil
}

func (t *Transport) sendExplicitACK(sess *Session, msgIDs []uint32) {
	body := make([]byte, 1+4*len(msgIDs)+1)
	body[0] = byte(len(msgIDs))
	for i, id := range msgIDs {
		binary.BigEndian.PutUint32(body[1+4*i:5+4*i], id)
	}
	body[len(body)-1] = 0 // zero-fragment data packet: ACK-only
	var iv [16]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return
	}
	raw, err := Seal(sess.macKey, sess.sessionKey, iv, PayloadData, DataFlagExplicitACK, uint32(time.Now().Unix()), body)
	if err != nil {
		t.logger.Warn("ssu: seal explicit ACK", "err", err)
		return
	}
	if _, err := t.conn.WriteToUDP(raw, sess.RemoteAddr); err != nil {
		t.logger.Warn("ssu: send explicit ACK", "err", err)
	}
}

// resendLoop retransmits unacknowledged fragments every ResendInterval,
// dropping a message once it has been resent MaxResends times without being
// fully acknowledged (spec §5 "Backpressure").
func (t *Transport) resendLoop(ctx context.Context) {
	ticker := time.NewTicker(ResendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			sessions := make([]*Session, 0, len(t.byPeer))
			for _, s := range t.byPeer {
				sessions = append(sessions, s)
			}
			t.mu.Unlock()

			for _, sess := range sessions {
				sess.mu.Lock()
				var toResend []*sentMessage
				var toDrop []uint32
				for id, sm := range sess.sent {
					if sm.allAcked() {
						continue
					}
					// Attempts counts the first transmission too.
					if sm.Attempts > MaxResends {
						toDrop = append(toDrop, id)
						continue
					}
					if time.Since(sm.LastSentAt) >= ResendInterval {
						toResend = append(toResend, sm)
					}
				}
				for _, id := range toDrop {
					delete(sess.sent, id)
				}
				for id, im := range sess.incomplete {
					if im.stale(time.Now()) {
						delete(sess.incomplete, id)
					}
				}
				sess.mu.Unlock()

				if len(toResend) > 0 {
					lim := t.resendLimiterFor(sess.PeerHash)
					for _, sm := range toResend {
						if !lim.Allow() {
							break
						}
						_ = t.transmit(sess, sm)
					}
				}
			}
		}
	}
}

// reapLoop closes sessions idle beyond InactivityTimeout (spec §4.4).
func (t *Transport) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			var idle []*Session
			for _, s := range t.byPeer {
				if s.Idle() {
					idle = append(idle, s)
				}
			}
			t.mu.Unlock()
			for _, s := range idle {
				t.logger.Info("ssu: reaping idle session", "peer", s.PeerHash.String())
				t.mu.Lock()
				delete(t.byAddr, s.RemoteAddr.String())
				delete(t.byPeer, s.PeerHash)
				t.mu.Unlock()
				t.limiterMu.Lock()
				delete(t.resendLimiters, s.PeerHash)
				t.limiterMu.Unlock()
			}
		}
	}
}
