package ntcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/time/rate"

	"github.com/go-i2p/router/i2np"
	"github.com/go-i2p/router/identity"
	"github.com/go-i2p/router/keys"
)

// DelayedQueueLimit bounds the per-peer backlog of outbound messages
// waiting for a session to establish (spec §5 "Backpressure"). Overflow
// evicts the peer entry entirely, dropping the queue.
const DelayedQueueLimit = 200

// flushRate and flushBurst bound how fast a just-established session can
// drain its peer's delayed backlog, so a peer that reconnects after a long
// absence with a full 200-message queue doesn't dump it all in one write
// burst (spec §5 "Backpressure").
const (
	flushRate  = 50
	flushBurst = 50
)

// peer is one entry of the transport's peer table (spec §5: "the peer
// table (ident_hash -> Peer{ sessions, delayedMessages }) is owned by the
// transports reactor").
type peer struct {
	session  *Session
	delayed  [][]byte // marshaled i2np messages awaiting a session
	flushLim *rate.Limiter
}

// Transport owns the set of live NTCP sessions and the per-peer outbound
// backlog for peers without an established session yet. It generalizes
// the teacher's per-circuit link tracking (link.Link.CircIDs) into a
// peer-table reactor, per spec §5's single-threaded-reactor-with-own-lock
// model realized here as one mutex since this implementation omits a
// dedicated reactor-thread abstraction in favor of goroutines.
type Transport struct {
	mu    sync.Mutex
	peers map[identity.Hash]*peer

	local    *identity.PrivateKeys
	supplier *keys.Supplier
	listener net.Listener
	logger   *slog.Logger

	onMessage func(from identity.Hash, msg *i2np.Message)
}

// NewTransport creates a Transport bound to the local router's identity.
// supplier feeds ephemeral DH keypairs for both dial and accept handshakes.
func NewTransport(local *identity.PrivateKeys, supplier *keys.Supplier, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		peers:    make(map[identity.Hash]*peer),
		local:    local,
		supplier: supplier,
		logger:   logger,
	}
}

// OnMessage registers the callback invoked for every I2NP message received
// on any session (spec §6 upper-edge "OnMessageReceived").
func (t *Transport) OnMessage(fn func(from identity.Hash, msg *i2np.Message)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

// Listen starts accepting inbound NTCP connections on addr. Call Serve to
// process them; Listen itself just binds the socket.
func (t *Transport) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ntcp: listen %s: %w", addr, err)
	}
	t.listener = ln
	return nil
}

// Serve accepts connections until the listener is closed or ctx is done.
// Each accepted connection is handshaked and served in its own goroutine,
// matching spec §5's "one reactor per transport" at the session level
// while avoiding a single-goroutine bottleneck across many peers.
func (t *Transport) Serve(ctx context.Context) error {
	if t.listener == nil {
		return fmt.Errorf("ntcp: Serve called before Listen")
	}
	go func() {
		<-ctx.Done()
		_ = t.listener.Close()
	}()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("ntcp: accept: %w", err)
			}
		}
		go t.handleInbound(conn)
	}
}

func (t *Transport) handleInbound(conn net.Conn) {
	dh, err := t.supplier.Take(context.Background())
	if err != nil {
		t.logger.Warn("ntcp: no DH keypair available for inbound handshake", "err", err)
		_ = conn.Close()
		return
	}
	sess, err := AcceptServer(conn, t.local, dh, t.logger)
	if err != nil {
		t.logger.Warn("ntcp: inbound handshake failed", "remote", conn.RemoteAddr(), "err", err)
		return
	}
	t.registerSession(sess)
	t.pump(sess)
}

// Connect dials a peer and establishes a session, flushing any queued
// delayed messages once the handshake completes.
func (t *Transport) Connect(ctx context.Context, addr string, peerHash identity.Hash, peerIdentity *identity.Identity) (*Session, error) {
	dh, err := t.supplier.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("ntcp: take DH keypair: %w", err)
	}
	sess, err := DialClient(ctx, addr, peerHash, peerIdentity, t.local, dh, t.logger)
	if err != nil {
		return nil, err
	}
	t.registerSession(sess)
	go t.pump(sess)
	return sess, nil
}

func (t *Transport) registerSession(sess *Session) {
	t.mu.Lock()
	p, ok := t.peers[sess.PeerHash]
	if !ok {
		p = &peer{}
		t.peers[sess.PeerHash] = p
	}
	p.session = sess
	backlog := p.delayed
	p.delayed = nil
	if p.flushLim == nil {
		p.flushLim = rate.NewLimiter(rate.Limit(flushRate), flushBurst)
	}
	lim := p.flushLim
	t.mu.Unlock()

	if len(backlog) == 0 {
		return
	}
	go func() {
		for _, raw := range backlog {
			if err := lim.Wait(context.Background()); err != nil {
				t.logger.Warn("ntcp: delayed backlog flush wait failed", "peer", sess.PeerHash.String(), "err", err)
				return
			}
			if err := sess.writer.WriteFrame(raw); err != nil {
				t.logger.Warn("ntcp: flush delayed message failed", "peer", sess.PeerHash.String(), "err", err)
				return
			}
		}
	}()
}

// pump reads messages off sess until it errors, dispatching each to the
// registered OnMessage callback, then removes the session from the peer
// table (spec §5 "on timeout/reset, invoke PeerDisconnected").
func (t *Transport) pump(sess *Session) {
	defer t.disconnect(sess)
	for {
		msg, err := sess.ReceiveMessage()
		if err != nil {
			t.logger.Debug("ntcp: session closed", "peer", sess.PeerHash.String(), "err", err)
			return
		}
		t.mu.Lock()
		cb := t.onMessage
		t.mu.Unlock()
		if cb != nil {
			cb(sess.PeerHash, msg)
		}
	}
}

func (t *Transport) disconnect(sess *Session) {
	_ = sess.Close()
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[sess.PeerHash]; ok && p.session == sess {
		p.session = nil
	}
}

// SendMessage sends msg to peerHash, using an established session if one
// exists or else queuing it in the per-peer delayed backlog (spec §5
// "Backpressure": bounded ≤200, overflow evicts the peer entry entirely).
func (t *Transport) SendMessage(peerHash identity.Hash, msg *i2np.Message) error {
	t.mu.Lock()
	p, ok := t.peers[peerHash]
	if !ok {
		p = &peer{}
		t.peers[peerHash] = p
	}
	sess := p.session
	t.mu.Unlock()

	if sess != nil {
		return sess.SendMessage(msg)
	}

	raw, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("ntcp: marshal delayed message: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(p.delayed) >= DelayedQueueLimit {
		delete(t.peers, peerHash)
		t.logger.Warn("ntcp: delayed queue overflow, dropping peer entry", "peer", peerHash.String())
		return fmt.Errorf("ntcp: delayed queue for %s overflowed, peer entry dropped", peerHash.String())
	}
	p.delayed = append(p.delayed, raw)
	return nil
}

// CloseSession terminates and forgets any session for peerHash.
func (t *Transport) CloseSession(peerHash identity.Hash) error {
	t.mu.Lock()
	p, ok := t.peers[peerHash]
	if !ok || p.session == nil {
		t.mu.Unlock()
		return nil
	}
	sess := p.session
	p.session = nil
	t.mu.Unlock()
	return sess.Close()
}

// ReapIdle closes any session idle beyond IdleTimeout (spec §4.3
// termination condition), to be called periodically by the owning reactor.
func (t *Transport) ReapIdle() {
	t.mu.Lock()
	var idle []*Session
	for _, p := range t.peers {
		if p.session != nil && p.session.Idle() {
			idle = append(idle, p.session)
		}
	}
	t.mu.Unlock()
	for _, s := range idle {
		t.logger.Info("ntcp: reaping idle session", "peer", s.PeerHash.String())
		t.disconnect(s)
	}
}
