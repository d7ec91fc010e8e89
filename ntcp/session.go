package ntcp

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/go-i2p/router/crypto"
	"github.com/go-i2p/router/i2np"
	"github.com/go-i2p/router/identity"
)

// IdleTimeout terminates a session that has exchanged no frames for this
// long (spec §4.3 "termination conditions").
const IdleTimeout = 120 * time.Second

// KeepaliveInterval is how often an idle session sends a time-sync frame
// to keep NAT/firewall state alive and let the peer recompute clock skew.
const KeepaliveInterval = 90 * time.Second

// Session is one established NTCP connection, generalizing the teacher's
// link.Link (a TLS connection framed by cell.Reader/cell.Writer) to a
// plain-TCP connection framed by an AES-CBC FrameReader/FrameWriter.
type Session struct {
	conn   net.Conn
	role   Role
	reader *FrameReader
	writer *FrameWriter

	PeerHash identity.Hash

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool

	logger *slog.Logger
}

// DialClient dials addr, performs the client side of the NTCP handshake
// against bobHash/bobIdentity, and returns a ready Session.
func DialClient(ctx context.Context, addr string, bobHash identity.Hash, bobIdentity *identity.Identity, local *identity.PrivateKeys, dh *crypto.DHKeyPair, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ntcp: dial %s: %w", addr, err)
	}

	result, err := ClientHandshake(conn, bobHash, bobIdentity, local, dh)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ntcp: client handshake with %s: %w", addr, err)
	}
	logger.Info("ntcp session established", "role", "client", "addr", addr)

	return newSession(conn, RoleClient, result, logger), nil
}

// AcceptServer performs the server side of the NTCP handshake on an
// already-accepted conn and returns a ready Session.
func AcceptServer(conn net.Conn, local *identity.PrivateKeys, dh *crypto.DHKeyPair, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	result, err := ServerHandshake(conn, local, dh)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ntcp: server handshake from %s: %w", conn.RemoteAddr(), err)
	}
	logger.Info("ntcp session established", "role", "server", "peer", conn.RemoteAddr())

	return newSession(conn, RoleServer, result, logger), nil
}

func newSession(conn net.Conn, role Role, result *HandshakeResult, logger *slog.Logger) *Session {
	return &Session{
		conn:         conn,
		role:         role,
		reader:       NewFrameReader(bufio.NewReader(conn), result.DecryptMode),
		writer:       NewFrameWriter(conn, result.EncryptMode),
		PeerHash:     result.PeerHash,
		lastActivity: time.Now(),
		logger:       logger,
	}
}

// SendMessage frames and writes an I2NP message (spec §6 upper edge).
func (s *Session) SendMessage(msg *i2np.Message) error {
	raw, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("ntcp: marshal message: %w", err)
	}
	if err := s.writer.WriteFrame(raw); err != nil {
		return fmt.Errorf("ntcp: send message: %w", err)
	}
	s.touch()
	return nil
}

// ReceiveMessage blocks until a full I2NP message frame arrives, silently
// absorbing keepalive frames and updating the idle-activity clock (spec
// §4.3: "keepalive/time-sync frames do not themselves carry I2NP
// messages and are not delivered to the upper layer").
func (s *Session) ReceiveMessage() (*i2np.Message, error) {
	for {
		payload, keepalive, err := s.reader.ReadFrame()
		if err != nil {
			return nil, fmt.Errorf("ntcp: receive message: %w", err)
		}
		s.touch()
		if keepalive != nil {
			s.logger.Debug("ntcp keepalive received", "peer", s.PeerHash.String())
			continue
		}
		msg, _, err := i2np.Unmarshal(payload)
		if err != nil {
			return nil, fmt.Errorf("ntcp: decode i2np payload: %w", err)
		}
		return msg, nil
	}
}

// SendKeepalive writes a time-sync frame carrying the local clock.
func (s *Session) SendKeepalive() error {
	if err := s.writer.WriteKeepalive(uint32(time.Now().Unix())); err != nil {
		return fmt.Errorf("ntcp: send keepalive: %w", err)
	}
	s.touch()
	return nil
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Idle reports whether the session has exceeded IdleTimeout since its
// last frame exchange (spec §4.3 termination condition).
func (s *Session) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity) > IdleTimeout
}

// Close tears down the underlying connection. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// Role reports whether this session is the dialing (client) or accepting
// (server) side.
func (s *Session) Role() Role { return s.role }
