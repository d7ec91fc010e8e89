package tunnel

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-i2p/router/identity"
)

// State is a transit tunnel's lifecycle stage (spec §4.5 "Tunnels are
// Pending during build, Established after success, Failed after any
// rejection or timeout, and Expiring/Expired after lifetime").
type State int

const (
	StatePending State = iota
	StateEstablished
	StateFailed
	StateExpiring
	StateExpired
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	case StateExpiring:
		return "expiring"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// TransitTunnel is one hop of someone else's tunnel that this router
// forwards for, generalizing the teacher's deep-inheritance note that
// TunnelBase decomposes into Participant/Gateway/Endpoint variants
// sharing a forward(tunnel_msg) trait (spec §7 "Deep inheritance") — here
// a single struct tagged by Role plays all three, since a transit router
// applies the identical double-IV transform regardless of position.
type TransitTunnel struct {
	TunnelID     uint32
	NextTunnelID uint32
	NextIdent    identity.Hash
	Role         Role
	LayerKey     [32]byte
	IVKey        [32]byte
	State        State
	Created      time.Time
}

func roleFromFlag(flag byte) Role {
	switch {
	case flag&FlagIsGateway != 0:
		return RoleGateway
	case flag&FlagIsEndpoint != 0:
		return RoleEndpoint
	default:
		return RoleParticipant
	}
}

// Manager owns the local router's transit-tunnel table (spec §4.5
// "Transit participation"; §6 "Transit-tunnel map is owned by the tunnel
// reactor; counts are read under the same reactor").
type Manager struct {
	mu             sync.Mutex
	tunnels        map[uint32]*TransitTunnel
	limit          int
	acceptsTunnels bool
	logger         *slog.Logger
}

// NewManager creates a transit table that accepts up to limit
// simultaneous transit tunnels while acceptsTunnels is true.
func NewManager(acceptsTunnels bool, limit int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		tunnels:        make(map[uint32]*TransitTunnel),
		limit:          limit,
		acceptsTunnels: acceptsTunnels,
		logger:         logger,
	}
}

// Count returns the number of transit tunnels currently tracked.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tunnels)
}

// SetAcceptsTunnels toggles whether new transit requests are admitted,
// mirroring RouterContext's acceptsTunnels flag (spec §4.3).
func (m *Manager) SetAcceptsTunnels(accepts bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acceptsTunnels = accepts
}

// HandleBuildMessage processes the slot of bm addressed to localHash: it
// decrypts the record, decides accept/reject by capacity, writes the
// reply, and — only on accept — registers a Pending TransitTunnel (spec
// §4.5 "if acceptsTunnels is true and the transit-tunnel count is under
// its limit, instantiate a TransitTunnelParticipant|Gateway|Endpoint per
// the flag byte and forward the updated build message to the next hop;
// otherwise reply with reject code 30"). The caller forwards bm to the
// returned record's NextIdent/NextTunnelID regardless of accepted —
// rejections still propagate through the build chain like any other
// reply.
func (m *Manager) HandleBuildMessage(bm *BuildMessage, localHash identity.Hash, localKeys *identity.PrivateKeys) (rec *BuildRecord, accepted bool, err error) {
	slot, ok := bm.FindSlot(localHash)
	if !ok {
		return nil, false, fmt.Errorf("tunnel: no build-record slot addressed to local identity")
	}

	rec, err = ProcessTransitSlot(bm, slot, localKeys, func(r *BuildRecord) bool {
		accepted = m.admit(r)
		return accepted
	})
	if err != nil {
		return nil, false, err
	}

	m.logger.Debug("tunnel: processed transit build slot", "tunnelID", rec.ReceiveTunnelID, "accepted", accepted)
	return rec, accepted, nil
}

func (m *Manager) admit(rec *BuildRecord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.acceptsTunnels || len(m.tunnels) >= m.limit {
		return false
	}
	if _, exists := m.tunnels[rec.ReceiveTunnelID]; exists {
		return false
	}
	m.tunnels[rec.ReceiveTunnelID] = &TransitTunnel{
		TunnelID:     rec.ReceiveTunnelID,
		NextTunnelID: rec.NextTunnelID,
		NextIdent:    rec.NextIdent,
		Role:         roleFromFlag(rec.Flag),
		LayerKey:     rec.LayerKey,
		IVKey:        rec.IVKey,
		State:        StatePending,
		Created:      time.Now(),
	}
	return true
}

// Forward applies this transit hop's double-IV transform to an incoming
// tunnel data message and reports where the caller should send the
// result next. The first successful forward on a Pending tunnel promotes
// it to Established — a transit hop never sees the originator's reply
// records, so live data traffic is the only local evidence the build
// chain succeeded.
func (m *Manager) Forward(tunnelID uint32, iv [16]byte, payload [PayloadLen]byte) (nextTunnelID uint32, nextIdent identity.Hash, newIV [16]byte, out [PayloadLen]byte, err error) {
	m.mu.Lock()
	tt, ok := m.tunnels[tunnelID]
	if ok && tt.State == StatePending {
		tt.State = StateEstablished
	}
	m.mu.Unlock()
	if !ok {
		return 0, nextIdent, newIV, out, fmt.Errorf("tunnel: unknown transit tunnel %d", tunnelID)
	}

	hop := HopConfig{LayerKey: tt.LayerKey, IVKey: tt.IVKey}
	newIV, out, err = ProcessHop(hop, iv, payload)
	if err != nil {
		return 0, nextIdent, newIV, out, fmt.Errorf("tunnel: forward transit %d: %w", tunnelID, err)
	}
	return tt.NextTunnelID, tt.NextIdent, newIV, out, nil
}

// Remove drops a tunnel from the table, e.g. after the peer sends a
// tear-down or the local router decides to stop participating.
func (m *Manager) Remove(tunnelID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tunnels, tunnelID)
}

// ReapExpired advances each tunnel's lifecycle against now and drops
// tunnels that have fully expired (spec §4.5 lifecycle; BuildTimeout and
// Lifetime from build.go). A Pending tunnel that never carries live
// traffic within BuildTimeout is presumed to have failed further down
// the chain; an Established tunnel ages into Expiring at Lifetime and is
// dropped one BuildTimeout later.
func (m *Manager) ReapExpired(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, tt := range m.tunnels {
		switch tt.State {
		case StatePending:
			if now.Sub(tt.Created) > BuildTimeout {
				tt.State = StateFailed
			}
		case StateEstablished:
			if now.Sub(tt.Created) > Lifetime {
				tt.State = StateExpiring
			}
		case StateExpiring:
			if now.Sub(tt.Created) > Lifetime+BuildTimeout {
				tt.State = StateExpired
			}
		}
		if tt.State == StateFailed || tt.State == StateExpired {
			delete(m.tunnels, id)
		}
	}
}
