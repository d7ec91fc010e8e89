package tunnel

import (
	"testing"
	"time"

	"github.com/go-i2p/router/identity"
)

// TestManagerAcceptsUnderLimit confirms a transit hop admits a build
// request while under its configured limit and registers it Pending
// (spec §4.5 "Transit participation").
func TestManagerAcceptsUnderLimit(t *testing.T) {
	transitA := generateTransitHop(t)
	transitB := generateTransitHop(t)

	cfg, err := BuildChain([]identity.Hash{transitA.hash, transitB.hash}, true, identity.Hash{})
	if err != nil {
		t.Fatalf("BuildChain: %v", err)
	}
	records := []*BuildRecord{
		buildRecordFor(t, cfg.Hops[0], transitB.hash),
		buildRecordFor(t, cfg.Hops[1], identity.Hash{}),
	}
	var p0, p1 [16]byte
	copy(p0[:], transitA.hash[:16])
	copy(p1[:], transitB.hash[:16])
	pubKeys := [][256]byte{transitA.keys.Identity.ElGamalPublicKey(), transitB.keys.Identity.ElGamalPublicKey()}

	bm, err := NewBuildMessage(records, [][16]byte{p0, p1}, pubKeys, 0)
	if err != nil {
		t.Fatalf("NewBuildMessage: %v", err)
	}

	mgr := NewManager(true, 10, nil)
	rec, accepted, err := mgr.HandleBuildMessage(bm, transitA.hash, transitA.keys)
	if err != nil {
		t.Fatalf("HandleBuildMessage: %v", err)
	}
	if !accepted {
		t.Fatalf("expected accept under limit")
	}
	if rec.NextIdent != transitB.hash {
		t.Fatalf("rec.NextIdent mismatch")
	}
	if mgr.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", mgr.Count())
	}
}

// TestManagerRejectsOverLimit confirms a transit hop at capacity replies
// reject (code 30) rather than registering a new tunnel.
func TestManagerRejectsOverLimit(t *testing.T) {
	transitA := generateTransitHop(t)
	transitB := generateTransitHop(t)

	cfg, err := BuildChain([]identity.Hash{transitA.hash, transitB.hash}, true, identity.Hash{})
	if err != nil {
		t.Fatalf("BuildChain: %v", err)
	}
	records := []*BuildRecord{
		buildRecordFor(t, cfg.Hops[0], transitB.hash),
		buildRecordFor(t, cfg.Hops[1], identity.Hash{}),
	}
	var p0, p1 [16]byte
	copy(p0[:], transitA.hash[:16])
	copy(p1[:], transitB.hash[:16])
	pubKeys := [][256]byte{transitA.keys.Identity.ElGamalPublicKey(), transitB.keys.Identity.ElGamalPublicKey()}

	bm, err := NewBuildMessage(records, [][16]byte{p0, p1}, pubKeys, 0)
	if err != nil {
		t.Fatalf("NewBuildMessage: %v", err)
	}

	mgr := NewManager(true, 0, nil)
	rec, accepted, err := mgr.HandleBuildMessage(bm, transitA.hash, transitA.keys)
	if err != nil {
		t.Fatalf("HandleBuildMessage: %v", err)
	}
	if accepted {
		t.Fatalf("expected reject at zero capacity")
	}
	if rec == nil {
		t.Fatalf("expected a decoded record even on reject")
	}

	replies, err := RecoverReplies(bm, []HopConfig{cfg.Hops[0]})
	if err != nil {
		t.Fatalf("RecoverReplies: %v", err)
	}
	if replies[0].Verdict != ReplyReject {
		t.Fatalf("verdict = %d, want %d", replies[0].Verdict, ReplyReject)
	}
	if mgr.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", mgr.Count())
	}
}

// TestManagerForwardRoundTrip confirms Forward peels exactly the layer a
// GatewayEncrypt call applied for this hop and routes to NextTunnelID.
func TestManagerForwardRoundTrip(t *testing.T) {
	hop, err := NewHopConfig(identity.Hash{9}, RoleParticipant)
	if err != nil {
		t.Fatalf("NewHopConfig: %v", err)
	}
	hop.NextTunnelID = 4242

	var seedIV [16]byte
	var payload [PayloadLen]byte
	for i := range payload {
		payload[i] = byte(i)
	}
	wireIV, wrapped, err := GatewayEncrypt([]HopConfig{hop}, seedIV, payload)
	if err != nil {
		t.Fatalf("GatewayEncrypt: %v", err)
	}

	mgr := NewManager(true, 10, nil)
	mgr.tunnels[hop.TunnelID] = &TransitTunnel{
		TunnelID:     hop.TunnelID,
		NextTunnelID: hop.NextTunnelID,
		NextIdent:    hop.PeerHash,
		LayerKey:     hop.LayerKey,
		IVKey:        hop.IVKey,
		State:        StatePending,
		Created:      time.Now(),
	}

	nextTunnelID, nextIdent, _, out, err := mgr.Forward(hop.TunnelID, wireIV, wrapped)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if nextTunnelID != hop.NextTunnelID {
		t.Fatalf("nextTunnelID = %d, want %d", nextTunnelID, hop.NextTunnelID)
	}
	if nextIdent != hop.PeerHash {
		t.Fatalf("nextIdent mismatch")
	}
	if out != payload {
		t.Fatalf("forwarded payload does not match original plaintext")
	}
	if mgr.tunnels[hop.TunnelID].State != StateEstablished {
		t.Fatalf("expected Forward to promote Pending to Established")
	}
}

// TestManagerReapExpired exercises the Pending/Established/Expiring/
// Expired state transitions against synthetic clocks.
func TestManagerReapExpired(t *testing.T) {
	mgr := NewManager(true, 10, nil)
	now := time.Now()

	mgr.tunnels[1] = &TransitTunnel{TunnelID: 1, State: StatePending, Created: now.Add(-2 * BuildTimeout)}
	mgr.tunnels[2] = &TransitTunnel{TunnelID: 2, State: StateEstablished, Created: now.Add(-2 * Lifetime)}
	mgr.tunnels[3] = &TransitTunnel{TunnelID: 3, State: StateEstablished, Created: now.Add(-1 * time.Minute)}

	mgr.ReapExpired(now)
	if _, ok := mgr.tunnels[1]; ok {
		t.Fatalf("expected stale Pending tunnel 1 to be reaped")
	}
	if got := mgr.tunnels[2].State; got != StateExpiring {
		t.Fatalf("tunnel 2 state = %v, want Expiring", got)
	}
	if got := mgr.tunnels[3].State; got != StateEstablished {
		t.Fatalf("tunnel 3 state = %v, want still Established", got)
	}

	mgr.tunnels[2].Created = now.Add(-(Lifetime + 2*BuildTimeout))
	mgr.ReapExpired(now)
	if _, ok := mgr.tunnels[2]; ok {
		t.Fatalf("expected long-Expiring tunnel 2 to be reaped")
	}
}
