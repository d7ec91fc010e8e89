package tunnel

import (
	"testing"
	"time"

	"github.com/go-i2p/router/identity"
)

func mkPeer(b byte, family string) Peer {
	var h identity.Hash
	h[0] = b
	return Peer{Hash: h, Family: family, AcceptsTunnels: true}
}

func TestSelectHopsRanksByXorDistance(t *testing.T) {
	var routingKey identity.Hash
	candidates := []Peer{mkPeer(0x01, "a"), mkPeer(0x10, "b"), mkPeer(0x02, "c")}

	hops, err := SelectHops(candidates, routingKey, 2, nil)
	if err != nil {
		t.Fatalf("SelectHops: %v", err)
	}
	if len(hops) != 2 {
		t.Fatalf("len(hops) = %d, want 2", len(hops))
	}
	if hops[0].Hash[0] != 0x01 || hops[1].Hash[0] != 0x02 {
		t.Fatalf("expected closest-first ordering, got %+v", hops)
	}
}

func TestSelectHopsSkipsDuplicateFamily(t *testing.T) {
	var routingKey identity.Hash
	candidates := []Peer{mkPeer(0x01, "same"), mkPeer(0x02, "same"), mkPeer(0x03, "other")}

	hops, err := SelectHops(candidates, routingKey, 2, nil)
	if err != nil {
		t.Fatalf("SelectHops: %v", err)
	}
	if hops[0].Family != "same" || hops[1].Family != "other" {
		t.Fatalf("expected to skip second same-family peer, got %+v", hops)
	}
}

func TestSelectHopsHonorsWhitelist(t *testing.T) {
	var routingKey identity.Hash
	candidates := []Peer{mkPeer(0x01, "blocked"), mkPeer(0x02, "allowed")}
	wl := &Whitelist{Families: map[string]bool{"allowed": true}}

	hops, err := SelectHops(candidates, routingKey, 1, wl)
	if err != nil {
		t.Fatalf("SelectHops: %v", err)
	}
	if hops[0].Family != "allowed" {
		t.Fatalf("whitelist not honored, got %+v", hops)
	}
}

func TestSelectHopsInsufficientCandidates(t *testing.T) {
	var routingKey identity.Hash
	candidates := []Peer{mkPeer(0x01, "a")}
	if _, err := SelectHops(candidates, routingKey, 3, nil); err == nil {
		t.Fatalf("expected error for insufficient candidates")
	}
}

func TestPoolMaintainRebuildsToTarget(t *testing.T) {
	built := 0
	buildFunc := func() (*Config, error) {
		built++
		return BuildChain([]identity.Hash{{byte(built)}}, false, identity.Hash{})
	}
	p := NewPool(DirectionInbound, 3, time.Minute, buildFunc, nil)

	if err := p.Maintain(time.Now()); err != nil {
		t.Fatalf("Maintain: %v", err)
	}
	if len(p.Tunnels()) != 3 {
		t.Fatalf("len(Tunnels()) = %d, want 3", len(p.Tunnels()))
	}
	if built != 3 {
		t.Fatalf("built = %d, want 3", built)
	}

	// A second Maintain call with nothing expired should not rebuild.
	if err := p.Maintain(time.Now()); err != nil {
		t.Fatalf("Maintain (steady state): %v", err)
	}
	if built != 3 {
		t.Fatalf("steady-state Maintain rebuilt unnecessarily: built = %d", built)
	}
}

func TestPoolMaintainDropsExpiredAndRebuildsBeforeExpiry(t *testing.T) {
	built := 0
	buildFunc := func() (*Config, error) {
		built++
		return BuildChain([]identity.Hash{{byte(built)}}, false, identity.Hash{})
	}
	p := NewPool(DirectionOutbound, 1, time.Minute, buildFunc, nil)

	now := time.Now()
	if err := p.Maintain(now); err != nil {
		t.Fatalf("Maintain: %v", err)
	}
	if built != 1 {
		t.Fatalf("built = %d, want 1", built)
	}

	// Within RebuildBy of expiry: pool should proactively build a successor
	// without yet dropping the still-valid tunnel.
	almostExpired := now.Add(Lifetime - 30*time.Second)
	if err := p.Maintain(almostExpired); err != nil {
		t.Fatalf("Maintain (near expiry): %v", err)
	}
	if built != 2 {
		t.Fatalf("expected proactive rebuild near expiry, built = %d", built)
	}
	if len(p.Tunnels()) != 2 {
		t.Fatalf("expected old tunnel retained alongside successor, got %d", len(p.Tunnels()))
	}

	// Past full Lifetime: the original entry should be dropped.
	wayLater := now.Add(Lifetime + time.Minute)
	if err := p.Maintain(wayLater); err != nil {
		t.Fatalf("Maintain (past expiry): %v", err)
	}
	if len(p.Tunnels()) == 0 {
		t.Fatalf("expected at least the still-live successor retained")
	}
}

func TestExploratoryPoolMaintainsBothDirections(t *testing.T) {
	buildIn := func() (*Config, error) { return BuildChain([]identity.Hash{{1}}, false, identity.Hash{}) }
	buildOut := func() (*Config, error) { return BuildChain([]identity.Hash{{2}}, true, identity.Hash{}) }
	ep := NewExploratoryPool(2, time.Minute, buildIn, buildOut, nil)

	if err := ep.Maintain(time.Now()); err != nil {
		t.Fatalf("Maintain: %v", err)
	}
	if len(ep.Inbound.Tunnels()) != 2 || len(ep.Outbound.Tunnels()) != 2 {
		t.Fatalf("expected both pools at target: in=%d out=%d", len(ep.Inbound.Tunnels()), len(ep.Outbound.Tunnels()))
	}
}
