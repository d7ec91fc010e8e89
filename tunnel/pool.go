package tunnel

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-i2p/router/identity"
)

// Direction distinguishes a pool's inbound tunnels (built to receive
// traffic) from its outbound ones (built to send it) (spec §4.5 "Tunnel
// pools").
type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

// Peer is the slice of a candidate hop's RouterInfo that tunnel-pool
// selection needs: its identity hash, family label, and whether it is
// presently accepting transit tunnels.
type Peer struct {
	Hash           identity.Hash
	Family         string
	AcceptsTunnels bool
}

// Whitelist restricts peer selection to an explicit set of families or
// identity hashes when configured (spec §4.5 "honors a family/restricted-
// routes whitelist when configured"). A nil Whitelist or one with both
// fields empty allows any peer.
type Whitelist struct {
	Families map[string]bool
	Hashes   map[identity.Hash]bool
}

func (w *Whitelist) allows(p Peer) bool {
	if w == nil {
		return true
	}
	if len(w.Hashes) > 0 && !w.Hashes[p.Hash] {
		return false
	}
	if len(w.Families) > 0 && !w.Families[p.Family] {
		return false
	}
	return true
}

// SelectHops picks length peers for one tunnel, ranked by XOR distance
// from routingKey (spec §4.5 "Peer selection uses the XOR metric against
// the routing key for hop diversity"; identity.Hash.XorDistance/Less).
// Peers sharing a non-empty family with an already-chosen hop are skipped
// so a single operator's fleet can't occupy two hops of the same tunnel,
// generalizing pathselect.SelectGuard/SelectMiddle's same-/16-subnet
// exclusion to the family axis I2P actually diversifies tunnels on.
func SelectHops(candidates []Peer, routingKey identity.Hash, length int, wl *Whitelist) ([]Peer, error) {
	type scored struct {
		peer Peer
		dist identity.Hash
	}
	var pool []scored
	for _, p := range candidates {
		if !p.AcceptsTunnels || !wl.allows(p) {
			continue
		}
		pool = append(pool, scored{peer: p, dist: p.Hash.XorDistance(routingKey)})
	}
	if len(pool) < length {
		return nil, fmt.Errorf("tunnel: only %d eligible peers for a %d-hop tunnel", len(pool), length)
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].dist.Less(pool[j].dist) })

	out := make([]Peer, 0, length)
	usedFamily := make(map[string]bool)
	for _, s := range pool {
		if s.peer.Family != "" && usedFamily[s.peer.Family] {
			continue
		}
		out = append(out, s.peer)
		if s.peer.Family != "" {
			usedFamily[s.peer.Family] = true
		}
		if len(out) == length {
			return out, nil
		}
	}
	return nil, fmt.Errorf("tunnel: could not assemble %d family-diverse hops from %d eligible peers", length, len(pool))
}

// poolEntry pairs a built tunnel with when this pool created it, since
// Config itself carries no timestamp — a tunnel's lifecycle belongs to
// whoever is tracking it (the pool here, the Manager for transit hops).
type poolEntry struct {
	cfg     *Config
	created time.Time
}

// Pool keeps a target number of Established tunnels of one direction for
// a local destination, rebuilding proactively before expiry (spec §4.5
// "Pools keep target counts of established tunnels of each direction and
// rebuild proactively before expiry"). BuildFunc performs the actual
// build handshake (hop selection, NewBuildMessage, send, RecoverReplies)
// and is supplied by the caller since it depends on live transport state
// this package doesn't own.
type Pool struct {
	mu        sync.Mutex
	Direction Direction
	Target    int
	RebuildBy time.Duration
	BuildFunc func() (*Config, error)
	logger    *slog.Logger
	entries   []*poolEntry
}

// NewPool creates an empty pool. Call Maintain periodically (or on a
// timer) to keep it topped up to Target.
func NewPool(direction Direction, target int, rebuildBy time.Duration, buildFunc func() (*Config, error), logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		Direction: direction,
		Target:    target,
		RebuildBy: rebuildBy,
		BuildFunc: buildFunc,
		logger:    logger,
	}
}

// Tunnels returns the pool's currently tracked tunnel configs.
func (p *Pool) Tunnels() []*Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Config, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.cfg
	}
	return out
}

// Maintain drops tunnels that have fully expired, counts any tunnel
// within RebuildBy of Lifetime expiry as already due for replacement, and
// builds enough fresh tunnels via BuildFunc to bring the pool back up to
// Target (spec §4.5 "rebuild proactively before expiry").
func (p *Pool) Maintain(now time.Time) error {
	p.mu.Lock()
	var live []*poolEntry
	need := p.Target
	for _, e := range p.entries {
		age := now.Sub(e.created)
		if age > Lifetime {
			continue
		}
		live = append(live, e)
		if age < Lifetime-p.RebuildBy {
			need--
		}
	}
	p.entries = live
	p.mu.Unlock()

	for i := 0; i < need; i++ {
		if p.BuildFunc == nil {
			return fmt.Errorf("tunnel: pool has no BuildFunc configured to rebuild with")
		}
		cfg, err := p.BuildFunc()
		if err != nil {
			p.logger.Warn("tunnel: pool rebuild attempt failed", "direction", p.Direction, "err", err)
			continue
		}
		p.mu.Lock()
		p.entries = append(p.entries, &poolEntry{cfg: cfg, created: now})
		p.mu.Unlock()
	}
	return nil
}

// ExploratoryPool is the router-owned inbound+outbound pool pair that
// provides tunnels for netdb lookups and tunnel build messages before any
// local destination has requested its own pool (spec §4.5 "The
// exploratory pool, owned by the router itself, provides tunnels used for
// netdb lookups and build messages before any user pool exists").
type ExploratoryPool struct {
	Inbound  *Pool
	Outbound *Pool
}

// NewExploratoryPool wires up the router's own inbound and outbound
// exploratory pools.
func NewExploratoryPool(target int, rebuildBy time.Duration, buildInbound, buildOutbound func() (*Config, error), logger *slog.Logger) *ExploratoryPool {
	return &ExploratoryPool{
		Inbound:  NewPool(DirectionInbound, target, rebuildBy, buildInbound, logger),
		Outbound: NewPool(DirectionOutbound, target, rebuildBy, buildOutbound, logger),
	}
}

// Maintain tops up both the inbound and outbound exploratory pools.
func (e *ExploratoryPool) Maintain(now time.Time) error {
	if err := e.Inbound.Maintain(now); err != nil {
		return err
	}
	return e.Outbound.Maintain(now)
}
