// Package tunnel implements the tunnel layer (spec §4.5 C7): build
// requests/replies, tunnel pools, per-hop double-AES "tunnel data"
// encryption, gateway fragmentation, endpoint reassembly, and transit
// participation. It generalizes the teacher's circuit package (a
// single-path ntor-keyed onion circuit with AES-128-CTR stream ciphers
// and running SHA-1 digests) to I2P's fixed-length tunnels keyed by
// per-hop ElGamal-delivered layer/IV keys and CBC "double-IV" encryption.
package tunnel

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/go-i2p/router/identity"
)

// Role identifies a tunnel hop's position, generalizing the teacher's
// Circuit.Hops-as-ordered-slice into explicit role tagging since I2P
// tunnels (unlike Tor circuits) are unidirectional and every hop besides
// the endpoints behaves identically (spec §4.5 "Tunnel roles").
type Role int

const (
	RoleGateway Role = iota
	RoleParticipant
	RoleEndpoint
)

// HopConfig is one hop of a TunnelConfig: the identity of the router at
// this hop and
// the symmetric keys ElGamal-delivered to it during the build (spec §4.5
// "Building"). LayerKey/IVKey drive the double-IV transform (spec §4.5
// "Encryption per hop"); ReplyKey/ReplyIV re-encrypt build records as
// they're forwarded back to the originator.
type HopConfig struct {
	PeerHash     identity.Hash
	TunnelID     uint32
	NextTunnelID uint32
	LayerKey     [32]byte
	IVKey        [32]byte
	ReplyKey     [32]byte
	ReplyIV      [16]byte
	Role         Role
}

// Config is a complete tunnel: a directed, doubly-linked chain of hops
// (spec §4.5 "A TunnelConfig is a doubly-linked list of hops").
type Config struct {
	Hops      []HopConfig
	Outbound  bool
	ReplyPeer identity.Hash // for outbound tunnels: first hop of the paired reply tunnel
}

// NewHopConfig builds one hop with freshly-random keys and a random
// non-zero tunnel ID (spec §3 "tunnel-IDs non-zero and unique").
func NewHopConfig(peer identity.Hash, role Role) (HopConfig, error) {
	hc := HopConfig{PeerHash: peer, Role: role}

	id, err := randomTunnelID()
	if err != nil {
		return hc, err
	}
	hc.TunnelID = id

	if _, err := rand.Read(hc.LayerKey[:]); err != nil {
		return hc, fmt.Errorf("tunnel: generate layer key: %w", err)
	}
	if _, err := rand.Read(hc.IVKey[:]); err != nil {
		return hc, fmt.Errorf("tunnel: generate IV key: %w", err)
	}
	if _, err := rand.Read(hc.ReplyKey[:]); err != nil {
		return hc, fmt.Errorf("tunnel: generate reply key: %w", err)
	}
	if _, err := rand.Read(hc.ReplyIV[:]); err != nil {
		return hc, fmt.Errorf("tunnel: generate reply IV: %w", err)
	}
	return hc, nil
}

func randomTunnelID() (uint32, error) {
	for attempts := 0; attempts < 16; attempts++ {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("tunnel: generate tunnel ID: %w", err)
		}
		id := binary.BigEndian.Uint32(buf[:])
		if id != 0 {
			return id, nil
		}
	}
	return 0, fmt.Errorf("tunnel: failed to generate non-zero tunnel ID after 16 attempts")
}

// BuildChain assembles a Config linking hops in path order: the first
// hop is marked gateway, the last endpoint, and all between are
// participants. For outbound tunnels, replyPeer names the first hop of
// the chosen reply (inbound) tunnel the last hop should deliver to; for
// inbound tunnels it is the zero hash, meaning "deliver to the local
// router" (spec §4.5 "Building").
func BuildChain(peers []identity.Hash, outbound bool, replyPeer identity.Hash) (*Config, error) {
	if len(peers) == 0 {
		return nil, fmt.Errorf("tunnel: BuildChain requires at least one hop")
	}
	cfg := &Config{Outbound: outbound, ReplyPeer: replyPeer}
	for i, peer := range peers {
		role := RoleParticipant
		switch {
		case i == 0:
			role = RoleGateway
		case i == len(peers)-1:
			role = RoleEndpoint
		}
		hc, err := NewHopConfig(peer, role)
		if err != nil {
			return nil, err
		}
		cfg.Hops = append(cfg.Hops, hc)
	}
	for i := 0; i < len(cfg.Hops)-1; i++ {
		cfg.Hops[i].NextTunnelID = cfg.Hops[i+1].TunnelID
	}
	return cfg, nil
}

// ReceiveTunnelID is the identifier by which this tunnel is addressed
// locally: the first hop's tunnel ID for every tunnel, or 0 when the
// config has no hops (spec §3 "Tunnel identity").
func (c *Config) ReceiveTunnelID() uint32 {
	if len(c.Hops) == 0 {
		return 0
	}
	return c.Hops[0].TunnelID
}
