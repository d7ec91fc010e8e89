// Package router wires the transport, identity, and tunnel layers into
// the single RouterContext the rest of the system is built around (spec
// §4.3, §6). It generalizes the teacher's cmd/tor-client daemon-wiring
// style — load-or-generate long-term keys, bring up reactors, dispatch
// received cells by type — to I2P's dual-transport, tunnel-routing
// router core.
package router

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-i2p/router/i2np"
	"github.com/go-i2p/router/identity"
	"github.com/go-i2p/router/keys"
	"github.com/go-i2p/router/ntcp"
	"github.com/go-i2p/router/routerinfo"
	"github.com/go-i2p/router/ssu"
	"github.com/go-i2p/router/tunnel"
)

const (
	keysFileName = "router.keys"
	infoFileName = "router.info"
)

// Router is the local RouterContext: local identity, both transports, the
// transit-tunnel table, the local endpoint reassembler, and the
// exploratory pool (spec §4.3, §6). Callers reach it through the three
// upper-edge operations SendMessage/CloseSession/OnMessageReceived plus
// LocalRouterInfo; a netdb or destination layer above this package is
// reached through those same interfaces rather than anything exported
// here directly (spec Non-goals: netdb flooding and end-to-end garlic
// delivery are out of scope).
type Router struct {
	cfg    Config
	logger *slog.Logger

	Keys *identity.PrivateKeys
	Info *routerinfo.RouterInfo

	supplier *keys.Supplier
	ntcp     *ntcp.Transport
	ssu      *ssu.Transport

	Transit     *tunnel.Manager
	Endpoint    *tunnel.Endpoint
	Exploratory *tunnel.ExploratoryPool

	mu             sync.Mutex
	ssuSessions    map[identity.Hash]*ssu.Session
	localEndpoints map[uint32]tunnel.HopConfig
	onMessage      func(from identity.Hash, msg *i2np.Message)

	status ssu.PeerTestStatus
}

// New loads or generates the local router's long-term identity and
// RouterInfo under cfg.DataDir, then wires up the transports and tunnel
// subsystems. Call Serve to start accepting connections.
func New(opts ...Option) (*Router, error) {
	cfg, err := resolve(opts)
	if err != nil {
		return nil, err
	}

	priv, err := loadOrGenerateKeys(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("router: load or generate local keys: %w", err)
	}

	info, err := loadOrBuildInfo(cfg, priv)
	if err != nil {
		return nil, fmt.Errorf("router: load or build local routerinfo: %w", err)
	}

	supplier := keys.NewSupplier(0, cfg.Logger)

	r := &Router{
		cfg:            cfg,
		logger:         cfg.Logger,
		Keys:           priv,
		Info:           info,
		supplier:       supplier,
		Transit:        tunnel.NewManager(cfg.AcceptsTunnels, cfg.TransitLimit, cfg.Logger),
		Endpoint:       tunnel.NewEndpoint(cfg.Logger),
		ssuSessions:    make(map[identity.Hash]*ssu.Session),
		localEndpoints: make(map[uint32]tunnel.HopConfig),
		status:         ssu.StatusTesting,
	}

	if cfg.NTCPAddr != "" {
		r.ntcp = ntcp.NewTransport(priv, supplier, cfg.Logger)
		r.ntcp.OnMessage(r.dispatch)
	}
	if cfg.SSUAddr != "" {
		var introKey ssu.IntroKey
		if _, err := rand.Read(introKey[:]); err != nil {
			return nil, fmt.Errorf("router: generate ssu intro key: %w", err)
		}
		r.ssu = ssu.NewTransport(priv, introKey, supplier, cfg.Logger)
		r.ssu.OnMessage(r.dispatch)
	}

	return r, nil
}

func loadOrGenerateKeys(dataDir string) (*identity.PrivateKeys, error) {
	path := filepath.Join(dataDir, keysFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		return identity.ParsePrivateKeys(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("router: read %s: %w", path, err)
	}

	priv, err := identity.GenerateLocal()
	if err != nil {
		return nil, fmt.Errorf("router: generate local keys: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("router: create data dir %s: %w", dataDir, err)
	}
	if err := os.WriteFile(path, priv.Bytes(), 0600); err != nil {
		return nil, fmt.Errorf("router: write %s: %w", path, err)
	}
	return priv, nil
}

func loadOrBuildInfo(cfg Config, priv *identity.PrivateKeys) (*routerinfo.RouterInfo, error) {
	path := filepath.Join(cfg.DataDir, infoFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		return routerinfo.Parse(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("router: read %s: %w", path, err)
	}

	info := routerinfo.New(priv.Identity)
	if cfg.NTCPAddr != "" {
		host, port, err := splitHostPort(cfg.NTCPAddr)
		if err != nil {
			return nil, err
		}
		info.SetAddress(routerinfo.Address{Style: routerinfo.StyleNTCP, Host: host, Port: port})
	}
	if cfg.SSUAddr != "" {
		host, port, err := splitHostPort(cfg.SSUAddr)
		if err != nil {
			return nil, err
		}
		info.SetAddress(routerinfo.Address{Style: routerinfo.StyleSSU, Host: host, Port: port})
	}
	info.SetProperty("caps", capsString(cfg))
	if err := info.Sign(priv.Sign); err != nil {
		return nil, fmt.Errorf("router: sign routerinfo: %w", err)
	}

	if err := saveInfo(cfg.DataDir, info); err != nil {
		return nil, err
	}
	return info, nil
}

func saveInfo(dataDir string, info *routerinfo.RouterInfo) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("router: create data dir %s: %w", dataDir, err)
	}
	data, err := info.Bytes()
	if err != nil {
		return fmt.Errorf("router: serialize routerinfo: %w", err)
	}
	path := filepath.Join(dataDir, infoFileName)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("router: write %s: %w", path, err)
	}
	return nil
}

func capsString(cfg Config) string {
	caps := "R"
	if cfg.Floodfill {
		caps += "f"
	}
	return caps
}

func splitHostPort(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("%w: bad address %q: %v", ErrConfig, addr, err)
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, fmt.Errorf("%w: bad port in %q", ErrConfig, addr)
	}
	return host, port, nil
}

// Serve starts both transports and the periodic maintenance loop. It
// blocks until ctx is cancelled.
func (r *Router) Serve(ctx context.Context) error {
	var wg sync.WaitGroup

	if r.ntcp != nil {
		if err := r.ntcp.Listen(r.cfg.NTCPAddr); err != nil {
			return fmt.Errorf("router: ntcp listen: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.ntcp.Serve(ctx); err != nil {
				r.logger.Warn("router: ntcp transport stopped", "err", err)
			}
		}()
	}
	if r.ssu != nil {
		if err := r.ssu.Listen(r.cfg.SSUAddr); err != nil {
			return fmt.Errorf("router: ssu listen: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.ssu.Serve(ctx); err != nil {
				r.logger.Warn("router: ssu transport stopped", "err", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.maintainLoop(ctx)
	}()

	wg.Wait()
	r.supplier.Stop()
	return nil
}

// maintainLoop periodically reaps idle sessions, expired tunnels, and
// rebuilds the exploratory pool (spec §4.5 lifecycle maintenance). It
// runs at a fraction of BuildTimeout so a Pending transit tunnel is
// reaped promptly after it times out.
func (r *Router) maintainLoop(ctx context.Context) {
	ticker := time.NewTicker(tunnel.BuildTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if r.ntcp != nil {
				r.ntcp.ReapIdle()
			}
			r.Transit.ReapExpired(now)
			r.Endpoint.ReapStale(now)
			if r.Exploratory != nil {
				if err := r.Exploratory.Maintain(now); err != nil {
					r.logger.Warn("router: exploratory pool maintenance failed", "err", err)
				}
			}
		}
	}
}

// AddLocalEndpoint registers the key material of an inbound tunnel's
// last hop whose traffic should be decrypted and reassembled locally
// rather than forwarded onward, the counterpart of Transit's table for
// tunnels this router itself owns rather than merely relays.
func (r *Router) AddLocalEndpoint(hop tunnel.HopConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localEndpoints[hop.TunnelID] = hop
}

// RemoveLocalEndpoint drops a previously registered local inbound tunnel.
func (r *Router) RemoveLocalEndpoint(tunnelID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.localEndpoints, tunnelID)
}

func (r *Router) localEndpoint(tunnelID uint32) (tunnel.HopConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hop, ok := r.localEndpoints[tunnelID]
	return hop, ok
}

// dispatch demultiplexes an I2NP message received on either transport by
// type (spec §6): tunnel-data either terminates here or forwards through
// Transit, tunnel-build records are processed and forwarded, and
// everything else (database lookups, garlic, end-to-end data) is handed
// to the registered upper-edge callback since those layers are out of
// this package's scope.
func (r *Router) dispatch(from identity.Hash, msg *i2np.Message) {
	switch msg.Type {
	case i2np.TypeTunnelData:
		r.handleTunnelData(msg.Payload)
	case i2np.TypeTunnelBuild, i2np.TypeVariableTunnelBuild:
		r.handleBuildRequest(msg.Payload, msg.Type)
	default:
		r.mu.Lock()
		cb := r.onMessage
		r.mu.Unlock()
		if cb != nil {
			cb(from, msg)
		}
	}
}

func (r *Router) handleTunnelData(payload []byte) {
	tm, err := tunnel.ParseMessage(payload)
	if err != nil {
		r.logger.Warn("router: malformed tunnel data message", "err", fmt.Errorf("%w: %v", ErrParse, err))
		return
	}

	if hop, ok := r.localEndpoint(tm.TunnelID); ok {
		_, out, err := tunnel.ProcessHop(hop, tm.IV, tm.Payload)
		if err != nil {
			r.logger.Warn("router: decrypt local endpoint tunnel data", "tunnelID", tm.TunnelID, "err", fmt.Errorf("%w: %v", ErrCrypto, err))
			return
		}
		if err := r.Endpoint.HandleDecryptedPayload(out); err != nil {
			r.logger.Warn("router: reassemble local endpoint fragment", "tunnelID", tm.TunnelID, "err", err)
		}
		return
	}

	nextTunnelID, nextIdent, newIV, out, err := r.Transit.Forward(tm.TunnelID, tm.IV, tm.Payload)
	if err != nil {
		r.logger.Debug("router: no transit tunnel for tunnel data", "tunnelID", tm.TunnelID, "err", err)
		return
	}
	fwd := &tunnel.Message{TunnelID: nextTunnelID, IV: newIV, Payload: out}
	if err := r.sendTunnelMessage(nextIdent, fwd); err != nil {
		r.logger.Warn("router: forward transit tunnel data", "tunnelID", nextTunnelID, "peer", nextIdent, "err", err)
	}
}

func (r *Router) sendTunnelMessage(to identity.Hash, tm *tunnel.Message) error {
	raw := tm.Marshal()
	msgID, err := randomMessageID()
	if err != nil {
		return err
	}
	msg := i2np.New(i2np.TypeTunnelData, msgID, tunnel.BuildTimeout, raw)
	return r.SendMessage(to, msg)
}

func (r *Router) handleBuildRequest(payload []byte, msgType uint8) {
	bm, err := tunnel.ParseBuildMessage(payload)
	if err != nil {
		r.logger.Warn("router: malformed tunnel build message", "err", fmt.Errorf("%w: %v", ErrParse, err))
		return
	}

	rec, accepted, err := r.Transit.HandleBuildMessage(bm, r.Keys.Identity.Hash(), r.Keys)
	if err != nil {
		r.logger.Warn("router: process transit build slot", "err", fmt.Errorf("%w: %v", ErrCrypto, err))
		return
	}
	r.logger.Debug("router: processed transit build slot", "tunnelID", rec.ReceiveTunnelID, "accepted", accepted)

	replyType := i2np.TypeTunnelBuildReply
	if msgType == i2np.TypeVariableTunnelBuild {
		replyType = i2np.TypeVariableTunnelBuildReply
	}

	// An endpoint hop's "next" is the reply-tunnel gateway (or the local
	// router for inbound tunnels); an intermediate hop's "next" continues
	// the same build chain. Both cases are "forward the updated message
	// to rec.NextIdent" — only the outer I2NP type byte differs.
	outType := msgType
	if rec.Flag&tunnel.FlagIsEndpoint != 0 {
		outType = replyType
	}

	msgID, err := randomMessageID()
	if err != nil {
		r.logger.Warn("router: assign build forward message id", "err", err)
		return
	}
	out := i2np.New(outType, msgID, tunnel.BuildTimeout, bm.Marshal())
	if err := r.SendMessage(rec.NextIdent, out); err != nil {
		r.logger.Warn("router: forward build message", "next", rec.NextIdent, "err", err)
	}
}

func randomMessageID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("router: generate message id: %w", err)
	}
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]), nil
}

// SendMessage delivers msg to peerHash over NTCP if configured, falling
// back to an already-established SSU session. NTCP's SendMessage queues
// the message for delivery once a session exists (spec §5 backpressure),
// which is why it is tried first even with no live session: SSU sessions
// must be dialed explicitly via ConnectSSU before this can reach them.
func (r *Router) SendMessage(peerHash identity.Hash, msg *i2np.Message) error {
	if r.ntcp != nil {
		return r.ntcp.SendMessage(peerHash, msg)
	}
	r.mu.Lock()
	sess, ok := r.ssuSessions[peerHash]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no route to %s", ErrTimeout, peerHash)
	}
	msgID, err := randomMessageID()
	if err != nil {
		return err
	}
	return r.ssu.SendMessage(sess, msgID, msg)
}

// ConnectSSU dials peerHash over SSU and remembers the resulting session
// for future SendMessage calls.
func (r *Router) ConnectSSU(ctx context.Context, addr *net.UDPAddr, peerIntroKey ssu.IntroKey, peerHash identity.Hash) error {
	if r.ssu == nil {
		return fmt.Errorf("%w: ssu transport not configured", ErrConfig)
	}
	sess, err := r.ssu.Connect(ctx, addr, peerIntroKey, peerHash)
	if err != nil {
		return fmt.Errorf("%w: ssu connect %s: %v", ErrTimeout, addr, err)
	}
	r.mu.Lock()
	r.ssuSessions[peerHash] = sess
	r.mu.Unlock()
	return nil
}

// ConnectNTCP dials peerHash over NTCP.
func (r *Router) ConnectNTCP(ctx context.Context, addr string, peerHash identity.Hash, peerIdentity *identity.Identity) error {
	if r.ntcp == nil {
		return fmt.Errorf("%w: ntcp transport not configured", ErrConfig)
	}
	_, err := r.ntcp.Connect(ctx, addr, peerHash, peerIdentity)
	if err != nil {
		return fmt.Errorf("%w: ntcp connect %s: %v", ErrTimeout, addr, err)
	}
	return nil
}

// CloseSession terminates any open session to peerHash on either
// transport.
func (r *Router) CloseSession(peerHash identity.Hash) error {
	var errs []error
	if r.ntcp != nil {
		if err := r.ntcp.CloseSession(peerHash); err != nil {
			errs = append(errs, err)
		}
	}
	r.mu.Lock()
	delete(r.ssuSessions, peerHash)
	r.mu.Unlock()
	return errors.Join(errs...)
}

// OnMessageReceived registers the callback invoked for every I2NP message
// this router cannot route itself: database, garlic, and end-to-end data
// types belong to the netdb/destination layers above this package (spec
// Non-goals).
func (r *Router) OnMessageReceived(fn func(from identity.Hash, msg *i2np.Message)) {
	r.mu.Lock()
	r.onMessage = fn
	r.mu.Unlock()
}

// LocalRouterInfo returns the local router's signed RouterInfo.
func (r *Router) LocalRouterInfo() *routerinfo.RouterInfo {
	return r.Info
}

// SetExploratory installs the router's own exploratory tunnel pools. It
// is separate from New because building exploratory tunnels requires a
// peer source (netdb), which is an external collaborator reached through
// this package's interfaces rather than something this package owns
// (spec §4.5 exploratory pool; Non-goals).
func (r *Router) SetExploratory(pool *tunnel.ExploratoryPool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Exploratory = pool
}

// Status reports the router's last-known SSU reachability classification.
func (r *Router) Status() ssu.PeerTestStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetStatus updates the router's reachability classification, e.g. after
// an SSU peer test completes (spec §4.4 "PeerTest").
func (r *Router) SetStatus(status ssu.PeerTestStatus) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
}
