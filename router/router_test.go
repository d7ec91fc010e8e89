package router

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-i2p/router/i2np"
	"github.com/go-i2p/router/identity"
	"github.com/go-i2p/router/tunnel"
)

func TestNewPersistsKeysAndRouterInfo(t *testing.T) {
	dir := t.TempDir()

	r1, err := New(WithDataDir(dir), WithNTCPAddr("127.0.0.1:18901"), WithSSUAddr(""))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r2, err := New(WithDataDir(dir), WithNTCPAddr("127.0.0.1:18901"), WithSSUAddr(""))
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}

	if r1.Keys.Identity.Hash() != r2.Keys.Identity.Hash() {
		t.Fatalf("reloaded router has a different identity than the persisted one")
	}
	if len(r2.Info.Addresses) != 1 || r2.Info.Addresses[0].Style != "NTCP" {
		t.Fatalf("reloaded routerinfo missing NTCP address: %+v", r2.Info.Addresses)
	}
}

func TestRouterDispatchUnknownTypeInvokesCallback(t *testing.T) {
	r, err := New(WithDataDir(t.TempDir()), WithNTCPAddr("127.0.0.1:18902"), WithSSUAddr(""))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	received := make(chan *i2np.Message, 1)
	r.OnMessageReceived(func(from identity.Hash, msg *i2np.Message) {
		received <- msg
	})

	msg := i2np.New(i2np.TypeDatabaseStore, 1, time.Minute, []byte("hello"))
	r.dispatch(identity.Hash{1}, msg)

	select {
	case got := <-received:
		if got.Type != i2np.TypeDatabaseStore {
			t.Fatalf("got type %d, want %d", got.Type, i2np.TypeDatabaseStore)
		}
	default:
		t.Fatalf("expected OnMessageReceived callback to fire for an unrouted message type")
	}
}

// TestRouterTransitBuildRequestAdmitsAndForwards exercises the
// originator-blind build-forwarding path (spec §4.5 "Transit
// participation"): a router whose local identity matches the first hop
// of a 2-hop chain processes its build-record slot and forwards the
// still-in-progress build message on to the next hop. The test asserts
// the admission (one transit tunnel registered); it does not observe the
// forwarded message.
func TestRouterTransitBuildRequestAdmitsAndForwards(t *testing.T) {
	dir := t.TempDir()
	local, err := identity.GenerateLocal()
	if err != nil {
		t.Fatalf("GenerateLocal: %v", err)
	}
	if err := preSeedKeys(dir, local); err != nil {
		t.Fatalf("preSeedKeys: %v", err)
	}

	next, err := identity.GenerateLocal()
	if err != nil {
		t.Fatalf("GenerateLocal (next hop): %v", err)
	}

	r, err := New(WithDataDir(dir), WithNTCPAddr("127.0.0.1:18903"), WithSSUAddr(""), WithTransitLimit(10))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.Keys.Identity.Hash() != local.Identity.Hash() {
		t.Fatalf("router did not load the pre-seeded identity")
	}

	cfg, err := tunnel.BuildChain([]identity.Hash{local.Identity.Hash(), next.Identity.Hash()}, true, identity.Hash{})
	if err != nil {
		t.Fatalf("BuildChain: %v", err)
	}
	bm, err := newVariableBuildMessage(t, cfg, local, next)
	if err != nil {
		t.Fatalf("newVariableBuildMessage: %v", err)
	}

	msg := i2np.New(i2np.TypeVariableTunnelBuild, 7, tunnel.BuildTimeout, bm.Marshal())
	r.dispatch(identity.Hash{}, msg)

	if r.Transit.Count() != 1 {
		t.Fatalf("Transit.Count() = %d, want 1 after admitting the build request", r.Transit.Count())
	}
}

func TestRouterSendMessageNoRouteWithoutSession(t *testing.T) {
	r, err := New(WithDataDir(t.TempDir()), WithNTCPAddr(""), WithSSUAddr("127.0.0.1:18904"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	msg := i2np.New(i2np.TypeData, 1, time.Minute, []byte("x"))
	err = r.SendMessage(identity.Hash{2}, msg)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout for an unconnected peer, got %v", err)
	}
}

// TestRouterLoopbackNTCPDelivery brings up two routers over real loopback
// NTCP connections and confirms an application-layer message sent by one
// is delivered to the other's upper-edge callback.
func TestRouterLoopbackNTCPDelivery(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	addrA, addrB := "127.0.0.1:18911", "127.0.0.1:18912"

	a, err := New(WithDataDir(dirA), WithNTCPAddr(addrA), WithSSUAddr(""))
	if err != nil {
		t.Fatalf("New a: %v", err)
	}
	b, err := New(WithDataDir(dirB), WithNTCPAddr(addrB), WithSSUAddr(""))
	if err != nil {
		t.Fatalf("New b: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- a.Serve(ctx) }()
	go func() { errCh <- b.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond) // let both Listen calls bind

	received := make(chan *i2np.Message, 1)
	b.OnMessageReceived(func(from identity.Hash, msg *i2np.Message) {
		received <- msg
	})

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	if err := a.ConnectNTCP(dialCtx, addrB, b.Keys.Identity.Hash(), b.Keys.Identity); err != nil {
		t.Fatalf("ConnectNTCP: %v", err)
	}

	msg := i2np.New(i2np.TypeData, 42, time.Minute, []byte("payload"))
	if err := a.SendMessage(b.Keys.Identity.Hash(), msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case got := <-received:
		if string(got.Payload) != "payload" {
			t.Fatalf("payload = %q, want %q", got.Payload, "payload")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for delivery over loopback NTCP")
	}
}

func preSeedKeys(dir string, priv *identity.PrivateKeys) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, keysFileName), priv.Bytes(), 0600)
}

func newVariableBuildMessage(t *testing.T, cfg *tunnel.Config, localKeys, nextKeys *identity.PrivateKeys) (*tunnel.BuildMessage, error) {
	t.Helper()
	records := []*tunnel.BuildRecord{
		buildRecordForHop(cfg.Hops[0], nextKeys.Identity.Hash()),
		buildRecordForHop(cfg.Hops[1], identity.Hash{}),
	}
	localHash := localKeys.Identity.Hash()
	nextHash := nextKeys.Identity.Hash()
	var p0, p1 [16]byte
	copy(p0[:], localHash[:16])
	copy(p1[:], nextHash[:16])
	pubKeys := [][256]byte{localKeys.Identity.ElGamalPublicKey(), nextKeys.Identity.ElGamalPublicKey()}
	return tunnel.NewBuildMessage(records, [][16]byte{p0, p1}, pubKeys, 0)
}

func buildRecordForHop(hop tunnel.HopConfig, nextHash identity.Hash) *tunnel.BuildRecord {
	rec := &tunnel.BuildRecord{
		ReceiveTunnelID: hop.TunnelID,
		NextTunnelID:    hop.NextTunnelID,
		NextIdent:       nextHash,
		LayerKey:        hop.LayerKey,
		IVKey:           hop.IVKey,
		ReplyKey:        hop.ReplyKey,
		ReplyIV:         hop.ReplyIV,
		RequestTime:     1,
		SendMessageID:   2,
	}
	switch hop.Role {
	case tunnel.RoleGateway:
		rec.Flag = tunnel.FlagIsGateway
	case tunnel.RoleEndpoint:
		rec.Flag = tunnel.FlagIsEndpoint
	}
	return rec
}
