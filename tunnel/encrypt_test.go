package tunnel

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/go-i2p/router/identity"
)

func randomHopConfig(t *testing.T, role Role) HopConfig {
	t.Helper()
	var peer identity.Hash
	if _, err := rand.Read(peer[:]); err != nil {
		t.Fatalf("random peer hash: %v", err)
	}
	hc, err := NewHopConfig(peer, role)
	if err != nil {
		t.Fatalf("NewHopConfig: %v", err)
	}
	return hc
}

func TestMessageMarshalParseRoundTrip(t *testing.T) {
	var m Message
	m.TunnelID = 0xdeadbeef
	if _, err := rand.Read(m.IV[:]); err != nil {
		t.Fatalf("random IV: %v", err)
	}
	if _, err := rand.Read(m.Payload[:]); err != nil {
		t.Fatalf("random payload: %v", err)
	}

	got, err := ParseMessage(m.Marshal())
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if got.TunnelID != m.TunnelID || got.IV != m.IV || got.Payload != m.Payload {
		t.Fatalf("round trip mismatch")
	}
}

// TestGatewayEncryptSingleHopMatchesProcessHop exercises the one-hop case
// directly against crypto's own invertibility guarantee.
func TestGatewayEncryptSingleHopMatchesProcessHop(t *testing.T) {
	hop := randomHopConfig(t, RoleEndpoint)

	var seedIV [16]byte
	var payload [PayloadLen]byte
	if _, err := rand.Read(seedIV[:]); err != nil {
		t.Fatalf("random seed IV: %v", err)
	}
	if _, err := rand.Read(payload[:]); err != nil {
		t.Fatalf("random payload: %v", err)
	}

	wireIV, wirePayload, err := GatewayEncrypt([]HopConfig{hop}, seedIV, payload)
	if err != nil {
		t.Fatalf("GatewayEncrypt: %v", err)
	}
	if wireIV != seedIV {
		t.Fatalf("single-hop wire IV should equal the chosen seed IV")
	}

	_, recovered, err := ProcessHop(hop, wireIV, wirePayload)
	if err != nil {
		t.Fatalf("ProcessHop: %v", err)
	}
	if recovered != payload {
		t.Fatalf("recovered payload does not match original")
	}
}

// TestGatewayEncryptMultiHopPeelsInOrder builds a 3-hop chain and walks the
// message through each hop's ProcessHop in delivery order (gateway ->
// participant -> endpoint), as a real tunnel forwards it, confirming the
// innermost layer recovered at the final hop is the original plaintext.
func TestGatewayEncryptMultiHopPeelsInOrder(t *testing.T) {
	hops := []HopConfig{
		randomHopConfig(t, RoleGateway),
		randomHopConfig(t, RoleParticipant),
		randomHopConfig(t, RoleEndpoint),
	}

	var seedIV [16]byte
	var payload [PayloadLen]byte
	if _, err := rand.Read(seedIV[:]); err != nil {
		t.Fatalf("random seed IV: %v", err)
	}
	if _, err := rand.Read(payload[:]); err != nil {
		t.Fatalf("random payload: %v", err)
	}

	iv, out, err := GatewayEncrypt(hops, seedIV, payload)
	if err != nil {
		t.Fatalf("GatewayEncrypt: %v", err)
	}

	for _, hop := range hops {
		nextIV, nextOut, err := ProcessHop(hop, iv, out)
		if err != nil {
			t.Fatalf("ProcessHop at hop %s: %v", hop.PeerHash.String(), err)
		}
		iv, out = nextIV, nextOut
	}

	if !bytes.Equal(out[:], payload[:]) {
		t.Fatalf("multi-hop onion peel did not recover original payload")
	}
}

func TestGatewayEncryptZeroHopsIsIdentity(t *testing.T) {
	var seedIV [16]byte
	var payload [PayloadLen]byte
	if _, err := rand.Read(payload[:]); err != nil {
		t.Fatalf("random payload: %v", err)
	}

	iv, out, err := GatewayEncrypt(nil, seedIV, payload)
	if err != nil {
		t.Fatalf("GatewayEncrypt: %v", err)
	}
	if iv != seedIV || out != payload {
		t.Fatalf("zero-hop GatewayEncrypt should be the identity transform")
	}
}
