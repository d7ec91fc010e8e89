package routerinfo

import (
	"bytes"
	"testing"
	"time"

	"github.com/go-i2p/router/identity"
)

func newSignedRouterInfo(t *testing.T) (*RouterInfo, *identity.PrivateKeys) {
	t.Helper()
	pk, err := identity.GenerateLocal()
	if err != nil {
		t.Fatalf("GenerateLocal: %v", err)
	}
	ri := New(pk.Identity)
	ri.SetAddress(Address{
		Style: StyleNTCP,
		Cost:  10,
		Host:  "203.0.113.5",
		Port:  12345,
	})
	ri.SetProperty("caps", "LR")
	ri.SetProperty("netId", "2")
	if err := ri.Sign(pk.Sign); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return ri, pk
}

func TestRouterInfoSignatureVerifies(t *testing.T) {
	ri, _ := newSignedRouterInfo(t)
	ok, err := ri.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatalf("freshly signed RouterInfo failed to verify")
	}
}

// TestRoundTrip is the §8 invariant: R -> bytes -> R' is byte-for-byte equal.
func TestRoundTrip(t *testing.T) {
	ri, _ := newSignedRouterInfo(t)

	raw, err := ri.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	raw2, err := parsed.Bytes()
	if err != nil {
		t.Fatalf("Bytes (round 2): %v", err)
	}
	if !bytes.Equal(raw, raw2) {
		t.Fatalf("round trip not byte-for-byte equal")
	}

	ok, err := parsed.Verify()
	if err != nil {
		t.Fatalf("Verify parsed: %v", err)
	}
	if !ok {
		t.Fatalf("parsed RouterInfo failed to verify")
	}
}

// TestReSignIdempotence covers §8 end-to-end scenario 6: mutating a
// non-signed property and re-signing must strictly advance the timestamp,
// keep the signature valid, and leave everything else but the mutated
// property (and insertion order) unchanged.
func TestReSignIdempotence(t *testing.T) {
	ri, pk := newSignedRouterInfo(t)
	before, err := ri.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	beforeTS := ri.Timestamp

	time.Sleep(2 * time.Millisecond)
	ri.SetProperty("family", "example-family")
	ri.Timestamp = time.Now()
	if err := ri.Sign(pk.Sign); err != nil {
		t.Fatalf("re-sign: %v", err)
	}

	if !ri.Timestamp.After(beforeTS) {
		t.Fatalf("timestamp did not strictly advance on re-sign")
	}
	ok, err := ri.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatalf("re-signed RouterInfo failed to verify")
	}

	after, err := ri.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if bytes.Equal(before, after) {
		t.Fatalf("re-sign produced identical bytes despite a mutated property")
	}

	v, ok := ri.Property("caps")
	if !ok || v != "LR" {
		t.Fatalf("unrelated property caps was altered by re-sign")
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	ri, _ := newSignedRouterInfo(t)
	ri.Signature[0] ^= 0xff
	ok, err := ri.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatalf("Verify accepted a tampered signature")
	}
}
