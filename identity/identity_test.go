package identity

import (
	"bytes"
	"testing"
	"time"
)

func TestGenerateLocalRoundTrip(t *testing.T) {
	pk, err := GenerateLocal()
	if err != nil {
		t.Fatalf("GenerateLocal: %v", err)
	}

	serialized := pk.Identity.Bytes()
	parsed, n, err := Parse(serialized)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if n != len(serialized) {
		t.Fatalf("Parse consumed %d bytes, want %d", n, len(serialized))
	}
	if !bytes.Equal(parsed.Bytes(), serialized) {
		t.Fatalf("round trip: parsed bytes differ from original")
	}
	if parsed.Hash() != pk.Identity.Hash() {
		t.Fatalf("round trip: hash mismatch")
	}
}

// TestSignVerify is the §8 invariant: sign(sk, m) verifies under pk for all
// m; tampering any bit of m or the signature causes verification failure.
func TestSignVerify(t *testing.T) {
	pk, err := GenerateLocal()
	if err != nil {
		t.Fatalf("GenerateLocal: %v", err)
	}

	msg := []byte("tunnel build record digest placeholder")
	sig, err := pk.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	ok, err := pk.Identity.Verify(msg, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatalf("Verify: valid signature rejected")
	}

	tamperedMsg := append([]byte(nil), msg...)
	tamperedMsg[0] ^= 0x01
	if ok, _ := pk.Identity.Verify(tamperedMsg, sig); ok {
		t.Fatalf("Verify: accepted signature over tampered message")
	}

	tamperedSig := append([]byte(nil), sig...)
	tamperedSig[0] ^= 0x01
	if ok, _ := pk.Identity.Verify(msg, tamperedSig); ok {
		t.Fatalf("Verify: accepted tampered signature")
	}
}

func TestBase64I2PAlphabet(t *testing.T) {
	data := []byte{0xff, 0x00, 0xde, 0xad, 0xbe, 0xef}
	encoded := Base64Encode(data)
	for _, r := range encoded {
		if r == '+' || r == '/' {
			t.Fatalf("encoded string uses standard base64 characters: %q", encoded)
		}
	}
	decoded, err := Base64Decode(encoded)
	if err != nil {
		t.Fatalf("Base64Decode: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Fatalf("base64 round trip mismatch")
	}
}

func TestBase32RoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte{0xab}, 32)
	encoded := Base32Encode(data)
	decoded, err := Base32Decode(encoded)
	if err != nil {
		t.Fatalf("Base32Decode: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Fatalf("base32 round trip mismatch")
	}
}

func TestRoutingKeyRotatesDaily(t *testing.T) {
	var h Hash
	copy(h[:], bytes.Repeat([]byte{0x42}, 32))

	day1 := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	k1 := RoutingKey(h, day1)
	k2 := RoutingKey(h, day2)
	if k1 == k2 {
		t.Fatalf("routing key did not rotate across a day boundary")
	}

	sameDayLater := day1.Add(2 * time.Hour)
	k1b := RoutingKey(h, sameDayLater)
	if k1 != k1b {
		t.Fatalf("routing key changed within the same day")
	}
}

// TestXorMetric is the §8 invariant: the XOR metric is a metric
// (symmetric, d(x,x)=0, triangle inequality).
func TestXorMetric(t *testing.T) {
	var a, b, c Hash
	copy(a[:], bytes.Repeat([]byte{0x11}, 32))
	copy(b[:], bytes.Repeat([]byte{0x22}, 32))
	copy(c[:], bytes.Repeat([]byte{0x33}, 32))

	if a.XorDistance(a) != (Hash{}) {
		t.Fatalf("d(x,x) != 0")
	}
	if a.XorDistance(b) != b.XorDistance(a) {
		t.Fatalf("xor metric not symmetric")
	}

	// Triangle inequality over GF(2)^n: popcount(a^c) <= popcount(a^b) + popcount(b^c).
	dAC := popcount(a.XorDistance(c))
	dAB := popcount(a.XorDistance(b))
	dBC := popcount(b.XorDistance(c))
	if dAC > dAB+dBC {
		t.Fatalf("triangle inequality violated: d(a,c)=%d > d(a,b)=%d + d(b,c)=%d", dAC, dAB, dBC)
	}
}

func popcount(h Hash) int {
	n := 0
	for _, b := range h {
		for b != 0 {
			n += int(b & 1)
			b >>= 1
		}
	}
	return n
}
