package crypto

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"math/big"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/sha3"
)

// SigType identifies a RouterIdentity signing-key type (spec §3).
type SigType uint16

const (
	SigDSA_SHA1      SigType = 0
	SigECDSA_P256     SigType = 1
	SigECDSA_P384     SigType = 2
	SigECDSA_P521     SigType = 3
	SigRSA_SHA256     SigType = 4
	SigRSA_SHA384     SigType = 5
	SigRSA_SHA512     SigType = 6
	SigEd25519        SigType = 7
	SigEd25519ph      SigType = 8
	SigRedDSA         SigType = 11 // RedDSA-25519, used by blinded/encrypted LeaseSet2 identities
)

// SigningPublicKeyLen returns the on-wire length of a signing public key of
// the given type, or 0 if unknown. RSA lengths vary by modulus size and are
// carried via the certificate-trailer extension (spec §3); they are not
// modeled here since this router never generates RSA identities.
func SigningPublicKeyLen(t SigType) int {
	switch t {
	case SigDSA_SHA1:
		return 128
	case SigECDSA_P256:
		return 64
	case SigECDSA_P384:
		return 96
	case SigECDSA_P521:
		return 132
	case SigEd25519, SigEd25519ph, SigRedDSA:
		return 32
	default:
		return 0
	}
}

// SignatureLen returns the on-wire length of a signature of the given type.
func SignatureLen(t SigType) int {
	switch t {
	case SigDSA_SHA1:
		return 40
	case SigECDSA_P256:
		return 64
	case SigECDSA_P384:
		return 96
	case SigECDSA_P521:
		return 132
	case SigEd25519, SigEd25519ph, SigRedDSA:
		return 64
	default:
		return 0
	}
}

// Verify checks sig over msg under pub for the given signing type. All
// legacy types are accepted on receive per the design decision in spec §9(c)
// ("newer identities must still interoperate... accepting all legacy types
// on receive").
func Verify(t SigType, pub, msg, sig []byte) (bool, error) {
	switch t {
	case SigEd25519, SigEd25519ph:
		if len(pub) != ed25519.PublicKeySize {
			return false, fmt.Errorf("verify ed25519: bad public key length %d", len(pub))
		}
		return ed25519.Verify(ed25519.PublicKey(pub), msg, sig), nil
	case SigRedDSA:
		return verifyRedDSA(pub, msg, sig)
	case SigDSA_SHA1:
		return verifyDSA(pub, msg, sig)
	case SigECDSA_P256:
		return verifyECDSA(elliptic.P256(), pub, sha256Digest(msg), sig)
	case SigECDSA_P384:
		return verifyECDSA(elliptic.P384(), pub, sha384Digest(msg), sig)
	case SigECDSA_P521:
		return verifyECDSA(elliptic.P521(), pub, sha512Digest(msg), sig)
	default:
		return false, fmt.Errorf("verify: unsupported signature type %d", t)
	}
}

func sha256Digest(msg []byte) []byte { d := sha256.Sum256(msg); return d[:] }
func sha384Digest(msg []byte) []byte { d := sha512.Sum384(msg); return d[:] }
func sha512Digest(msg []byte) []byte { d := sha512.Sum512(msg); return d[:] }

func verifyECDSA(curve elliptic.Curve, pub, digest, sig []byte) (bool, error) {
	byteLen := (curve.Params().BitSize + 7) / 8
	if len(pub) != 2*byteLen {
		return false, fmt.Errorf("verify ecdsa: bad public key length %d", len(pub))
	}
	if len(sig) != 2*byteLen {
		return false, fmt.Errorf("verify ecdsa: bad signature length %d", len(sig))
	}
	x := new(big.Int).SetBytes(pub[:byteLen])
	y := new(big.Int).SetBytes(pub[byteLen:])
	pk := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
	r := new(big.Int).SetBytes(sig[:byteLen])
	s := new(big.Int).SetBytes(sig[byteLen:])
	return ecdsa.Verify(pk, digest, r, s), nil
}

// verifyRedDSA verifies a RedDSA-25519 signature over msg, as used by
// blinded (v3 hidden-service-style) identities. The construction mirrors
// the teacher's BlindPublicKey scalar/point arithmetic in onion/blind.go,
// generalized from "blind a public key" to "verify a Schnorr-style
// signature over the Ed25519 group": sig = R(32) || s(32); check
// s*B == R + H(R||A||msg)*A.
func verifyRedDSA(pub, msg, sig []byte) (bool, error) {
	if len(pub) != 32 || len(sig) != 64 {
		return false, fmt.Errorf("verify reddsa: bad lengths pub=%d sig=%d", len(pub), len(sig))
	}
	A, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return false, fmt.Errorf("verify reddsa: bad public key: %w", err)
	}
	R, err := new(edwards25519.Point).SetBytes(sig[:32])
	if err != nil {
		return false, fmt.Errorf("verify reddsa: bad R: %w", err)
	}
	s, err := new(edwards25519.Scalar).SetCanonicalBytes(sig[32:64])
	if err != nil {
		return false, fmt.Errorf("verify reddsa: bad s: %w", err)
	}

	h := sha3.New256()
	h.Write(sig[:32])
	h.Write(pub)
	h.Write(msg)
	hScalar, err := new(edwards25519.Scalar).SetUniformBytes(pad64(h.Sum(nil)))
	if err != nil {
		return false, fmt.Errorf("verify reddsa: derive challenge scalar: %w", err)
	}

	lhs := new(edwards25519.Point).ScalarBaseMult(s)
	rhs := new(edwards25519.Point).Add(R, new(edwards25519.Point).ScalarMult(hScalar, A))
	return lhs.Equal(rhs) == 1, nil
}

func pad64(b []byte) []byte {
	if len(b) >= 64 {
		return b[:64]
	}
	out := make([]byte, 64)
	copy(out, b)
	return out
}

// verifyDSA verifies a legacy DSA-SHA1 signature using the fixed 1024-bit
// prime / 160-bit subgroup domain parameters from spec §6 (see DSAP/DSAQ/
// DSAG in dsa.go for their provenance). Go's standard library dropped
// crypto/dsa; no pack dependency implements classic DSA with caller-
// supplied domain parameters (see DESIGN.md), so the textbook FIPS 186
// verification equation is hand-rolled here with math/big.
func verifyDSA(pub, msg, sig []byte) (bool, error) {
	if len(pub) != 128 || len(sig) != 40 {
		return false, fmt.Errorf("verify dsa: bad lengths pub=%d sig=%d", len(pub), len(sig))
	}
	y := new(big.Int).SetBytes(pub)
	r := new(big.Int).SetBytes(sig[:20])
	s := new(big.Int).SetBytes(sig[20:40])

	if r.Sign() <= 0 || r.Cmp(DSAQ) >= 0 || s.Sign() <= 0 || s.Cmp(DSAQ) >= 0 {
		return false, nil
	}

	digest := sha1Digest(msg)
	w := new(big.Int).ModInverse(s, DSAQ)
	if w == nil {
		return false, nil
	}
	hDigest := new(big.Int).SetBytes(digest)
	hDigest.Mod(hDigest, DSAQ)

	u1 := new(big.Int).Mul(hDigest, w)
	u1.Mod(u1, DSAQ)
	u2 := new(big.Int).Mul(r, w)
	u2.Mod(u2, DSAQ)

	v1 := new(big.Int).Exp(DSAG, u1, DSAP)
	v2 := new(big.Int).Exp(y, u2, DSAP)
	v := new(big.Int).Mul(v1, v2)
	v.Mod(v, DSAP)
	v.Mod(v, DSAQ)

	return v.Cmp(r) == 0, nil
}
