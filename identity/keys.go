package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/go-i2p/router/crypto"
)

// PrivateKeys is the local router's full key bundle: its public Identity
// plus the matching private exponents/scalars, as persisted in
// router.keys (spec §6). Layout on disk is Identity.Bytes() followed by
// the 256-byte ElGamal private exponent and the signing private key.
type PrivateKeys struct {
	Identity        *Identity
	ElGamalPrivate  [256]byte
	SigningPrivate  []byte
}

// GenerateLocal creates a fresh local key bundle. Per the design decision
// recorded in spec §9(c) ("a reimplementation should default to Ed25519
// for new local keys while accepting all legacy types on receive"), new
// identities are always Ed25519; DSA and the ECDSA variants are supported
// only as Identity.Verify inputs for peers' descriptors, never generated.
func GenerateLocal() (*PrivateKeys, error) {
	dh, err := crypto.GenerateDHKeyPair()
	if err != nil {
		return nil, fmt.Errorf("identity: generate elgamal keypair: %w", err)
	}

	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate ed25519 keypair: %w", err)
	}

	id, err := NewIdentity(dh.Public, crypto.SigEd25519, signPub)
	if err != nil {
		return nil, fmt.Errorf("identity: build identity: %w", err)
	}

	return &PrivateKeys{
		Identity:       id,
		ElGamalPrivate: dh.Private,
		SigningPrivate: signPriv,
	}, nil
}

// Sign signs msg with the local signing private key.
func (pk *PrivateKeys) Sign(msg []byte) ([]byte, error) {
	switch pk.Identity.SigType() {
	case crypto.SigEd25519, crypto.SigEd25519ph:
		if len(pk.SigningPrivate) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("identity: sign: bad ed25519 private key length %d", len(pk.SigningPrivate))
		}
		return ed25519.Sign(ed25519.PrivateKey(pk.SigningPrivate), msg), nil
	default:
		return nil, fmt.Errorf("identity: sign: signing type %d not supported for local keys", pk.Identity.SigType())
	}
}

// Decrypt decrypts an ElGamal ciphertext addressed to this identity (used
// to open tunnel-build records addressed to this router, spec §4.5).
func (pk *PrivateKeys) Decrypt(ciphertext []byte) ([]byte, error) {
	return crypto.ElGamalDecrypt(pk.ElGamalPrivate[:], ciphertext)
}

// Bytes serializes the full private key bundle in router.keys layout
// (spec §6): Identity bytes, 256-byte ElGamal private exponent, then the
// signing private key.
func (pk *PrivateKeys) Bytes() []byte {
	out := make([]byte, 0, len(pk.Identity.Bytes())+256+len(pk.SigningPrivate))
	out = append(out, pk.Identity.Bytes()...)
	out = append(out, pk.ElGamalPrivate[:]...)
	out = append(out, pk.SigningPrivate...)
	return out
}

// ParsePrivateKeys parses a router.keys buffer.
func ParsePrivateKeys(buf []byte) (*PrivateKeys, error) {
	id, n, err := Parse(buf)
	if err != nil {
		return nil, fmt.Errorf("identity: parse bundled identity: %w", err)
	}
	rest := buf[n:]
	if len(rest) < 256 {
		return nil, fmt.Errorf("identity: truncated elgamal private key")
	}
	var elg [256]byte
	copy(elg[:], rest[:256])
	signingPriv := rest[256:]

	return &PrivateKeys{
		Identity:       id,
		ElGamalPrivate: elg,
		SigningPrivate: append([]byte(nil), signingPriv...),
	}, nil
}
