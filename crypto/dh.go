package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
)

// elgamalPrimeHex is the fixed 2048-bit I2P Diffie-Hellman/ElGamal prime
// (spec §6) — the RFC 3526 Group 14 MODP prime, the same constant i2pd and
// the Java router embed verbatim for ElGamal and the NTCP/SSU DH handshakes.
const elgamalPrimeHex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B" +
	"302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B" +
	"0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD96" +
	"1C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C" +
	"32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
	"DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68" +
	"FFFFFFFFFFFFFFFF"

var (
	// ElGamalP is the 2048-bit I2P group modulus.
	ElGamalP = mustBig(elgamalPrimeHex)
	// ElGamalG is the group generator, fixed at 2 (spec §6).
	ElGamalG = big.NewInt(2)
)

func mustBig(hex string) *big.Int {
	n, ok := new(big.Int).SetString(hex, 16)
	if !ok {
		panic("crypto: invalid embedded ElGamal prime constant")
	}
	return n
}

// DHKeyPair is an ephemeral Diffie-Hellman keypair in the fixed I2P group:
// a 256-byte private exponent and a 256-byte public value g^x mod p.
type DHKeyPair struct {
	Private [256]byte
	Public  [256]byte
}

// GenerateDHKeyPair produces a fresh ephemeral keypair in the I2P group.
// This is the primitive the DH-keys supplier (package keys) calls
// repeatedly in the background to keep its pool full.
func GenerateDHKeyPair() (*DHKeyPair, error) {
	x, err := rand.Int(rand.Reader, ElGamalP)
	if err != nil {
		return nil, fmt.Errorf("generate dh keypair: %w", err)
	}
	X := new(big.Int).Exp(ElGamalG, x, ElGamalP)

	pair := &DHKeyPair{}
	x.FillBytes(pair.Private[:])
	X.FillBytes(pair.Public[:])
	return pair, nil
}

// DHSharedSecret computes the raw shared secret g^(xy) mod p from one
// side's private exponent and the other side's public value, both encoded
// as 256-byte big-endian integers.
func DHSharedSecret(myPrivate, theirPublic []byte) []byte {
	x := new(big.Int).SetBytes(myPrivate)
	Y := new(big.Int).SetBytes(theirPublic)
	secret := new(big.Int).Exp(Y, x, ElGamalP)
	buf := make([]byte, 256)
	secret.FillBytes(buf)
	return buf
}

// NormalizeSessionKey derives a 32-byte AES key and 16-byte IV from a raw
// DH shared secret using NTCP's normalization rule (spec §4.3, grounded on
// i2pd's NTCPSession::CreateAESKey comment): strip the shared secret's
// leading zero bytes; the next 32 bytes become the key and the following
// 16 become the IV. If the leading zero run is longer than 32 bytes, the
// remainder is hashed with SHA-256 first so a short non-zero tail still
// yields a full-strength key.
func NormalizeSessionKey(sharedSecret []byte) (key [32]byte, iv [16]byte) {
	i := 0
	for i < len(sharedSecret) && sharedSecret[i] == 0 {
		i++
	}
	rest := sharedSecret[i:]
	if i > 32 {
		sum := sha256.Sum256(rest)
		copy(key[:], sum[:])
		// No 48 bytes remain to source an IV from a hashed remainder;
		// i2pd falls back to zeroing the IV in this (exceedingly rare,
		// probability ~2^-256) degenerate case.
		return key, iv
	}
	copy(key[:], rest)
	if len(rest) > 32 {
		copy(iv[:], rest[32:])
	}
	return key, iv
}

// NormalizeSSUKeys derives the 32-byte session (cipher) key and 32-byte MAC
// key SSU uses post-handshake, from the same DH shared secret and the same
// leading-zero-stripping rule as NormalizeSessionKey (spec §4.4: "Both
// sides derive the session AES key and MAC key using the same DH-shared-
// secret normalization as NTCP"). NTCP only needs 48 bytes (32 key + 16
// IV); SSU needs 64 (32 cipher key + 32 MAC key), so the first 64 bytes of
// the stripped remainder are used.
func NormalizeSSUKeys(sharedSecret []byte) (sessionKey [32]byte, macKey [32]byte) {
	i := 0
	for i < len(sharedSecret) && sharedSecret[i] == 0 {
		i++
	}
	rest := sharedSecret[i:]
	if i > 32 {
		sum := sha256.Sum256(rest)
		copy(sessionKey[:], sum[:])
		macSum := sha256.Sum256(sum[:])
		copy(macKey[:], macSum[:])
		return sessionKey, macKey
	}
	copy(sessionKey[:], rest)
	if len(rest) > 32 {
		copy(macKey[:], rest[32:])
	}
	return sessionKey, macKey
}
