// Package identity implements the RouterIdentity / PrivateKeys model (spec
// §3 C2): parsing and emitting a router's long-term key bundle, deriving
// its 32-byte identity hash, and computing the daily-rotated routing key
// used as the XOR-metric basis for peer selection (spec §4.2). It is the
// Go realization of the teacher's "parse a key bundle, derive a hash/
// fingerprint" idiom from descriptor/descriptor.go, generalized from a
// single ntor key + RSA fingerprint to I2P's full ElGamal+signing
// identity and pluggable signing types.
package identity

import (
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/go-i2p/router/crypto"
)

// Fixed field lengths (spec §3).
const (
	ElGamalPublicKeyLen = 256
	CertHeaderLen       = 3 // type(1) + extended-length(2, big-endian)
	HashLen             = 32
)

// Hash is a 32-byte SHA-256 identity hash (spec §3 IdentityHash). It
// defines the XOR metric used for peer selection (spec §4.2).
type Hash [HashLen]byte

// XorDistance returns the bitwise-XOR metric between two hashes. It is a
// metric (symmetric, zero self-distance, triangle inequality, spec §8) by
// construction: XOR is its own inverse and bitwise Hamming-like distance
// trivially satisfies the triangle inequality over GF(2)^256.
func (h Hash) XorDistance(other Hash) Hash {
	var out Hash
	for i := range out {
		out[i] = h[i] ^ other[i]
	}
	return out
}

// Less reports whether h is numerically closer to zero than other when the
// two distances are compared as big-endian integers; used to rank
// candidate hops by XOR distance during tunnel peer selection.
func (h Hash) Less(other Hash) bool {
	for i := range h {
		if h[i] != other[i] {
			return h[i] < other[i]
		}
	}
	return false
}

func (h Hash) String() string {
	return Base64Encode(h[:])
}

// Identity is an immutable RouterIdentity: a 256-byte ElGamal public key, a
// signing public key whose length is determined by its certificate's
// SigType, and the raw certificate bytes themselves (so re-serialization
// is byte-exact even for certificate extensions this router doesn't
// interpret). Identities are constructed once by Parse or Generate and
// never mutated afterward (spec §3: "Identities are immutable once
// parsed.").
type Identity struct {
	elGamalPublic  [ElGamalPublicKeyLen]byte
	signingPublic  []byte
	certType       uint16
	certExtra      []byte // raw certificate-extension bytes (opaque key-cert payload), excluding the 3-byte header
	sigType        crypto.SigType
	cachedHash     *Hash
	cachedSerialized []byte
}

// Certificate types (I2P common structures spec).
const (
	CertNull       uint16 = 0
	CertHashcash   uint16 = 1
	CertSigned     uint16 = 4
	CertMultiple   uint16 = 5
	CertKey        uint16 = 6 // carries an extended signing-key type + optional crypto-key type
)

// NewIdentity constructs an Identity from its raw components. sigType must
// be one of the supported crypto.SigType values; signingPublic must match
// crypto.SigningPublicKeyLen(sigType).
func NewIdentity(elGamalPublic [ElGamalPublicKeyLen]byte, sigType crypto.SigType, signingPublic []byte) (*Identity, error) {
	want := crypto.SigningPublicKeyLen(sigType)
	if want == 0 {
		return nil, fmt.Errorf("identity: unsupported signing type %d", sigType)
	}
	if len(signingPublic) != want {
		return nil, fmt.Errorf("identity: signing key length %d, want %d for type %d", len(signingPublic), want, sigType)
	}

	id := &Identity{
		elGamalPublic: elGamalPublic,
		sigType:       sigType,
	}
	id.signingPublic = append([]byte(nil), signingPublic...)

	// Every signing type except DSA is announced via a CertKey certificate
	// extension (sig type(2) + crypto type(2), then any key bytes that do
	// not fit the legacy 128-byte padded field), per spec §3 ("optionally
	// extended via a certificate trailer").
	if sigType == crypto.SigDSA_SHA1 {
		id.certType = CertNull
	} else {
		id.certType = CertKey
		id.certExtra = []byte{byte(sigType >> 8), byte(sigType), 0, 0}
		if want > 128 {
			id.certExtra = append(id.certExtra, signingPublic[128:]...)
		}
	}
	return id, nil
}

// Parse reads a RouterIdentity from buf (the on-wire form: 256-byte
// ElGamal key, 128-byte padded signing-key field, 3-byte cert header, then
// certExtraLen extension bytes) and returns the identity plus the number
// of bytes consumed.
func Parse(buf []byte) (*Identity, int, error) {
	if len(buf) < ElGamalPublicKeyLen+128+CertHeaderLen {
		return nil, 0, fmt.Errorf("identity: buffer too short: %d bytes", len(buf))
	}
	id := &Identity{}
	copy(id.elGamalPublic[:], buf[0:256])
	paddedSigningKey := buf[256:384]

	certType := uint16(buf[384])
	certLen := int(buf[385])<<8 | int(buf[386])
	off := 387

	if len(buf) < off+certLen {
		return nil, 0, fmt.Errorf("identity: truncated certificate: need %d more bytes", off+certLen-len(buf))
	}
	certExtra := buf[off : off+certLen]
	off += certLen

	id.certType = certType
	id.certExtra = append([]byte(nil), certExtra...)

	switch certType {
	case CertNull, CertHashcash:
		// Legacy DSA identity: the full 128-byte field is the public key.
		id.sigType = crypto.SigDSA_SHA1
		id.signingPublic = append([]byte(nil), paddedSigningKey...)
	case CertKey:
		if len(certExtra) < 4 {
			return nil, 0, fmt.Errorf("identity: CertKey extension too short")
		}
		sigType := crypto.SigType(uint16(certExtra[0])<<8 | uint16(certExtra[1]))
		want := crypto.SigningPublicKeyLen(sigType)
		if want == 0 {
			return nil, 0, fmt.Errorf("identity: unsupported signing type %d in CertKey", sigType)
		}
		id.sigType = sigType
		if want <= 128 {
			id.signingPublic = append([]byte(nil), paddedSigningKey[:want]...)
		} else {
			// Spills into the certificate extension past the 4-byte
			// crypto/sig-type header, per the CertKey convention.
			extra := want - 128
			if len(certExtra) < 4+extra {
				return nil, 0, fmt.Errorf("identity: CertKey extension missing %d overflow bytes", extra)
			}
			id.signingPublic = append(append([]byte(nil), paddedSigningKey...), certExtra[4:4+extra]...)
		}
	default:
		return nil, 0, fmt.Errorf("identity: unsupported certificate type %d", certType)
	}

	return id, off, nil
}

// Bytes serializes the identity to its on-wire form.
func (id *Identity) Bytes() []byte {
	if id.cachedSerialized != nil {
		return id.cachedSerialized
	}
	out := make([]byte, 0, 256+128+3+len(id.certExtra))
	out = append(out, id.elGamalPublic[:]...)

	padded := make([]byte, 128)
	copy(padded, id.signingPublic)
	if len(id.signingPublic) > 128 {
		copy(padded, id.signingPublic[:128])
	}
	out = append(out, padded...)

	out = append(out, byte(id.certType))
	out = append(out, byte(len(id.certExtra)>>8), byte(len(id.certExtra)))
	out = append(out, id.certExtra...)

	id.cachedSerialized = out
	return out
}

// Hash returns the identity's 32-byte SHA-256 hash, memoized after first
// computation (identities are immutable).
func (id *Identity) Hash() Hash {
	if id.cachedHash != nil {
		return *id.cachedHash
	}
	sum := crypto.SHA256(id.Bytes())
	var h Hash
	copy(h[:], sum)
	id.cachedHash = &h
	return h
}

// SigType returns the identity's signing-key type.
func (id *Identity) SigType() crypto.SigType { return id.sigType }

// SigningPublicKey returns the (unpadded, full-length) signing public key.
func (id *Identity) SigningPublicKey() []byte { return id.signingPublic }

// ElGamalPublicKey returns the 256-byte ElGamal encryption public key.
func (id *Identity) ElGamalPublicKey() [ElGamalPublicKeyLen]byte { return id.elGamalPublic }

// Verify checks sig over msg under this identity's signing public key.
func (id *Identity) Verify(msg, sig []byte) (bool, error) {
	return crypto.Verify(id.sigType, id.signingPublic, msg, sig)
}

// RoutingKey computes the daily-rotated routing key used as the XOR-metric
// basis for peer selection (spec §4.2):
//
//	routing_key(ident, date) = SHA-256(ident ‖ "YYYYMMDD")
func RoutingKey(h Hash, date time.Time) Hash {
	dateStr := date.UTC().Format("20060102")
	sum := crypto.SHA256(h[:], []byte(dateStr))
	var out Hash
	copy(out[:], sum)
	return out
}

// --- I2P Base32 / Base64 alphabets (spec §4.2) ---

// base64Alphabet is I2P's variant of standard Base64: '-' and '~' replace
// '+' and '/' so that identity hashes are safe to embed in filenames and
// URLs, matching onion/address.go's base32 handling for the analogous Tor
// concept (v3 .onion addresses).
var base64Encoding = base64.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-~").WithPadding(base64.NoPadding)

// Base64Encode encodes data using the I2P Base64 alphabet.
func Base64Encode(data []byte) string {
	return base64Encoding.EncodeToString(data)
}

// Base64Decode decodes an I2P Base64 string.
func Base64Decode(s string) ([]byte, error) {
	b, err := base64Encoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	return b, nil
}

var base32Encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// Base32Encode encodes data using the standard (lowercase) I2P Base32
// alphabet, used for .b32.i2p addresses derived from an identity hash.
func Base32Encode(data []byte) string {
	return strings.ToLower(base32Encoding.EncodeToString(data))
}

// Base32Decode decodes an I2P Base32 string.
func Base32Decode(s string) ([]byte, error) {
	b, err := base32Encoding.DecodeString(strings.ToLower(s))
	if err != nil {
		return nil, fmt.Errorf("base32 decode: %w", err)
	}
	return b, nil
}
