package ntcp

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	aescipher "crypto/aes"

	"github.com/go-i2p/router/crypto"
	"github.com/go-i2p/router/identity"
)

// Role determines handshake direction; post-handshake behavior is
// identical (spec §4.3 "Polymorphism").
type Role int

const (
	RoleClient Role = iota // Alice: initiates
	RoleServer             // Bob: accepts
)

// MaxClockSkew is the handshake clock-agreement tolerance (spec §4.3).
const MaxClockSkew = 60 * time.Second

// HandshakeResult carries the negotiated AES-CBC session state and the
// peer's verified identity hash.
type HandshakeResult struct {
	EncryptMode cipher.BlockMode
	DecryptMode cipher.BlockMode
	PeerHash    identity.Hash
}

// ClientHandshake runs Alice's side of the 4-phase handshake over conn
// (spec §4.3). bobHash is Bob's advertised identity hash (needed to build
// message 1); local is Alice's own key bundle, used to sign message 3;
// bobIdentity is Bob's full identity, known out of band from his
// RouterInfo, used to verify his phase-4 signature.
func ClientHandshake(conn net.Conn, bobHash identity.Hash, bobIdentity *identity.Identity, local *identity.PrivateKeys, dh *crypto.DHKeyPair) (*HandshakeResult, error) {
	_ = conn.SetDeadline(time.Now().Add(2 * MaxClockSkew))
	defer conn.SetDeadline(time.Time{})

	// Phase 1: X(256) || SHA256(X) XOR bobHash(32)
	msg1 := make([]byte, 256+32)
	copy(msg1[:256], dh.Public[:])
	hx := crypto.SHA256(dh.Public[:])
	for i := 0; i < 32; i++ {
		msg1[256+i] = hx[i] ^ bobHash[i]
	}
	if _, err := conn.Write(msg1); err != nil {
		return nil, fmt.Errorf("ntcp client handshake: send phase1: %w", err)
	}

	// Phase 2: Y(256) || AES-CBC[ SHA256(X||Y) || tsB(4) || pad(12) ]
	msg2 := make([]byte, 256+48)
	if _, err := io.ReadFull(conn, msg2); err != nil {
		return nil, fmt.Errorf("ntcp client handshake: read phase2: %w", err)
	}
	Y := msg2[:256]
	shared := crypto.DHSharedSecret(dh.Private[:], Y)
	sessionKey, sessionIV := crypto.NormalizeSessionKey(shared)

	block, err := aescipher.NewCipher(sessionKey[:])
	if err != nil {
		return nil, fmt.Errorf("ntcp client handshake: aes cipher: %w", err)
	}
	decMode := cipher.NewCBCDecrypter(block, sessionIV[:])
	plain2 := make([]byte, 48)
	decMode.CryptBlocks(plain2, msg2[256:])

	expectHash := crypto.SHA256(dh.Public[:], Y)
	if !bytesEqual(plain2[:32], expectHash) {
		return nil, fmt.Errorf("ntcp client handshake: phase2 hash mismatch")
	}
	tsB := binary.BigEndian.Uint32(plain2[32:36])

	tsA := uint32(time.Now().Unix())
	if diff := int64(tsA) - int64(tsB); diff > int64(MaxClockSkew/time.Second) || diff < -int64(MaxClockSkew/time.Second) {
		return nil, fmt.Errorf("ntcp client handshake: clock skew too large (tsA=%d tsB=%d)", tsA, tsB)
	}

	// Phase 3: AES-CBC[ uint16 size || identity || tsA(4) || sig || pad ].
	// The signature follows tsA directly; the zero padding to a block
	// boundary comes after it, not before it.
	idBytes := local.Identity.Bytes()
	sigMsg := sigTuple(dh.Public[:], Y, bobHash[:], tsA, tsB)
	sig, err := local.Sign(sigMsg)
	if err != nil {
		return nil, fmt.Errorf("ntcp client handshake: sign phase3: %w", err)
	}

	body := make([]byte, 2+len(idBytes)+4)
	binary.BigEndian.PutUint16(body[0:2], uint16(len(idBytes)))
	copy(body[2:], idBytes)
	binary.BigEndian.PutUint32(body[2+len(idBytes):], tsA)
	body = append(body, sig...)
	body = padTo16(body)

	encMode := cipher.NewCBCEncrypter(block, sessionIV[:])
	ct3 := make([]byte, len(body))
	encMode.CryptBlocks(ct3, body)
	if _, err := conn.Write(ct3); err != nil {
		return nil, fmt.Errorf("ntcp client handshake: send phase3: %w", err)
	}

	// Phase 4: AES-CBC[ Bob's signature over the same tuple || padding ]
	sigLen := crypto.SignatureLen(bobIdentity.SigType())
	padded := (sigLen + crypto.BlockSize - 1) / crypto.BlockSize * crypto.BlockSize
	ct4 := make([]byte, padded)
	if _, err := io.ReadFull(conn, ct4); err != nil {
		return nil, fmt.Errorf("ntcp client handshake: read phase4: %w", err)
	}
	plain4 := make([]byte, padded)
	decMode.CryptBlocks(plain4, ct4)

	ok, err := bobIdentity.Verify(sigMsg, plain4[:sigLen])
	if err != nil {
		return nil, fmt.Errorf("ntcp client handshake: verify phase4 signature: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("ntcp client handshake: phase4 signature invalid")
	}

	return &HandshakeResult{
		EncryptMode: encMode,
		DecryptMode: decMode,
		PeerHash:    bobHash,
	}, nil
}

// ServerHandshake runs Bob's side of the 4-phase handshake (spec §4.3).
func ServerHandshake(conn net.Conn, local *identity.PrivateKeys, dh *crypto.DHKeyPair) (*HandshakeResult, error) {
	_ = conn.SetDeadline(time.Now().Add(2 * MaxClockSkew))
	defer conn.SetDeadline(time.Time{})

	msg1 := make([]byte, 256+32)
	if _, err := io.ReadFull(conn, msg1); err != nil {
		return nil, fmt.Errorf("ntcp server handshake: read phase1: %w", err)
	}
	X := msg1[:256]
	hx := crypto.SHA256(X)
	bobHash := local.Identity.Hash()
	for i := 0; i < 32; i++ {
		if (hx[i] ^ msg1[256+i]) != bobHash[i] {
			return nil, fmt.Errorf("ntcp server handshake: phase1 identity hash mismatch")
		}
	}

	shared := crypto.DHSharedSecret(dh.Private[:], X)
	sessionKey, sessionIV := crypto.NormalizeSessionKey(shared)
	block, err := aescipher.NewCipher(sessionKey[:])
	if err != nil {
		return nil, fmt.Errorf("ntcp server handshake: aes cipher: %w", err)
	}
	encMode := cipher.NewCBCEncrypter(block, sessionIV[:])
	decMode := cipher.NewCBCDecrypter(block, sessionIV[:])

	tsB := uint32(time.Now().Unix())
	plain2 := make([]byte, 48)
	copy(plain2[:32], crypto.SHA256(X, dh.Public[:]))
	binary.BigEndian.PutUint32(plain2[32:36], tsB)
	if _, err := rand.Read(plain2[36:]); err != nil {
		return nil, fmt.Errorf("ntcp server handshake: random padding: %w", err)
	}
	ct2 := make([]byte, len(plain2))
	encMode.CryptBlocks(ct2, plain2)

	msg2 := append(append([]byte(nil), dh.Public[:]...), ct2...)
	if _, err := conn.Write(msg2); err != nil {
		return nil, fmt.Errorf("ntcp server handshake: send phase2: %w", err)
	}

	// Phase 3: AES-CBC[ uint16 idLen || identity || tsA(4) || sig ], padded to
	// a block boundary. The peer's identity/signature size (and hence the
	// total length) isn't known up front, so accumulate one decrypted block
	// at a time via io.ReadFull, exactly like frame.go's readBlock loop,
	// instead of assuming a single conn.Read returns the whole message —
	// a real TCP stream is free to split it across segments.
	readPhase3Block := func() ([]byte, error) {
		ct := make([]byte, crypto.BlockSize)
		if _, err := io.ReadFull(conn, ct); err != nil {
			return nil, fmt.Errorf("ntcp server handshake: read phase3 block: %w", err)
		}
		pt := make([]byte, crypto.BlockSize)
		decMode.CryptBlocks(pt, ct)
		return pt, nil
	}

	plain3, err := readPhase3Block()
	if err != nil {
		return nil, err
	}
	for len(plain3) < 2 {
		blk, err := readPhase3Block()
		if err != nil {
			return nil, err
		}
		plain3 = append(plain3, blk...)
	}
	idLen := int(binary.BigEndian.Uint16(plain3[0:2]))

	for len(plain3) < 2+idLen {
		blk, err := readPhase3Block()
		if err != nil {
			return nil, err
		}
		plain3 = append(plain3, blk...)
	}
	peerID, consumed, err := identity.Parse(plain3[2 : 2+idLen])
	if err != nil {
		return nil, fmt.Errorf("ntcp server handshake: parse peer identity: %w", err)
	}
	_ = consumed
	tsA := binary.BigEndian.Uint32(plain3[2+idLen : 6+idLen])

	sigLen := crypto.SignatureLen(peerID.SigType())
	sigOff := 6 + idLen
	for len(plain3) < sigOff+sigLen {
		blk, err := readPhase3Block()
		if err != nil {
			return nil, err
		}
		plain3 = append(plain3, blk...)
	}
	sig := plain3[sigOff : sigOff+sigLen]

	sigMsg := sigTuple(X, dh.Public[:], bobHash[:], tsA, tsB)
	ok, err := peerID.Verify(sigMsg, sig)
	if err != nil {
		return nil, fmt.Errorf("ntcp server handshake: verify phase3 signature: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("ntcp server handshake: phase3 signature invalid")
	}

	diff := int64(tsA) - int64(tsB)
	if diff > int64(MaxClockSkew/time.Second) || diff < -int64(MaxClockSkew/time.Second) {
		return nil, fmt.Errorf("ntcp server handshake: clock skew too large")
	}

	// Phase 4: our signature over the same tuple, padded.
	mySig, err := local.Sign(sigMsg)
	if err != nil {
		return nil, fmt.Errorf("ntcp server handshake: sign phase4: %w", err)
	}
	body := padTo16(mySig)
	ct4 := make([]byte, len(body))
	encMode.CryptBlocks(ct4, body)
	if _, err := conn.Write(ct4); err != nil {
		return nil, fmt.Errorf("ntcp server handshake: send phase4: %w", err)
	}

	return &HandshakeResult{
		EncryptMode: encMode,
		DecryptMode: decMode,
		PeerHash:    peerID.Hash(),
	}, nil
}

// sigTuple builds the message signed in phases 3 and 4: X || Y ||
// Bob.ident_hash || tsA || tsB (spec §4.3).
func sigTuple(X, Y, bobHash []byte, tsA, tsB uint32) []byte {
	out := make([]byte, 0, len(X)+len(Y)+len(bobHash)+8)
	out = append(out, X...)
	out = append(out, Y...)
	out = append(out, bobHash...)
	var ts [8]byte
	binary.BigEndian.PutUint32(ts[0:4], tsA)
	binary.BigEndian.PutUint32(ts[4:8], tsB)
	out = append(out, ts[:]...)
	return out
}

func padTo16(b []byte) []byte {
	padded := (len(b) + crypto.BlockSize - 1) / crypto.BlockSize * crypto.BlockSize
	out := make([]byte, padded)
	copy(out, b)
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
