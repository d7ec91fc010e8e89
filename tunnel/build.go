package tunnel

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-i2p/router/crypto"
	"github.com/go-i2p/router/identity"
)

// RecordCleartextLen is the per-hop build record before ElGamal
// encryption: receive-tunnel-id(4), our-ident(32), next-tunnel-id(4),
// next-ident(32), layer-key(32), IV-key(32), reply-key(32), reply-IV(16),
// flag(1), request-time(4), send-msg-id(4), padding(29) = 222 bytes, the
// size crypto.ElGamalEncrypt requires (spec §4.5 "Building").
const RecordCleartextLen = 222

// EncryptedRecordLen is the ElGamal ciphertext size for one record
// (crypto.ElGamalEncrypt with zeroPad=false).
const EncryptedRecordLen = 512

// RecordSlotLen is the full wire size of one build-record slot: a
// 16-byte identity-hash prefix used to route the record to its target
// hop, plus the 512-byte encrypted (or, after processing, re-encrypted
// reply) body.
const RecordSlotLen = 16 + EncryptedRecordLen

// FixedRecordCount is N for a TunnelBuildMessage; VariableTunnelBuild
// carries its own count instead (spec §4.5).
const FixedRecordCount = 8

// Flag bits within a BuildRecord's flag byte.
const (
	FlagIsGateway byte = 0x80
	FlagIsEndpoint byte = 0x40
)

// Reply verdict codes a hop appends to its build response.
const (
	ReplyAccept byte = 0
	ReplyReject byte = 30
)

// BuildTimeout bounds how long an originator waits for a build reply
// before failing the tunnel (spec §4.5).
const BuildTimeout = 10 * time.Second

// Lifetime is how long an Established tunnel remains usable before
// Expiring (spec §4.5).
const Lifetime = 10 * time.Minute

// BuildRecord is one hop's cleartext build instruction (spec §4.5).
type BuildRecord struct {
	ReceiveTunnelID uint32
	OurIdent        identity.Hash
	NextTunnelID    uint32
	NextIdent       identity.Hash
	LayerKey        [32]byte
	IVKey           [32]byte
	ReplyKey        [32]byte
	ReplyIV         [16]byte
	Flag            byte
	RequestTime     uint32 // hours since epoch
	SendMessageID   uint32
}

// Marshal packs the record into its 222-byte cleartext form, filling the
// trailing padding with random bytes as real I2P routers do to avoid a
// distinguishable all-zero tail.
func (r *BuildRecord) Marshal() ([]byte, error) {
	out := make([]byte, RecordCleartextLen)
	off := 0
	binary.BigEndian.PutUint32(out[off:], r.ReceiveTunnelID)
	off += 4
	copy(out[off:], r.OurIdent[:])
	off += 32
	binary.BigEndian.PutUint32(out[off:], r.NextTunnelID)
	off += 4
	copy(out[off:], r.NextIdent[:])
	off += 32
	copy(out[off:], r.LayerKey[:])
	off += 32
	copy(out[off:], r.IVKey[:])
	off += 32
	copy(out[off:], r.ReplyKey[:])
	off += 32
	copy(out[off:], r.ReplyIV[:])
	off += 16
	out[off] = r.Flag
	off++
	binary.BigEndian.PutUint32(out[off:], r.RequestTime)
	off += 4
	binary.BigEndian.PutUint32(out[off:], r.SendMessageID)
	off += 4
	if _, err := rand.Read(out[off:]); err != nil {
		return nil, fmt.Errorf("tunnel: pad build record: %w", err)
	}
	return out, nil
}

// ParseBuildRecord unpacks a 222-byte cleartext build record.
func ParseBuildRecord(buf []byte) (*BuildRecord, error) {
	if len(buf) != RecordCleartextLen {
		return nil, fmt.Errorf("tunnel: build record length %d, want %d", len(buf), RecordCleartextLen)
	}
	r := &BuildRecord{}
	off := 0
	r.ReceiveTunnelID = binary.BigEndian.Uint32(buf[off:])
	off += 4
	copy(r.OurIdent[:], buf[off:off+32])
	off += 32
	r.NextTunnelID = binary.BigEndian.Uint32(buf[off:])
	off += 4
	copy(r.NextIdent[:], buf[off:off+32])
	off += 32
	copy(r.LayerKey[:], buf[off:off+32])
	off += 32
	copy(r.IVKey[:], buf[off:off+32])
	off += 32
	copy(r.ReplyKey[:], buf[off:off+32])
	off += 32
	copy(r.ReplyIV[:], buf[off:off+16])
	off += 16
	r.Flag = buf[off]
	off++
	r.RequestTime = binary.BigEndian.Uint32(buf[off:])
	off += 4
	r.SendMessageID = binary.BigEndian.Uint32(buf[off:])
	return r, nil
}

// RecordSlot is one 528-byte entry of a build message: an identity-hash
// prefix used to find which hop owns the slot, plus its body (ElGamal
// ciphertext on the way out, an AES-CBC-wrapped reply body on the way
// back).
type RecordSlot struct {
	HashPrefix [16]byte
	Body       [EncryptedRecordLen]byte
}

// BuildMessage is a TunnelBuildMessage (fixed 8 slots) or
// VariableTunnelBuildMessage (any slot count), addressed to a chain of
// hops in path order (spec §4.5).
type BuildMessage struct {
	Slots []RecordSlot
}

// NewBuildMessage encrypts one BuildRecord per hop under that hop's
// ElGamal public key, in path order, and pads the message up to fixedCount
// slots with random filler slots (spec §4.5); fixedCount 0 gives exactly
// len(records) slots. The slots are not shuffled. Each record slot after
// the first is pre-decrypted with the reply key/IV of every earlier hop, so
// that the re-encryption each earlier hop applies leaves it intact by the
// time it reaches its own hop.
func NewBuildMessage(records []*BuildRecord, hashPrefixes [][16]byte, hopKeys [][256]byte, fixedCount int) (*BuildMessage, error) {
	if len(records) != len(hashPrefixes) || len(records) != len(hopKeys) {
		return nil, fmt.Errorf("tunnel: build message record/prefix/key count mismatch")
	}
	slotCount := len(records)
	if fixedCount > 0 {
		slotCount = fixedCount
	}
	if len(records) > slotCount {
		return nil, fmt.Errorf("tunnel: %d records exceed %d slots", len(records), slotCount)
	}

	bm := &BuildMessage{Slots: make([]RecordSlot, slotCount)}
	for i, rec := range records {
		cleartext, err := rec.Marshal()
		if err != nil {
			return nil, err
		}
		ct, err := crypto.ElGamalEncrypt(hopKeys[i][:], cleartext, false)
		if err != nil {
			return nil, fmt.Errorf("tunnel: elgamal-encrypt build record %d: %w", i, err)
		}
		bm.Slots[i].HashPrefix = hashPrefixes[i]
		copy(bm.Slots[i].Body[:], ct)
	}
	for j := 1; j < len(records); j++ {
		buf := bm.Slots[j].slotBytes()
		for k := j - 1; k >= 0; k-- {
			dec, err := crypto.CBCDecrypt(records[k].ReplyKey[:], records[k].ReplyIV[:], buf)
			if err != nil {
				return nil, fmt.Errorf("tunnel: pre-decrypt build record %d: %w", j, err)
			}
			buf = dec
		}
		setSlotBytes(&bm.Slots[j], buf)
	}
	for i := len(records); i < slotCount; i++ {
		if _, err := rand.Read(bm.Slots[i].HashPrefix[:]); err != nil {
			return nil, fmt.Errorf("tunnel: pad build message slot %d: %w", i, err)
		}
		if _, err := rand.Read(bm.Slots[i].Body[:]); err != nil {
			return nil, fmt.Errorf("tunnel: pad build message slot %d: %w", i, err)
		}
	}
	return bm, nil
}

// Marshal serializes the message's slots in order.
func (bm *BuildMessage) Marshal() []byte {
	out := make([]byte, len(bm.Slots)*RecordSlotLen)
	for i, s := range bm.Slots {
		off := i * RecordSlotLen
		copy(out[off:off+16], s.HashPrefix[:])
		copy(out[off+16:off+RecordSlotLen], s.Body[:])
	}
	return out
}

// ParseBuildMessage splits buf into RecordSlotLen-sized slots.
func ParseBuildMessage(buf []byte) (*BuildMessage, error) {
	if len(buf)%RecordSlotLen != 0 {
		return nil, fmt.Errorf("tunnel: build message length %d not a multiple of %d", len(buf), RecordSlotLen)
	}
	n := len(buf) / RecordSlotLen
	bm := &BuildMessage{Slots: make([]RecordSlot, n)}
	for i := 0; i < n; i++ {
		off := i * RecordSlotLen
		copy(bm.Slots[i].HashPrefix[:], buf[off:off+16])
		copy(bm.Slots[i].Body[:], buf[off+16:off+RecordSlotLen])
	}
	return bm, nil
}

// FindSlot returns the index of the slot addressed to localHash, by
// matching the slot's 16-byte prefix against the local identity hash.
func (bm *BuildMessage) FindSlot(localHash identity.Hash) (int, bool) {
	for i, s := range bm.Slots {
		if bytesEqualSlice(s.HashPrefix[:], localHash[:16]) {
			return i, true
		}
	}
	return 0, false
}

func bytesEqualSlice(a, b []byte) bool {
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

// replySlotLen is the reply record a hop writes in place of its own
// processed slot: 1-byte verdict, 495 bytes padding, 32-byte SHA-256 of
// the preceding slot's on-wire bytes (spec §4.5). It spans the whole
// RecordSlotLen slot (hash-prefix included) since a reply no longer needs
// routing by prefix.
const replySlotLen = 1 + 495 + 32

// slotBytes returns the slot's full RecordSlotLen wire encoding.
func (s RecordSlot) slotBytes() []byte {
	out := make([]byte, RecordSlotLen)
	copy(out[0:16], s.HashPrefix[:])
	copy(out[16:], s.Body[:])
	return out
}

func setSlotBytes(s *RecordSlot, buf []byte) {
	copy(s.HashPrefix[:], buf[0:16])
	copy(s.Body[:], buf[16:])
}

// ProcessTransitSlot runs at a transit hop: it decrypts the slot
// addressed to localKeys, decides accept/reject via acceptTunnel,
// overwrites that slot with a reply record, and AES-CBC re-encrypts every
// slot with the record's own reply-key/reply-IV before the caller
// forwards bm to the next hop (spec §4.5). It returns the decoded
// BuildRecord so the caller can route the (possibly updated) message
// onward using NextTunnelID/NextIdent.
func ProcessTransitSlot(bm *BuildMessage, slotIndex int, localKeys *identity.PrivateKeys, acceptTunnel func(*BuildRecord) bool) (*BuildRecord, error) {
	if slotIndex < 0 || slotIndex >= len(bm.Slots) {
		return nil, fmt.Errorf("tunnel: slot index %d out of range", slotIndex)
	}
	precedingBytes := bm.Slots[slotIndex].slotBytes()

	cleartext, err := localKeys.Decrypt(bm.Slots[slotIndex].Body[:])
	if err != nil {
		return nil, fmt.Errorf("tunnel: decrypt build record %d: %w", slotIndex, err)
	}
	rec, err := ParseBuildRecord(cleartext)
	if err != nil {
		return nil, err
	}

	verdict := ReplyReject
	if acceptTunnel(rec) {
		verdict = ReplyAccept
	}

	precedingHash := crypto.SHA256(precedingBytes)
	reply := make([]byte, replySlotLen)
	reply[0] = verdict
	if _, err := rand.Read(reply[1:496]); err != nil {
		return nil, fmt.Errorf("tunnel: pad reply record %d: %w", slotIndex, err)
	}
	copy(reply[496:], precedingHash)
	setSlotBytes(&bm.Slots[slotIndex], reply)

	for i := range bm.Slots {
		buf := bm.Slots[i].slotBytes()
		enc, err := crypto.CBCEncrypt(rec.ReplyKey[:], rec.ReplyIV[:], buf)
		if err != nil {
			return nil, fmt.Errorf("tunnel: reply-encrypt slot %d: %w", i, err)
		}
		setSlotBytes(&bm.Slots[i], enc)
	}
	return rec, nil
}

// ReplyRecord is one hop's decoded build verdict as recovered by the
// originator.
type ReplyRecord struct {
	Verdict        byte
	PrecedingHash  [32]byte
}

// Accepted reports whether this hop accepted the tunnel.
func (r ReplyRecord) Accepted() bool { return r.Verdict == ReplyAccept }

// RecoverReplies undoes, in reverse hop order, the AES-CBC layer each hop
// applied with its own reply-key/reply-IV to its own slot and the slots of
// earlier hops (later hops' slots were replaced by their replies after
// that layer), then decodes the verdict each hop wrote into its own slot
// (spec §4.5 "The originator,
// after the reply returns, walks the records in reverse per hop to
// recover the verdicts").
func RecoverReplies(bm *BuildMessage, hops []HopConfig) ([]ReplyRecord, error) {
	for i := len(hops) - 1; i >= 0; i-- {
		hop := hops[i]
		for s := 0; s <= i && s < len(bm.Slots); s++ {
			buf := bm.Slots[s].slotBytes()
			dec, err := crypto.CBCDecrypt(hop.ReplyKey[:], hop.ReplyIV[:], buf)
			if err != nil {
				return nil, fmt.Errorf("tunnel: reply-decrypt slot %d for hop %s: %w", s, hop.PeerHash.String(), err)
			}
			setSlotBytes(&bm.Slots[s], dec)
		}
	}

	replies := make([]ReplyRecord, len(hops))
	for i := range hops {
		if i >= len(bm.Slots) {
			return nil, fmt.Errorf("tunnel: fewer slots (%d) than hops (%d)", len(bm.Slots), len(hops))
		}
		full := bm.Slots[i].slotBytes()
		replies[i].Verdict = full[0]
		copy(replies[i].PrecedingHash[:], full[496:])
	}
	return replies, nil
}

// AllAccepted reports whether every hop's reply accepted the tunnel
// (spec §4.5 "all must be 0 for the tunnel to enter Established").
func AllAccepted(replies []ReplyRecord) bool {
	for _, r := range replies {
		if !r.Accepted() {
			return false
		}
	}
	return true
}
