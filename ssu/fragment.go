package ssu

import (
	"encoding/binary"
	"fmt"
	"time"
)

// MTUv4 is the assumed IPv4 path MTU; FragmentPayloadSize below derives
// from it per spec §4.4: "MTU − 9 (for v4: 1484 − 20 − 8 − 37 payload
// overhead, rounded down to 16-byte multiple)".
const MTUv4 = 1484

// FragmentPayloadSize is the maximum I2NP-message bytes carried per SSU
// fragment (spec §4.4).
const FragmentPayloadSize = ((MTUv4 - 20 - 8 - 37) / 16) * 16

// ResendInterval and MaxResends bound retransmission of unacknowledged
// fragments (spec §5 "Backpressure": "SSU drops fragments when
// sent-messages exceed 5 resend attempts").
const (
	ResendInterval = 3 * time.Second
	MaxResends     = 5
)

// StalePartialTimeout discards an incomplete inbound message if it hasn't
// finished reassembling within this long (spec §4.4).
const StalePartialTimeout = 10 * time.Second

// DedupDecay is how long a delivered msg-ID is remembered to reject
// duplicate deliveries (spec §4.4 "a deduplication set ... for decay
// seconds").
const DedupDecay = 2 * time.Minute

// fragmentHeader is one fragment's 3-byte descriptor: 7-bit fragment
// number, 1-bit last-fragment flag, 16-bit size (spec §4.4).
type fragmentHeader struct {
	Num  uint8
	Last bool
	Size uint16
}

func encodeFragmentHeader(h fragmentHeader) [3]byte {
	var out [3]byte
	b0 := (h.Num & 0x7f) << 1
	if h.Last {
		b0 |= 0x01
	}
	out[0] = b0
	binary.BigEndian.PutUint16(out[1:3], h.Size)
	return out
}

func decodeFragmentHeader(b []byte) (fragmentHeader, error) {
	if len(b) < 3 {
		return fragmentHeader{}, fmt.Errorf("ssu: fragment header too short")
	}
	return fragmentHeader{
		Num:  (b[0] >> 1) & 0x7f,
		Last: b[0]&0x01 != 0,
		Size: binary.BigEndian.Uint16(b[1:3]),
	}, nil
}

// sentMessage tracks one outbound I2NPMessage's fragments pending
// acknowledgment (spec §4.4 "retain fragments in a SentMessages map keyed
// by msg-ID; schedule resend every 3s; drop after 5 resends").
type sentMessage struct {
	MsgID      uint32
	Fragments  [][]byte // each already framed as msgID+fragmentHeader+payload, ready to embed in a data packet
	Acked      []bool
	Attempts   int
	LastSentAt time.Time
}

func (sm *sentMessage) allAcked() bool {
	for _, a := range sm.Acked {
		if !a {
			return false
		}
	}
	return true
}

// incompleteMessage accumulates fragments of one inbound I2NPMessage
// (spec §4.4 "collect fragments in an IncompleteMessages map; accept
// out-of-order").
type incompleteMessage struct {
	MsgID     uint32
	Fragments map[uint8][]byte
	LastFrag  uint8
	HaveLast  bool
	CreatedAt time.Time
}

// FragmentMessage splits payload into FragmentPayloadSize-sized chunks
// and builds a sentMessage ready for transmission.
func FragmentMessage(msgID uint32, payload []byte) *sentMessage {
	var fragments [][]byte
	for off := 0; off < len(payload) || len(fragments) == 0; {
		end := off + FragmentPayloadSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[off:end]
		last := end >= len(payload)
		hdr := encodeFragmentHeader(fragmentHeader{
			Num:  uint8(len(fragments)),
			Last: last,
			Size: uint16(len(chunk)),
		})
		frame := make([]byte, 4+3+len(chunk))
		binary.BigEndian.PutUint32(frame[0:4], msgID)
		copy(frame[4:7], hdr[:])
		copy(frame[7:], chunk)
		fragments = append(fragments, frame)
		off = end
		if last {
			break
		}
	}
	return &sentMessage{
		MsgID:      msgID,
		Fragments:  fragments,
		Acked:      make([]bool, len(fragments)),
		LastSentAt: time.Now(),
	}
}

// add feeds one decoded (fragmentHeader, data) pair into an existing
// incompleteMessage; the caller creates the message. It returns the
// fully-reassembled payload and true once every fragment 0..last has
// arrived (spec §4.4 "drain any now-consecutive out-of-sequence
// fragments; if last, deliver").
func (im *incompleteMessage) add(hdr fragmentHeader, data []byte) ([]byte, bool) {
	if im.Fragments == nil {
		im.Fragments = make(map[uint8][]byte)
	}
	im.Fragments[hdr.Num] = data
	if hdr.Last {
		im.HaveLast = true
		im.LastFrag = hdr.Num
	}
	if !im.HaveLast {
		return nil, false
	}
	var out []byte
	for i := uint8(0); i <= im.LastFrag; i++ {
		chunk, ok := im.Fragments[i]
		if !ok {
			return nil, false
		}
		out = append(out, chunk...)
	}
	return out, true
}

func (im *incompleteMessage) stale(now time.Time) bool {
	return now.Sub(im.CreatedAt) > StalePartialTimeout
}
