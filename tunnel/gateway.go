package tunnel

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/go-i2p/router/crypto"
)

// Delivery type values carried in a fragment's flag byte (spec §4.5
// "delivery type 0/1/2"), grounded on the original TunnelMessageBlock
// enum (original_source/TunnelEndpoint.cpp's eDeliveryType{Local,Tunnel,
// Router}).
const (
	DeliveryLocal  byte = 0
	DeliveryTunnel byte = 1
	DeliveryRouter byte = 2
)

// FragmentMaxSize is the largest fragments region a single tunnel data
// payload can carry (spec §8 size budget): the 1008-byte payload minus
// the 4-byte checksum and 1-byte zero delimiter.
const FragmentMaxSize = PayloadLen - 4 - 1

// maxFragmentsPerMessage bounds the 6-bit follow-on fragment number.
const maxFragmentsPerMessage = 64

// TunnelMessageBlock is one inbound delivery request to a TunnelGateway:
// a fully marshaled I2NP message plus where it should be delivered once
// it reaches the tunnel's endpoint.
type TunnelMessageBlock struct {
	DeliveryType byte
	TunnelID     uint32        // valid when DeliveryType == DeliveryTunnel
	Hash         [32]byte      // valid when DeliveryType is Tunnel or Router
	Data         []byte        // marshaled I2NP message bytes
}

// PackedWindow is one plaintext tunnel-data payload ready for per-hop
// encryption via GatewayEncrypt, paired with the IV its checksum was
// bound to (spec §4.5 "The checksum binds the encryption IV to the
// payload").
type PackedWindow struct {
	IV      [16]byte
	Payload [PayloadLen]byte
}

// PackBlocks greedily packs blocks into 1003-byte fragment windows,
// splitting any block whose data doesn't fit into follow-on fragments
// sharing one random message ID (spec §4.5 "Gateway fragmentation").
// Small messages that fit are packed as single, non-fragmented fragments
// alongside others in the same window; a message requiring fragmentation
// starts a fresh window for simplicity and is not interleaved with other
// blocks' fragments.
func PackBlocks(blocks []TunnelMessageBlock) ([]PackedWindow, error) {
	var windows []PackedWindow
	frag := make([]byte, 0, FragmentMaxSize)

	flush := func() error {
		if len(frag) == 0 {
			return nil
		}
		w, err := buildWindow(frag)
		if err != nil {
			return err
		}
		windows = append(windows, w)
		frag = frag[:0]
		return nil
	}

	for _, blk := range blocks {
		overhead := firstFragmentOverhead(blk.DeliveryType, false)
		if len(frag)+overhead+len(blk.Data) <= FragmentMaxSize {
			enc, err := encodeFirstFragment(blk, false, 0, blk.Data)
			if err != nil {
				return nil, err
			}
			frag = append(frag, enc...)
			continue
		}

		if err := flush(); err != nil {
			return nil, err
		}

		msgID, err := randomMessageID()
		if err != nil {
			return nil, err
		}
		remaining := blk.Data
		fragNum := 0
		first := true
		for len(remaining) > 0 {
			var overhead int
			if first {
				overhead = firstFragmentOverhead(blk.DeliveryType, true)
			} else {
				overhead = followOnOverhead
			}
			avail := FragmentMaxSize - len(frag) - overhead
			if avail <= 0 {
				if err := flush(); err != nil {
					return nil, err
				}
				avail = FragmentMaxSize - overhead
			}
			take := avail
			last := false
			if take >= len(remaining) {
				take = len(remaining)
				last = true
			}
			chunk := remaining[:take]
			remaining = remaining[take:]

			if first {
				enc, err := encodeFirstFragment(blk, true, msgID, chunk)
				if err != nil {
					return nil, err
				}
				frag = append(frag, enc...)
				first = false
			} else {
				if fragNum >= maxFragmentsPerMessage {
					return nil, fmt.Errorf("tunnel: message exceeds %d fragments", maxFragmentsPerMessage)
				}
				frag = append(frag, encodeFollowOnFragment(msgID, fragNum, last, chunk)...)
				fragNum++
			}
			if !last {
				if err := flush(); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := flush(); err != nil {
		return nil, err
	}
	return windows, nil
}

func firstFragmentOverhead(deliveryType byte, fragmented bool) int {
	overhead := 1 + 2 // flag + size
	switch deliveryType {
	case DeliveryTunnel:
		overhead += 4 + 32
	case DeliveryRouter:
		overhead += 32
	}
	if fragmented {
		overhead += 4
	}
	return overhead
}

const followOnOverhead = 1 + 4 + 2 // flag + msgID + size

func encodeFirstFragment(blk TunnelMessageBlock, fragmented bool, msgID uint32, chunk []byte) ([]byte, error) {
	if len(chunk) > 0xFFFF {
		return nil, fmt.Errorf("tunnel: fragment chunk %d exceeds uint16 size", len(chunk))
	}
	flag := (blk.DeliveryType & 0x03) << 5
	if fragmented {
		flag |= 0x08
	}
	out := []byte{flag}
	switch blk.DeliveryType {
	case DeliveryTunnel:
		var tid [4]byte
		binary.BigEndian.PutUint32(tid[:], blk.TunnelID)
		out = append(out, tid[:]...)
		out = append(out, blk.Hash[:]...)
	case DeliveryRouter:
		out = append(out, blk.Hash[:]...)
	}
	if fragmented {
		var id [4]byte
		binary.BigEndian.PutUint32(id[:], msgID)
		out = append(out, id[:]...)
	}
	var size [2]byte
	binary.BigEndian.PutUint16(size[:], uint16(len(chunk)))
	out = append(out, size[:]...)
	out = append(out, chunk...)
	return out, nil
}

func encodeFollowOnFragment(msgID uint32, fragNum int, last bool, chunk []byte) []byte {
	flag := byte(0x80) | byte(fragNum&0x3F)<<1
	if last {
		flag |= 0x01
	}
	out := make([]byte, 0, followOnOverhead+len(chunk))
	out = append(out, flag)
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], msgID)
	out = append(out, id[:]...)
	var size [2]byte
	binary.BigEndian.PutUint16(size[:], uint16(len(chunk)))
	out = append(out, size[:]...)
	out = append(out, chunk...)
	return out
}

// buildWindow wraps a finished fragments region with its checksum,
// delimiter and random non-zero padding (spec §4.5).
func buildWindow(frag []byte) (PackedWindow, error) {
	if len(frag) > FragmentMaxSize {
		return PackedWindow{}, fmt.Errorf("tunnel: fragments region %d exceeds max %d", len(frag), FragmentMaxSize)
	}
	var w PackedWindow
	if _, err := rand.Read(w.IV[:]); err != nil {
		return w, fmt.Errorf("tunnel: random window IV: %w", err)
	}

	sum := crypto.SHA256(frag, w.IV[:])
	copy(w.Payload[0:4], sum[0:4])

	paddingLen := FragmentMaxSize - len(frag)
	padding := make([]byte, paddingLen)
	if err := fillNonZero(padding); err != nil {
		return w, err
	}
	copy(w.Payload[4:4+paddingLen], padding)
	w.Payload[4+paddingLen] = 0x00
	copy(w.Payload[4+paddingLen+1:], frag)
	return w, nil
}

func fillNonZero(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("tunnel: random padding: %w", err)
	}
	for i, v := range b {
		for v == 0 {
			var one [1]byte
			if _, err := rand.Read(one[:]); err != nil {
				return fmt.Errorf("tunnel: random padding byte: %w", err)
			}
			v = one[0]
		}
		b[i] = v
	}
	return nil
}

func randomMessageID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("tunnel: random message ID: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
