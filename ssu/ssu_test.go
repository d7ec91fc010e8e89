package ssu

import (
	"bytes"
	"net"
	"testing"
)

func TestPacketSealOpenRoundTrip(t *testing.T) {
	var macKey, cipherKey [32]byte
	copy(macKey[:], bytes.Repeat([]byte{0x11}, 32))
	copy(cipherKey[:], bytes.Repeat([]byte{0x22}, 32))
	var iv [16]byte
	copy(iv[:], bytes.Repeat([]byte{0x33}, 16))

	body := []byte("ssu data payload")
	raw, err := Seal(macKey, cipherKey, iv, PayloadData, DataFlagWantReply, 1700000000, body)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	pkt, err := Open(macKey, cipherKey, raw)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if pkt.PayloadType != PayloadData {
		t.Fatalf("PayloadType = %d, want %d", pkt.PayloadType, PayloadData)
	}
	if pkt.Flags != DataFlagWantReply {
		t.Fatalf("Flags = %x, want %x", pkt.Flags, DataFlagWantReply)
	}
	if pkt.Timestamp != 1700000000 {
		t.Fatalf("Timestamp = %d", pkt.Timestamp)
	}
	if !bytes.Equal(pkt.Body, body) {
		t.Fatalf("Body = %q, want %q", pkt.Body, body)
	}
}

func TestPacketOpenRejectsBadMAC(t *testing.T) {
	var macKey, cipherKey [32]byte
	copy(macKey[:], bytes.Repeat([]byte{0x44}, 32))
	copy(cipherKey[:], bytes.Repeat([]byte{0x55}, 32))
	var iv [16]byte

	raw, err := Seal(macKey, cipherKey, iv, PayloadData, 0, 1, []byte("x"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	raw[0] ^= 0xff

	if _, err := Open(macKey, cipherKey, raw); err == nil {
		t.Fatalf("Open accepted a tampered MAC")
	}
}

func TestFragmentMessageSingleFragment(t *testing.T) {
	payload := []byte("short payload")
	sm := FragmentMessage(42, payload)
	if len(sm.Fragments) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(sm.Fragments))
	}

	hdr, err := decodeFragmentHeader(sm.Fragments[0][4:7])
	if err != nil {
		t.Fatalf("decodeFragmentHeader: %v", err)
	}
	if !hdr.Last {
		t.Fatalf("single fragment should be marked last")
	}
	if int(hdr.Size) != len(payload) {
		t.Fatalf("Size = %d, want %d", hdr.Size, len(payload))
	}
}

func TestFragmentMessageMultiFragmentReassembles(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, FragmentPayloadSize*2+37)
	sm := FragmentMessage(7, payload)
	if len(sm.Fragments) < 3 {
		t.Fatalf("expected at least 3 fragments, got %d", len(sm.Fragments))
	}

	im := &incompleteMessage{}
	var reassembled []byte
	var done bool
	for _, f := range sm.Fragments {
		hdr, err := decodeFragmentHeader(f[4:7])
		if err != nil {
			t.Fatalf("decodeFragmentHeader: %v", err)
		}
		data := f[7:]
		reassembled, done = im.add(hdr, data)
	}
	if !done {
		t.Fatalf("reassembly did not complete")
	}
	if !bytes.Equal(reassembled, payload) {
		t.Fatalf("reassembled payload mismatch (len got=%d want=%d)", len(reassembled), len(payload))
	}
}

func TestFragmentMessageOutOfOrderReassembles(t *testing.T) {
	payload := bytes.Repeat([]byte{0xCD}, FragmentPayloadSize*2+10)
	sm := FragmentMessage(9, payload)
	if len(sm.Fragments) < 3 {
		t.Fatalf("expected at least 3 fragments")
	}

	im := &incompleteMessage{}
	order := []int{2, 0, 1}
	if len(order) != len(sm.Fragments) {
		t.Skipf("test fixture assumes exactly 3 fragments, got %d", len(sm.Fragments))
	}
	var reassembled []byte
	var done bool
	for _, idx := range order {
		f := sm.Fragments[idx]
		hdr, err := decodeFragmentHeader(f[4:7])
		if err != nil {
			t.Fatalf("decodeFragmentHeader: %v", err)
		}
		reassembled, done = im.add(hdr, f[7:])
	}
	if !done {
		t.Fatalf("out-of-order reassembly did not complete")
	}
	if !bytes.Equal(reassembled, payload) {
		t.Fatalf("reassembled payload mismatch")
	}
}

func TestEncodeDecodeIPPortRoundTrip(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.7").To4(), Port: 4298}
	enc := encodeIPPort(addr)
	if len(enc) != 6 {
		t.Fatalf("encodeIPPort v4 = %d bytes, want 6", len(enc))
	}
	got, n, err := decodeIPPort(enc)
	if err != nil {
		t.Fatalf("decodeIPPort: %v", err)
	}
	if n != 6 {
		t.Fatalf("decodeIPPort consumed %d, want 6", n)
	}
	if !got.IP.Equal(addr.IP) || got.Port != addr.Port {
		t.Fatalf("decodeIPPort = %v, want %v", got, addr)
	}
}

func TestFragmentHeaderEncodeDecode(t *testing.T) {
	h := fragmentHeader{Num: 100, Last: true, Size: 1337}
	enc := encodeFragmentHeader(h)
	got, err := decodeFragmentHeader(enc[:])
	if err != nil {
		t.Fatalf("decodeFragmentHeader: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}
