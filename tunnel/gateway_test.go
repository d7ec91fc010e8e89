package tunnel

import (
	"bytes"
	"testing"

	"github.com/go-i2p/router/i2np"
	"github.com/go-i2p/router/identity"
)

func marshalI2NP(t *testing.T, payload []byte) []byte {
	t.Helper()
	msg := i2np.New(i2np.TypeData, 7, 0, payload)
	buf, err := msg.Marshal()
	if err != nil {
		t.Fatalf("marshal i2np message: %v", err)
	}
	return buf
}

func TestPackBlocksSingleMessageRoundTrip(t *testing.T) {
	data := marshalI2NP(t, []byte("hello tunnel"))
	blocks := []TunnelMessageBlock{{DeliveryType: DeliveryLocal, Data: data}}

	windows, err := PackBlocks(blocks)
	if err != nil {
		t.Fatalf("PackBlocks: %v", err)
	}
	if len(windows) != 1 {
		t.Fatalf("expected 1 window, got %d", len(windows))
	}

	var delivered []byte
	ep := NewEndpoint(nil)
	ep.OnLocal = func(msg *i2np.Message) { delivered = msg.Payload }

	if err := ep.HandleDecryptedPayload(windows[0].Payload); err != nil {
		t.Fatalf("HandleDecryptedPayload: %v", err)
	}
	if !bytes.Equal(delivered, []byte("hello tunnel")) {
		t.Fatalf("delivered payload = %q", delivered)
	}
}

func TestPackBlocksFragmentsAcrossWindows(t *testing.T) {
	big := bytes.Repeat([]byte{0x5A}, FragmentMaxSize*2+200)
	data := marshalI2NP(t, big)
	blocks := []TunnelMessageBlock{{DeliveryType: DeliveryRouter, Hash: [32]byte{1, 2, 3}, Data: data}}

	windows, err := PackBlocks(blocks)
	if err != nil {
		t.Fatalf("PackBlocks: %v", err)
	}
	if len(windows) < 3 {
		t.Fatalf("expected at least 3 windows, got %d", len(windows))
	}

	var delivered []byte
	var gotHash identity.Hash
	ep := NewEndpoint(nil)
	ep.OnToRouter = func(hash identity.Hash, msg *i2np.Message) {
		delivered = msg.Payload
		gotHash = hash
	}

	for _, w := range windows {
		if err := ep.HandleDecryptedPayload(w.Payload); err != nil {
			t.Fatalf("HandleDecryptedPayload: %v", err)
		}
	}
	if !bytes.Equal(delivered, big) {
		t.Fatalf("reassembled payload mismatch: got %d bytes, want %d", len(delivered), len(big))
	}
	if gotHash[0] != 1 || gotHash[1] != 2 || gotHash[2] != 3 {
		t.Fatalf("delivery hash mismatch: %v", gotHash)
	}
}
