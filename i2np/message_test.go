package i2np

import (
	"bytes"
	"testing"
	"time"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	payload := []byte("delivery status payload")
	msg := New(TypeDeliveryStatus, 0xDEADBEEF, time.Minute, payload)

	raw, err := msg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	parsed, n, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if n != len(raw) {
		t.Fatalf("Unmarshal consumed %d bytes, want %d", n, len(raw))
	}
	if parsed.Type != TypeDeliveryStatus {
		t.Fatalf("Type = %d, want %d", parsed.Type, TypeDeliveryStatus)
	}
	if parsed.MessageID != 0xDEADBEEF {
		t.Fatalf("MessageID = %x, want %x", parsed.MessageID, 0xDEADBEEF)
	}
	if !bytes.Equal(parsed.Payload, payload) {
		t.Fatalf("Payload mismatch")
	}
	if err := parsed.CheckExpiration(time.Now()); err != nil {
		t.Fatalf("CheckExpiration: %v", err)
	}
}

func TestUnmarshalRejectsChecksumMismatch(t *testing.T) {
	msg := New(TypeData, 1, time.Minute, []byte("hello"))
	raw, err := msg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	raw[HeaderLen] ^= 0xff // corrupt payload without updating checksum
	if _, _, err := Unmarshal(raw); err == nil {
		t.Fatalf("Unmarshal accepted a corrupted payload")
	}
}

func TestCheckExpirationRejectsSkew(t *testing.T) {
	msg := New(TypeData, 1, -5*time.Minute, []byte("stale"))
	if err := msg.CheckExpiration(time.Now()); err == nil {
		t.Fatalf("CheckExpiration accepted a message 5 minutes in the past")
	}
}

func TestUnmarshalRejectsTruncatedPayload(t *testing.T) {
	msg := New(TypeData, 1, time.Minute, []byte("hello world"))
	raw, err := msg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, _, err := Unmarshal(raw[:HeaderLen+3]); err == nil {
		t.Fatalf("Unmarshal accepted a truncated payload")
	}
}
