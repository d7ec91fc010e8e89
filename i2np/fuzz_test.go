package i2np

import (
	"testing"
	"time"
)

func FuzzUnmarshal(f *testing.F) {
	// Seed: valid minimal message, built the same way as unit tests.
	valid, err := New(TypeData, 1, time.Minute, []byte("hello")).Marshal()
	if err == nil {
		f.Add(valid)
	}

	// Seed: zero-length payload.
	empty, err := New(TypeDeliveryStatus, 0, time.Minute, nil).Marshal()
	if err == nil {
		f.Add(empty)
	}

	// Seed: too short to contain a header.
	f.Add([]byte{0x01, 0x02, 0x03})

	// Seed: empty.
	f.Add([]byte{})

	// Seed: header claims more payload than is present.
	f.Add([]byte{byte(TypeData), 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0xFF, 0xFF, 0x00})

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic on any input.
		Unmarshal(data)
	})
}
