package keys

import (
	"context"
	"testing"
	"time"
)

func TestSupplierProducesUniqueKeys(t *testing.T) {
	s := NewSupplier(4, nil)
	defer s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seen := make(map[[256]byte]bool)
	for i := 0; i < 8; i++ {
		pair, err := s.Take(ctx)
		if err != nil {
			t.Fatalf("Take: %v", err)
		}
		if seen[pair.Public] {
			t.Fatalf("supplier handed out a duplicate public key")
		}
		seen[pair.Public] = true
	}
}

func TestSupplierStopUnblocksTake(t *testing.T) {
	s := NewSupplier(1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Drain whatever the background producer already generated.
	for s.Len() == 0 {
		time.Sleep(time.Millisecond)
	}
	if _, err := s.Take(ctx); err != nil {
		t.Fatalf("Take before stop: %v", err)
	}

	s.Stop()

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if _, err := s.Take(ctx2); err == nil {
		t.Fatalf("Take after Stop with empty queue should fail")
	}
}
