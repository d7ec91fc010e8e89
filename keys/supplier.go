// Package keys implements the DH-keys supplier (spec §3 C4, §5): a
// background pool of pre-generated ephemeral DH keypairs consumed once per
// handshake by both transports. It generalizes the teacher's
// ntor.NewHandshake single-shot ephemeral keygen into a standing
// background producer, using a bounded queue guarded by a mutex+condvar as
// spec §5 specifies ("a bounded producer/consumer with a mutex + condvar;
// producers are the supplier thread, consumers are any reactor").
package keys

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-i2p/router/crypto"
)

// DefaultCapacity is the number of pre-generated keypairs the supplier
// tries to keep on hand.
const DefaultCapacity = 64

// Supplier is a background pool of *crypto.DHKeyPair values.
type Supplier struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*crypto.DHKeyPair
	capacity int
	logger   *slog.Logger
	stopped  bool
}

// NewSupplier creates a Supplier with the given capacity (DefaultCapacity
// if cap <= 0) and starts its background producer goroutine immediately;
// call Stop to shut it down.
func NewSupplier(capacity int, logger *slog.Logger) *Supplier {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supplier{capacity: capacity, logger: logger}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *Supplier) run() {
	for {
		s.mu.Lock()
		for len(s.queue) >= s.capacity && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		pair, err := crypto.GenerateDHKeyPair()
		if err != nil {
			s.logger.Warn("dh keys supplier: generation failed", "error", err)
			continue
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.queue = append(s.queue, pair)
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// Take removes and returns one keypair from the pool, blocking until one
// is available or ctx is done. Each keypair is consumed exactly once and
// never reused (spec §3 DHKeysPair lifecycle).
func (s *Supplier) Take(ctx context.Context) (*crypto.DHKeyPair, error) {
	done := make(chan *crypto.DHKeyPair, 1)
	errCh := make(chan error, 1)

	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped && len(s.queue) == 0 {
			errCh <- fmt.Errorf("keys: supplier stopped")
			return
		}
		pair := s.queue[0]
		s.queue = s.queue[1:]
		s.cond.Broadcast()
		done <- pair
	}()

	select {
	case pair := <-done:
		return pair, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, fmt.Errorf("keys: take: %w", ctx.Err())
	}
}

// Len reports how many keypairs are currently queued (for metrics/tests).
func (s *Supplier) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stop halts the background producer. Any blocked Take calls return an
// error once the queue drains.
func (s *Supplier) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()
}
