package bus

import (
	"sync/atomic"

	"github.com/nats-io/nats.go"
)

// natsSubscription wraps a NATS subscription to implement the Subscription
// interface. NATS itself owns the per-subscriber buffering (the pending
// limits set in NATSEventBus.Subscribe); Dropped tracks messages NATS
// reports as dropped.
type natsSubscription struct {
	sub     *nats.Subscription
	dropped atomic.Uint64
}

// Unsubscribe removes the subscription from the server.
func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// IsValid returns whether the subscription is still active.
func (s *natsSubscription) IsValid() bool {
	if s.sub == nil {
		return false
	}
	return s.sub.IsValid()
}

// Dropped returns the number of messages NATS reports as dropped for slow
// consumers, per spec §4.5's per-subscriber overflow accounting.
func (s *natsSubscription) Dropped() uint64 {
	if s.sub == nil {
		return s.dropped.Load()
	}
	n, err := s.sub.Dropped()
	if err != nil || n < 0 {
		return s.dropped.Load()
	}
	return uint64(n)
}
