package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kandev/hub/internal/common/logger"
)

// DefaultSubscriberBufferSize is the default bounded buffer size per
// subscription, per spec §4.5.
const DefaultSubscriberBufferSize = 1024

// MemoryEventBus implements EventBus using in-memory channels. It is the
// default bus: the service is a single process that owns all in-memory
// state (spec §1 Non-goals — no cross-node clustering).
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	logger        *logger.Logger
	bufferSize    int
	closed        bool
}

// memorySubscription is a subscription with its own bounded, ordered
// buffer and a dedicated dispatch goroutine. Overflow policy: drop the
// oldest buffered event to make room for the newest.
type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp
	handler EventHandler

	mu      sync.Mutex
	buf     []*Event
	notify  chan struct{}
	active  bool
	dropped atomic.Uint64
	done    chan struct{}
}

// NewMemoryEventBus creates a new in-memory event bus with the default
// per-subscriber buffer size.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return NewMemoryEventBusWithBuffer(log, DefaultSubscriberBufferSize)
}

// NewMemoryEventBusWithBuffer creates a new in-memory event bus with an
// explicit per-subscriber buffer size (mainly for tests).
func NewMemoryEventBusWithBuffer(log *logger.Logger, bufferSize int) *MemoryEventBus {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBufferSize
	}
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log,
		bufferSize:    bufferSize,
	}
}

// Publish sends an event to all matching subscribers. Never blocks: each
// subscriber receives the event into its own bounded buffer.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			if !sub.isActive() {
				continue
			}
			if !matches(subject, pattern, sub.pattern) {
				continue
			}
			sub.deliver(event, b.bufferSize)
		}
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))

	return nil
}

// Subscribe creates a subscription to a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		active:  true,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	b.mu.Unlock()

	go sub.dispatchLoop()

	b.logger.Info("subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Close closes the event bus and all subscriptions.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.stop()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.logger.Info("memory event bus closed")
}

// IsConnected reports whether the bus is open; it returns false after Close.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// deliver appends event to the subscription's buffer, dropping the oldest
// buffered event first if the buffer is already at capacity.
func (s *memorySubscription) deliver(event *Event, capacity int) {
	s.mu.Lock()
	if len(s.buf) >= capacity {
		s.buf = s.buf[1:]
		s.dropped.Add(1)
	}
	s.buf = append(s.buf, event)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// dispatchLoop drains the buffer in order, one event at a time, calling
// handler for each. This is the subscription's single consumer goroutine,
// which is what gives per-subject FIFO delivery to this subscriber.
func (s *memorySubscription) dispatchLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.buf) == 0 {
				s.mu.Unlock()
				break
			}
			event := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()

			if err := s.handler(context.Background(), event); err != nil {
				s.bus.logger.Error("event handler error",
					zap.String("subject", s.subject),
					zap.Error(err))
			}
		}
	}
}

func (s *memorySubscription) stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.mu.Unlock()
	close(s.done)
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	s.stop()

	if subs, ok := s.bus.subscriptions[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	return s.isActive()
}

// Dropped returns the number of events dropped due to buffer overflow.
func (s *memorySubscription) Dropped() uint64 {
	return s.dropped.Load()
}

// matches checks if a subject matches a pattern.
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	if regex != nil {
		return regex.MatchString(subject)
	}
	return false
}

// compilePattern converts a NATS-style pattern to a regex.
// "*" matches a single token (no dots); ">" matches one or more tokens.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	escaped = "^" + escaped + "$"

	regex, err := regexp.Compile(escaped)
	if err != nil {
		return nil
	}
	return regex
}
