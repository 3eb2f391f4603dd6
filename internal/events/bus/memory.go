package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentorch/orchestrator/internal/common/logger"
)

// MemoryEventBus is the in-process bus backend. Delivery is
// asynchronous; handler errors are logged, never propagated to the
// publisher.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	queues        map[string]*queueGroup
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil for exact-match subjects
	handler EventHandler
	queue   string
	mu      sync.Mutex
	active  bool
}

// queueGroup round-robins delivery across its subscribers.
type queueGroup struct {
	mu          sync.Mutex
	subscribers []*memorySubscription
	nextIndex   int
}

// NewMemoryEventBus creates an in-memory bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		queues:        make(map[string]*queueGroup),
		logger:        log,
	}
}

// Publish delivers an event to all matching subscribers.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	deliveredQueues := make(map[string]bool)
	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			if !sub.IsValid() || !matches(subject, pattern, sub.pattern) {
				continue
			}
			if sub.queue != "" {
				// Queue groups get the event once, not once per member.
				key := sub.queue + ":" + pattern
				if !deliveredQueues[key] {
					deliveredQueues[key] = true
					b.deliverToQueue(ctx, key, subject, event)
				}
				continue
			}
			go b.deliver(ctx, sub, subject, event)
		}
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, "", handler)
}

// QueueSubscribe registers a handler in a load-balanced queue group.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, queue, handler)
}

func (b *MemoryEventBus) subscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   queue,
		active:  true,
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	if queue != "" {
		key := queue + ":" + subject
		if b.queues[key] == nil {
			b.queues[key] = &queueGroup{}
		}
		b.queues[key].subscribers = append(b.queues[key].subscribers, sub)
	}

	b.logger.Debug("subscribed", zap.String("subject", subject), zap.String("queue", queue))
	return sub, nil
}

func (b *MemoryEventBus) deliver(ctx context.Context, sub *memorySubscription, subject string, event *Event) {
	if err := sub.handler(ctx, event); err != nil {
		b.logger.Error("event handler failed",
			zap.String("subject", subject),
			zap.String("event_id", event.ID),
			zap.Error(err))
	}
}

func (b *MemoryEventBus) deliverToQueue(ctx context.Context, key, subject string, event *Event) {
	qg, ok := b.queues[key]
	if !ok {
		return
	}
	qg.mu.Lock()
	defer qg.mu.Unlock()

	for i := 0; i < len(qg.subscribers); i++ {
		idx := (qg.nextIndex + i) % len(qg.subscribers)
		sub := qg.subscribers[idx]
		if sub.IsValid() {
			qg.nextIndex = (idx + 1) % len(qg.subscribers)
			go b.deliver(ctx, sub, subject, event)
			return
		}
	}
}

// Close deactivates every subscription.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.queues = make(map[string]*queueGroup)
	b.logger.Info("memory event bus closed")
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Unsubscribe removes the subscription from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subscriptions[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if s.queue != "" {
		if qg, ok := s.bus.queues[s.queue+":"+s.subject]; ok {
			qg.mu.Lock()
			for i, sub := range qg.subscribers {
				if sub == s {
					qg.subscribers = append(qg.subscribers[:i], qg.subscribers[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}
	return nil
}

// IsValid reports whether the subscription still receives events.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// matches implements NATS-style subject matching: * is one token, >
// is the rest of the subject.
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if regex == nil {
		return subject == pattern
	}
	return regex.MatchString(subject)
}

func compilePattern(pattern string) *regexp.Regexp {
	if !strings.ContainsAny(pattern, "*>") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
