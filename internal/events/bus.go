package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Bus distributes notifications to subscribers with filtering support.
//
// Thread safety:
//   - All methods are safe for concurrent use.
//   - Multiple goroutines can publish and subscribe simultaneously.
//   - Publish never blocks on slow subscribers.
//
// Slow consumer handling:
//   - Subscribers receive events through buffered channels.
//   - A subscriber with a full buffer loses the event; other subscribers
//     are unaffected. Drops are reported through the error handler.
//     Combined with at-least-once delivery semantics, consumers must
//     tolerate both duplicates and gaps.
type Bus interface {
	// Publish sends an event to all matching subscribers. It stamps the
	// timestamp and trace correlation when the event lacks them. Returns
	// an error only when the bus is closed or ctx is done.
	Publish(ctx context.Context, event Event) error

	// Subscribe creates a subscription with optional filtering. It returns
	// a channel for receiving events and a cleanup function that must be
	// called to release the subscription. bufferSize zero uses the bus
	// default.
	Subscribe(ctx context.Context, filter Filter, bufferSize int) (<-chan Event, func())

	// Close shuts down the bus and all subscriptions. After Close returns,
	// Publish reports an error.
	Close() error
}

// DefaultBus implements Bus with buffered channels and non-blocking sends.
type DefaultBus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscription
	options     *busOptions
	closed      bool
}

var _ Bus = (*DefaultBus)(nil)

// subscription is one subscriber with its filter and delivery buffer.
type subscription struct {
	id      string
	ch      chan Event
	filter  Filter
	ctx     context.Context
	cancel  context.CancelFunc
	created time.Time
	dropped atomic.Int64
}

type busOptions struct {
	defaultBufferSize int
	errorHandler      ErrorHandler
}

// ErrorHandler is called when the bus drops an event for a slow subscriber.
type ErrorHandler func(err error, context map[string]any)

// Option configures a DefaultBus.
type Option func(*busOptions)

// WithDefaultBufferSize sets the buffer used when Subscribe passes zero.
func WithDefaultBufferSize(size int) Option {
	return func(opts *busOptions) {
		if size > 0 {
			opts.defaultBufferSize = size
		}
	}
}

// WithErrorHandler sets the handler invoked for dropped events.
func WithErrorHandler(handler ErrorHandler) Option {
	return func(opts *busOptions) {
		if handler != nil {
			opts.errorHandler = handler
		}
	}
}

// NewBus creates a bus with the given options.
func NewBus(opts ...Option) *DefaultBus {
	options := &busOptions{
		defaultBufferSize: 256,
		errorHandler:      func(error, map[string]any) {},
	}
	for _, opt := range opts {
		opt(options)
	}

	return &DefaultBus{
		subscribers: make(map[string]*subscription),
		options:     options,
	}
}

// Publish sends an event to all matching subscribers without blocking.
func (b *DefaultBus) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			event.TraceID = sc.TraceID().String()
			event.SpanID = sc.SpanID().String()
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, sub := range b.subscribers {
		select {
		case <-sub.ctx.Done():
			// Subscriber gone; cleanup removes it.
			continue
		default:
		}

		if !sub.filter.Matches(event) {
			continue
		}

		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			sub.dropped.Add(1)
			b.options.errorHandler(
				fmt.Errorf("dropped event for slow subscriber"),
				map[string]any{
					"subscriber_id":   sub.id,
					"event_type":      event.Type,
					"lead_id":         event.LeadID,
					"conversation_id": event.ConversationID,
				},
			)
		}
	}

	return nil
}

// Subscribe registers a new subscriber.
func (b *DefaultBus) Subscribe(ctx context.Context, filter Filter, bufferSize int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bufferSize <= 0 {
		bufferSize = b.options.defaultBufferSize
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		id:      nextSubscriberID(),
		ch:      make(chan Event, bufferSize),
		filter:  filter,
		ctx:     subCtx,
		cancel:  cancel,
		created: time.Now(),
	}

	b.subscribers[sub.id] = sub

	var once sync.Once
	cleanup := func() {
		once.Do(func() { b.unsubscribe(sub.id) })
	}

	return sub.ch, cleanup
}

// unsubscribe removes a subscription and closes its channel.
func (b *DefaultBus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[id]
	if !ok {
		return
	}

	sub.cancel()
	close(sub.ch)
	delete(b.subscribers, id)
}

// Close shuts down the bus and closes every subscriber channel. Idempotent.
func (b *DefaultBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for id, sub := range b.subscribers {
		sub.cancel()
		close(sub.ch)
		delete(b.subscribers, id)
	}

	return nil
}

// SubscriberCount returns the number of active subscriptions.
func (b *DefaultBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

var subscriberCounter atomic.Uint64

func nextSubscriberID() string {
	return fmt.Sprintf("sub-%d", subscriberCounter.Add(1))
}
