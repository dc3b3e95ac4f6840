// Package bus implements the schema-validated publish/subscribe channel.
//
// Publish validates against the schema registry before anything else: an
// invalid event is never appended and never delivered. Validation and
// append run under a per-topic lock so two publishers cannot interleave
// between them; handler invocation is decoupled through a bounded queue
// and a dedicated goroutine per subscriber, so one slow consumer adds
// latency only to itself.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/mlinzi/internal/domain"
	"github.com/jkaninda/mlinzi/internal/observability"
	"github.com/jkaninda/mlinzi/internal/schema"
	"github.com/jkaninda/mlinzi/internal/storage"
)

// ErrClosed is returned for operations on a closed bus.
var ErrClosed = errors.New("event bus is closed")

// DefaultQueueSize is the per-subscriber queue capacity when none is configured.
const DefaultQueueSize = 256

// Handler consumes one delivered event. It runs on the subscriber's own
// goroutine; blocking here delays only this subscriber.
type Handler func(event *domain.Event)

// Subscription is the handle returned by Subscribe, used to unsubscribe.
type Subscription struct {
	ID    uuid.UUID
	Topic string
}

// Bus is the in-process event bus.
type Bus struct {
	store     storage.Store
	registry  *schema.Registry
	metrics   *observability.MetricsCollector
	logger    *slog.Logger
	queueSize int

	mu     sync.RWMutex
	topics map[string]*topicState
	closed bool
	wg     sync.WaitGroup
}

// topicState carries the per-topic publish lock and subscriber set.
// Publishing on one topic never contends with another.
type topicState struct {
	publishMu sync.Mutex
	subsMu    sync.RWMutex
	subs      map[uuid.UUID]*subscriber
}

type subscriber struct {
	id      uuid.UUID
	topic   string
	handler Handler
	queue   chan *domain.Event
	once    sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.queue) })
}

// New creates an event bus. metrics may be nil; queueSize <= 0 uses
// DefaultQueueSize.
func New(store storage.Store, registry *schema.Registry, metrics *observability.MetricsCollector, logger *slog.Logger, queueSize int) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		store:     store,
		registry:  registry,
		metrics:   metrics,
		logger:    logger,
		queueSize: queueSize,
		topics:    make(map[string]*topicState),
	}
}

func (b *Bus) topic(name string) (*topicState, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrClosed
	}
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return t, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if t, ok = b.topics[name]; ok {
		return t, nil
	}
	t = &topicState{subs: make(map[uuid.UUID]*subscriber)}
	b.topics[name] = t
	return t, nil
}

// Publish validates payload against the topic's schema, appends the event
// to the topic log, and queues it to every active subscriber in publish
// order. On validation failure the event is neither appended nor delivered
// and the *schema.ValidationError (or schema.ErrUnknownTopic) is returned.
func (b *Bus) Publish(ctx context.Context, topic string, payload json.RawMessage, producerID string) (*domain.Event, error) {
	t, err := b.topic(topic)
	if err != nil {
		return nil, err
	}

	// Validation and append are one atomic unit per topic: no second
	// publisher can slip between them.
	t.publishMu.Lock()
	defer t.publishMu.Unlock()

	version, err := b.registry.Validate(topic, payload)
	if err != nil {
		b.observeValidation(topic, "failure")
		return nil, err
	}
	b.observeValidation(topic, "success")

	event := &domain.Event{
		ID:            domain.NewID(),
		Topic:         topic,
		SchemaVersion: version,
		Payload:       payload,
		ProducerID:    producerID,
		PublishedAt:   time.Now().UTC(),
	}
	if err := b.store.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("appending event on topic %s: %w", topic, err)
	}
	if b.metrics != nil {
		b.metrics.EventsPublishedTotal.WithLabelValues(topic).Inc()
	}

	t.subsMu.RLock()
	for _, sub := range t.subs {
		select {
		case sub.queue <- event:
		default:
			// Queue full: drop for this subscriber rather than stall the
			// publisher or its peers. The consumer catches up via ReadRecent.
			if b.metrics != nil {
				b.metrics.DeliveriesDroppedTotal.WithLabelValues(topic).Inc()
			}
			b.logger.Warn("subscriber queue full, delivery dropped",
				slog.String("topic", topic),
				slog.String("subscription_id", sub.id.String()),
				slog.String("event_id", event.ID.String()),
			)
		}
	}
	t.subsMu.RUnlock()

	return event, nil
}

// Subscribe registers handler for the topic. Events published after this
// call are delivered FIFO on a dedicated goroutine.
func (b *Bus) Subscribe(topic string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	t, err := b.topic(topic)
	if err != nil {
		return nil, err
	}

	sub := &subscriber{
		id:      domain.NewID(),
		topic:   topic,
		handler: handler,
		queue:   make(chan *domain.Event, b.queueSize),
	}

	t.subsMu.Lock()
	t.subs[sub.id] = sub
	t.subsMu.Unlock()
	if b.metrics != nil {
		b.metrics.SubscribersActive.WithLabelValues(topic).Inc()
	}

	b.wg.Add(1)
	go b.dispatch(sub)

	return &Subscription{ID: sub.id, Topic: topic}, nil
}

// dispatch drains one subscriber's queue until it is closed.
func (b *Bus) dispatch(sub *subscriber) {
	defer b.wg.Done()
	for event := range sub.queue {
		sub.handler(event)
		if b.metrics != nil {
			b.metrics.EventsDeliveredTotal.WithLabelValues(sub.topic).Inc()
		}
	}
}

// Unsubscribe removes the subscription. Other subscribers on the topic are
// unaffected. Unknown handles are a no-op.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.RLock()
	t, ok := b.topics[s.Topic]
	b.mu.RUnlock()
	if !ok {
		return
	}

	t.subsMu.Lock()
	sub, ok := t.subs[s.ID]
	if ok {
		delete(t.subs, s.ID)
	}
	t.subsMu.Unlock()

	if ok {
		sub.stop()
		if b.metrics != nil {
			b.metrics.SubscribersActive.WithLabelValues(s.Topic).Dec()
		}
	}
}

// ReadRecent returns up to n most recent events on the topic, oldest
// first, for late-subscriber catch-up.
func (b *Bus) ReadRecent(ctx context.Context, topic string, n int) ([]*domain.Event, error) {
	return b.store.ReadRecent(ctx, topic, n)
}

// Close stops all subscribers and rejects further operations.
// Blocks until every queued delivery has been handled.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	topics := b.topics
	b.mu.Unlock()

	for name, t := range topics {
		t.subsMu.Lock()
		for id, sub := range t.subs {
			sub.stop()
			delete(t.subs, id)
			if b.metrics != nil {
				b.metrics.SubscribersActive.WithLabelValues(name).Dec()
			}
		}
		t.subsMu.Unlock()
	}
	b.wg.Wait()
}

func (b *Bus) observeValidation(topic, result string) {
	if b.metrics != nil {
		b.metrics.ValidationTotal.WithLabelValues(topic, result).Inc()
	}
}
