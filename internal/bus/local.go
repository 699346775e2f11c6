package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/hookline/hookline/internal/observability"
	"github.com/hookline/hookline/pkg/models"
)

// LocalBus delivers events inside a single process. One dispatcher goroutine
// drains the queue, so handlers observe a total order across all topics and
// a handler never runs concurrently with another.
type LocalBus struct {
	logger  *observability.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	subs   map[string]map[int]Handler
	nextID int
	closed bool

	queue chan queued
	done  chan struct{}
}

type queued struct {
	ctx   context.Context
	topic string
	ev    *models.Event
}

// NewLocalBus starts the dispatcher goroutine. The queue bound keeps a
// stalled handler from growing memory without limit; once it fills,
// Publish sheds new events instead of stalling the front ends.
func NewLocalBus(logger *observability.Logger, metrics *observability.Metrics) *LocalBus {
	return newLocalBus(logger, metrics, 1024)
}

func newLocalBus(logger *observability.Logger, metrics *observability.Metrics, queueSize int) *LocalBus {
	b := &LocalBus{
		logger:  logger,
		metrics: metrics,
		subs:    make(map[string]map[int]Handler),
		queue:   make(chan queued, queueSize),
		done:    make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *LocalBus) Publish(ctx context.Context, topic string, ev *models.Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("bus: publish on closed bus")
	}
	// Detach cancellation but keep values so trace context survives the
	// queue hop.
	item := queued{ctx: context.WithoutCancel(ctx), topic: topic, ev: ev}
	select {
	case b.queue <- item:
		return nil
	default:
		// Shedding here keeps ingestion responsive when a handler wedges.
		// Delivery is at-most-once, so the caller sees success either way.
		b.metrics.EventsDropped.WithLabelValues("bus", observability.DropOverflow).Inc()
		b.logger.Warn(ctx, "dropping event, dispatch queue full", "topic", topic)
		return nil
	}
}

func (b *LocalBus) Subscribe(topic string, h Handler) (func(), error) {
	if topic == "" {
		return nil, fmt.Errorf("bus: empty topic")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus: subscribe on closed bus")
	}
	id := b.nextID
	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	b.subs[topic][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
	}, nil
}

func (b *LocalBus) dispatch() {
	defer close(b.done)
	for item := range b.queue {
		handlers := b.handlersFor(item.topic)
		if len(handlers) == 0 {
			b.metrics.EventsDropped.WithLabelValues("bus", observability.DropUnrouted).Inc()
			b.logger.Debug(item.ctx, "dropping event with no subscriber", "topic", item.topic)
			continue
		}
		for _, h := range handlers {
			b.invoke(item.ctx, item.topic, item.ev, h)
		}
	}
}

// invoke runs one handler, containing any panic so a bad handler cannot take
// down the dispatcher.
func (b *LocalBus) invoke(ctx context.Context, topic string, ev *models.Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(ctx, "event handler panicked", "topic", topic, "panic", fmt.Sprint(r))
		}
	}()
	h(ctx, topic, ev)
}

func (b *LocalBus) handlersFor(topic string) []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Handler
	for _, h := range b.subs[topic] {
		out = append(out, h)
	}
	if topic != Wildcard {
		for _, h := range b.subs[Wildcard] {
			out = append(out, h)
		}
	}
	return out
}

// Close stops accepting publishes, drains the queue and waits for the
// dispatcher to finish.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	close(b.queue)
	<-b.done
	return nil
}
