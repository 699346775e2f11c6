package bus

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hookline/hookline/internal/observability"
	"github.com/hookline/hookline/pkg/models"
)

func newTestBus(t *testing.T) *LocalBus {
	t.Helper()
	logger := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	b := NewLocalBus(logger, metrics)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestLocalBusDelivery(t *testing.T) {
	ctx := context.Background()

	t.Run("topic subscriber receives event", func(t *testing.T) {
		b := newTestBus(t)
		got := make(chan *models.Event, 1)
		if _, err := b.Subscribe("feed.entry", func(_ context.Context, _ string, ev *models.Event) {
			got <- ev
		}); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		ev := &models.Event{ResourceKey: "https://example.com/feed.xml", Kind: "feed.entry"}
		if err := b.Publish(ctx, "feed.entry", ev); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if received := <-got; received.ResourceKey != ev.ResourceKey {
			t.Errorf("received %+v", received)
		}
	})

	t.Run("wildcard sees every topic", func(t *testing.T) {
		b := newTestBus(t)
		var mu sync.Mutex
		var topics []string
		done := make(chan struct{})
		b.Subscribe(Wildcard, func(_ context.Context, topic string, _ *models.Event) {
			mu.Lock()
			topics = append(topics, topic)
			mu.Unlock()
			if len(topics) == 2 {
				close(done)
			}
		})
		b.Publish(ctx, "feed.entry", &models.Event{})
		b.Publish(ctx, "gitlab.push", &models.Event{})
		<-done
		mu.Lock()
		defer mu.Unlock()
		if topics[0] != "feed.entry" || topics[1] != "gitlab.push" {
			t.Errorf("topics = %v", topics)
		}
	})

	t.Run("no subscriber drops silently", func(t *testing.T) {
		b := newTestBus(t)
		if err := b.Publish(ctx, "nobody.listens", &models.Event{}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		// Close drains the queue; the drop must not wedge the dispatcher.
		if err := b.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	})
}

func TestLocalBusOverflowSheds(t *testing.T) {
	ctx := context.Background()
	logger := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	b := newLocalBus(logger, metrics, 1)
	t.Cleanup(func() { b.Close() })

	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var delivered []string
	b.Subscribe("feed.entry", func(_ context.Context, _ string, ev *models.Event) {
		mu.Lock()
		delivered = append(delivered, ev.DeliveryID)
		mu.Unlock()
		started <- struct{}{}
		<-release
	})

	// The first event occupies the dispatcher, the second fills the queue.
	b.Publish(ctx, "feed.entry", &models.Event{DeliveryID: "d1"})
	<-started
	b.Publish(ctx, "feed.entry", &models.Event{DeliveryID: "d2"})

	// With the queue full, publishing must return immediately rather than
	// wait on the wedged handler.
	if err := b.Publish(ctx, "feed.entry", &models.Event{DeliveryID: "d3"}); err != nil {
		t.Fatalf("Publish on full queue: %v", err)
	}
	dropped := metrics.EventsDropped.WithLabelValues("bus", observability.DropOverflow)
	if got := testutil.ToFloat64(dropped); got != 1 {
		t.Errorf("overflow drops = %v, want 1", got)
	}

	close(release)
	<-started
	b.Close()
	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 2 || delivered[0] != "d1" || delivered[1] != "d2" {
		t.Errorf("delivered = %v, want [d1 d2]", delivered)
	}
}

func TestLocalBusOrdering(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)

	const n = 200
	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	b.Subscribe(Wildcard, func(_ context.Context, _ string, ev *models.Event) {
		mu.Lock()
		seen = append(seen, ev.DeliveryID)
		if len(seen) == n {
			close(done)
		}
		mu.Unlock()
	})
	for i := 0; i < n; i++ {
		topic := "feed.entry"
		if i%2 == 1 {
			topic = "gitlab.push"
		}
		b.Publish(ctx, topic, &models.Event{DeliveryID: string(rune('0' + i%10))})
	}
	<-done
	mu.Lock()
	defer mu.Unlock()
	for i, id := range seen {
		if id != string(rune('0'+i%10)) {
			t.Fatalf("event %d delivered out of order: %q", i, id)
		}
	}
}

func TestLocalBusPanicIsolation(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)

	got := make(chan struct{}, 1)
	b.Subscribe("feed.entry", func(_ context.Context, _ string, _ *models.Event) {
		panic("handler bug")
	})
	b.Subscribe("feed.entry", func(_ context.Context, _ string, _ *models.Event) {
		got <- struct{}{}
	})
	b.Publish(ctx, "feed.entry", &models.Event{})
	// The healthy subscriber and the dispatcher both survive.
	<-got
	b.Publish(ctx, "feed.entry", &models.Event{})
	<-got
}

func TestLocalBusUnsubscribe(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t)

	calls := make(chan string, 2)
	cancel, _ := b.Subscribe("feed.entry", func(_ context.Context, _ string, _ *models.Event) {
		calls <- "first"
	})
	b.Subscribe("feed.entry", func(_ context.Context, _ string, _ *models.Event) {
		calls <- "second"
	})
	cancel()
	b.Publish(ctx, "feed.entry", &models.Event{})
	if got := <-calls; got != "second" {
		t.Errorf("call = %q, want second", got)
	}
	select {
	case got := <-calls:
		t.Errorf("unsubscribed handler ran: %q", got)
	default:
	}
}

func TestLocalBusClosed(t *testing.T) {
	b := newTestBus(t)
	b.Close()
	if err := b.Publish(context.Background(), "feed.entry", &models.Event{}); err == nil {
		t.Error("expected error publishing to closed bus")
	}
	if _, err := b.Subscribe("feed.entry", func(context.Context, string, *models.Event) {}); err == nil {
		t.Error("expected error subscribing to closed bus")
	}
}
