package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hookline/hookline/internal/observability"
	"github.com/hookline/hookline/pkg/models"
)

const subjectPrefix = "hookline."

// NatsBus fans events out across a worker fleet over core NATS pub/sub.
// Core subjects, not JetStream: the bridge wants a live feed with no
// replay, and the storage layer already makes redelivery harmless.
type NatsBus struct {
	logger  *observability.Logger
	metrics *observability.Metrics
	conn    *nats.Conn
}

// NewNatsBus connects to the NATS server at url. The connection retries
// forever with backoff so a broker restart does not kill the worker.
func NewNatsBus(url string, logger *observability.Logger, metrics *observability.Metrics) (*NatsBus, error) {
	conn, err := nats.Connect(url,
		nats.Name("hookline"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn(context.Background(), "nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(context.Background(), "nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: nats connect: %w", err)
	}
	return &NatsBus{logger: logger, metrics: metrics, conn: conn}, nil
}

func (b *NatsBus) Publish(ctx context.Context, topic string, ev *models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	if err := b.conn.Publish(subjectFor(topic), data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", topic, err)
	}
	return nil
}

func (b *NatsBus) Subscribe(topic string, h Handler) (func(), error) {
	if topic == "" {
		return nil, fmt.Errorf("bus: empty topic")
	}
	sub, err := b.conn.Subscribe(subjectFor(topic), func(msg *nats.Msg) {
		var ev models.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.metrics.EventsDropped.WithLabelValues("bus", observability.DropUnrouted).Inc()
			b.logger.Warn(context.Background(), "dropping undecodable bus message", "subject", msg.Subject, "error", err)
			return
		}
		b.invoke(strings.TrimPrefix(msg.Subject, subjectPrefix), &ev, h)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", topic, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn(context.Background(), "unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}, nil
}

func (b *NatsBus) invoke(topic string, ev *models.Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(context.Background(), "event handler panicked", "topic", topic, "panic", fmt.Sprint(r))
		}
	}()
	h(context.Background(), topic, ev)
}

// Close flushes pending publishes before dropping the connection.
func (b *NatsBus) Close() error {
	if err := b.conn.Drain(); err != nil {
		return fmt.Errorf("bus: drain: %w", err)
	}
	return nil
}

func subjectFor(topic string) string {
	if topic == Wildcard {
		return subjectPrefix[:len(subjectPrefix)-1] + ".>"
	}
	return subjectPrefix + topic
}
