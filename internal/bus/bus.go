// Package bus moves ingested events from the front ends that accept them to
// the workers that dispatch them into rooms. Two implementations share one
// contract: an in-process bus for single-worker deployments and a NATS bus
// for a fleet. Delivery is at-most-once on both; idempotency lives in the
// storage layer, not here.
package bus

import (
	"context"

	"github.com/hookline/hookline/pkg/models"
)

// Handler consumes one event for one topic. Handlers must not retain the
// event past the call.
type Handler func(ctx context.Context, topic string, ev *models.Event)

// Wildcard subscribes a handler to every topic on the bus.
const Wildcard = "*"

// Bus is the event transport contract. Publish never blocks on slow
// consumers and an event with no subscriber is dropped, not queued.
type Bus interface {
	Publish(ctx context.Context, topic string, ev *models.Event) error

	// Subscribe registers a handler for a topic, or for every topic when
	// the topic is Wildcard. The returned function removes the
	// subscription.
	Subscribe(topic string, h Handler) (func(), error)

	Close() error
}
