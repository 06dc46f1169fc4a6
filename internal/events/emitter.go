// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

// Package events emits engine events (session lifecycle, violations, server
// health, trust score changes) to the notification channel over Watermill.
// Emission is fire-and-forget: delivery failures are logged and never block
// or fail the producing operation.
package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/streamguard/internal/logging"
)

// Emitter publishes engine events. Implementations must be safe for
// concurrent use and must never block the caller on delivery.
type Emitter interface {
	// Emit publishes an event of the given type. The payload is marshaled to
	// JSON. Failures are logged, not returned.
	Emit(ctx context.Context, eventType string, payload any)

	Close() error
}

// NopEmitter discards all events.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, string, any) {}
func (NopEmitter) Close() error                      { return nil }

// PublisherEmitter emits events through a Watermill publisher. The topic is
// the configured prefix joined to the event type, e.g.
// "streamguard.violation.created".
type PublisherEmitter struct {
	publisher   message.Publisher
	topicPrefix string
}

// NewPublisherEmitter wraps a Watermill publisher.
func NewPublisherEmitter(publisher message.Publisher, topicPrefix string) *PublisherEmitter {
	return &PublisherEmitter{publisher: publisher, topicPrefix: topicPrefix}
}

func (e *PublisherEmitter) Emit(_ context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error().Err(err).Str("event_type", eventType).Msg("Failed to marshal event payload")
		return
	}

	msg := message.NewMessage(uuid.NewString(), data)
	msg.Metadata.Set("event_type", eventType)

	topic := e.topicPrefix + "." + eventType
	if err := e.publisher.Publish(topic, msg); err != nil {
		logging.Warn().Err(err).Str("topic", topic).Msg("Failed to publish event")
		return
	}

	logging.Debug().Str("topic", topic).Str("message_id", msg.UUID).Msg("Event published")
}

func (e *PublisherEmitter) Close() error {
	return e.publisher.Close()
}
