// Streamguard - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamguard

package events

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/tomtom215/streamguard/internal/logging"
)

// NewNATSPublisher creates a Watermill publisher over NATS JetStream with
// reconnection handling. Message UUIDs double as Nats-Msg-Id so the broker
// deduplicates redelivery.
func NewNATSPublisher(url string) (message.Publisher, error) {
	logger := newWatermillLogger()

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating NATS publisher: %w", err)
	}
	return pub, nil
}

// watermillLogger adapts Watermill's logging to zerolog.
type watermillLogger struct {
	fields watermill.LogFields
}

func newWatermillLogger() watermill.LoggerAdapter {
	return &watermillLogger{}
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.event(logging.Error().Err(err), fields).Msg(msg)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.event(logging.Info(), fields).Msg(msg)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.event(logging.Debug(), fields).Msg(msg)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.event(logging.Debug(), fields).Msg(msg)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{fields: l.fields.Add(fields)}
}

func (l *watermillLogger) event(e *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range l.fields {
		e = e.Interface(k, v)
	}
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	return e
}
