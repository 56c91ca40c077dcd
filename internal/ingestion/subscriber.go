// Package ingestion is the NATS-facing shell of the ledger: it subscribes
// to the broker-facing subjects, parses wire JSON into domain inputs, and
// drives the engine. All validation happens here; the engine only ever sees
// typed, well-formed inputs.
package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Kind classifies an inbound message by its subject family.
type Kind string

const (
	KindFill      Kind = "fill"
	KindQuote     Kind = "quote"
	KindLifecycle Kind = "lifecycle"
	KindCash      Kind = "cash"
)

// RawMessage is one message off a JetStream consumer, ready for the
// dispatcher to parse and apply. Ack after successful processing (including
// deduplicated redelivery); Nak on transient failure so JetStream redelivers.
type RawMessage struct {
	Kind       Kind
	Subject    string
	Data       []byte
	ReceivedAt time.Time
	Ack        func()
	Nak        func()
}

// SubjectConfig binds one subject family to its durable consumer.
type SubjectConfig struct {
	Subject      string
	Kind         Kind
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject layout. Each family gets its
// own stream and durable consumer so fills and quotes scale independently.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "ledger.fills.>", Kind: KindFill, ConsumerName: "optledger-fills", StreamName: "LEDGER_FILLS"},
		{Subject: "ledger.quotes.>", Kind: KindQuote, ConsumerName: "optledger-quotes", StreamName: "LEDGER_QUOTES"},
		{Subject: "ledger.lifecycle.>", Kind: KindLifecycle, ConsumerName: "optledger-lifecycle", StreamName: "LEDGER_LIFECYCLE"},
		{Subject: "ledger.cash.>", Kind: KindCash, ConsumerName: "optledger-cash", StreamName: "LEDGER_CASH"},
	}
}

// Subscriber owns the JetStream consumers and feeds the message channel.
type Subscriber struct {
	js        jetstream.JetStream
	msgChan   chan<- RawMessage
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

func NewSubscriber(js jetstream.JetStream, msgChan chan<- RawMessage, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		js:      js,
		msgChan: msgChan,
		logger:  logger,
	}
}

// Subscribe creates durable JetStream consumers for all configured
// subjects. Explicit ACK with bounded redelivery; the engine's idempotency
// makes redelivered fills harmless.
func (s *Subscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		cfg := cfg
		consumer, err := s.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawMessage{
				Kind:       cfg.Kind,
				Subject:    msg.Subject(),
				Data:       msg.Data(),
				ReceivedAt: time.Now(),
				Ack:        func() { msg.Ack() },
				Nak:        func() { msg.Nak() },
			}

			select {
			case s.msgChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		s.consumers = append(s.consumers, consumeCtx)
		s.logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (s *Subscriber) Stop() {
	for _, cc := range s.consumers {
		cc.Stop()
	}
	s.logger.Info().Msg("NATS consumers stopped")
}

// EnsureStreams creates the JetStream streams if they don't exist.
// FileStorage with a 72h window: long enough to re-feed the engine after an
// extended outage, short enough to bound disk.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "LEDGER_FILLS",
			Subjects:  []string{"ledger.fills.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "LEDGER_QUOTES",
			Subjects:  []string{"ledger.quotes.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "LEDGER_LIFECYCLE",
			Subjects:  []string{"ledger.lifecycle.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "LEDGER_CASH",
			Subjects:  []string{"ledger.cash.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("stream ensured")
	}

	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
