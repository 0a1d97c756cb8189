// Package consumer contains the JetStream consumers that drive the pipeline:
// the embedder (messages.> → embeddings.{org}) and the clusterer
// (embeddings.> → clusters.{org}).
//
// Both follow the same delivery discipline:
//   - Ack() only after the outbound side effects are durable.
//   - Term() poison pills (malformed events) so they are never redelivered.
//   - Nak() transient failures (backend down, DB down, publish failure) so
//     JetStream redelivers after the ack wait, bounded by max_deliver.
package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jtownson/network-builder/internal/embed"
	"github.com/jtownson/network-builder/internal/events"
	"github.com/jtownson/network-builder/internal/natsclient"
	db "github.com/jtownson/network-builder/internal/repository/db"
)

// EmbedderConsumer turns message.created events into message.embedded events
// on durable embedder_v1 (push delivery). The original message payload is
// copied through so the clusterer never needs a join to see full context.
type EmbedderConsumer struct {
	nats     *natsclient.Client
	provider embed.Provider
	// querier is nil unless EMBED_PERSIST_TO_DB is on; when set, the message
	// row and its embedding are written before the event is published, which
	// is what makes the connections query answerable later.
	querier db.Querier
	stream  string
	logger  *zap.Logger
	tracer  trace.Tracer

	sub *nats.Subscription
}

// NewEmbedderConsumer constructs an EmbedderConsumer. Pass a nil querier to
// disable persistence.
func NewEmbedderConsumer(n *natsclient.Client, p embed.Provider, q db.Querier, stream string, l *zap.Logger) *EmbedderConsumer {
	return &EmbedderConsumer{
		nats:     n,
		provider: p,
		querier:  q,
		stream:   stream,
		logger:   l,
		tracer:   otel.Tracer("embedder-consumer"),
	}
}

// Start binds the push subscription to the pre-provisioned embedder_v1
// durable and returns immediately. The subscription drains when ctx ends.
func (c *EmbedderConsumer) Start(ctx context.Context) error {
	opts := append(
		natsclient.ConsumerSubOpts(c.stream, natsclient.DurableEmbedder),
		nats.DeliverSubject("deliver.embedder."+natsclient.DurableEmbedder),
	)
	sub, err := c.nats.JS.Subscribe(
		natsclient.SubjectPrefixMessages+".>",
		func(msg *nats.Msg) { c.processMessage(ctx, msg) },
		opts...,
	)
	if err != nil {
		return fmt.Errorf("embedder consumer: Subscribe: %w", err)
	}
	c.sub = sub

	c.logger.Info("embedder consumer initialised",
		zap.String("stream", c.stream),
		zap.String("durable", natsclient.DurableEmbedder),
		zap.String("model_version", c.provider.ModelVersion()),
		zap.Bool("persist", c.querier != nil),
	)

	go func() {
		<-ctx.Done()
		c.logger.Info("embedder consumer stopping")
		if err := sub.Drain(); err != nil {
			c.logger.Warn("embedder subscription drain failed", zap.Error(err))
		}
	}()
	return nil
}

// processMessage handles one delivery: build the embedded event, publish it,
// then ack. Ack is withheld until the publish succeeded.
func (c *EmbedderConsumer) processMessage(ctx context.Context, msg *nats.Msg) {
	embedded, err := c.buildEmbedded(ctx, msg.Data)
	if err != nil {
		if isPoisonPill(err) {
			c.logger.Warn("terminating unprocessable message.created event", zap.Error(err))
			msg.Term()
			return
		}
		c.logger.Error("NAK message.created event (transient error)", zap.Error(err))
		msg.Nak()
		return
	}

	payload, err := events.ToJSON(embedded)
	if err != nil {
		c.logger.Error("NAK message.created event (serialize)", zap.Error(err))
		msg.Nak()
		return
	}
	subject := natsclient.EmbeddingsSubject(embedded.OrgID)
	if _, err := c.nats.JS.Publish(subject, payload); err != nil {
		c.logger.Error("NAK message.created event (publish failed)",
			zap.String("subject", subject), zap.Error(err))
		msg.Nak()
		return
	}

	msg.Ack()
	c.logger.Info("embedded message",
		zap.String("org_id", embedded.OrgID),
		zap.String("message_id", embedded.Message.MessageID.String()),
		zap.String("subject", subject),
	)
}

// buildEmbedded parses the inbound event, computes the embedding, optionally
// persists the message and its vector, and returns the outbound event. It has
// no NATS dependency so it is unit-testable.
func (c *EmbedderConsumer) buildEmbedded(ctx context.Context, data []byte) (*events.MessageEmbeddedEvent, error) {
	created, err := events.ParseMessageCreated(data)
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "embedder.embed")
	defer span.End()

	vec, err := c.provider.Embed(ctx, created.OrgID, created.Message.MessageID.String(), created.Message.Text)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("embed backend: %w", err)
	}

	if c.querier != nil {
		if err := c.persist(ctx, created, vec); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	return &events.MessageEmbeddedEvent{
		EventType:    events.TypeMessageEmbedded,
		EventVersion: events.Version,
		EventID:      uuid.New(),
		OrgID:        created.OrgID,
		Message:      created.Message,
		ModelVersion: c.provider.ModelVersion(),
		EmbeddingDim: c.provider.Dim(),
		Embedding:    vec,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// persist writes the message row and its embedding. Both statements are
// idempotent inserts, so a redelivery after a partial failure completes the
// remainder without duplicating anything.
func (c *EmbedderConsumer) persist(ctx context.Context, created *events.MessageCreatedEvent, vec []float32) error {
	metadata, err := marshalMetadata(created.Message.Metadata)
	if err != nil {
		return err
	}
	if err := c.querier.InsertMessage(ctx, db.InsertMessageParams{
		OrgID:      created.OrgID,
		MessageID:  db.UUIDFrom(created.Message.MessageID),
		UserID:     created.Message.UserID,
		Ts:         pgtype.Timestamptz{Time: created.Message.Ts, Valid: true},
		SourceType: created.Message.SourceType,
		Text:       created.Message.Text,
		Metadata:   metadata,
	}); err != nil {
		return err
	}
	return c.querier.UpsertMessageEmbedding(ctx, db.UpsertMessageEmbeddingParams{
		OrgID:        created.OrgID,
		MessageID:    db.UUIDFrom(created.Message.MessageID),
		ModelVersion: c.provider.ModelVersion(),
		Embedding:    newVector(vec),
	})
}
