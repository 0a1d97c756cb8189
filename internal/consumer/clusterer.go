package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jtownson/network-builder/internal/cluster"
	"github.com/jtownson/network-builder/internal/events"
	"github.com/jtownson/network-builder/internal/natsclient"
	db "github.com/jtownson/network-builder/internal/repository/db"
)

// fetchBatch is how many deliveries one Fetch pulls; handlers within a batch
// run sequentially, parallelism comes from running multiple workers.
const fetchBatch = 25

// ClustererParams are the tunables of the online clustering engine.
type ClustererParams struct {
	// DistThreshold is the maximum cosine distance for joining the nearest
	// existing cluster; above it a new cluster is created.
	DistThreshold float64
	// CountCap saturates the effective count in the capped-mean update.
	CountCap int
}

// ClustererConsumer consumes message.embedded events on the clusterer_v1
// pull durable and maintains cluster state in Postgres. All writes for one
// event run inside a single transaction which commits before the outbound
// message.clustered event is published.
type ClustererConsumer struct {
	nats   *natsclient.Client
	pool   *pgxpool.Pool
	stream string
	params ClustererParams
	logger *zap.Logger
	tracer trace.Tracer
}

// NewClustererConsumer constructs a ClustererConsumer.
func NewClustererConsumer(n *natsclient.Client, pool *pgxpool.Pool, stream string, params ClustererParams, l *zap.Logger) *ClustererConsumer {
	return &ClustererConsumer{
		nats:   n,
		pool:   pool,
		stream: stream,
		params: params,
		logger: l,
		tracer: otel.Tracer("clusterer-consumer"),
	}
}

// Start creates a durable pull subscription and launches the processing loop
// in a background goroutine. It returns immediately.
func (c *ClustererConsumer) Start(ctx context.Context) error {
	sub, err := c.nats.JS.PullSubscribe(
		natsclient.SubjectPrefixEmbeddings+".>",
		natsclient.DurableClusterer,
		nats.BindStream(c.stream),
	)
	if err != nil {
		return fmt.Errorf("clusterer consumer: PullSubscribe: %w", err)
	}

	c.logger.Info("clusterer consumer initialised",
		zap.String("stream", c.stream),
		zap.String("durable", natsclient.DurableClusterer),
		zap.Float64("dist_threshold", c.params.DistThreshold),
		zap.Int("count_cap", c.params.CountCap),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("clusterer consumer stopping")
				return
			default:
				msgs, err := sub.Fetch(fetchBatch, nats.Context(ctx))
				if err != nil {
					// Fetch returns nats.ErrTimeout on empty queue — not an error.
					continue
				}
				for _, msg := range msgs {
					c.processMessage(ctx, msg)
				}
			}
		}
	}()
	return nil
}

// processMessage handles one delivery: run the clustering transaction, then
// publish message.clustered, then ack. A publish failure after commit NAKs;
// the redelivery re-enters through the idempotency short-circuit and only
// republishes, so downstream consumers must tolerate duplicate clustered
// events.
func (c *ClustererConsumer) processMessage(ctx context.Context, msg *nats.Msg) {
	clustered, err := c.processEvent(ctx, msg.Data)
	if err != nil {
		if isPoisonPill(err) {
			c.logger.Warn("terminating unprocessable message.embedded event", zap.Error(err))
			msg.Term()
			return
		}
		c.logger.Error("NAK message.embedded event (transient error)", zap.Error(err))
		msg.Nak()
		return
	}

	payload, err := events.ToJSON(clustered)
	if err != nil {
		c.logger.Error("NAK message.embedded event (serialize)", zap.Error(err))
		msg.Nak()
		return
	}
	subject := natsclient.ClustersSubject(clustered.OrgID)
	if _, err := c.nats.JS.Publish(subject, payload); err != nil {
		c.logger.Error("NAK message.embedded event (publish failed)",
			zap.String("subject", subject), zap.Error(err))
		msg.Nak()
		return
	}

	msg.Ack()
	c.logger.Info("clustered message",
		zap.String("org_id", clustered.OrgID),
		zap.String("message_id", clustered.MessageID.String()),
		zap.String("cluster_id", clustered.ClusterID.String()),
		zap.Float64("confidence", clustered.Confidence),
	)
}

// processEvent parses the event, runs the clustering decision inside one
// transaction, and returns the outbound event to publish after commit.
func (c *ClustererConsumer) processEvent(ctx context.Context, data []byte) (*events.MessageClusteredEvent, error) {
	embedded, err := events.ParseMessageEmbedded(data)
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "clusterer.assign")
	defer span.End()

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	clusterID, confidence, err := c.assign(ctx, db.New(tx), embedded)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &events.MessageClusteredEvent{
		EventType:    events.TypeMessageClustered,
		EventVersion: events.Version,
		EventID:      uuid.New(),
		OrgID:        embedded.OrgID,
		MessageID:    embedded.Message.MessageID,
		UserID:       embedded.Message.UserID,
		Ts:           embedded.Message.Ts,
		ModelVersion: embedded.ModelVersion,
		ClusterID:    clusterID,
		Confidence:   confidence,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// assign runs the clustering decision against the transaction-scoped
// querier:
//
//	A. If the message already has an assignment, adopt it and touch nothing
//	   (idempotency under at-least-once delivery).
//	B. Otherwise find the nearest active cluster for (org, model_version).
//	C. Join it when within the distance threshold, updating the centroid
//	   with the capped-mean rule; create a fresh cluster otherwise. Then
//	   record the assignment and the user's participation.
func (c *ClustererConsumer) assign(ctx context.Context, q db.Querier, embedded *events.MessageEmbeddedEvent) (uuid.UUID, float64, error) {
	orgID := embedded.OrgID
	messageID := db.UUIDFrom(embedded.Message.MessageID)

	existing, err := q.GetLatestAssignment(ctx, db.GetLatestAssignmentParams{
		OrgID:     orgID,
		MessageID: messageID,
	})
	if err == nil {
		return db.ToUUID(existing.ClusterID), existing.Confidence, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, 0, fmt.Errorf("get latest assignment: %w", err)
	}

	embedding := cluster.L2Normalize(embedded.Embedding)

	var (
		clusterID  pgtype.UUID
		confidence float64
	)

	nearest, err := q.NearestActiveCluster(ctx, db.NearestActiveClusterParams{
		OrgID:        orgID,
		ModelVersion: embedded.ModelVersion,
		Embedding:    newVector(embedding),
	})
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		created, cerr := c.createCluster(ctx, q, orgID, embedded.ModelVersion, embedding)
		if cerr != nil {
			return uuid.Nil, 0, cerr
		}
		clusterID, confidence = created.ClusterID, 1.0
	case err != nil:
		return uuid.Nil, 0, fmt.Errorf("nearest active cluster: %w", err)
	case nearest.Distance > c.params.DistThreshold:
		created, cerr := c.createCluster(ctx, q, orgID, embedded.ModelVersion, embedding)
		if cerr != nil {
			return uuid.Nil, 0, cerr
		}
		clusterID, confidence = created.ClusterID, 1.0
	default:
		confidence = cluster.SimilarityFromDistance(nearest.Distance)
		newCentroid := cluster.CappedMean(
			nearest.Centroid.Slice(), embedding,
			int(nearest.EffectiveCount), c.params.CountCap,
		)
		if err := q.UpdateClusterCentroid(ctx, db.UpdateClusterCentroidParams{
			OrgID:     orgID,
			ClusterID: nearest.ClusterID,
			Centroid:  newVector(newCentroid),
		}); err != nil {
			return uuid.Nil, 0, err
		}
		clusterID = nearest.ClusterID
	}

	if err := q.UpsertMessageCluster(ctx, db.UpsertMessageClusterParams{
		OrgID:      orgID,
		MessageID:  messageID,
		ClusterID:  clusterID,
		Confidence: confidence,
	}); err != nil {
		return uuid.Nil, 0, err
	}
	if _, err := q.UpsertUserCluster(ctx, db.UpsertUserClusterParams{
		OrgID:      orgID,
		UserID:     embedded.Message.UserID,
		ClusterID:  clusterID,
		Confidence: confidence,
	}); err != nil {
		return uuid.Nil, 0, err
	}

	return db.ToUUID(clusterID), confidence, nil
}

// createCluster mints a new cluster id and inserts the cluster seeded with
// the embedding as its centroid.
func (c *ClustererConsumer) createCluster(ctx context.Context, q db.Querier, orgID, modelVersion string, embedding []float32) (db.Cluster, error) {
	id, _ := uuid.NewV7()
	created, err := q.CreateCluster(ctx, db.CreateClusterParams{
		OrgID:        orgID,
		ClusterID:    db.UUIDFrom(id),
		ModelVersion: modelVersion,
		Centroid:     newVector(embedding),
	})
	if err != nil {
		return db.Cluster{}, err
	}
	return created, nil
}
