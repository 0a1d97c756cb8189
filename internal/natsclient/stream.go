package natsclient

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subject prefixes for the three pipeline stages. The org id is the last
// token, so a single stream captures every tenant under three wildcards.
const (
	SubjectPrefixMessages   = "messages"
	SubjectPrefixEmbeddings = "embeddings"
	SubjectPrefixClusters   = "clusters"
)

// Durable consumer names. One per worker role; all replicas of a role share
// the name, giving competing-consumer semantics.
const (
	DurableAPIMessages = "api_messages_v1"
	DurableEmbedder    = "embedder_v1"
	DurableClusterer   = "clusterer_v1"
)

const (
	// consumerAckWait is the redelivery lease: a delivery not acked within
	// this window goes back on the queue.
	consumerAckWait = 30 * time.Second
	// consumerMaxDeliver bounds retry loops for messages that keep failing.
	// After this many attempts JetStream drops the message; the drop is
	// surfaced as a log line, not persisted.
	consumerMaxDeliver = 5

	consumerMaxAckPending = 10_000
)

// MessagesSubject returns the ingress subject for an org.
func MessagesSubject(orgID string) string { return SubjectPrefixMessages + "." + orgID }

// EmbeddingsSubject returns the embedded-message subject for an org.
func EmbeddingsSubject(orgID string) string { return SubjectPrefixEmbeddings + "." + orgID }

// ClustersSubject returns the clustered-message subject for an org.
func ClustersSubject(orgID string) string { return SubjectPrefixClusters + "." + orgID }

// DefaultSubjects is the wildcard set the pipeline stream must capture.
func DefaultSubjects() []string {
	return []string{
		SubjectPrefixMessages + ".>",
		SubjectPrefixEmbeddings + ".>",
		SubjectPrefixClusters + ".>",
	}
}

// ProvisionStream idempotently creates the pipeline stream: file storage,
// limits retention with no age or size cap, single replica. If the stream
// already exists its config is updated in place rather than skipped, so
// subject-set changes roll out without manual intervention.
func (c *Client) ProvisionStream(name string, subjects []string) error {
	cfg := &nats.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxMsgs:   -1,
		MaxBytes:  -1,
		MaxAge:    0,
		Replicas:  1,
	}

	_, err := c.JS.AddStream(cfg)
	if err == nil {
		c.Log.Info("NATS stream provisioned", zap.String("stream", name), zap.Strings("subjects", subjects))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream %s: %w", name, err)
	}

	if _, err := c.JS.UpdateStream(cfg); err != nil {
		return fmt.Errorf("failed to update stream %s: %w", name, err)
	}
	c.Log.Info("NATS stream updated", zap.String("stream", name))
	return nil
}

// consumerSpec describes one durable consumer of the pipeline stream.
type consumerSpec struct {
	durable        string
	filterSubject  string
	deliverSubject string // empty for pull consumers
}

func pipelineConsumers() []consumerSpec {
	return []consumerSpec{
		{durable: DurableAPIMessages, filterSubject: SubjectPrefixMessages + ".>"},
		{durable: DurableEmbedder, filterSubject: SubjectPrefixMessages + ".>",
			deliverSubject: "deliver.embedder." + DurableEmbedder},
		{durable: DurableClusterer, filterSubject: SubjectPrefixEmbeddings + ".>"},
	}
}

// EnsureConsumers idempotently creates the three durable consumers on the
// given stream: the ingress audit cursor, the embedder push consumer, and the
// clusterer pull consumer. Existing consumers are left untouched.
func (c *Client) EnsureConsumers(stream string) error {
	for _, spec := range pipelineConsumers() {
		if _, err := c.JS.ConsumerInfo(stream, spec.durable); err == nil {
			c.Log.Info("NATS consumer exists",
				zap.String("stream", stream), zap.String("durable", spec.durable))
			continue
		} else if !errors.Is(err, nats.ErrConsumerNotFound) {
			return fmt.Errorf("failed to check consumer %s: %w", spec.durable, err)
		}

		cfg := &nats.ConsumerConfig{
			Durable:        spec.durable,
			FilterSubject:  spec.filterSubject,
			DeliverSubject: spec.deliverSubject,
			DeliverPolicy:  nats.DeliverAllPolicy,
			AckPolicy:      nats.AckExplicitPolicy,
			AckWait:        consumerAckWait,
			MaxDeliver:     consumerMaxDeliver,
			MaxAckPending:  consumerMaxAckPending,
		}
		if _, err := c.JS.AddConsumer(stream, cfg); err != nil {
			return fmt.Errorf("failed to create consumer %s: %w", spec.durable, err)
		}
		c.Log.Info("NATS consumer created",
			zap.String("stream", stream),
			zap.String("durable", spec.durable),
			zap.String("filter", spec.filterSubject),
		)
	}
	return nil
}

// ConsumerSubOpts returns the standard subscription options for a durable on
// this stream: manual ack with the same lease and delivery cap the consumer
// was provisioned with.
func ConsumerSubOpts(stream, durable string) []nats.SubOpt {
	return []nats.SubOpt{
		nats.Durable(durable),
		nats.BindStream(stream),
		nats.ManualAck(),
		nats.AckWait(consumerAckWait),
		nats.MaxDeliver(consumerMaxDeliver),
	}
}
