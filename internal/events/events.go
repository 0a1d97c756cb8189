// Package events defines the typed JSON envelopes that travel over the
// JetStream pipeline and the strict codec that parses them.
//
// Three event kinds flow through the stream:
//
//	message.created   — published by the API ingress on messages.{org_id}
//	message.embedded  — published by the embedder on embeddings.{org_id}
//	message.clustered — published by the clusterer on clusters.{org_id}
//
// Parsing is strict: unknown fields, missing required fields, an embedding
// whose length disagrees with embedding_dim, or an out-of-range confidence
// all fail with *MalformedEventError. Consumers Term() such messages so they
// are never redelivered.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	TypeMessageCreated   = "message.created"
	TypeMessageEmbedded  = "message.embedded"
	TypeMessageClustered = "message.clustered"

	// Version is the current event_version for all event kinds.
	Version = 1
)

// MessagePayload is the immutable message body carried by message.created and
// copied through verbatim by message.embedded so downstream consumers never
// need a join to see the full context.
type MessagePayload struct {
	MessageID  uuid.UUID      `json:"message_id"`
	UserID     string         `json:"user_id"`
	Ts         time.Time      `json:"ts"`
	SourceType string         `json:"source_type"`
	Text       string         `json:"text"`
	Metadata   map[string]any `json:"metadata"`
}

// MessageCreatedEvent is emitted by the ingress endpoint.
type MessageCreatedEvent struct {
	EventType    string         `json:"event_type"`
	EventVersion int            `json:"event_version"`
	EventID      uuid.UUID      `json:"event_id"`
	OrgID        string         `json:"org_id"`
	Message      MessagePayload `json:"message"`
}

// MessageEmbeddedEvent is emitted by the embedder worker.
type MessageEmbeddedEvent struct {
	EventType    string         `json:"event_type"`
	EventVersion int            `json:"event_version"`
	EventID      uuid.UUID      `json:"event_id"`
	OrgID        string         `json:"org_id"`
	Message      MessagePayload `json:"message"`
	ModelVersion string         `json:"model_version"`
	EmbeddingDim int            `json:"embedding_dim"`
	Embedding    []float32      `json:"embedding"`
	CreatedAt    time.Time      `json:"created_at"`
}

// MessageClusteredEvent is emitted by the clusterer worker. It carries only
// the identifiers needed downstream, not the full payload.
type MessageClusteredEvent struct {
	EventType    string    `json:"event_type"`
	EventVersion int       `json:"event_version"`
	EventID      uuid.UUID `json:"event_id"`
	OrgID        string    `json:"org_id"`
	MessageID    uuid.UUID `json:"message_id"`
	UserID       string    `json:"user_id"`
	Ts           time.Time `json:"ts"`
	ModelVersion string    `json:"model_version"`
	ClusterID    uuid.UUID `json:"cluster_id"`
	Confidence   float64   `json:"confidence"`
	CreatedAt    time.Time `json:"created_at"`
}

// MalformedEventError marks an event that can never be processed: bad JSON,
// unknown or missing fields, or values outside their contract. Consumers
// treat it as a poison pill and terminate the delivery instead of NAKing.
type MalformedEventError struct{ msg string }

func (e *MalformedEventError) Error() string { return "malformed event: " + e.msg }

func malformedf(format string, args ...any) *MalformedEventError {
	return &MalformedEventError{msg: fmt.Sprintf(format, args...)}
}

// ToJSON serialises an event for publishing. Field order follows the struct
// definitions, giving a stable canonical form.
func ToJSON(event any) ([]byte, error) {
	b, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return b, nil
}

// strictUnmarshal decodes JSON rejecting unknown fields and trailing garbage.
func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after event body")
	}
	return nil
}

// ParseMessageCreated parses and validates a message.created envelope.
func ParseMessageCreated(data []byte) (*MessageCreatedEvent, error) {
	var e MessageCreatedEvent
	if err := strictUnmarshal(data, &e); err != nil {
		return nil, malformedf("message.created: %v", err)
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// ParseMessageEmbedded parses and validates a message.embedded envelope.
func ParseMessageEmbedded(data []byte) (*MessageEmbeddedEvent, error) {
	var e MessageEmbeddedEvent
	if err := strictUnmarshal(data, &e); err != nil {
		return nil, malformedf("message.embedded: %v", err)
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// ParseMessageClustered parses and validates a message.clustered envelope.
func ParseMessageClustered(data []byte) (*MessageClusteredEvent, error) {
	var e MessageClusteredEvent
	if err := strictUnmarshal(data, &e); err != nil {
		return nil, malformedf("message.clustered: %v", err)
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// ── validation ────────────────────────────────────────────────────────────

func validateEnvelope(eventType, wantType string, version int, eventID uuid.UUID, orgID string) error {
	if eventType != wantType {
		return malformedf("event_type %q, want %q", eventType, wantType)
	}
	if version != Version {
		return malformedf("%s: unsupported event_version %d", wantType, version)
	}
	if eventID == uuid.Nil {
		return malformedf("%s: missing event_id", wantType)
	}
	if orgID == "" {
		return malformedf("%s: missing org_id", wantType)
	}
	return nil
}

func (p *MessagePayload) validate(kind string) error {
	if p.MessageID == uuid.Nil {
		return malformedf("%s: missing message.message_id", kind)
	}
	if p.UserID == "" {
		return malformedf("%s: missing message.user_id", kind)
	}
	if p.Ts.IsZero() {
		return malformedf("%s: missing message.ts", kind)
	}
	if p.SourceType == "" {
		return malformedf("%s: missing message.source_type", kind)
	}
	if p.Text == "" {
		return malformedf("%s: missing message.text", kind)
	}
	return nil
}

func (e *MessageCreatedEvent) validate() error {
	if err := validateEnvelope(e.EventType, TypeMessageCreated, e.EventVersion, e.EventID, e.OrgID); err != nil {
		return err
	}
	return e.Message.validate(TypeMessageCreated)
}

func (e *MessageEmbeddedEvent) validate() error {
	if err := validateEnvelope(e.EventType, TypeMessageEmbedded, e.EventVersion, e.EventID, e.OrgID); err != nil {
		return err
	}
	if err := e.Message.validate(TypeMessageEmbedded); err != nil {
		return err
	}
	if e.ModelVersion == "" {
		return malformedf("message.embedded: missing model_version")
	}
	if e.EmbeddingDim <= 0 {
		return malformedf("message.embedded: embedding_dim must be positive, got %d", e.EmbeddingDim)
	}
	if len(e.Embedding) != e.EmbeddingDim {
		return malformedf("message.embedded: embedding length %d does not match embedding_dim %d",
			len(e.Embedding), e.EmbeddingDim)
	}
	if e.CreatedAt.IsZero() {
		return malformedf("message.embedded: missing created_at")
	}
	return nil
}

func (e *MessageClusteredEvent) validate() error {
	if err := validateEnvelope(e.EventType, TypeMessageClustered, e.EventVersion, e.EventID, e.OrgID); err != nil {
		return err
	}
	if e.MessageID == uuid.Nil {
		return malformedf("message.clustered: missing message_id")
	}
	if e.UserID == "" {
		return malformedf("message.clustered: missing user_id")
	}
	if e.Ts.IsZero() {
		return malformedf("message.clustered: missing ts")
	}
	if e.ModelVersion == "" {
		return malformedf("message.clustered: missing model_version")
	}
	if e.ClusterID == uuid.Nil {
		return malformedf("message.clustered: missing cluster_id")
	}
	// Confidence is clamped to [-1, 1] before persisting; anything outside
	// that band indicates a producer bug, not numeric noise.
	if e.Confidence < -1.0 || e.Confidence > 1.0 {
		return malformedf("message.clustered: confidence %g out of range [-1, 1]", e.Confidence)
	}
	if e.CreatedAt.IsZero() {
		return malformedf("message.clustered: missing created_at")
	}
	return nil
}
