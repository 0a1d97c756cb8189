// Package service holds the business logic behind the HTTP surface: message
// ingestion (validate + publish) and the connections ranking query.
package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/jtownson/network-builder/internal/events"
	"github.com/jtownson/network-builder/internal/natsclient"
)

// ValidationError marks a rejected ingest request; handlers map it to 400.
type ValidationError struct{ msg string }

func (e *ValidationError) Error() string { return e.msg }

func invalidf(format string, args ...any) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// IngestRequest is the body of POST /v1/orgs/{org_id}/messages. MessageID is
// optional; a server-generated UUID is used when it is absent.
type IngestRequest struct {
	MessageID  string         `json:"message_id,omitempty"`
	UserID     string         `json:"user_id"`
	Ts         time.Time      `json:"ts"`
	SourceType string         `json:"source_type"`
	Text       string         `json:"text"`
	Metadata   map[string]any `json:"metadata"`
}

// IngestAck is the 202 response body. Stream and Seq come from the broker's
// publish acknowledgement; durability starts there, no DB write happens on
// this path.
type IngestAck struct {
	Status    string    `json:"status"`
	EventID   uuid.UUID `json:"event_id"`
	OrgID     string    `json:"org_id"`
	MessageID uuid.UUID `json:"message_id"`
	Subject   string    `json:"subject"`
	Stream    string    `json:"stream"`
	Seq       uint64    `json:"seq"`
}

// jetStreamPublisher is the slice of nats.JetStreamContext the ingest path
// needs; tests substitute a fake.
type jetStreamPublisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// IngestService validates ingest requests and publishes message.created
// events to messages.{org_id}.
type IngestService struct {
	js     jetStreamPublisher
	logger *zap.Logger
}

// NewIngestService constructs an IngestService over a JetStream context.
func NewIngestService(js nats.JetStreamContext, logger *zap.Logger) *IngestService {
	return &IngestService{js: js, logger: logger}
}

// Ingest validates the request, builds a message.created event and publishes
// it. A *ValidationError means the request was rejected; any other error is a
// broker failure and the caller should answer 503.
func (s *IngestService) Ingest(orgID string, req *IngestRequest) (*IngestAck, error) {
	if orgID == "" {
		return nil, invalidf("org_id is required")
	}
	if req.UserID == "" {
		return nil, invalidf("user_id is required")
	}
	if req.Ts.IsZero() {
		return nil, invalidf("ts is required")
	}
	if req.SourceType == "" {
		return nil, invalidf("source_type is required")
	}
	if req.Text == "" {
		return nil, invalidf("text is required")
	}

	messageID, err := resolveMessageID(req.MessageID)
	if err != nil {
		return nil, err
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	event := &events.MessageCreatedEvent{
		EventType:    events.TypeMessageCreated,
		EventVersion: events.Version,
		EventID:      uuid.New(),
		OrgID:        orgID,
		Message: events.MessagePayload{
			MessageID:  messageID,
			UserID:     req.UserID,
			Ts:         req.Ts.UTC(),
			SourceType: req.SourceType,
			Text:       req.Text,
			Metadata:   metadata,
		},
	}

	payload, err := events.ToJSON(event)
	if err != nil {
		return nil, err
	}

	subject := natsclient.MessagesSubject(orgID)
	ack, err := s.js.Publish(subject, payload)
	if err != nil {
		return nil, fmt.Errorf("publish %s: %w", subject, err)
	}

	s.logger.Info("accepted message",
		zap.String("org_id", orgID),
		zap.String("message_id", messageID.String()),
		zap.String("subject", subject),
		zap.Uint64("seq", ack.Sequence),
	)

	return &IngestAck{
		Status:    "accepted",
		EventID:   event.EventID,
		OrgID:     orgID,
		MessageID: messageID,
		Subject:   subject,
		Stream:    ack.Stream,
		Seq:       ack.Sequence,
	}, nil
}

func resolveMessageID(raw string) (uuid.UUID, error) {
	if raw == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return uuid.Nil, fmt.Errorf("mint message_id: %w", err)
		}
		return id, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, invalidf("message_id is not a valid uuid: %v", err)
	}
	return id, nil
}
