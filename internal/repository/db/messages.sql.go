package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgvector/pgvector-go"
)

const insertMessage = `
INSERT INTO messages (org_id, message_id, user_id, ts, source_type, text, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (org_id, message_id) DO NOTHING
`

type InsertMessageParams struct {
	OrgID      string
	MessageID  pgtype.UUID
	UserID     string
	Ts         pgtype.Timestamptz
	SourceType string
	Text       string
	Metadata   []byte
}

// InsertMessage stores an ingested message. Messages are append-only;
// redelivered events hit the conflict clause and change nothing.
func (q *Queries) InsertMessage(ctx context.Context, arg InsertMessageParams) error {
	_, err := q.db.Exec(ctx, insertMessage,
		arg.OrgID, arg.MessageID, arg.UserID, arg.Ts, arg.SourceType, arg.Text, arg.Metadata,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

const upsertMessageEmbedding = `
INSERT INTO message_embeddings (org_id, message_id, model_version, embedding)
VALUES ($1, $2, $3, $4)
ON CONFLICT (org_id, message_id, model_version) DO NOTHING
`

type UpsertMessageEmbeddingParams struct {
	OrgID        string
	MessageID    pgtype.UUID
	ModelVersion string
	Embedding    pgvector.Vector
}

// UpsertMessageEmbedding stores the vector for a message under one model
// version; duplicates are ignored.
func (q *Queries) UpsertMessageEmbedding(ctx context.Context, arg UpsertMessageEmbeddingParams) error {
	_, err := q.db.Exec(ctx, upsertMessageEmbedding,
		arg.OrgID, arg.MessageID, arg.ModelVersion, arg.Embedding,
	)
	if err != nil {
		return fmt.Errorf("upsert message embedding: %w", err)
	}
	return nil
}
