package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgvector/pgvector-go"
)

const getLatestAssignment = `
SELECT org_id, message_id, cluster_id, confidence, assigned_at
FROM message_cluster
WHERE org_id = $1
  AND message_id = $2
ORDER BY assigned_at DESC
LIMIT 1
`

type GetLatestAssignmentParams struct {
	OrgID     string
	MessageID pgtype.UUID
}

// GetLatestAssignment returns the most recent cluster assignment for a
// message, or pgx.ErrNoRows when the message was never clustered. This is
// the clusterer's idempotency check.
func (q *Queries) GetLatestAssignment(ctx context.Context, arg GetLatestAssignmentParams) (MessageCluster, error) {
	var row MessageCluster
	err := q.db.QueryRow(ctx, getLatestAssignment, arg.OrgID, arg.MessageID).
		Scan(&row.OrgID, &row.MessageID, &row.ClusterID, &row.Confidence, &row.AssignedAt)
	return row, err
}

const nearestActiveCluster = `
SELECT cluster_id,
       (centroid_embedding <=> $3) AS distance,
       centroid_embedding,
       effective_count
FROM clusters
WHERE org_id = $1
  AND model_version = $2
  AND is_active = TRUE
ORDER BY centroid_embedding <=> $3, cluster_id
LIMIT 1
`

type NearestActiveClusterParams struct {
	OrgID        string
	ModelVersion string
	Embedding    pgvector.Vector
}

type NearestActiveClusterRow struct {
	ClusterID      pgtype.UUID
	Distance       float64
	Centroid       pgvector.Vector
	EffectiveCount int32
}

// NearestActiveCluster finds the active cluster with the smallest cosine
// distance to the embedding within (org, model_version). Equal distances
// break by ascending cluster_id so the choice is reproducible. Returns
// pgx.ErrNoRows when the org has no active clusters for this model.
func (q *Queries) NearestActiveCluster(ctx context.Context, arg NearestActiveClusterParams) (NearestActiveClusterRow, error) {
	var row NearestActiveClusterRow
	err := q.db.QueryRow(ctx, nearestActiveCluster, arg.OrgID, arg.ModelVersion, arg.Embedding).
		Scan(&row.ClusterID, &row.Distance, &row.Centroid, &row.EffectiveCount)
	return row, err
}

const createCluster = `
INSERT INTO clusters (
  org_id, cluster_id, model_version, centroid_embedding, label,
  effective_count, last_activity_at, is_active, created_at, updated_at
)
VALUES ($1, $2, $3, $4, NULL, 1, now(), TRUE, now(), now())
RETURNING org_id, cluster_id, model_version, centroid_embedding, label,
  effective_count, last_activity_at, is_active, created_at, updated_at
`

type CreateClusterParams struct {
	OrgID        string
	ClusterID    pgtype.UUID
	ModelVersion string
	Centroid     pgvector.Vector
}

// CreateCluster inserts a fresh active cluster seeded with the embedding as
// its centroid and effective_count 1, returning the row as stored.
func (q *Queries) CreateCluster(ctx context.Context, arg CreateClusterParams) (Cluster, error) {
	var row Cluster
	err := q.db.QueryRow(ctx, createCluster,
		arg.OrgID, arg.ClusterID, arg.ModelVersion, arg.Centroid,
	).Scan(
		&row.OrgID, &row.ClusterID, &row.ModelVersion, &row.CentroidEmbedding, &row.Label,
		&row.EffectiveCount, &row.LastActivityAt, &row.IsActive, &row.CreatedAt, &row.UpdatedAt,
	)
	if err != nil {
		return Cluster{}, fmt.Errorf("create cluster: %w", err)
	}
	return row, nil
}

const updateClusterCentroid = `
UPDATE clusters
SET centroid_embedding = $3,
    effective_count = effective_count + 1,
    last_activity_at = now(),
    updated_at = now()
WHERE org_id = $1
  AND cluster_id = $2
`

type UpdateClusterCentroidParams struct {
	OrgID     string
	ClusterID pgtype.UUID
	Centroid  pgvector.Vector
}

// UpdateClusterCentroid persists the new centroid and bumps the counter.
// The increment happens in place so concurrent updates from parallel workers
// cannot lose a count; the centroid itself is last-writer-wins, with drift
// bounded by the capped-mean update being contractive.
func (q *Queries) UpdateClusterCentroid(ctx context.Context, arg UpdateClusterCentroidParams) error {
	_, err := q.db.Exec(ctx, updateClusterCentroid, arg.OrgID, arg.ClusterID, arg.Centroid)
	if err != nil {
		return fmt.Errorf("update cluster centroid: %w", err)
	}
	return nil
}

const upsertMessageCluster = `
INSERT INTO message_cluster (org_id, message_id, cluster_id, confidence)
VALUES ($1, $2, $3, $4)
ON CONFLICT (org_id, message_id, cluster_id) DO NOTHING
`

type UpsertMessageClusterParams struct {
	OrgID      string
	MessageID  pgtype.UUID
	ClusterID  pgtype.UUID
	Confidence float64
}

// UpsertMessageCluster records the assignment; a redelivered duplicate hits
// the conflict clause and changes nothing.
func (q *Queries) UpsertMessageCluster(ctx context.Context, arg UpsertMessageClusterParams) error {
	_, err := q.db.Exec(ctx, upsertMessageCluster,
		arg.OrgID, arg.MessageID, arg.ClusterID, arg.Confidence,
	)
	if err != nil {
		return fmt.Errorf("upsert message cluster: %w", err)
	}
	return nil
}

const upsertUserCluster = `
INSERT INTO user_cluster (
  org_id, user_id, cluster_id,
  participation_score, message_count,
  last_activity_at, updated_at
)
VALUES ($1, $2, $3, $4, 1, now(), now())
ON CONFLICT (org_id, user_id, cluster_id)
DO UPDATE SET
  participation_score = user_cluster.participation_score + EXCLUDED.participation_score,
  message_count = user_cluster.message_count + 1,
  last_activity_at = now(),
  updated_at = now()
RETURNING org_id, user_id, cluster_id, participation_score, message_count,
  last_activity_at, updated_at
`

type UpsertUserClusterParams struct {
	OrgID      string
	UserID     string
	ClusterID  pgtype.UUID
	Confidence float64
}

// UpsertUserCluster inserts or accumulates a user's participation in a
// cluster: score grows by the assignment confidence, message_count by one.
// The accumulated row is returned.
func (q *Queries) UpsertUserCluster(ctx context.Context, arg UpsertUserClusterParams) (UserCluster, error) {
	var row UserCluster
	err := q.db.QueryRow(ctx, upsertUserCluster,
		arg.OrgID, arg.UserID, arg.ClusterID, arg.Confidence,
	).Scan(
		&row.OrgID, &row.UserID, &row.ClusterID, &row.ParticipationScore,
		&row.MessageCount, &row.LastActivityAt, &row.UpdatedAt,
	)
	if err != nil {
		return UserCluster{}, fmt.Errorf("upsert user cluster: %w", err)
	}
	return row, nil
}
