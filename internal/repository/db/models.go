package db

import (
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgvector/pgvector-go"
)

// Cluster is a semantic cluster scoped to one (org, model_version). The
// centroid is kept L2-normalized by the clusterer.
type Cluster struct {
	OrgID             string             `json:"org_id"`
	ClusterID         pgtype.UUID        `json:"cluster_id"`
	ModelVersion      string             `json:"model_version"`
	CentroidEmbedding pgvector.Vector    `json:"centroid_embedding"`
	EffectiveCount    int32              `json:"effective_count"`
	Label             pgtype.Text        `json:"label"`
	IsActive          bool               `json:"is_active"`
	LastActivityAt    pgtype.Timestamptz `json:"last_activity_at"`
	CreatedAt         pgtype.Timestamptz `json:"created_at"`
	UpdatedAt         pgtype.Timestamptz `json:"updated_at"`
}

// MessageCluster assigns a message to a cluster with a confidence score.
// Unique per (org_id, message_id, cluster_id).
type MessageCluster struct {
	OrgID      string             `json:"org_id"`
	MessageID  pgtype.UUID        `json:"message_id"`
	ClusterID  pgtype.UUID        `json:"cluster_id"`
	Confidence float64            `json:"confidence"`
	AssignedAt pgtype.Timestamptz `json:"assigned_at"`
}

// UserCluster tracks a user's participation in a cluster. Unique per
// (org_id, user_id, cluster_id).
type UserCluster struct {
	OrgID              string             `json:"org_id"`
	UserID             string             `json:"user_id"`
	ClusterID          pgtype.UUID        `json:"cluster_id"`
	ParticipationScore float64            `json:"participation_score"`
	MessageCount       int64              `json:"message_count"`
	LastActivityAt     pgtype.Timestamptz `json:"last_activity_at"`
	UpdatedAt          pgtype.Timestamptz `json:"updated_at"`
}
