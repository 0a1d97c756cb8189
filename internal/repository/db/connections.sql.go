package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
)

// rankConnections computes, for every active cluster containing the target
// user, each participating user's mean embedding over the messages they
// contributed to that cluster under the cluster's model version, then ranks
// users by cosine distance to the target user's mean in the same cluster.
// The target appears at distance 0; ties break by user_id ascending.
const rankConnections = `
WITH target_clusters AS (
  SELECT uc.cluster_id, c.model_version
  FROM user_cluster uc
  JOIN clusters c
    ON c.org_id = uc.org_id
   AND c.cluster_id = uc.cluster_id
  WHERE uc.org_id = $1
    AND uc.user_id = $2
    AND c.is_active = TRUE
),
user_cluster_vectors AS (
  SELECT
    tc.cluster_id,
    m.user_id,
    AVG(me.embedding)::vector AS user_vec,
    COUNT(*)::bigint AS message_count
  FROM target_clusters tc
  JOIN message_cluster mc
    ON mc.org_id = $1
   AND mc.cluster_id = tc.cluster_id
  JOIN messages m
    ON m.org_id = mc.org_id
   AND m.message_id = mc.message_id
  JOIN message_embeddings me
    ON me.org_id = mc.org_id
   AND me.message_id = mc.message_id
   AND me.model_version = tc.model_version
  GROUP BY tc.cluster_id, m.user_id
),
target_user_vectors AS (
  SELECT cluster_id, user_vec AS target_vec
  FROM user_cluster_vectors
  WHERE user_id = $2
)
SELECT
  ucv.cluster_id,
  ucv.user_id,
  (ucv.user_vec <=> tuv.target_vec) AS distance,
  ucv.message_count
FROM user_cluster_vectors ucv
JOIN target_user_vectors tuv
  ON tuv.cluster_id = ucv.cluster_id
ORDER BY ucv.cluster_id, distance ASC, ucv.user_id ASC
`

type RankConnectionsParams struct {
	OrgID  string
	UserID string
}

type RankConnectionsRow struct {
	ClusterID    pgtype.UUID
	UserID       string
	Distance     float64
	MessageCount int64
}

// RankConnections returns the flattened per-cluster ranking, ordered by
// cluster then distance. Clusters where the target user has no messages
// contribute no rows.
func (q *Queries) RankConnections(ctx context.Context, arg RankConnectionsParams) ([]RankConnectionsRow, error) {
	rows, err := q.db.Query(ctx, rankConnections, arg.OrgID, arg.UserID)
	if err != nil {
		return nil, fmt.Errorf("rank connections: %w", err)
	}
	defer rows.Close()

	var out []RankConnectionsRow
	for rows.Next() {
		var r RankConnectionsRow
		if err := rows.Scan(&r.ClusterID, &r.UserID, &r.Distance, &r.MessageCount); err != nil {
			return nil, fmt.Errorf("rank connections: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
