package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	db "github.com/jtownson/network-builder/internal/repository/db"
)

// ConnectionUser is one ranked participant inside a centroid group.
type ConnectionUser struct {
	UserID       string  `json:"user_id"`
	Distance     float64 `json:"distance"`
	MessageCount int64   `json:"message_count"`
}

// Centroid groups the ranked users of one cluster the target belongs to.
type Centroid struct {
	ClusterID uuid.UUID        `json:"cluster_id"`
	Users     []ConnectionUser `json:"users"`
}

// ConnectionsResponse is the body of
// GET /v1/orgs/{org_id}/users/{user_id}/connections.
type ConnectionsResponse struct {
	OrgID     string     `json:"org_id"`
	UserID    string     `json:"user_id"`
	Centroids []Centroid `json:"centroids"`
}

// ConnectionsService answers the connections ranking query from persisted
// message embeddings.
type ConnectionsService struct {
	querier db.Querier
	logger  *zap.Logger
}

// NewConnectionsService constructs a ConnectionsService.
func NewConnectionsService(querier db.Querier, logger *zap.Logger) *ConnectionsService {
	return &ConnectionsService{querier: querier, logger: logger}
}

// Connections ranks, for every active cluster the user participates in, all
// participating users by cosine distance between per-user mean embeddings.
// A user with no clustered messages gets an empty centroids list, not an
// error.
func (s *ConnectionsService) Connections(ctx context.Context, orgID, userID string) (*ConnectionsResponse, error) {
	rows, err := s.querier.RankConnections(ctx, db.RankConnectionsParams{
		OrgID:  orgID,
		UserID: userID,
	})
	if err != nil {
		return nil, fmt.Errorf("rank connections: %w", err)
	}

	resp := &ConnectionsResponse{
		OrgID:     orgID,
		UserID:    userID,
		Centroids: []Centroid{},
	}

	// Rows arrive ordered by cluster_id, then distance, then user_id, so one
	// sequential pass groups them.
	for _, row := range rows {
		clusterID := db.ToUUID(row.ClusterID)
		n := len(resp.Centroids)
		if n == 0 || resp.Centroids[n-1].ClusterID != clusterID {
			resp.Centroids = append(resp.Centroids, Centroid{ClusterID: clusterID})
			n++
		}
		resp.Centroids[n-1].Users = append(resp.Centroids[n-1].Users, ConnectionUser{
			UserID:       row.UserID,
			Distance:     row.Distance,
			MessageCount: row.MessageCount,
		})
	}

	s.logger.Debug("connections ranked",
		zap.String("org_id", orgID),
		zap.String("user_id", userID),
		zap.Int("centroids", len(resp.Centroids)),
	)
	return resp, nil
}
