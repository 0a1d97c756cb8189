package db

import "context"

// Querier is the full data-access surface. Consumers and services depend on
// this interface so tests can substitute a mock without a database.
type Querier interface {
	InsertMessage(ctx context.Context, arg InsertMessageParams) error
	UpsertMessageEmbedding(ctx context.Context, arg UpsertMessageEmbeddingParams) error

	GetLatestAssignment(ctx context.Context, arg GetLatestAssignmentParams) (MessageCluster, error)
	NearestActiveCluster(ctx context.Context, arg NearestActiveClusterParams) (NearestActiveClusterRow, error)
	CreateCluster(ctx context.Context, arg CreateClusterParams) (Cluster, error)
	UpdateClusterCentroid(ctx context.Context, arg UpdateClusterCentroidParams) error
	UpsertMessageCluster(ctx context.Context, arg UpsertMessageClusterParams) error
	UpsertUserCluster(ctx context.Context, arg UpsertUserClusterParams) (UserCluster, error)

	RankConnections(ctx context.Context, arg RankConnectionsParams) ([]RankConnectionsRow, error)
}

var _ Querier = (*Queries)(nil)
