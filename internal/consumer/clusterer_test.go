package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jtownson/network-builder/internal/events"
	db "github.com/jtownson/network-builder/internal/repository/db"
)

// ── hand-rolled mock Querier ──────────────────────────────────────────────

type mockQuerier struct {
	insertMessageFn          func(context.Context, db.InsertMessageParams) error
	upsertMessageEmbeddingFn func(context.Context, db.UpsertMessageEmbeddingParams) error
	getLatestAssignmentFn    func(context.Context, db.GetLatestAssignmentParams) (db.MessageCluster, error)
	nearestActiveClusterFn   func(context.Context, db.NearestActiveClusterParams) (db.NearestActiveClusterRow, error)
	createClusterFn          func(context.Context, db.CreateClusterParams) (db.Cluster, error)
	updateClusterCentroidFn  func(context.Context, db.UpdateClusterCentroidParams) error
	upsertMessageClusterFn   func(context.Context, db.UpsertMessageClusterParams) error
	upsertUserClusterFn      func(context.Context, db.UpsertUserClusterParams) (db.UserCluster, error)
	rankConnectionsFn        func(context.Context, db.RankConnectionsParams) ([]db.RankConnectionsRow, error)
}

func (m *mockQuerier) InsertMessage(ctx context.Context, arg db.InsertMessageParams) error {
	if m.insertMessageFn != nil {
		return m.insertMessageFn(ctx, arg)
	}
	return nil
}
func (m *mockQuerier) UpsertMessageEmbedding(ctx context.Context, arg db.UpsertMessageEmbeddingParams) error {
	if m.upsertMessageEmbeddingFn != nil {
		return m.upsertMessageEmbeddingFn(ctx, arg)
	}
	return nil
}
func (m *mockQuerier) GetLatestAssignment(ctx context.Context, arg db.GetLatestAssignmentParams) (db.MessageCluster, error) {
	if m.getLatestAssignmentFn != nil {
		return m.getLatestAssignmentFn(ctx, arg)
	}
	return db.MessageCluster{}, pgx.ErrNoRows
}
func (m *mockQuerier) NearestActiveCluster(ctx context.Context, arg db.NearestActiveClusterParams) (db.NearestActiveClusterRow, error) {
	if m.nearestActiveClusterFn != nil {
		return m.nearestActiveClusterFn(ctx, arg)
	}
	return db.NearestActiveClusterRow{}, pgx.ErrNoRows
}
func (m *mockQuerier) CreateCluster(ctx context.Context, arg db.CreateClusterParams) (db.Cluster, error) {
	if m.createClusterFn != nil {
		return m.createClusterFn(ctx, arg)
	}
	return db.Cluster{
		OrgID:             arg.OrgID,
		ClusterID:         arg.ClusterID,
		ModelVersion:      arg.ModelVersion,
		CentroidEmbedding: arg.Centroid,
		EffectiveCount:    1,
		IsActive:          true,
	}, nil
}
func (m *mockQuerier) UpdateClusterCentroid(ctx context.Context, arg db.UpdateClusterCentroidParams) error {
	if m.updateClusterCentroidFn != nil {
		return m.updateClusterCentroidFn(ctx, arg)
	}
	return nil
}
func (m *mockQuerier) UpsertMessageCluster(ctx context.Context, arg db.UpsertMessageClusterParams) error {
	if m.upsertMessageClusterFn != nil {
		return m.upsertMessageClusterFn(ctx, arg)
	}
	return nil
}
func (m *mockQuerier) UpsertUserCluster(ctx context.Context, arg db.UpsertUserClusterParams) (db.UserCluster, error) {
	if m.upsertUserClusterFn != nil {
		return m.upsertUserClusterFn(ctx, arg)
	}
	return db.UserCluster{
		OrgID:              arg.OrgID,
		UserID:             arg.UserID,
		ClusterID:          arg.ClusterID,
		ParticipationScore: arg.Confidence,
		MessageCount:       1,
	}, nil
}
func (m *mockQuerier) RankConnections(ctx context.Context, arg db.RankConnectionsParams) ([]db.RankConnectionsRow, error) {
	if m.rankConnectionsFn != nil {
		return m.rankConnectionsFn(ctx, arg)
	}
	return nil, nil
}

var _ db.Querier = (*mockQuerier)(nil)

// ── helpers ───────────────────────────────────────────────────────────────

var testParams = ClustererParams{DistThreshold: 0.22, CountCap: 1000}

func testClusterer(t *testing.T) *ClustererConsumer {
	t.Helper()
	return NewClustererConsumer(nil, nil, "ingress_messages", testParams, zaptest.NewLogger(t))
}

func embeddedEvent(t *testing.T, embedding []float32) *events.MessageEmbeddedEvent {
	t.Helper()
	return &events.MessageEmbeddedEvent{
		EventType:    events.TypeMessageEmbedded,
		EventVersion: events.Version,
		EventID:      uuid.New(),
		OrgID:        "org-test",
		Message: events.MessagePayload{
			MessageID:  uuid.New(),
			UserID:     "user-a",
			Ts:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			SourceType: "chat",
			Text:       "hello",
			Metadata:   map[string]any{},
		},
		ModelVersion: "stub-4-v1",
		EmbeddingDim: len(embedding),
		Embedding:    embedding,
		CreatedAt:    time.Now().UTC(),
	}
}

func vecL2(vec []float32) float64 {
	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// ── assign: step-by-step semantics ────────────────────────────────────────

func TestAssign_FirstMessageCreatesCluster(t *testing.T) {
	var created *db.CreateClusterParams
	var assignment *db.UpsertMessageClusterParams
	var participation *db.UpsertUserClusterParams

	q := &mockQuerier{
		createClusterFn: func(_ context.Context, arg db.CreateClusterParams) (db.Cluster, error) {
			created = &arg
			return db.Cluster{ClusterID: arg.ClusterID, EffectiveCount: 1, IsActive: true}, nil
		},
		upsertMessageClusterFn: func(_ context.Context, arg db.UpsertMessageClusterParams) error {
			assignment = &arg
			return nil
		},
		upsertUserClusterFn: func(_ context.Context, arg db.UpsertUserClusterParams) (db.UserCluster, error) {
			participation = &arg
			return db.UserCluster{UserID: arg.UserID, ClusterID: arg.ClusterID, MessageCount: 1}, nil
		},
	}

	evt := embeddedEvent(t, []float32{1, 0, 0, 0})
	clusterID, confidence, err := testClusterer(t).assign(context.Background(), q, evt)
	require.NoError(t, err)

	require.NotNil(t, created)
	assert.Equal(t, "org-test", created.OrgID)
	assert.Equal(t, "stub-4-v1", created.ModelVersion)
	assert.InDelta(t, 1.0, vecL2(created.Centroid.Slice()), 1e-6)

	assert.Equal(t, 1.0, confidence)
	assert.Equal(t, db.ToUUID(created.ClusterID), clusterID)

	require.NotNil(t, assignment)
	assert.Equal(t, 1.0, assignment.Confidence)
	require.NotNil(t, participation)
	assert.Equal(t, "user-a", participation.UserID)
}

func TestAssign_NearDuplicateJoinsExistingCluster(t *testing.T) {
	existingID := db.UUIDFrom(uuid.New())
	var centroidUpdate *db.UpdateClusterCentroidParams
	createCalled := false

	q := &mockQuerier{
		nearestActiveClusterFn: func(_ context.Context, arg db.NearestActiveClusterParams) (db.NearestActiveClusterRow, error) {
			return db.NearestActiveClusterRow{
				ClusterID:      existingID,
				Distance:       0.02,
				Centroid:       pgvector.NewVector([]float32{1, 0, 0, 0}),
				EffectiveCount: 1,
			}, nil
		},
		createClusterFn: func(_ context.Context, arg db.CreateClusterParams) (db.Cluster, error) {
			createCalled = true
			return db.Cluster{ClusterID: arg.ClusterID}, nil
		},
		updateClusterCentroidFn: func(_ context.Context, arg db.UpdateClusterCentroidParams) error {
			centroidUpdate = &arg
			return nil
		},
	}

	incoming := []float32{0.98, 0.199, 0, 0}
	clusterID, confidence, err := testClusterer(t).assign(context.Background(), q, embeddedEvent(t, incoming))
	require.NoError(t, err)

	assert.False(t, createCalled, "no new cluster for a near-duplicate")
	assert.Equal(t, db.ToUUID(existingID), clusterID)
	assert.InDelta(t, 0.98, confidence, 1e-6)

	require.NotNil(t, centroidUpdate)
	newCentroid := centroidUpdate.Centroid.Slice()
	assert.InDelta(t, 1.0, vecL2(newCentroid), 1e-6)
	assert.Greater(t, float64(newCentroid[1]), 0.0, "centroid moved toward the incoming vector")
}

func TestAssign_FarEmbeddingCreatesNewCluster(t *testing.T) {
	existingID := db.UUIDFrom(uuid.New())
	createCalled := false
	updateCalled := false

	q := &mockQuerier{
		nearestActiveClusterFn: func(_ context.Context, arg db.NearestActiveClusterParams) (db.NearestActiveClusterRow, error) {
			return db.NearestActiveClusterRow{
				ClusterID:      existingID,
				Distance:       1.0,
				Centroid:       pgvector.NewVector([]float32{1, 0, 0, 0}),
				EffectiveCount: 3,
			}, nil
		},
		createClusterFn: func(_ context.Context, arg db.CreateClusterParams) (db.Cluster, error) {
			createCalled = true
			return db.Cluster{ClusterID: arg.ClusterID}, nil
		},
		updateClusterCentroidFn: func(_ context.Context, arg db.UpdateClusterCentroidParams) error {
			updateCalled = true
			return nil
		},
	}

	clusterID, confidence, err := testClusterer(t).assign(context.Background(), q, embeddedEvent(t, []float32{0, 1, 0, 0}))
	require.NoError(t, err)

	assert.True(t, createCalled)
	assert.False(t, updateCalled, "far embedding must not drag the existing centroid")
	assert.NotEqual(t, db.ToUUID(existingID), clusterID)
	assert.Equal(t, 1.0, confidence)
}

func TestAssign_AtThresholdJoins(t *testing.T) {
	// distance == threshold joins; only distance > threshold creates.
	existingID := db.UUIDFrom(uuid.New())
	q := &mockQuerier{
		nearestActiveClusterFn: func(_ context.Context, arg db.NearestActiveClusterParams) (db.NearestActiveClusterRow, error) {
			return db.NearestActiveClusterRow{
				ClusterID:      existingID,
				Distance:       0.22,
				Centroid:       pgvector.NewVector([]float32{1, 0, 0, 0}),
				EffectiveCount: 1,
			}, nil
		},
		createClusterFn: func(_ context.Context, arg db.CreateClusterParams) (db.Cluster, error) {
			t.Fatal("create must not be called at the threshold")
			return db.Cluster{}, nil
		},
	}

	clusterID, confidence, err := testClusterer(t).assign(context.Background(), q, embeddedEvent(t, []float32{1, 0, 0, 0}))
	require.NoError(t, err)
	assert.Equal(t, db.ToUUID(existingID), clusterID)
	assert.InDelta(t, 0.78, confidence, 1e-9)
}

func TestAssign_RedeliveryShortCircuits(t *testing.T) {
	existingID := db.UUIDFrom(uuid.New())
	q := &mockQuerier{
		getLatestAssignmentFn: func(_ context.Context, arg db.GetLatestAssignmentParams) (db.MessageCluster, error) {
			return db.MessageCluster{
				OrgID:      arg.OrgID,
				MessageID:  arg.MessageID,
				ClusterID:  existingID,
				Confidence: 0.93,
			}, nil
		},
		nearestActiveClusterFn: func(_ context.Context, arg db.NearestActiveClusterParams) (db.NearestActiveClusterRow, error) {
			t.Fatal("redelivery must not search clusters")
			return db.NearestActiveClusterRow{}, nil
		},
		updateClusterCentroidFn: func(_ context.Context, arg db.UpdateClusterCentroidParams) error {
			t.Fatal("redelivery must not move centroids")
			return nil
		},
		upsertMessageClusterFn: func(_ context.Context, arg db.UpsertMessageClusterParams) error {
			t.Fatal("redelivery must not rewrite the assignment")
			return nil
		},
		upsertUserClusterFn: func(_ context.Context, arg db.UpsertUserClusterParams) (db.UserCluster, error) {
			t.Fatal("redelivery must not bump participation counters")
			return db.UserCluster{}, nil
		},
	}

	clusterID, confidence, err := testClusterer(t).assign(context.Background(), q, embeddedEvent(t, []float32{1, 0, 0, 0}))
	require.NoError(t, err)
	assert.Equal(t, db.ToUUID(existingID), clusterID)
	assert.Equal(t, 0.93, confidence)
}

func TestAssign_DBErrorIsTransient(t *testing.T) {
	q := &mockQuerier{
		getLatestAssignmentFn: func(_ context.Context, arg db.GetLatestAssignmentParams) (db.MessageCluster, error) {
			return db.MessageCluster{}, errors.New("connection refused")
		},
	}

	_, _, err := testClusterer(t).assign(context.Background(), q, embeddedEvent(t, []float32{1, 0, 0, 0}))
	require.Error(t, err)
	var me *events.MalformedEventError
	assert.False(t, errors.As(err, &me), "DB errors must NAK, not Term")
}

// ── processEvent: parse failures never reach the database ─────────────────

func TestProcessEvent_MalformedIsPoisonPill(t *testing.T) {
	c := testClusterer(t)

	_, err := c.processEvent(context.Background(), []byte(`{not json`))
	require.Error(t, err)
	var me *events.MalformedEventError
	assert.True(t, errors.As(err, &me))
}

func TestProcessEvent_DimensionMismatchIsPoisonPill(t *testing.T) {
	evt := embeddedEvent(t, []float32{1, 0, 0, 0})
	evt.EmbeddingDim = 8
	data, err := json.Marshal(evt)
	require.NoError(t, err)

	_, perr := testClusterer(t).processEvent(context.Background(), data)
	require.Error(t, perr)
	var me *events.MalformedEventError
	assert.True(t, errors.As(perr, &me))
}
