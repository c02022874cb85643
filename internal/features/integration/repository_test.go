package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"go-crm-sync/internal/common/crmerrors"
	"go-crm-sync/internal/common/models"
)

func TestIntegrationRepositoryClaim(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	oid := primitive.NewObjectID()
	now := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	ns := "test.crm_integrations"

	mt.Run("claims an idle integration", func(mt *mtest.T) {
		repo := &IntegrationRepositoryImpl{collection: mt.Coll}
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "value", Value: bson.D{
			{Key: "_id", Value: oid},
			{Key: "organization_id", Value: "org-1"},
			{Key: "crm_type", Value: "hubspot"},
			{Key: "status", Value: "syncing"},
			{Key: "sync_started_at", Value: now},
		}}))

		cfg, err := repo.Claim(context.Background(), oid.Hex(), now, time.Hour)

		require.NoError(t, err)
		assert.Equal(t, StatusSyncing, cfg.Status)
		assert.Equal(t, models.CRMHubSpot, cfg.CRMType)

		started := mt.GetStartedEvent()
		require.NotNil(t, started)
		assert.Equal(t, "findAndModify", started.CommandName)
	})

	classify := []struct {
		name     string
		current  bson.D
		sentinel error
	}{
		{
			name:     "refuses a running integration",
			current:  bson.D{{Key: "_id", Value: oid}, {Key: "status", Value: "syncing"}},
			sentinel: crmerrors.ErrAlreadySyncing,
		},
		{
			name:     "refuses an inactive integration",
			current:  bson.D{{Key: "_id", Value: oid}, {Key: "status", Value: "inactive"}},
			sentinel: crmerrors.ErrIntegrationInactive,
		},
	}
	for _, tt := range classify {
		mt.Run(tt.name, func(mt *mtest.T) {
			repo := &IntegrationRepositoryImpl{collection: mt.Coll}
			mt.AddMockResponses(
				mtest.CreateSuccessResponse(bson.E{Key: "value", Value: nil}),
				mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, tt.current),
			)

			_, err := repo.Claim(context.Background(), oid.Hex(), now, time.Hour)

			assert.True(t, errors.Is(err, tt.sentinel), err)
		})
	}

	mt.Run("unknown integration", func(mt *mtest.T) {
		repo := &IntegrationRepositoryImpl{collection: mt.Coll}
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: nil}),
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch),
		)

		_, err := repo.Claim(context.Background(), oid.Hex(), now, time.Hour)

		assert.True(t, errors.Is(err, crmerrors.ErrNotFound), err)
	})

	mt.Run("malformed id", func(mt *mtest.T) {
		repo := &IntegrationRepositoryImpl{collection: mt.Coll}

		_, err := repo.Claim(context.Background(), "not-hex", now, time.Hour)

		assert.True(t, errors.Is(err, crmerrors.ErrNotFound))
	})
}

func TestIntegrationRepositoryCreateDuplicate(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("one integration per provider", func(mt *mtest.T) {
		repo := &IntegrationRepositoryImpl{collection: mt.Coll}
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "E11000 duplicate key error collection: crm_integrations index: idx_org_crm_type",
		}))

		err := repo.Create(context.Background(), &IntegrationConfig{OrganizationID: "org-1", CRMType: models.CRMZoho})

		assert.True(t, errors.Is(err, crmerrors.ErrConfiguration), err)
	})
}

func TestMemoryRepositoryClaimLease(t *testing.T) {
	repo := NewMemoryIntegrationRepository()
	ctx := context.Background()
	cfg := &IntegrationConfig{OrganizationID: "org-1", CRMType: models.CRMHubSpot, Status: StatusActive}
	require.NoError(t, repo.Create(ctx, cfg))
	id := cfg.ID.Hex()
	start := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

	_, err := repo.Claim(ctx, id, start, time.Hour)
	require.NoError(t, err)

	_, err = repo.Claim(ctx, id, start.Add(30*time.Minute), time.Hour)
	assert.True(t, errors.Is(err, crmerrors.ErrAlreadySyncing))

	// An abandoned claim can be taken over once the lease runs out.
	_, err = repo.Claim(ctx, id, start.Add(61*time.Minute), time.Hour)
	require.NoError(t, err)

	next := start.Add(2 * time.Hour)
	require.NoError(t, repo.Release(ctx, id, Release{Status: StatusActive, NextSync: next}))
	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Nil(t, got.LastSync)
	assert.Nil(t, got.SyncStartedAt)

	due, err := repo.ListDue(ctx, next)
	require.NoError(t, err)
	assert.Len(t, due, 1)
	due, err = repo.ListDue(ctx, start)
	require.NoError(t, err)
	assert.Empty(t, due)

	// An errored run is retried on its next slot; a disabled one is not.
	_, err = repo.Claim(ctx, id, next, time.Hour)
	require.NoError(t, err)
	require.NoError(t, repo.Release(ctx, id, Release{Status: StatusError, NextSync: next.Add(time.Hour), LastError: "token revoked"}))
	due, err = repo.ListDue(ctx, next.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, StatusError, due[0].Status)

	require.NoError(t, repo.Update(ctx, id, map[string]interface{}{"status": StatusInactive}))
	due, err = repo.ListDue(ctx, next.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}
