package integration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go-crm-sync/internal/common/crmerrors"
	"go-crm-sync/internal/database"
)

type IntegrationRepository interface {
	Create(ctx context.Context, cfg *IntegrationConfig) error
	Get(ctx context.Context, id string) (*IntegrationConfig, error)
	List(ctx context.Context, organizationID string) ([]IntegrationConfig, error)
	Update(ctx context.Context, id string, updates map[string]interface{}) error

	// Claim atomically moves the integration to syncing. A claim older than
	// lease is considered abandoned and may be taken over.
	Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (*IntegrationConfig, error)
	Release(ctx context.Context, id string, release Release) error
	ListDue(ctx context.Context, now time.Time) ([]IntegrationConfig, error)
	EnsureIndexes(ctx context.Context) error
}

type SyncLogRepository interface {
	Create(ctx context.Context, result *SyncResult) error
	List(ctx context.Context, integrationID string, limit int64) ([]SyncResult, error)
	EnsureIndexes(ctx context.Context) error
}

type ConflictRepository interface {
	Create(ctx context.Context, conflict *ConflictRecord) error
	List(ctx context.Context, integrationID string, limit int64) ([]ConflictRecord, error)
	EnsureIndexes(ctx context.Context) error
}

func objectID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, crmerrors.NotFound("integration %q", id)
	}
	return oid, nil
}

type IntegrationRepositoryImpl struct {
	collection *mongo.Collection
}

func NewIntegrationRepository(db *database.MongodbDB) IntegrationRepository {
	return &IntegrationRepositoryImpl{
		collection: db.DB.Collection("crm_integrations"),
	}
}

func (r *IntegrationRepositoryImpl) Create(ctx context.Context, cfg *IntegrationConfig) error {
	if cfg.ID.IsZero() {
		cfg.ID = primitive.NewObjectID()
	}
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	_, err := r.collection.InsertOne(ctx, cfg)
	if mongo.IsDuplicateKeyError(err) {
		return crmerrors.Configuration("organization already has a %s integration", cfg.CRMType)
	}
	return err
}

func (r *IntegrationRepositoryImpl) Get(ctx context.Context, id string) (*IntegrationConfig, error) {
	oid, err := objectID(id)
	if err != nil {
		return nil, err
	}

	var cfg IntegrationConfig
	err = r.collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&cfg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, crmerrors.NotFound("integration %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *IntegrationRepositoryImpl) List(ctx context.Context, organizationID string) ([]IntegrationConfig, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := r.collection.Find(ctx, bson.M{"organization_id": organizationID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	configs := []IntegrationConfig{}
	if err = cursor.All(ctx, &configs); err != nil {
		return nil, err
	}
	return configs, nil
}

func (r *IntegrationRepositoryImpl) Update(ctx context.Context, id string, updates map[string]interface{}) error {
	oid, err := objectID(id)
	if err != nil {
		return err
	}

	updates["updated_at"] = time.Now().UTC()
	res, err := r.collection.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": updates})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return crmerrors.NotFound("integration %s", id)
	}
	return nil
}

func (r *IntegrationRepositoryImpl) Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (*IntegrationConfig, error) {
	oid, err := objectID(id)
	if err != nil {
		return nil, err
	}

	filter := bson.M{
		"_id": oid,
		"$or": bson.A{
			bson.M{"status": bson.M{"$nin": bson.A{StatusSyncing, StatusInactive}}},
			bson.M{"status": StatusSyncing, "sync_started_at": bson.M{"$lt": now.Add(-lease)}},
		},
	}
	update := bson.M{"$set": bson.M{
		"status":          StatusSyncing,
		"sync_started_at": now,
		"updated_at":      now,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var cfg IntegrationConfig
	err = r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&cfg)
	if err == nil {
		return &cfg, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}

	// The claim did not match; report why.
	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusInactive {
		return nil, fmt.Errorf("%w: %s", crmerrors.ErrIntegrationInactive, id)
	}
	return nil, fmt.Errorf("%w: %s", crmerrors.ErrAlreadySyncing, id)
}

func (r *IntegrationRepositoryImpl) Release(ctx context.Context, id string, release Release) error {
	oid, err := objectID(id)
	if err != nil {
		return err
	}

	set := bson.M{
		"status":     release.Status,
		"last_error": release.LastError,
		"next_sync":  release.NextSync,
		"updated_at": time.Now().UTC(),
	}
	if release.LastSync != nil {
		set["last_sync"] = *release.LastSync
	}
	_, err = r.collection.UpdateOne(ctx,
		bson.M{"_id": oid, "status": StatusSyncing},
		bson.M{"$set": set, "$unset": bson.M{"sync_started_at": ""}},
	)
	return err
}

// ListDue includes errored integrations so that a failed run is retried
// on schedule.
func (r *IntegrationRepositoryImpl) ListDue(ctx context.Context, now time.Time) ([]IntegrationConfig, error) {
	filter := bson.M{
		"status":    bson.M{"$in": []Status{StatusActive, StatusError}},
		"next_sync": bson.M{"$lte": now},
	}
	opts := options.Find().SetSort(bson.D{{Key: "next_sync", Value: 1}})
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var configs []IntegrationConfig
	if err = cursor.All(ctx, &configs); err != nil {
		return nil, err
	}
	return configs, nil
}

func (r *IntegrationRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "organization_id", Value: 1},
				{Key: "crm_type", Value: 1},
			},
			Options: options.Index().SetName("idx_org_crm_type").SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "next_sync", Value: 1},
			},
			Options: options.Index().SetName("idx_status_next_sync"),
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

type SyncLogRepositoryImpl struct {
	collection *mongo.Collection
}

func NewSyncLogRepository(db *database.MongodbDB) SyncLogRepository {
	return &SyncLogRepositoryImpl{
		collection: db.DB.Collection("crm_sync_logs"),
	}
}

func (r *SyncLogRepositoryImpl) Create(ctx context.Context, result *SyncResult) error {
	if result.ID.IsZero() {
		result.ID = primitive.NewObjectID()
	}
	_, err := r.collection.InsertOne(ctx, result)
	return err
}

func (r *SyncLogRepositoryImpl) List(ctx context.Context, integrationID string, limit int64) ([]SyncResult, error) {
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}}).SetLimit(limit)
	cursor, err := r.collection.Find(ctx, bson.M{"integration_id": integrationID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	results := []SyncResult{}
	if err = cursor.All(ctx, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *SyncLogRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "integration_id", Value: 1},
			{Key: "started_at", Value: -1},
		},
		Options: options.Index().SetName("idx_integration_started"),
	})
	return err
}

type ConflictRepositoryImpl struct {
	collection *mongo.Collection
}

func NewConflictRepository(db *database.MongodbDB) ConflictRepository {
	return &ConflictRepositoryImpl{
		collection: db.DB.Collection("crm_sync_conflicts"),
	}
}

func (r *ConflictRepositoryImpl) Create(ctx context.Context, conflict *ConflictRecord) error {
	if conflict.ID.IsZero() {
		conflict.ID = primitive.NewObjectID()
	}
	if conflict.Status == "" {
		conflict.Status = ConflictOpen
	}
	if conflict.CreatedAt.IsZero() {
		conflict.CreatedAt = time.Now().UTC()
	}
	_, err := r.collection.InsertOne(ctx, conflict)
	return err
}

func (r *ConflictRepositoryImpl) List(ctx context.Context, integrationID string, limit int64) ([]ConflictRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit)
	cursor, err := r.collection.Find(ctx, bson.M{"integration_id": integrationID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	conflicts := []ConflictRecord{}
	if err = cursor.All(ctx, &conflicts); err != nil {
		return nil, err
	}
	return conflicts, nil
}

func (r *ConflictRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "integration_id", Value: 1},
			{Key: "status", Value: 1},
			{Key: "created_at", Value: -1},
		},
		Options: options.Index().SetName("idx_integration_status_created"),
	})
	return err
}
