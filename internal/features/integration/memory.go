package integration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"go-crm-sync/internal/common/crmerrors"
	"go-crm-sync/internal/features/mapping"
)

// MemoryIntegrationRepository is an in-process IntegrationRepository with
// the same claim semantics as the Mongo one.
type MemoryIntegrationRepository struct {
	mu      sync.Mutex
	configs map[string]*IntegrationConfig
}

func NewMemoryIntegrationRepository() *MemoryIntegrationRepository {
	return &MemoryIntegrationRepository{configs: make(map[string]*IntegrationConfig)}
}

func cloneConfig(cfg *IntegrationConfig) *IntegrationConfig {
	out := *cfg
	out.MappingConfig = append(out.MappingConfig[:0:0], cfg.MappingConfig...)
	return &out
}

func (r *MemoryIntegrationRepository) Create(_ context.Context, cfg *IntegrationConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.configs {
		if existing.OrganizationID == cfg.OrganizationID && existing.CRMType == cfg.CRMType {
			return crmerrors.Configuration("organization already has a %s integration", cfg.CRMType)
		}
	}
	if cfg.ID.IsZero() {
		cfg.ID = primitive.NewObjectID()
	}
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	r.configs[cfg.ID.Hex()] = cloneConfig(cfg)
	return nil
}

func (r *MemoryIntegrationRepository) Get(_ context.Context, id string) (*IntegrationConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[id]
	if !ok {
		return nil, crmerrors.NotFound("integration %s", id)
	}
	return cloneConfig(cfg), nil
}

func (r *MemoryIntegrationRepository) List(_ context.Context, organizationID string) ([]IntegrationConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []IntegrationConfig{}
	for _, cfg := range r.configs {
		if cfg.OrganizationID == organizationID {
			out = append(out, *cloneConfig(cfg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Hex() > out[j].ID.Hex() })
	return out, nil
}

// Update understands the keys the services write.
func (r *MemoryIntegrationRepository) Update(_ context.Context, id string, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[id]
	if !ok {
		return crmerrors.NotFound("integration %s", id)
	}
	for k, v := range updates {
		switch k {
		case "name":
			cfg.Name = v.(string)
		case "credentials":
			cfg.Credentials = v.(string)
		case "mapping_config":
			cfg.MappingConfig = append(cfg.MappingConfig[:0:0], v.([]mapping.FieldMapping)...)
		case "sync_settings":
			cfg.SyncSettings = v.(SyncSettings)
		case "status":
			cfg.Status = v.(Status)
		case "last_error":
			cfg.LastError = v.(string)
		case "next_sync":
			t := v.(time.Time)
			cfg.NextSync = &t
		default:
			return fmt.Errorf("memory repository: unsupported update key %q", k)
		}
	}
	cfg.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryIntegrationRepository) Claim(_ context.Context, id string, now time.Time, lease time.Duration) (*IntegrationConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[id]
	if !ok {
		return nil, crmerrors.NotFound("integration %s", id)
	}
	switch {
	case cfg.Status == StatusInactive:
		return nil, fmt.Errorf("%w: %s", crmerrors.ErrIntegrationInactive, id)
	case cfg.Status == StatusSyncing && (cfg.SyncStartedAt == nil || !cfg.SyncStartedAt.Before(now.Add(-lease))):
		return nil, fmt.Errorf("%w: %s", crmerrors.ErrAlreadySyncing, id)
	}
	cfg.Status = StatusSyncing
	started := now
	cfg.SyncStartedAt = &started
	return cloneConfig(cfg), nil
}

func (r *MemoryIntegrationRepository) Release(_ context.Context, id string, release Release) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[id]
	if !ok || cfg.Status != StatusSyncing {
		return nil
	}
	cfg.Status = release.Status
	cfg.LastError = release.LastError
	next := release.NextSync
	cfg.NextSync = &next
	if release.LastSync != nil {
		last := *release.LastSync
		cfg.LastSync = &last
	}
	cfg.SyncStartedAt = nil
	return nil
}

func (r *MemoryIntegrationRepository) ListDue(_ context.Context, now time.Time) ([]IntegrationConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []IntegrationConfig
	for _, cfg := range r.configs {
		if (cfg.Status == StatusActive || cfg.Status == StatusError) && cfg.NextSync != nil && !cfg.NextSync.After(now) {
			out = append(out, *cloneConfig(cfg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextSync.Before(*out[j].NextSync) })
	return out, nil
}

func (r *MemoryIntegrationRepository) EnsureIndexes(context.Context) error { return nil }

type MemorySyncLogRepository struct {
	mu      sync.Mutex
	results []SyncResult
}

func NewMemorySyncLogRepository() *MemorySyncLogRepository {
	return &MemorySyncLogRepository{}
}

func (r *MemorySyncLogRepository) Create(_ context.Context, result *SyncResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if result.ID.IsZero() {
		result.ID = primitive.NewObjectID()
	}
	r.results = append(r.results, *result)
	return nil
}

func (r *MemorySyncLogRepository) List(_ context.Context, integrationID string, limit int64) ([]SyncResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []SyncResult{}
	for i := len(r.results) - 1; i >= 0 && int64(len(out)) < limit; i-- {
		if r.results[i].IntegrationID == integrationID {
			out = append(out, r.results[i])
		}
	}
	return out, nil
}

func (r *MemorySyncLogRepository) EnsureIndexes(context.Context) error { return nil }

type MemoryConflictRepository struct {
	mu        sync.Mutex
	conflicts []ConflictRecord
}

func NewMemoryConflictRepository() *MemoryConflictRepository {
	return &MemoryConflictRepository{}
}

func (r *MemoryConflictRepository) Create(_ context.Context, conflict *ConflictRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conflict.ID.IsZero() {
		conflict.ID = primitive.NewObjectID()
	}
	if conflict.Status == "" {
		conflict.Status = ConflictOpen
	}
	if conflict.CreatedAt.IsZero() {
		conflict.CreatedAt = time.Now().UTC()
	}
	r.conflicts = append(r.conflicts, *conflict)
	return nil
}

func (r *MemoryConflictRepository) List(_ context.Context, integrationID string, limit int64) ([]ConflictRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []ConflictRecord{}
	for i := len(r.conflicts) - 1; i >= 0 && int64(len(out)) < limit; i-- {
		if r.conflicts[i].IntegrationID == integrationID {
			out = append(out, r.conflicts[i])
		}
	}
	return out, nil
}

func (r *MemoryConflictRepository) EnsureIndexes(context.Context) error { return nil }
