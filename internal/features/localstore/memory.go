package localstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-crm-sync/internal/common/crmerrors"
	"go-crm-sync/internal/common/models"
)

type memoryRow struct {
	rec Record
	seq int64
}

type memoryLink struct {
	externalID string
	syncedAt   time.Time
	seq        int64
}

type linkKey struct {
	integrationID string
	entity        models.EntityType
	localID       string
}

// MemoryStore keeps everything in maps. Change detection uses a sequence
// counter so rows edited in the same clock tick as a sync are still seen.
type MemoryStore struct {
	mu    sync.RWMutex
	now   func() time.Time
	seq   int64
	rows  map[models.EntityType]map[string]*memoryRow
	links map[linkKey]*memoryLink
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(func() time.Time { return time.Now().UTC() })
}

func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	s := &MemoryStore{
		now:   now,
		rows:  make(map[models.EntityType]map[string]*memoryRow),
		links: make(map[linkKey]*memoryLink),
	}
	for _, e := range models.EntityTypes {
		s.rows[e] = make(map[string]*memoryRow)
	}
	return s
}

func (s *MemoryStore) EnsureSchema(context.Context) error { return nil }

func (s *MemoryStore) next() int64 {
	s.seq++
	return s.seq
}

// view copies a row and attaches the scope's link, if any.
func (s *MemoryStore) view(scope Scope, row *memoryRow) Record {
	rec := row.rec
	rec.Fields = copyFields(row.rec.Fields)
	if l, ok := s.links[linkKey{scope.IntegrationID, rec.Entity, rec.ID}]; ok {
		rec.ExternalID = l.externalID
		at := l.syncedAt
		rec.LastSyncedAt = &at
	}
	return rec
}

func (s *MemoryStore) Get(_ context.Context, scope Scope, entity models.EntityType, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[entity][id]
	if !ok || row.rec.OrganizationID != scope.OrganizationID {
		return nil, crmerrors.NotFound("%s %s", entity, id)
	}
	rec := s.view(scope, row)
	return &rec, nil
}

func (s *MemoryStore) FindByExternalID(_ context.Context, scope Scope, entity models.EntityType, externalID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, l := range s.links {
		if key.integrationID != scope.IntegrationID || key.entity != entity || l.externalID != externalID {
			continue
		}
		row, ok := s.rows[entity][key.localID]
		if !ok || row.rec.OrganizationID != scope.OrganizationID {
			continue
		}
		rec := s.view(scope, row)
		return &rec, nil
	}
	return nil, nil
}

func (s *MemoryStore) FindBySoftIdentity(_ context.Context, scope Scope, entity models.EntityType, value string) ([]Record, error) {
	field := models.IdentityField(entity)
	value = strings.TrimSpace(value)
	if field == "" || value == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, row := range s.rows[entity] {
		if row.rec.OrganizationID != scope.OrganizationID {
			continue
		}
		have, _ := row.rec.Fields[field].(string)
		match := have == value
		if field == "email" {
			match = strings.EqualFold(have, value)
		}
		if match {
			out = append(out, s.view(scope, row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > 2 {
		out = out[:2]
	}
	return out, nil
}

func (s *MemoryStore) Create(_ context.Context, scope Scope, entity models.EntityType, fields map[string]any) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := make(map[string]any)
	cols, vals := writable(entity, fields)
	for i, c := range cols {
		kept[c] = vals[i]
	}
	row := &memoryRow{
		rec: Record{
			ID:             uuid.NewString(),
			OrganizationID: scope.OrganizationID,
			Entity:         entity,
			Fields:         kept,
			Version:        1,
			UpdatedAt:      s.now(),
		},
		seq: s.next(),
	}
	s.rows[entity][row.rec.ID] = row
	rec := s.view(scope, row)
	return &rec, nil
}

func (s *MemoryStore) Update(_ context.Context, scope Scope, entity models.EntityType, id string, fields map[string]any, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[entity][id]
	if !ok || row.rec.OrganizationID != scope.OrganizationID {
		return crmerrors.NotFound("%s %s", entity, id)
	}
	if row.rec.Version != expectedVersion {
		return fmt.Errorf("%w: %s %s at version %d", crmerrors.ErrStaleVersion, entity, id, expectedVersion)
	}
	cols, vals := writable(entity, fields)
	if len(cols) == 0 {
		return nil
	}
	updated := copyFields(row.rec.Fields)
	for i, c := range cols {
		updated[c] = vals[i]
	}
	row.rec.Fields = updated
	row.rec.Version++
	row.rec.UpdatedAt = s.now()
	row.seq = s.next()
	return nil
}

func (s *MemoryStore) ListPendingForCRM(_ context.Context, scope Scope, entity models.EntityType, _ int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []*memoryRow
	for _, row := range s.rows[entity] {
		if row.rec.OrganizationID != scope.OrganizationID {
			continue
		}
		if l, ok := s.links[linkKey{scope.IntegrationID, entity, row.rec.ID}]; ok && l.seq > row.seq {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, s.view(scope, row))
	}
	return out, nil
}

func (s *MemoryStore) Link(_ context.Context, scope Scope, entity models.EntityType, localID, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, l := range s.links {
		if key.integrationID == scope.IntegrationID && key.entity == entity && key.localID != localID && l.externalID == externalID {
			return crmerrors.IdentityConflict("%s %s is already linked to another local record", entity, externalID)
		}
	}
	s.links[linkKey{scope.IntegrationID, entity, localID}] = &memoryLink{
		externalID: externalID,
		syncedAt:   s.now(),
		seq:        s.next(),
	}
	return nil
}

// Count returns the number of rows of entity in the organization.
func (s *MemoryStore) Count(organizationID string, entity models.EntityType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, row := range s.rows[entity] {
		if row.rec.OrganizationID == organizationID {
			n++
		}
	}
	return n
}
