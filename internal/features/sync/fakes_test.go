package sync

import (
	"context"
	"fmt"
	"sort"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"go-crm-sync/internal/common/models"
	"go-crm-sync/internal/config"
	"go-crm-sync/internal/connectors"
	"go-crm-sync/internal/features/integration"
	"go-crm-sync/internal/features/localstore"
	"go-crm-sync/internal/features/mapping"
	"go-crm-sync/internal/features/runcontrol"
)

const testOrg = "org-1"

// FakeCRM is an in-memory Connector. Records are kept per entity and keyed
// by external id.
type FakeCRM struct {
	mu      gosync.Mutex
	records map[models.EntityType]map[string]connectors.Record
	nextID  int

	FetchErr map[models.EntityType]error
	WriteErr error
	// OnFetch runs before every Get call; a non-nil result is returned.
	OnFetch func(ctx context.Context, entity models.EntityType) error

	Created []string
	Updated []string
}

func NewFakeCRM() *FakeCRM {
	f := &FakeCRM{
		records:  make(map[models.EntityType]map[string]connectors.Record),
		FetchErr: make(map[models.EntityType]error),
	}
	for _, e := range models.EntityTypes {
		f.records[e] = make(map[string]connectors.Record)
	}
	return f
}

func (f *FakeCRM) Put(entity models.EntityType, rec connectors.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[entity][rec.ExternalID] = rec
}

func (f *FakeCRM) Lookup(entity models.EntityType, externalID string) (connectors.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[entity][externalID]
	return rec, ok
}

func (f *FakeCRM) Writes() (created, updated int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Created), len(f.Updated)
}

func (f *FakeCRM) Provider() string                       { return "fake" }
func (f *FakeCRM) Authenticate(ctx context.Context) error { return nil }

func (f *FakeCRM) get(ctx context.Context, entity models.EntityType, since *time.Time) ([]connectors.Record, error) {
	if f.OnFetch != nil {
		if err := f.OnFetch(ctx, entity); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.FetchErr[entity]; err != nil {
		return nil, err
	}
	var out []connectors.Record
	for _, rec := range f.records[entity] {
		if since != nil && !rec.ModifiedAt.IsZero() && !rec.ModifiedAt.After(*since) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (f *FakeCRM) GetLeads(ctx context.Context, since *time.Time) ([]connectors.Record, error) {
	return f.get(ctx, models.EntityLead, since)
}

func (f *FakeCRM) GetOpportunities(ctx context.Context, since *time.Time) ([]connectors.Record, error) {
	return f.get(ctx, models.EntityOpportunity, since)
}

func (f *FakeCRM) GetActivities(ctx context.Context, since *time.Time) ([]connectors.Record, error) {
	return f.get(ctx, models.EntityActivity, since)
}

func (f *FakeCRM) create(entity models.EntityType, fields map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteErr != nil {
		return "", f.WriteErr
	}
	f.nextID++
	id := fmt.Sprintf("new-%d", f.nextID)
	f.records[entity][id] = connectors.Record{ExternalID: id, Fields: fields, ModifiedAt: time.Now().UTC()}
	f.Created = append(f.Created, id)
	return id, nil
}

func (f *FakeCRM) update(entity models.EntityType, externalID string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteErr != nil {
		return f.WriteErr
	}
	rec := f.records[entity][externalID]
	merged := make(map[string]any)
	for k, v := range rec.Fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	f.records[entity][externalID] = connectors.Record{ExternalID: externalID, Fields: merged, ModifiedAt: time.Now().UTC()}
	f.Updated = append(f.Updated, externalID)
	return nil
}

func (f *FakeCRM) find(entity models.EntityType, field, value string) *connectors.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records[entity] {
		if v, _ := rec.Fields[field].(string); v == value {
			found := rec
			return &found
		}
	}
	return nil
}

func (f *FakeCRM) CreateLead(_ context.Context, fields map[string]any) (string, error) {
	return f.create(models.EntityLead, fields)
}

func (f *FakeCRM) UpdateLead(_ context.Context, externalID string, fields map[string]any) error {
	return f.update(models.EntityLead, externalID, fields)
}

func (f *FakeCRM) FindLeadByEmail(_ context.Context, email string) (*connectors.Record, error) {
	return f.find(models.EntityLead, "Email", email), nil
}

func (f *FakeCRM) CreateOpportunity(_ context.Context, fields map[string]any) (string, error) {
	return f.create(models.EntityOpportunity, fields)
}

func (f *FakeCRM) UpdateOpportunity(_ context.Context, externalID string, fields map[string]any) error {
	return f.update(models.EntityOpportunity, externalID, fields)
}

func (f *FakeCRM) FindOpportunityByName(_ context.Context, name string) (*connectors.Record, error) {
	return f.find(models.EntityOpportunity, "Name", name), nil
}

type MockFactory struct {
	Conn     connectors.Connector
	BuildErr error
}

func (m *MockFactory) Build(context.Context, models.CRMType, string, ...connectors.BuildOption) (connectors.Connector, error) {
	if m.BuildErr != nil {
		return nil, m.BuildErr
	}
	return m.Conn, nil
}

func (m *MockFactory) Register(models.CRMType, connectors.Builder) {}

func (m *MockFactory) Providers() []models.CRMType { return []models.CRMType{models.CRMSalesforce} }

type MockAuditService struct {
	mu      gosync.Mutex
	Changes []map[string]models.Change
	Orgs    []string
}

func (m *MockAuditService) LogChange(ctx context.Context, _ models.AuditAction, _ string, _ string, changes map[string]models.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	org, _ := ctx.Value(models.OrganizationIDKey).(string)
	m.Orgs = append(m.Orgs, org)
	m.Changes = append(m.Changes, changes)
	return nil
}

func (m *MockAuditService) ListLogs(context.Context, string, map[string]interface{}, int64, int64) ([]models.AuditLog, error) {
	return nil, nil
}

// testMappings uses Salesforce style field names.
func testMappings() []mapping.FieldMapping {
	return []mapping.FieldMapping{
		{LocalField: "email", CRMField: "Email", FieldType: "email", Transform: "email", IsRequired: true},
		{LocalField: "first_name", CRMField: "FirstName", FieldType: "string", Transform: "trim"},
		{LocalField: "company", CRMField: "Company", FieldType: "string"},
		{LocalField: "name", CRMField: "Name", FieldType: "string", IsRequired: true, EntityType: models.EntityOpportunity},
		{LocalField: "amount", CRMField: "Amount", FieldType: "currency", Transform: "currency", EntityType: models.EntityOpportunity},
	}
}

type syncFixture struct {
	service   *SyncServiceImpl
	repo      *integration.MemoryIntegrationRepository
	logs      *integration.MemorySyncLogRepository
	conflicts *integration.MemoryConflictRepository
	store     *localstore.MemoryStore
	control   *runcontrol.MemoryControl
	crm       *FakeCRM
	factory   *MockFactory
	audit     *MockAuditService
	id        string
	scope     localstore.Scope
}

func newSyncFixture(t *testing.T, adjust func(*integration.IntegrationConfig)) *syncFixture {
	t.Helper()
	crm := NewFakeCRM()
	f := &syncFixture{
		repo:      integration.NewMemoryIntegrationRepository(),
		logs:      integration.NewMemorySyncLogRepository(),
		conflicts: integration.NewMemoryConflictRepository(),
		store:     localstore.NewMemoryStore(),
		control:   runcontrol.NewMemoryControl(),
		crm:       crm,
		factory:   &MockFactory{Conn: crm},
		audit:     &MockAuditService{},
	}
	cfg := &config.Config{
		ProviderConcurrency: 2,
		ClaimLease:          time.Hour,
		CancelPollInterval:  5 * time.Millisecond,
	}
	f.service = newSyncService(f.repo, f.logs, f.conflicts, f.factory, f.store, f.control, f.audit, nil, cfg, zap.NewNop())

	ic := &integration.IntegrationConfig{
		OrganizationID: testOrg,
		Name:           "Salesforce Integration",
		CRMType:        models.CRMSalesforce,
		Credentials:    "sealed",
		MappingConfig:  testMappings(),
		SyncSettings:   integration.DefaultSyncSettings(),
		Status:         integration.StatusActive,
	}
	if adjust != nil {
		adjust(ic)
	}
	require.NoError(t, f.repo.Create(context.Background(), ic))
	f.id = ic.ID.Hex()
	f.scope = localstore.Scope{OrganizationID: ic.OrganizationID, IntegrationID: f.id}
	return f
}

func (f *syncFixture) run(t *testing.T, syncType integration.SyncType) *integration.SyncResult {
	t.Helper()
	res, err := f.service.RunSync(context.Background(), f.id, syncType)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func (f *syncFixture) current(t *testing.T) *integration.IntegrationConfig {
	t.Helper()
	cfg, err := f.repo.Get(context.Background(), f.id)
	require.NoError(t, err)
	return cfg
}

// linkedLead creates a local lead already linked to externalID and
// returns its id.
func (f *syncFixture) linkedLead(t *testing.T, externalID string, fields map[string]any) string {
	t.Helper()
	ctx := context.Background()
	rec, err := f.store.Create(ctx, f.scope, models.EntityLead, fields)
	require.NoError(t, err)
	require.NoError(t, f.store.Link(ctx, f.scope, models.EntityLead, rec.ID, externalID))
	return rec.ID
}

func onlyDirection(d integration.SyncDirection) func(*integration.IntegrationConfig) {
	return func(c *integration.IntegrationConfig) { c.SyncSettings.SyncDirection = d }
}

func lead(id, email, first string, modified time.Time) connectors.Record {
	fields := map[string]any{"FirstName": first}
	if email != "" {
		fields["Email"] = email
	}
	return connectors.Record{ExternalID: id, Fields: fields, ModifiedAt: modified}
}
