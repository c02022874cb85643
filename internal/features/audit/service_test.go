package audit

import (
	"context"
	"errors"
	"testing"

	"go-crm-sync/internal/common/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockAuditRepo struct {
	Created      []models.AuditLog
	CapturedOrg  string
	CapturedSkip int64
	Err          error
}

func (m *MockAuditRepo) Create(ctx context.Context, log models.AuditLog) error {
	if m.Err != nil {
		return m.Err
	}
	m.Created = append(m.Created, log)
	return nil
}

func (m *MockAuditRepo) List(ctx context.Context, organizationID string, filters map[string]interface{}, limit, offset int64) ([]models.AuditLog, error) {
	m.CapturedOrg = organizationID
	m.CapturedSkip = offset
	return m.Created, nil
}

func TestLogChangeAttributesActor(t *testing.T) {
	repo := &MockAuditRepo{}
	service := NewAuditService(repo, zap.NewNop())

	ctx := WithActor(context.Background(), "org-1", "user-7")
	err := service.LogChange(ctx, models.AuditActionSettings, "crm_integration", "int-1", map[string]models.Change{
		"status": {Old: "active", New: "inactive"},
	})

	require.NoError(t, err)
	require.Len(t, repo.Created, 1)
	assert.Equal(t, "org-1", repo.Created[0].OrganizationID)
	assert.Equal(t, "user-7", repo.Created[0].ActorID)
	assert.Equal(t, "inactive", repo.Created[0].Changes["status"].New)
}

func TestLogChangeDefaultsToSystem(t *testing.T) {
	repo := &MockAuditRepo{}
	service := NewAuditService(repo, zap.NewNop())

	require.NoError(t, service.LogChange(context.Background(), models.AuditActionSync, "crm_sync", "int-1", nil))

	assert.Equal(t, "system", repo.Created[0].ActorID)
	assert.Empty(t, repo.Created[0].OrganizationID)
}

func TestLogChangeReturnsRepositoryError(t *testing.T) {
	repo := &MockAuditRepo{Err: errors.New("mongo down")}
	service := NewAuditService(repo, zap.NewNop())

	err := service.LogChange(context.Background(), models.AuditActionSync, "crm_sync", "int-1", nil)

	assert.EqualError(t, err, "mongo down")
}

func TestListLogsPaging(t *testing.T) {
	repo := &MockAuditRepo{}
	service := NewAuditService(repo, zap.NewNop())

	_, err := service.ListLogs(context.Background(), "org-1", nil, 3, 20)

	require.NoError(t, err)
	assert.Equal(t, "org-1", repo.CapturedOrg)
	assert.Equal(t, int64(40), repo.CapturedSkip)
}
