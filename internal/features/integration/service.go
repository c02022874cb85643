package integration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"go-crm-sync/internal/common/crmerrors"
	"go-crm-sync/internal/common/models"
	"go-crm-sync/internal/connectors"
	"go-crm-sync/internal/features/audit"
	"go-crm-sync/internal/features/mapping"
	"go-crm-sync/internal/features/vault"
)

const auditModule = "crm_integration"

type IntegrationService interface {
	CreateIntegration(ctx context.Context, organizationID string, req CreateRequest) (*IntegrationConfig, error)
	GetIntegration(ctx context.Context, organizationID, id string) (*IntegrationConfig, error)
	ListIntegrations(ctx context.Context, organizationID string) ([]IntegrationConfig, error)
	UpdateSettings(ctx context.Context, organizationID, id string, req UpdateSettingsRequest) (*IntegrationConfig, error)
	UpdateCredentials(ctx context.Context, organizationID, id string, credentials map[string]string) error
	Disable(ctx context.Context, organizationID, id string) error
	Enable(ctx context.Context, organizationID, id string) error
	TestConnection(ctx context.Context, organizationID, id string) error
	ListSyncResults(ctx context.Context, organizationID, id string, limit int64) ([]SyncResult, error)
	ExportSyncResults(ctx context.Context, organizationID, id string) ([]byte, error)
	ListConflicts(ctx context.Context, organizationID, id string, limit int64) ([]ConflictRecord, error)
}

type IntegrationServiceImpl struct {
	Repo         IntegrationRepository
	LogRepo      SyncLogRepository
	ConflictRepo ConflictRepository
	Vault        vault.Vault
	Factory      connectors.Factory
	AuditService audit.AuditService
	Logger       *zap.Logger
	now          func() time.Time
}

func NewIntegrationService(
	repo IntegrationRepository,
	logRepo SyncLogRepository,
	conflictRepo ConflictRepository,
	v vault.Vault,
	factory connectors.Factory,
	auditService audit.AuditService,
	logger *zap.Logger,
) IntegrationService {
	return &IntegrationServiceImpl{
		Repo:         repo,
		LogRepo:      logRepo,
		ConflictRepo: conflictRepo,
		Vault:        v,
		Factory:      factory,
		AuditService: auditService,
		Logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *IntegrationServiceImpl) supported(crmType models.CRMType) bool {
	for _, t := range s.Factory.Providers() {
		if t == crmType {
			return true
		}
	}
	return false
}

func (s *IntegrationServiceImpl) CreateIntegration(ctx context.Context, organizationID string, req CreateRequest) (*IntegrationConfig, error) {
	if strings.TrimSpace(organizationID) == "" {
		return nil, crmerrors.Configuration("organization_id is required")
	}
	if !req.CRMType.Valid() || !s.supported(req.CRMType) {
		return nil, crmerrors.Configuration("unsupported crm_type %q", req.CRMType)
	}
	if len(req.Credentials) == 0 {
		return nil, crmerrors.Configuration("credentials are required")
	}

	mappings := req.MappingConfig
	if len(mappings) == 0 {
		mappings = mapping.DefaultMappings(req.CRMType)
	}
	if err := mapping.ValidateConfig(mappings); err != nil {
		return nil, err
	}

	settings := DefaultSyncSettings()
	if req.SyncSettings != nil {
		settings = *req.SyncSettings
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	blob, err := s.Vault.Encrypt(vault.Credentials(req.Credentials))
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = DisplayName(req.CRMType)
	}
	now := s.now()
	cfg := &IntegrationConfig{
		OrganizationID: organizationID,
		Name:           name,
		CRMType:        req.CRMType,
		Credentials:    blob,
		MappingConfig:  mappings,
		SyncSettings:   settings,
		Status:         StatusActive,
		NextSync:       &now,
	}
	if err := s.Repo.Create(ctx, cfg); err != nil {
		return nil, err
	}

	s.Logger.Info("CRM integration created",
		zap.String("organization_id", organizationID),
		zap.String("integration_id", cfg.ID.Hex()),
		zap.String("crm_type", string(cfg.CRMType)))
	_ = s.AuditService.LogChange(ctx, models.AuditActionCreate, auditModule, cfg.ID.Hex(), map[string]models.Change{
		"crm_type":      {New: cfg.CRMType},
		"sync_settings": {New: cfg.SyncSettings},
	})
	return cfg, nil
}

// GetIntegration hides integrations of other organizations behind ErrNotFound.
func (s *IntegrationServiceImpl) GetIntegration(ctx context.Context, organizationID, id string) (*IntegrationConfig, error) {
	cfg, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cfg.OrganizationID != organizationID {
		return nil, crmerrors.NotFound("integration %s", id)
	}
	return cfg, nil
}

func (s *IntegrationServiceImpl) ListIntegrations(ctx context.Context, organizationID string) ([]IntegrationConfig, error) {
	return s.Repo.List(ctx, organizationID)
}

func (s *IntegrationServiceImpl) UpdateSettings(ctx context.Context, organizationID, id string, req UpdateSettingsRequest) (*IntegrationConfig, error) {
	old, err := s.GetIntegration(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}

	updates := make(map[string]interface{})
	changes := make(map[string]models.Change)
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, crmerrors.Configuration("name cannot be empty")
		}
		updates["name"] = name
		changes["name"] = models.Change{Old: old.Name, New: name}
	}
	if req.MappingConfig != nil {
		if err := mapping.ValidateConfig(req.MappingConfig); err != nil {
			return nil, err
		}
		updates["mapping_config"] = req.MappingConfig
		changes["mapping_config"] = models.Change{Old: old.MappingConfig, New: req.MappingConfig}
	}
	if req.SyncSettings != nil {
		if err := req.SyncSettings.Validate(); err != nil {
			return nil, err
		}
		updates["sync_settings"] = *req.SyncSettings
		changes["sync_settings"] = models.Change{Old: old.SyncSettings, New: *req.SyncSettings}
	}
	if len(updates) == 0 {
		return old, nil
	}

	if err := s.Repo.Update(ctx, id, updates); err != nil {
		return nil, err
	}
	_ = s.AuditService.LogChange(ctx, models.AuditActionSettings, auditModule, id, changes)
	return s.Repo.Get(ctx, id)
}

func (s *IntegrationServiceImpl) UpdateCredentials(ctx context.Context, organizationID, id string, credentials map[string]string) error {
	cfg, err := s.GetIntegration(ctx, organizationID, id)
	if err != nil {
		return err
	}
	if len(credentials) == 0 {
		return crmerrors.Configuration("credentials are required")
	}

	blob, err := s.Vault.Encrypt(vault.Credentials(credentials))
	if err != nil {
		return err
	}
	updates := map[string]interface{}{"credentials": blob}
	// New credentials get a fresh chance after an authentication failure.
	if cfg.Status == StatusError {
		updates["status"] = StatusActive
		updates["last_error"] = ""
	}
	if err := s.Repo.Update(ctx, id, updates); err != nil {
		return err
	}

	s.Logger.Info("CRM integration credentials rotated",
		zap.String("integration_id", id),
		zap.String("key_id", vault.KeyID(blob)))
	_ = s.AuditService.LogChange(ctx, models.AuditActionSettings, auditModule, id, map[string]models.Change{
		"credentials": {Old: vault.KeyID(cfg.Credentials), New: vault.KeyID(blob)},
	})
	return nil
}

func (s *IntegrationServiceImpl) Disable(ctx context.Context, organizationID, id string) error {
	return s.setStatus(ctx, organizationID, id, StatusInactive)
}

func (s *IntegrationServiceImpl) Enable(ctx context.Context, organizationID, id string) error {
	return s.setStatus(ctx, organizationID, id, StatusActive)
}

func (s *IntegrationServiceImpl) setStatus(ctx context.Context, organizationID, id string, status Status) error {
	cfg, err := s.GetIntegration(ctx, organizationID, id)
	if err != nil {
		return err
	}
	if cfg.Status == StatusSyncing {
		return fmt.Errorf("%w: %s", crmerrors.ErrAlreadySyncing, id)
	}
	if cfg.Status == status {
		return nil
	}

	updates := map[string]interface{}{"status": status}
	if status == StatusActive {
		updates["next_sync"] = s.now()
		updates["last_error"] = ""
	}
	if err := s.Repo.Update(ctx, id, updates); err != nil {
		return err
	}
	_ = s.AuditService.LogChange(ctx, models.AuditActionSettings, auditModule, id, map[string]models.Change{
		"status": {Old: cfg.Status, New: status},
	})
	return nil
}

// TestConnection builds and authenticates a connector without syncing.
func (s *IntegrationServiceImpl) TestConnection(ctx context.Context, organizationID, id string) error {
	cfg, err := s.GetIntegration(ctx, organizationID, id)
	if err != nil {
		return err
	}
	_, err = s.Factory.Build(ctx, cfg.CRMType, cfg.Credentials)
	return err
}

func (s *IntegrationServiceImpl) ListSyncResults(ctx context.Context, organizationID, id string, limit int64) ([]SyncResult, error) {
	if _, err := s.GetIntegration(ctx, organizationID, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	return s.LogRepo.List(ctx, id, limit)
}

func (s *IntegrationServiceImpl) ExportSyncResults(ctx context.Context, organizationID, id string) ([]byte, error) {
	cfg, err := s.GetIntegration(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}
	results, err := s.LogRepo.List(ctx, id, exportLimit)
	if err != nil {
		return nil, err
	}
	return exportResults(cfg, results)
}

func (s *IntegrationServiceImpl) ListConflicts(ctx context.Context, organizationID, id string, limit int64) ([]ConflictRecord, error) {
	if _, err := s.GetIntegration(ctx, organizationID, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return s.ConflictRepo.List(ctx, id, limit)
}
