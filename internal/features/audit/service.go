package audit

import (
	"context"
	"time"

	"go-crm-sync/internal/common/models"
	"go-crm-sync/pkg/utils"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type AuditService interface {
	LogChange(ctx context.Context, action models.AuditAction, module string, recordID string, changes map[string]models.Change) error
	ListLogs(ctx context.Context, organizationID string, filters map[string]interface{}, page, limit int64) ([]models.AuditLog, error)
}

type AuditServiceImpl struct {
	Repo   AuditRepository
	Logger *zap.Logger
}

func NewAuditService(repo AuditRepository, logger *zap.Logger) AuditService {
	return &AuditServiceImpl{
		Repo:   repo,
		Logger: logger,
	}
}

// WithActor returns a context that LogChange attributes to the given user
// and organization. Request handlers get this from the auth middleware.
func WithActor(ctx context.Context, organizationID, actorID string) context.Context {
	ctx = context.WithValue(ctx, models.OrganizationIDKey, organizationID)
	return context.WithValue(ctx, utils.UserClaimsKey, &utils.UserClaims{
		UserID:         actorID,
		OrganizationID: organizationID,
	})
}

func (s *AuditServiceImpl) LogChange(ctx context.Context, action models.AuditAction, module string, recordID string, changes map[string]models.Change) error {
	actorID := "system"
	if claims, ok := ctx.Value(utils.UserClaimsKey).(*utils.UserClaims); ok && claims.UserID != "" {
		actorID = claims.UserID
	}
	organizationID, _ := ctx.Value(models.OrganizationIDKey).(string)

	log := models.AuditLog{
		ID:             primitive.NewObjectID(),
		OrganizationID: organizationID,
		Action:         action,
		Module:         module,
		RecordID:       recordID,
		ActorID:        actorID,
		Changes:        changes,
		Timestamp:      time.Now().UTC(),
	}

	if err := s.Repo.Create(ctx, log); err != nil {
		s.Logger.Warn("Failed to write audit log",
			zap.String("action", string(action)),
			zap.String("module", module),
			zap.String("record_id", recordID),
			zap.Error(err))
		return err
	}
	return nil
}

func (s *AuditServiceImpl) ListLogs(ctx context.Context, organizationID string, filters map[string]interface{}, page, limit int64) ([]models.AuditLog, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	offset := (page - 1) * limit
	return s.Repo.List(ctx, organizationID, filters, limit, offset)
}
