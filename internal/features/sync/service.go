// Package sync runs synchronization between the local store and an
// organization's external CRM.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"go-crm-sync/internal/common/crmerrors"
	"go-crm-sync/internal/common/models"
	"go-crm-sync/internal/config"
	"go-crm-sync/internal/connectors"
	"go-crm-sync/internal/features/audit"
	"go-crm-sync/internal/features/integration"
	"go-crm-sync/internal/features/localstore"
	"go-crm-sync/internal/features/mapping"
	"go-crm-sync/internal/features/runcontrol"
	"go-crm-sync/internal/logger"
	"go-crm-sync/internal/metrics"
)

const auditModule = "crm_sync"

type SyncService interface {
	// RunSync claims the integration and runs one sync to completion.
	RunSync(ctx context.Context, integrationID string, syncType integration.SyncType) (*integration.SyncResult, error)
	// StartSync claims the integration and continues the run in the
	// background. It returns the run id.
	StartSync(ctx context.Context, integrationID string, syncType integration.SyncType) (string, error)
	CancelSync(ctx context.Context, integrationID string) error
}

type SyncServiceImpl struct {
	Integrations integration.IntegrationRepository
	Logs         integration.SyncLogRepository
	Conflicts    integration.ConflictRepository
	Factory      connectors.Factory
	Store        localstore.Store
	Control      runcontrol.Control
	AuditService audit.AuditService
	Metrics      *metrics.Metrics
	Logger       *zap.Logger

	lease     time.Duration
	pollEvery time.Duration
	now       func() time.Time

	// read-only after construction
	semaphores map[models.CRMType]*semaphore.Weighted
}

func NewSyncService(
	integrations integration.IntegrationRepository,
	logs integration.SyncLogRepository,
	conflicts integration.ConflictRepository,
	factory connectors.Factory,
	store localstore.Store,
	control runcontrol.Control,
	auditService audit.AuditService,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) SyncService {
	return newSyncService(integrations, logs, conflicts, factory, store, control, auditService, m, cfg, logger)
}

func newSyncService(
	integrations integration.IntegrationRepository,
	logs integration.SyncLogRepository,
	conflicts integration.ConflictRepository,
	factory connectors.Factory,
	store localstore.Store,
	control runcontrol.Control,
	auditService audit.AuditService,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) *SyncServiceImpl {
	concurrency := int64(cfg.ProviderConcurrency)
	if concurrency < 1 {
		concurrency = 1
	}
	pollEvery := cfg.CancelPollInterval
	if pollEvery <= 0 {
		pollEvery = 2 * time.Second
	}
	s := &SyncServiceImpl{
		Integrations: integrations,
		Logs:         logs,
		Conflicts:    conflicts,
		Factory:      factory,
		Store:        store,
		Control:      control,
		AuditService: auditService,
		Metrics:      m,
		Logger:       logger,
		lease:        cfg.ClaimLease,
		pollEvery:    pollEvery,
		now:          func() time.Time { return time.Now().UTC() },
		semaphores:   make(map[models.CRMType]*semaphore.Weighted),
	}
	for _, t := range []models.CRMType{models.CRMSalesforce, models.CRMHubSpot, models.CRMZoho, models.CRMPipedrive, models.CRMCustom} {
		s.semaphores[t] = semaphore.NewWeighted(concurrency)
	}
	return s
}

func (s *SyncServiceImpl) providerSlots(crmType models.CRMType) *semaphore.Weighted {
	if sem, ok := s.semaphores[crmType]; ok {
		return sem
	}
	return semaphore.NewWeighted(1)
}

func (s *SyncServiceImpl) claim(ctx context.Context, integrationID string, syncType integration.SyncType) (*integration.IntegrationConfig, error) {
	if !syncType.Valid() {
		return nil, crmerrors.Configuration("unknown sync type %q", syncType)
	}
	cfg, err := s.Integrations.Claim(ctx, integrationID, s.now(), s.lease)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *SyncServiceImpl) RunSync(ctx context.Context, integrationID string, syncType integration.SyncType) (*integration.SyncResult, error) {
	cfg, err := s.claim(ctx, integrationID, syncType)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, cfg, syncType, uuid.NewString())
}

func (s *SyncServiceImpl) StartSync(ctx context.Context, integrationID string, syncType integration.SyncType) (string, error) {
	cfg, err := s.claim(ctx, integrationID, syncType)
	if err != nil {
		return "", err
	}
	runID := uuid.NewString()
	go func() {
		_, _ = s.execute(context.WithoutCancel(ctx), cfg, syncType, runID)
	}()
	return runID, nil
}

// CancelSync asks the run holding the integration to stop at the next
// record boundary, on whichever instance it runs.
func (s *SyncServiceImpl) CancelSync(ctx context.Context, integrationID string) error {
	cfg, err := s.Integrations.Get(ctx, integrationID)
	if err != nil {
		return err
	}
	if cfg.Status != integration.StatusSyncing {
		return crmerrors.Validation("integration %s has no run in progress", integrationID)
	}
	if err := s.Control.RequestCancel(ctx, integrationID); err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	s.Logger.Info("CRM sync cancellation requested", zap.String(logger.IntegrationKey, integrationID))
	return nil
}

// run carries the state of one execution.
type run struct {
	cfg      *integration.IntegrationConfig
	conn     connectors.Connector
	scope    localstore.Scope
	since    *time.Time
	provider string
	log      *zap.Logger
	result   *integration.SyncResult

	fatal       error
	fetchFailed bool
}

func (s *SyncServiceImpl) execute(ctx context.Context, cfg *integration.IntegrationConfig, requested integration.SyncType, runID string) (*integration.SyncResult, error) {
	start := s.now()
	id := cfg.ID.Hex()
	r := &run{
		cfg:      cfg,
		scope:    localstore.Scope{OrganizationID: cfg.OrganizationID, IntegrationID: id},
		provider: string(cfg.CRMType),
		log: s.Logger.With(
			zap.String(logger.OrganizationKey, cfg.OrganizationID),
			zap.String(logger.IntegrationKey, id),
			zap.String(logger.RunKey, runID),
		),
		result: &integration.SyncResult{
			IntegrationID:  id,
			OrganizationID: cfg.OrganizationID,
			RunID:          runID,
			SyncType:       requested,
			StartedAt:      start,
			Errors:         []string{},
		},
	}
	if cfg.LastSync == nil {
		r.result.SyncType = integration.SyncTypeFull
	}
	if r.result.SyncType == integration.SyncTypeIncremental {
		since := *cfg.LastSync
		r.since = &since
	}

	s.Metrics.RunStarted()
	r.log.Info("CRM sync started",
		zap.String("crm_type", r.provider),
		zap.String("sync_type", string(r.result.SyncType)))

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go runcontrol.Watch(runCtx, s.Control, id, s.pollEvery, cancel)

	// Always hand the claim back, on a context the caller cannot cancel.
	defer s.finish(context.WithoutCancel(ctx), r, start)

	conn, err := s.Factory.Build(runCtx, cfg.CRMType, cfg.Credentials, connectors.WithFields(crmFields(cfg.MappingConfig)))
	if err != nil {
		if runCtx.Err() != nil {
			r.result.Cancelled = true
			r.result.Notes = append(r.result.Notes, cancelNote(runCtx))
			return r.result, nil
		}
		r.fatal = err
		r.result.Errors = append(r.result.Errors, fmt.Sprintf("connect to %s: %v", r.provider, err))
		return r.result, err
	}
	r.conn = conn

	subs := s.plan(r)
	s.fetch(runCtx, r, subs)
	if runCtx.Err() == nil {
		s.resolveConflicts(runCtx, r, subs)
		s.process(runCtx, r, subs)
	}
	for _, sub := range subs {
		if sub.tally.fatal != nil && r.fatal == nil {
			r.fatal = sub.tally.fatal
		}
	}
	aggregate(r.result, subs)
	if runCtx.Err() != nil && !r.result.Cancelled {
		r.result.Cancelled = true
	}
	if r.result.Cancelled {
		r.result.Notes = append(r.result.Notes, cancelNote(runCtx))
	}
	if r.fatal != nil {
		return r.result, r.fatal
	}
	return r.result, nil
}

func cancelNote(ctx context.Context) string {
	if errors.Is(context.Cause(ctx), runcontrol.ErrCancelRequested) {
		return "run cancelled by operator"
	}
	return fmt.Sprintf("run cancelled: %v", context.Cause(ctx))
}

// crmFields lists the provider fields each entity's mappings read.
func crmFields(mappings []mapping.FieldMapping) map[string][]string {
	out := make(map[string][]string)
	for _, m := range mappings {
		key := string(m.Entity())
		out[key] = append(out[key], m.CRMField)
	}
	return out
}

// plan lists the sub-syncs the integration's direction and mappings enable,
// in processing order.
func (s *SyncServiceImpl) plan(r *run) []*subSync {
	direction := r.cfg.SyncSettings.SyncDirection
	var subs []*subSync
	for _, entity := range models.EntityTypes {
		mappings := mapping.ForEntity(r.cfg.MappingConfig, entity)
		if len(mappings) == 0 {
			continue
		}
		if direction.FromCRM() {
			subs = append(subs, &subSync{entity: entity, direction: mapping.FromCRM, mappings: mappings})
		}
		// The connector has no write path for activities.
		if direction.ToCRM() && entity != models.EntityActivity {
			subs = append(subs, &subSync{entity: entity, direction: mapping.ToCRM, mappings: mappings})
		}
	}
	return subs
}

// fetch loads every sub-sync's candidate set concurrently.
func (s *SyncServiceImpl) fetch(ctx context.Context, r *run, subs []*subSync) {
	sem := s.providerSlots(r.cfg.CRMType)
	batch := r.cfg.SyncSettings.BatchSize

	var g errgroup.Group
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			if sub.direction == mapping.ToCRM {
				sub.localRecords, sub.fetchErr = s.Store.ListPendingForCRM(ctx, r.scope, sub.entity, batch)
				return nil
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				sub.fetchErr = err
				return nil
			}
			defer sem.Release(1)
			sub.crmRecords, sub.fetchErr = connectors.Fetch(ctx, r.conn, sub.entity, r.since)
			return nil
		})
	}
	_ = g.Wait()

	for _, sub := range subs {
		if sub.fetchErr == nil {
			continue
		}
		if ctx.Err() != nil {
			sub.tally.cancelled = true
			continue
		}
		r.fetchFailed = true
		r.result.Errors = append(r.result.Errors, fmt.Sprintf("fetch %s: %v", sub.label(), sub.fetchErr))
		r.log.Error("CRM sync fetch failed", zap.String("sub_sync", sub.label()), zap.Error(sub.fetchErr))
		if crmerrors.IsRunFatal(sub.fetchErr) && r.fatal == nil {
			r.fatal = sub.fetchErr
		}
	}
}

// process runs the sub-syncs concurrently under the provider semaphore.
func (s *SyncServiceImpl) process(ctx context.Context, r *run, subs []*subSync) {
	sem := s.providerSlots(r.cfg.CRMType)

	var g errgroup.Group
	for _, sub := range subs {
		sub := sub
		if sub.fetchErr != nil {
			continue
		}
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				sub.tally.cancelled = true
				return nil
			}
			defer sem.Release(1)
			if sub.direction == mapping.FromCRM {
				s.syncFromCRM(ctx, r, sub)
			} else {
				s.syncToCRM(ctx, r, sub)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// finish persists the result and releases the claim.
func (s *SyncServiceImpl) finish(ctx context.Context, r *run, start time.Time) {
	res := r.result
	id := res.IntegrationID
	finished := s.now()
	res.FinishedAt = finished
	res.SyncDurationMs = finished.Sub(start).Milliseconds()
	res.Success = res.RecordsFailed == 0 && !r.fetchFailed && !res.Cancelled && r.fatal == nil

	release := integration.Release{
		Status:   integration.StatusActive,
		NextSync: finished.Add(r.cfg.SyncSettings.Frequency()),
	}
	if r.fatal != nil {
		release.Status = integration.StatusError
		release.LastError = r.fatal.Error()
	}
	// Only a run that saw every candidate may move the cursor.
	if r.fatal == nil && !r.fetchFailed && !res.Cancelled {
		cursor := start
		release.LastSync = &cursor
		res.LastSyncToken = cursor.Format(time.RFC3339Nano)
	}

	outcome := "success"
	switch {
	case res.Cancelled:
		outcome = "cancelled"
	case r.fatal != nil || r.fetchFailed:
		outcome = "failed"
	case res.RecordsFailed > 0:
		outcome = "partial"
	}

	if err := s.Logs.Create(ctx, res); err != nil {
		r.log.Error("Failed to persist sync result", zap.Error(err))
	}
	if err := s.Integrations.Release(ctx, id, release); err != nil {
		r.log.Error("Failed to release integration", zap.Error(err))
	}
	if err := s.Control.Clear(ctx, id); err != nil {
		r.log.Warn("Failed to clear cancel flag", zap.Error(err))
	}

	s.Metrics.RunFinished(r.provider, string(res.SyncType), outcome, finished.Sub(start))
	auditCtx := context.WithValue(ctx, models.OrganizationIDKey, res.OrganizationID)
	_ = s.AuditService.LogChange(auditCtx, models.AuditActionSync, auditModule, id, map[string]models.Change{
		"status":    {New: outcome},
		"run_id":    {New: res.RunID},
		"processed": {New: res.RecordsProcessed},
		"failed":    {New: res.RecordsFailed},
	})

	r.log.Info("CRM sync finished",
		zap.String("outcome", outcome),
		zap.Int("processed", res.RecordsProcessed),
		zap.Int("success", res.RecordsSuccess),
		zap.Int("failed", res.RecordsFailed),
		zap.Int("skipped", res.RecordsSkipped),
		zap.Int("conflicts", res.Conflicts),
		zap.Int64("duration_ms", res.SyncDurationMs))
}
