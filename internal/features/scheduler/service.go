// Package scheduler triggers incremental runs for integrations whose
// next_sync has passed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"go-crm-sync/internal/common/crmerrors"
	"go-crm-sync/internal/config"
	"go-crm-sync/internal/features/audit"
	"go-crm-sync/internal/features/integration"
	sync_feature "go-crm-sync/internal/features/sync"
	"go-crm-sync/internal/logger"
	"go-crm-sync/internal/metrics"
)

// Actor is recorded in the audit trail for scheduled runs.
const Actor = "scheduler"

type SchedulerService interface {
	Start(ctx context.Context) error
	Stop() error
	// Tick starts runs for the integrations due now and returns how many
	// were started. It does not wait for them.
	Tick(ctx context.Context) int
}

type SchedulerServiceImpl struct {
	Integrations integration.IntegrationRepository
	Sync         sync_feature.SyncService
	Metrics      *metrics.Metrics
	Logger       *zap.Logger

	spec  string
	slots *semaphore.Weighted
	now   func() time.Time

	mu        sync.Mutex
	scheduler *cron.Cron
	base      context.Context
	stop      context.CancelFunc
	inFlight  sync.WaitGroup
}

func NewSchedulerService(
	integrations integration.IntegrationRepository,
	syncService sync_feature.SyncService,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) SchedulerService {
	parallel := int64(cfg.SchedulerMaxParallel)
	if parallel < 1 {
		parallel = 1
	}
	base, stop := context.WithCancel(context.Background())
	return &SchedulerServiceImpl{
		Integrations: integrations,
		Sync:         syncService,
		Metrics:      m,
		Logger:       logger,
		spec:         cfg.SchedulerSpec,
		slots:        semaphore.NewWeighted(parallel),
		now:          func() time.Time { return time.Now().UTC() },
		base:         base,
		stop:         stop,
	}
}

func (s *SchedulerServiceImpl) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler != nil {
		return nil
	}

	cronLog := cronLogger{s.Logger}
	c := cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))
	if _, err := c.AddFunc(s.spec, func() { s.Tick(s.base) }); err != nil {
		return fmt.Errorf("invalid scheduler spec %q: %w", s.spec, err)
	}
	c.Start()
	s.scheduler = c
	s.Logger.Info("CRM sync scheduler started", zap.String("spec", s.spec))
	return nil
}

// Stop halts the schedule, cancels in-flight runs and waits for them to
// hand their claims back.
func (s *SchedulerServiceImpl) Stop() error {
	s.mu.Lock()
	c := s.scheduler
	s.scheduler = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	s.stop()
	s.inFlight.Wait()
	return nil
}

func (s *SchedulerServiceImpl) Tick(ctx context.Context) int {
	due, err := s.Integrations.ListDue(ctx, s.now())
	if err != nil {
		s.Logger.Error("Failed to list due integrations", zap.Error(err))
		return 0
	}

	started := 0
	for i := range due {
		cfg := due[i]
		// Without a free slot the integration stays due for the next tick.
		if !s.slots.TryAcquire(1) {
			s.Logger.Debug("Scheduler at capacity", zap.Int("waiting", len(due)-i))
			break
		}
		started++
		s.inFlight.Add(1)
		go func() {
			defer s.inFlight.Done()
			defer s.slots.Release(1)
			s.run(ctx, &cfg)
		}()
	}
	return started
}

func (s *SchedulerServiceImpl) run(ctx context.Context, cfg *integration.IntegrationConfig) {
	id := cfg.ID.Hex()
	log := s.Logger.With(
		zap.String(logger.OrganizationKey, cfg.OrganizationID),
		zap.String(logger.IntegrationKey, id))

	runCtx := audit.WithActor(ctx, cfg.OrganizationID, Actor)
	_, err := s.Sync.RunSync(runCtx, id, integration.SyncTypeIncremental)
	switch {
	case err == nil:
	case errors.Is(err, crmerrors.ErrAlreadySyncing), errors.Is(err, crmerrors.ErrIntegrationInactive):
		s.Metrics.ScheduledSkip()
		log.Debug("Scheduled run skipped", zap.Error(err))
	default:
		log.Warn("Scheduled run failed", zap.Error(err))
	}
}

// cronLogger routes robfig/cron messages into zap.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().With(zap.Error(err)).Errorw(msg, keysAndValues...)
}
