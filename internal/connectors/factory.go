package connectors

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"go-crm-sync/internal/common/crmerrors"
	"go-crm-sync/internal/common/models"
	"go-crm-sync/internal/config"
	"go-crm-sync/internal/features/vault"
	"go-crm-sync/internal/metrics"
)

// Builder constructs an unauthenticated connector from decrypted credentials.
type Builder func(creds vault.Credentials, opts Options) (Connector, error)

// BuildOption adjusts Options for a single Build call.
type BuildOption func(*Options)

// WithFields asks the connector to fetch extra provider fields, keyed by
// entity type.
func WithFields(fields map[string][]string) BuildOption {
	return func(o *Options) {
		o.Fields = fields
	}
}

type Factory interface {
	Build(ctx context.Context, crmType models.CRMType, encryptedCredentials string, opts ...BuildOption) (Connector, error)
	Register(crmType models.CRMType, builder Builder)
	Providers() []models.CRMType
}

type FactoryImpl struct {
	vault  vault.Vault
	base   Options
	logger *zap.Logger

	mu       sync.RWMutex
	builders map[models.CRMType]Builder
}

func NewFactory(v vault.Vault, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) Factory {
	return NewFactoryWithOptions(v, Options{
		HTTPClient:      &http.Client{},
		Timeout:         cfg.CallTimeout,
		MaxAttempts:     cfg.RetryMaxAttempts,
		InitialInterval: cfg.RetryInitialInterval,
		Limiters:        NewLimiterPool(cfg.ProviderRPS),
		Metrics:         m,
	}, logger)
}

// NewFactoryWithOptions registers the built-in variants with base options.
func NewFactoryWithOptions(v vault.Vault, base Options, logger *zap.Logger) *FactoryImpl {
	f := &FactoryImpl{
		vault:    v,
		base:     base.withDefaults(),
		logger:   logger,
		builders: make(map[models.CRMType]Builder),
	}
	f.Register(models.CRMSalesforce, NewSalesforceConnector)
	f.Register(models.CRMHubSpot, NewHubSpotConnector)
	f.Register(models.CRMZoho, NewZohoConnector)
	f.Register(models.CRMPipedrive, NewPipedriveConnector)
	return f
}

func (f *FactoryImpl) Register(crmType models.CRMType, builder Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[crmType] = builder
}

func (f *FactoryImpl) Providers() []models.CRMType {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]models.CRMType, 0, len(f.builders))
	for t := range f.builders {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Build decrypts credentials, constructs the variant for crmType and
// authenticates it. Transient authentication failures are retried.
func (f *FactoryImpl) Build(ctx context.Context, crmType models.CRMType, encryptedCredentials string, opts ...BuildOption) (Connector, error) {
	f.mu.RLock()
	builder, ok := f.builders[crmType]
	f.mu.RUnlock()
	if !ok {
		return nil, crmerrors.Configuration("no connector registered for crm type %q", crmType)
	}

	creds, err := f.vault.Decrypt(encryptedCredentials)
	if err != nil {
		return nil, err
	}

	options := f.base
	for _, opt := range opts {
		opt(&options)
	}

	conn, err := builder(creds, options)
	if err != nil {
		return nil, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = options.InitialInterval
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(options.MaxAttempts-1)), ctx)
	err = backoff.Retry(func() error {
		err := conn.Authenticate(ctx)
		if err != nil && !crmerrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, retry)
	if err != nil {
		f.logger.Warn("Connector authentication failed",
			zap.String("crm_type", string(crmType)),
			zap.Object("credentials", creds),
			zap.Error(err))
		if crmerrors.IsRunFatal(err) || crmerrors.IsRetryable(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", crmerrors.ErrAuthentication, err)
	}
	return conn, nil
}
