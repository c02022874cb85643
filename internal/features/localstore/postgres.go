package localstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"go-crm-sync/internal/common/crmerrors"
	"go-crm-sync/internal/common/models"
	"go-crm-sync/internal/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS leads (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	first_name      TEXT,
	last_name       TEXT,
	email           TEXT,
	phone           TEXT,
	company         TEXT,
	job_title       TEXT,
	lead_source     TEXT,
	status          TEXT,
	version         BIGINT NOT NULL DEFAULT 1,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS leads_org_email_idx ON leads (organization_id, lower(email));
CREATE INDEX IF NOT EXISTS leads_org_updated_idx ON leads (organization_id, updated_at);

CREATE TABLE IF NOT EXISTS opportunities (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	name            TEXT,
	amount          NUMERIC(18,2),
	stage           TEXT,
	close_date      DATE,
	probability     NUMERIC(5,2),
	description     TEXT,
	version         BIGINT NOT NULL DEFAULT 1,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS opportunities_org_name_idx ON opportunities (organization_id, name);
CREATE INDEX IF NOT EXISTS opportunities_org_updated_idx ON opportunities (organization_id, updated_at);

CREATE TABLE IF NOT EXISTS activities (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	subject         TEXT,
	activity_type   TEXT,
	due_date        DATE,
	status          TEXT,
	description     TEXT,
	version         BIGINT NOT NULL DEFAULT 1,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS crm_record_links (
	integration_id TEXT NOT NULL,
	entity_type    TEXT NOT NULL,
	local_id       TEXT NOT NULL,
	external_id    TEXT NOT NULL,
	last_synced_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (integration_id, entity_type, local_id),
	UNIQUE (integration_id, entity_type, external_id)
);
`

type PostgresStore struct {
	db       *sql.DB
	logger   *zap.Logger
	timeout  time.Duration
	attempts int
	interval time.Duration
	now      func() time.Time
}

func NewPostgresStore(db *sql.DB, cfg *config.Config, logger *zap.Logger) Store {
	return newPostgresStore(db, cfg, logger)
}

func newPostgresStore(db *sql.DB, cfg *config.Config, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:       db,
		logger:   logger,
		timeout:  cfg.CallTimeout,
		attempts: cfg.RetryMaxAttempts,
		interval: cfg.RetryInitialInterval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create local store schema: %w", err)
	}
	return nil
}

// retry runs op with a per-attempt timeout and retries connection-level
// failures with exponential backoff.
func (s *PostgresStore) retry(ctx context.Context, op func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.interval
	maxRetries := s.attempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		err := op(callCtx)
		if err == nil {
			return nil
		}
		if isTransientDBError(err) && ctx.Err() == nil {
			s.logger.Debug("Retrying local store call", zap.Int("attempt", attempt), zap.Error(err))
			return crmerrors.Transient("local store: %v", err)
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxRetries)), ctx))
	return err
}

func isTransientDBError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// selectFrom joins the entity table with the link rows of $1's integration.
func selectFrom(entity models.EntityType) string {
	t := tables[entity]
	cols := make([]string, 0, len(models.LocalFields[entity]))
	for _, c := range models.LocalFields[entity] {
		cols = append(cols, "t."+c)
	}
	return fmt.Sprintf(
		"SELECT t.id, t.organization_id, t.version, t.updated_at, %s, COALESCE(l.external_id, ''), l.last_synced_at FROM %s t "+
			"LEFT JOIN crm_record_links l ON l.local_id = t.id AND l.entity_type = '%s' AND l.integration_id = $1",
		strings.Join(cols, ", "), t.name, entity)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, entity models.EntityType) (*Record, error) {
	fields := models.LocalFields[entity]
	values := make([]any, len(fields))
	var (
		rec    = Record{Entity: entity, Fields: make(map[string]any, len(fields))}
		synced sql.NullTime
	)
	dest := []any{&rec.ID, &rec.OrganizationID, &rec.Version, &rec.UpdatedAt}
	for i := range values {
		dest = append(dest, &values[i])
	}
	dest = append(dest, &rec.ExternalID, &synced)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	t := tables[entity]
	for i, col := range fields {
		rec.Fields[col] = normalize(values[i], t.dates[col])
	}
	if synced.Valid {
		at := synced.Time
		rec.LastSyncedAt = &at
	}
	return &rec, nil
}

// normalize converts driver values to the shapes the field mapper emits, so
// unchanged rows compare equal to freshly transformed ones.
func normalize(v any, date bool) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		if date {
			return t.UTC().Format("2006-01-02")
		}
		return t.UTC().Format(time.RFC3339)
	}
	return v
}

func (s *PostgresStore) queryRecords(ctx context.Context, entity models.EntityType, query string, args ...any) ([]Record, error) {
	var out []Record
	err := s.retry(ctx, func(ctx context.Context) error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanRecord(rows, entity)
			if err != nil {
				return err
			}
			out = append(out, *rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", tables[entity].name, err)
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, scope Scope, entity models.EntityType, id string) (*Record, error) {
	recs, err := s.queryRecords(ctx, entity,
		selectFrom(entity)+" WHERE t.organization_id = $2 AND t.id = $3",
		scope.IntegrationID, scope.OrganizationID, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, crmerrors.NotFound("%s %s", entity, id)
	}
	return &recs[0], nil
}

func (s *PostgresStore) FindByExternalID(ctx context.Context, scope Scope, entity models.EntityType, externalID string) (*Record, error) {
	recs, err := s.queryRecords(ctx, entity,
		selectFrom(entity)+" WHERE t.organization_id = $2 AND l.external_id = $3",
		scope.IntegrationID, scope.OrganizationID, externalID)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func (s *PostgresStore) FindBySoftIdentity(ctx context.Context, scope Scope, entity models.EntityType, value string) ([]Record, error) {
	field := models.IdentityField(entity)
	if field == "" || strings.TrimSpace(value) == "" {
		return nil, nil
	}
	cond := "t." + field + " = $3"
	if field == "email" {
		cond = "lower(t.email) = lower($3)"
	}
	return s.queryRecords(ctx, entity,
		selectFrom(entity)+" WHERE t.organization_id = $2 AND "+cond+" ORDER BY t.id LIMIT 2",
		scope.IntegrationID, scope.OrganizationID, strings.TrimSpace(value))
}

func (s *PostgresStore) Create(ctx context.Context, scope Scope, entity models.EntityType, fields map[string]any) (*Record, error) {
	cols, vals := writable(entity, fields)
	now := s.now()
	rec := &Record{
		ID:             uuid.NewString(),
		OrganizationID: scope.OrganizationID,
		Entity:         entity,
		Fields:         copyFields(fields),
		Version:        1,
		UpdatedAt:      now,
	}

	names := append([]string{"id", "organization_id", "version", "created_at", "updated_at"}, cols...)
	args := append([]any{rec.ID, rec.OrganizationID, rec.Version, now, now}, vals...)
	marks := make([]string, len(args))
	for i := range marks {
		marks[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", tables[entity].name, strings.Join(names, ", "), strings.Join(marks, ", "))

	err := s.retry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", entity, err)
	}
	return rec, nil
}

func (s *PostgresStore) Update(ctx context.Context, scope Scope, entity models.EntityType, id string, fields map[string]any, expectedVersion int64) error {
	cols, vals := writable(entity, fields)
	if len(cols) == 0 {
		return nil
	}
	sets := make([]string, 0, len(cols)+2)
	for i, c := range cols {
		sets = append(sets, fmt.Sprintf("%s = $%d", c, i+1))
	}
	n := len(cols)
	sets = append(sets, "version = version + 1", fmt.Sprintf("updated_at = $%d", n+1))
	query := fmt.Sprintf("UPDATE %s SET %s WHERE organization_id = $%d AND id = $%d AND version = $%d",
		tables[entity].name, strings.Join(sets, ", "), n+2, n+3, n+4)
	args := append(vals, s.now(), scope.OrganizationID, id, expectedVersion)

	var affected int64
	err := s.retry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update %s %s: %w", entity, id, err)
	}
	if affected == 1 {
		return nil
	}

	var exists bool
	err = s.retry(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE organization_id = $1 AND id = $2)", tables[entity].name),
			scope.OrganizationID, id).Scan(&exists)
	})
	if err != nil {
		return fmt.Errorf("check %s %s: %w", entity, id, err)
	}
	if !exists {
		return crmerrors.NotFound("%s %s", entity, id)
	}
	return fmt.Errorf("%w: %s %s at version %d", crmerrors.ErrStaleVersion, entity, id, expectedVersion)
}

func (s *PostgresStore) ListPendingForCRM(ctx context.Context, scope Scope, entity models.EntityType, batchSize int) ([]Record, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	base := selectFrom(entity) + " WHERE t.organization_id = $2 AND (l.last_synced_at IS NULL OR t.updated_at > l.last_synced_at)"
	args := []any{scope.IntegrationID, scope.OrganizationID}

	var (
		out       []Record
		afterTime time.Time
		afterID   string
	)
	for {
		query := base
		pageArgs := append([]any{}, args...)
		if afterID != "" {
			query += fmt.Sprintf(" AND (t.updated_at, t.id) > ($%d, $%d)", len(pageArgs)+1, len(pageArgs)+2)
			pageArgs = append(pageArgs, afterTime, afterID)
		}
		query += fmt.Sprintf(" ORDER BY t.updated_at, t.id LIMIT %d", batchSize)

		page, err := s.queryRecords(ctx, entity, query, pageArgs...)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < batchSize {
			return out, nil
		}
		last := page[len(page)-1]
		afterTime, afterID = last.UpdatedAt, last.ID
	}
}

func (s *PostgresStore) Link(ctx context.Context, scope Scope, entity models.EntityType, localID, externalID string) error {
	const query = `INSERT INTO crm_record_links (integration_id, entity_type, local_id, external_id, last_synced_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (integration_id, entity_type, local_id)
DO UPDATE SET external_id = EXCLUDED.external_id, last_synced_at = EXCLUDED.last_synced_at`

	err := s.retry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, scope.IntegrationID, string(entity), localID, externalID, s.now())
		return err
	})
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return crmerrors.IdentityConflict("%s %s is already linked to another local record", entity, externalID)
		}
		return fmt.Errorf("link %s %s: %w", entity, localID, err)
	}
	return nil
}
