// Package localstore is the local side of the sync: lead, opportunity and
// activity rows plus the per-integration links that tie them to CRM ids.
package localstore

import (
	"context"
	"time"

	"go-crm-sync/internal/common/models"
)

// Scope pins every call to one tenant and, for link lookups, one integration.
type Scope struct {
	OrganizationID string
	IntegrationID  string
}

// Record is one local entity row. ExternalID and LastSyncedAt come from the
// link row of the scope's integration and are empty when unlinked.
type Record struct {
	ID             string
	OrganizationID string
	Entity         models.EntityType
	Fields         map[string]any
	Version        int64
	UpdatedAt      time.Time
	ExternalID     string
	LastSyncedAt   *time.Time
}

type Store interface {
	EnsureSchema(ctx context.Context) error

	// Get returns crmerrors.ErrNotFound when the row does not exist.
	Get(ctx context.Context, scope Scope, entity models.EntityType, id string) (*Record, error)
	// FindByExternalID returns nil, nil when no row is linked to externalID.
	FindByExternalID(ctx context.Context, scope Scope, entity models.EntityType, externalID string) (*Record, error)
	// FindBySoftIdentity matches on models.IdentityField. More than one
	// result means the identity is ambiguous.
	FindBySoftIdentity(ctx context.Context, scope Scope, entity models.EntityType, value string) ([]Record, error)

	Create(ctx context.Context, scope Scope, entity models.EntityType, fields map[string]any) (*Record, error)
	// Update applies fields when the row is still at expectedVersion and
	// returns crmerrors.ErrStaleVersion otherwise.
	Update(ctx context.Context, scope Scope, entity models.EntityType, id string, fields map[string]any, expectedVersion int64) error

	// ListPendingForCRM returns rows never pushed to the integration or
	// changed since their last sync, oldest change first. A row whose push
	// failed stays pending until a later push links it.
	ListPendingForCRM(ctx context.Context, scope Scope, entity models.EntityType, batchSize int) ([]Record, error)

	// Link records externalID for the row and stamps it as synced now.
	Link(ctx context.Context, scope Scope, entity models.EntityType, localID, externalID string) error
}

type table struct {
	name     string
	dates    map[string]bool
	numerics map[string]bool
}

var tables = map[models.EntityType]table{
	models.EntityLead: {name: "leads"},
	models.EntityOpportunity: {
		name:     "opportunities",
		dates:    map[string]bool{"close_date": true},
		numerics: map[string]bool{"amount": true, "probability": true},
	},
	models.EntityActivity: {
		name:  "activities",
		dates: map[string]bool{"due_date": true},
	},
}

// writable keeps the known columns of entity, in column order.
func writable(entity models.EntityType, fields map[string]any) ([]string, []any) {
	var cols []string
	var vals []any
	t := tables[entity]
	for _, col := range models.LocalFields[entity] {
		v, ok := fields[col]
		if !ok {
			continue
		}
		if s, isString := v.(string); isString && s == "" && (t.dates[col] || t.numerics[col]) {
			v = nil
		}
		cols = append(cols, col)
		vals = append(vals, v)
	}
	return cols, vals
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
