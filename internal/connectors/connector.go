package connectors

import (
	"context"
	"time"

	"go-crm-sync/internal/common/models"
)

// Record is a CRM object flattened to field name -> value.
type Record struct {
	ExternalID string
	Fields     map[string]any
	ModifiedAt time.Time
}

// Connector is the uniform capability set of every CRM variant.
//
// Fetches return (nil, nil) for an empty result; authentication problems
// always surface as crmerrors.ErrAuthentication. Find methods return
// (nil, nil) when nothing matches. Implementations are safe for concurrent
// use.
type Connector interface {
	Provider() string

	// Authenticate establishes or verifies a session with the provider
	Authenticate(ctx context.Context) error

	// since == nil fetches everything
	GetLeads(ctx context.Context, since *time.Time) ([]Record, error)
	GetOpportunities(ctx context.Context, since *time.Time) ([]Record, error)
	GetActivities(ctx context.Context, since *time.Time) ([]Record, error)

	CreateLead(ctx context.Context, fields map[string]any) (string, error)
	UpdateLead(ctx context.Context, externalID string, fields map[string]any) error
	FindLeadByEmail(ctx context.Context, email string) (*Record, error)

	CreateOpportunity(ctx context.Context, fields map[string]any) (string, error)
	UpdateOpportunity(ctx context.Context, externalID string, fields map[string]any) error
	FindOpportunityByName(ctx context.Context, name string) (*Record, error)
}

// Fetch dispatches to the Get method of entity.
func Fetch(ctx context.Context, c Connector, entity models.EntityType, since *time.Time) ([]Record, error) {
	switch entity {
	case models.EntityOpportunity:
		return c.GetOpportunities(ctx, since)
	case models.EntityActivity:
		return c.GetActivities(ctx, since)
	default:
		return c.GetLeads(ctx, since)
	}
}
