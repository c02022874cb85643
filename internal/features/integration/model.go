package integration

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"go-crm-sync/internal/common/crmerrors"
	"go-crm-sync/internal/common/models"
	"go-crm-sync/internal/features/mapping"
)

type Status string

const (
	StatusInactive Status = "inactive"
	StatusActive   Status = "active"
	StatusSyncing  Status = "syncing"
	StatusError    Status = "error"
)

type SyncDirection string

const (
	DirectionBidirectional SyncDirection = "bidirectional"
	DirectionFromCRM       SyncDirection = "from_crm"
	DirectionToCRM         SyncDirection = "to_crm"
)

func (d SyncDirection) FromCRM() bool {
	return d == DirectionBidirectional || d == DirectionFromCRM
}

func (d SyncDirection) ToCRM() bool {
	return d == DirectionBidirectional || d == DirectionToCRM
}

type ConflictResolution string

const (
	CRMWins   ConflictResolution = "crm_wins"
	LocalWins ConflictResolution = "local_wins"
	Manual    ConflictResolution = "manual"
)

type SyncType string

const (
	SyncTypeFull        SyncType = "full"
	SyncTypeIncremental SyncType = "incremental"
)

func (t SyncType) Valid() bool {
	return t == SyncTypeFull || t == SyncTypeIncremental
}

type SyncSettings struct {
	SyncFrequencyMinutes int                `json:"sync_frequency_minutes" bson:"sync_frequency_minutes"`
	SyncDirection        SyncDirection      `json:"sync_direction" bson:"sync_direction"`
	AutoCreateRecords    bool               `json:"auto_create_records" bson:"auto_create_records"`
	ConflictResolution   ConflictResolution `json:"conflict_resolution" bson:"conflict_resolution"`
	BatchSize            int                `json:"batch_size" bson:"batch_size"`
}

func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		SyncFrequencyMinutes: 15,
		SyncDirection:        DirectionBidirectional,
		AutoCreateRecords:    true,
		ConflictResolution:   CRMWins,
		BatchSize:            100,
	}
}

// Validate rejects settings the orchestrator cannot run with.
func (s SyncSettings) Validate() error {
	if s.SyncFrequencyMinutes < 1 {
		return crmerrors.Configuration("sync_frequency_minutes must be at least 1")
	}
	switch s.SyncDirection {
	case DirectionBidirectional, DirectionFromCRM, DirectionToCRM:
	default:
		return crmerrors.Configuration("unknown sync_direction %q", s.SyncDirection)
	}
	switch s.ConflictResolution {
	case CRMWins, LocalWins, Manual:
	default:
		return crmerrors.Configuration("unknown conflict_resolution %q", s.ConflictResolution)
	}
	if s.BatchSize < 1 || s.BatchSize > 1000 {
		return crmerrors.Configuration("batch_size must be between 1 and 1000")
	}
	return nil
}

// Frequency is the delay between two scheduled runs.
func (s SyncSettings) Frequency() time.Duration {
	return time.Duration(s.SyncFrequencyMinutes) * time.Minute
}

// IntegrationConfig links one organization to one external CRM.
type IntegrationConfig struct {
	ID             primitive.ObjectID     `json:"id" bson:"_id,omitempty"`
	OrganizationID string                 `json:"organization_id" bson:"organization_id"`
	Name           string                 `json:"name" bson:"name"`
	CRMType        models.CRMType         `json:"crm_type" bson:"crm_type"`
	Credentials    string                 `json:"-" bson:"credentials"`
	MappingConfig  []mapping.FieldMapping `json:"mapping_config" bson:"mapping_config"`
	SyncSettings   SyncSettings           `json:"sync_settings" bson:"sync_settings"`
	Status         Status                 `json:"status" bson:"status"`
	LastError      string                 `json:"last_error,omitempty" bson:"last_error,omitempty"`
	LastSync       *time.Time             `json:"last_sync,omitempty" bson:"last_sync,omitempty"`
	NextSync       *time.Time             `json:"next_sync,omitempty" bson:"next_sync,omitempty"`
	SyncStartedAt  *time.Time             `json:"sync_started_at,omitempty" bson:"sync_started_at,omitempty"`
	CreatedAt      time.Time              `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at" bson:"updated_at"`
}

// DisplayName is the default integration name for a provider.
func DisplayName(crmType models.CRMType) string {
	names := map[models.CRMType]string{
		models.CRMSalesforce: "Salesforce",
		models.CRMHubSpot:    "HubSpot",
		models.CRMZoho:       "Zoho",
		models.CRMPipedrive:  "Pipedrive",
		models.CRMCustom:     "Custom",
	}
	name, ok := names[crmType]
	if !ok {
		name = string(crmType)
	}
	return fmt.Sprintf("%s Integration", name)
}

// SyncResult is the immutable record of one run.
type SyncResult struct {
	ID               primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	IntegrationID    string             `json:"integration_id" bson:"integration_id"`
	OrganizationID   string             `json:"organization_id" bson:"organization_id"`
	RunID            string             `json:"run_id" bson:"run_id"`
	SyncType         SyncType           `json:"sync_type" bson:"sync_type"`
	Success          bool               `json:"success" bson:"success"`
	Cancelled        bool               `json:"cancelled,omitempty" bson:"cancelled,omitempty"`
	RecordsProcessed int                `json:"records_processed" bson:"records_processed"`
	RecordsSuccess   int                `json:"records_success" bson:"records_success"`
	RecordsFailed    int                `json:"records_failed" bson:"records_failed"`
	RecordsSkipped   int                `json:"records_skipped" bson:"records_skipped"`
	Conflicts        int                `json:"conflicts" bson:"conflicts"`
	Errors           []string           `json:"errors" bson:"errors"`
	Notes            []string           `json:"notes,omitempty" bson:"notes,omitempty"`
	SyncDurationMs   int64              `json:"sync_duration_ms" bson:"sync_duration_ms"`
	LastSyncToken    string             `json:"last_sync_token,omitempty" bson:"last_sync_token,omitempty"`
	StartedAt        time.Time          `json:"started_at" bson:"started_at"`
	FinishedAt       time.Time          `json:"finished_at" bson:"finished_at"`
}

func (r *SyncResult) SyncDuration() time.Duration {
	return time.Duration(r.SyncDurationMs) * time.Millisecond
}

type ConflictStatus string

const ConflictOpen ConflictStatus = "open"

// ConflictRecord is written when a record changed on both sides under
// manual resolution. Nothing is applied until someone reviews it.
type ConflictRecord struct {
	ID             primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	IntegrationID  string             `json:"integration_id" bson:"integration_id"`
	OrganizationID string             `json:"organization_id" bson:"organization_id"`
	RunID          string             `json:"run_id" bson:"run_id"`
	EntityType     models.EntityType  `json:"entity_type" bson:"entity_type"`
	LocalID        string             `json:"local_id" bson:"local_id"`
	ExternalID     string             `json:"external_id" bson:"external_id"`
	LocalValues    map[string]any     `json:"local_values" bson:"local_values"`
	CRMValues      map[string]any     `json:"crm_values" bson:"crm_values"`
	Reason         string             `json:"reason" bson:"reason"`
	Status         ConflictStatus     `json:"status" bson:"status"`
	CreatedAt      time.Time          `json:"created_at" bson:"created_at"`
}

// Release is the state written back when a run gives up its claim.
type Release struct {
	Status    Status
	LastError string
	NextSync  time.Time
	// nil leaves the cursor untouched
	LastSync *time.Time
}

// CreateRequest is the setup input. Nil mapping or settings take defaults.
type CreateRequest struct {
	Name          string                 `json:"name"`
	CRMType       models.CRMType         `json:"crm_type"`
	Credentials   map[string]string      `json:"credentials"`
	MappingConfig []mapping.FieldMapping `json:"mapping_config"`
	SyncSettings  *SyncSettings          `json:"sync_settings"`
}

type UpdateSettingsRequest struct {
	Name          *string                `json:"name"`
	MappingConfig []mapping.FieldMapping `json:"mapping_config"`
	SyncSettings  *SyncSettings          `json:"sync_settings"`
}
