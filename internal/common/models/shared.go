package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type ContextKey string

const (
	OrganizationIDKey ContextKey = "organization_id"
)

// EntityType names a kind of sales record that crosses the CRM boundary.
type EntityType string

const (
	EntityLead        EntityType = "lead"
	EntityOpportunity EntityType = "opportunity"
	EntityActivity    EntityType = "activity"
)

// EntityTypes lists every synced entity in processing order.
var EntityTypes = []EntityType{EntityLead, EntityOpportunity, EntityActivity}

func (e EntityType) Valid() bool {
	switch e {
	case EntityLead, EntityOpportunity, EntityActivity:
		return true
	}
	return false
}

type AuditAction string

const (
	AuditActionCreate   AuditAction = "CREATE"
	AuditActionUpdate   AuditAction = "UPDATE"
	AuditActionSync     AuditAction = "SYNC"
	AuditActionSettings AuditAction = "SETTINGS"
)

type Change struct {
	Old interface{} `bson:"old" json:"old"`
	New interface{} `bson:"new" json:"new"`
}

type AuditLog struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	OrganizationID string             `bson:"organization_id,omitempty" json:"organization_id,omitempty"`
	Action         AuditAction        `bson:"action" json:"action"`
	Module         string             `bson:"module" json:"module"`
	RecordID       string             `bson:"record_id" json:"record_id"`
	ActorID        string             `bson:"actor_id" json:"actor_id"`
	Changes        map[string]Change  `bson:"changes,omitempty" json:"changes,omitempty"`
	Timestamp      time.Time          `bson:"timestamp" json:"timestamp"`
}

// Log is one persisted application log line.
type Log struct {
	Message        string    `bson:"message" json:"message"`
	OrganizationID string    `bson:"organization_id,omitempty" json:"organization_id,omitempty"`
	IntegrationID  string    `bson:"integration_id,omitempty" json:"integration_id,omitempty"`
	RunID          string    `bson:"run_id,omitempty" json:"run_id,omitempty"`
	Caller         string    `bson:"caller,omitempty" json:"caller,omitempty"`
	LogLevelId     int       `bson:"log_level_id" json:"log_level_id"`
	CreatedOnUtc   time.Time `bson:"created_on_utc" json:"created_on_utc"`
}

// CRMType identifies an external CRM provider.
type CRMType string

const (
	CRMSalesforce CRMType = "salesforce"
	CRMHubSpot    CRMType = "hubspot"
	CRMZoho       CRMType = "zoho"
	CRMPipedrive  CRMType = "pipedrive"
	CRMCustom     CRMType = "custom"
)

func (c CRMType) Valid() bool {
	switch c {
	case CRMSalesforce, CRMHubSpot, CRMZoho, CRMPipedrive, CRMCustom:
		return true
	}
	return false
}

// LocalFields is the writable column set of each local entity.
var LocalFields = map[EntityType][]string{
	EntityLead:        {"first_name", "last_name", "email", "phone", "company", "job_title", "lead_source", "status"},
	EntityOpportunity: {"name", "amount", "stage", "close_date", "probability", "description"},
	EntityActivity:    {"subject", "activity_type", "due_date", "status", "description"},
}

func IsLocalField(entity EntityType, field string) bool {
	for _, f := range LocalFields[entity] {
		if f == field {
			return true
		}
	}
	return false
}

// IdentityField is the local field used as soft identity when no external
// id link exists. Activities have none.
func IdentityField(entity EntityType) string {
	switch entity {
	case EntityLead:
		return "email"
	case EntityOpportunity:
		return "name"
	}
	return ""
}
