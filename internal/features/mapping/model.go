package mapping

import (
	"fmt"

	"go-crm-sync/internal/common/models"
)

// Direction says which side of the boundary a record comes from.
type Direction string

const (
	FromCRM Direction = "from_crm"
	ToCRM   Direction = "to_crm"
)

// FieldMapping translates one field between the local store and a CRM.
type FieldMapping struct {
	LocalField string            `bson:"local_field" json:"local_field"`
	CRMField   string            `bson:"crm_field" json:"crm_field"`
	FieldType  string            `bson:"field_type" json:"field_type"`
	Transform  string            `bson:"transform,omitempty" json:"transform,omitempty"`
	IsRequired bool              `bson:"is_required" json:"is_required"`
	EntityType models.EntityType `bson:"entity_type,omitempty" json:"entity_type,omitempty"`
	Options    map[string]string `bson:"options,omitempty" json:"options,omitempty"`
}

// Entity returns the entity the mapping applies to. Unset means lead.
func (m FieldMapping) Entity() models.EntityType {
	if m.EntityType == "" {
		return models.EntityLead
	}
	return m.EntityType
}

func (m FieldMapping) source(dir Direction) string {
	if dir == ToCRM {
		return m.LocalField
	}
	return m.CRMField
}

func (m FieldMapping) target(dir Direction) string {
	if dir == ToCRM {
		return m.CRMField
	}
	return m.LocalField
}

// FieldError is a per-field failure. It never aborts the record transform.
type FieldError struct {
	Field string
	Err   error
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e FieldError) Unwrap() error {
	return e.Err
}

var fieldTypes = map[string]bool{
	"":            true,
	"string":      true,
	"text":        true,
	"varchar":     true,
	"email":       true,
	"phone":       true,
	"picklist":    true,
	"enumeration": true,
	"number":      true,
	"currency":    true,
	"boolean":     true,
	"date":        true,
	"datetime":    true,
}
