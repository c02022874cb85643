// Package mapping turns records from one side of the CRM boundary into the
// field names and value shapes of the other side.
//
// Everything here is a pure function of its inputs: no clocks, no I/O and no
// package state that changes after init.
package mapping

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"go-crm-sync/internal/common/crmerrors"
	"go-crm-sync/internal/common/models"
)

// Transform applies mappings to record in the given direction. The result is
// keyed by target-side field names. Field failures are collected and the
// fields that did succeed are still returned.
func Transform(dir Direction, record map[string]any, mappings []FieldMapping) (map[string]any, []FieldError) {
	out := make(map[string]any, len(mappings))
	var errs []FieldError

	for _, m := range mappings {
		src := m.source(dir)
		value, present := record[src]
		if !present || isEmpty(value) {
			if m.IsRequired {
				errs = append(errs, FieldError{Field: src, Err: crmerrors.Validation("required value is missing")})
			}
			continue
		}

		if m.Transform != "" {
			fn, ok := transforms[m.Transform]
			if !ok {
				errs = append(errs, FieldError{Field: src, Err: crmerrors.Configuration("unknown transform %q", m.Transform)})
				continue
			}
			converted, err := fn(value, m.Options, dir)
			if err != nil {
				errs = append(errs, FieldError{Field: src, Err: err})
				continue
			}
			value = converted
		}

		if m.IsRequired && isEmpty(value) {
			errs = append(errs, FieldError{Field: src, Err: crmerrors.Validation("required value is empty after %s", m.Transform)})
			continue
		}
		out[m.target(dir)] = value
	}

	return out, errs
}

// ForEntity returns the mappings of one entity type in their configured order.
func ForEntity(mappings []FieldMapping, entity models.EntityType) []FieldMapping {
	var selected []FieldMapping
	for _, m := range mappings {
		if m.Entity() == entity {
			selected = append(selected, m)
		}
	}
	return selected
}

// FieldFor returns the CRM field mapped to a local field of entity.
func FieldFor(mappings []FieldMapping, entity models.EntityType, localField string) (string, bool) {
	for _, m := range ForEntity(mappings, entity) {
		if m.LocalField == localField {
			return m.CRMField, true
		}
	}
	return "", false
}

// ValidateConfig checks a mapping list at setup time. Every problem found is
// reported, each wrapping crmerrors.ErrConfiguration.
func ValidateConfig(mappings []FieldMapping) error {
	var errs []error
	seen := make(map[string]bool)

	for i, m := range mappings {
		entity := m.Entity()
		if !entity.Valid() {
			errs = append(errs, crmerrors.Configuration("mapping %d: unknown entity type %q", i, m.EntityType))
			continue
		}
		if strings.TrimSpace(m.LocalField) == "" || strings.TrimSpace(m.CRMField) == "" {
			errs = append(errs, crmerrors.Configuration("mapping %d: local_field and crm_field are required", i))
			continue
		}
		if !models.IsLocalField(entity, m.LocalField) {
			errs = append(errs, crmerrors.Configuration("mapping %d: %s has no field %q", i, entity, m.LocalField))
		}
		if m.Transform != "" {
			if _, ok := transforms[m.Transform]; !ok {
				errs = append(errs, crmerrors.Configuration("mapping %d: unknown transform %q", i, m.Transform))
			}
		}
		if !fieldTypes[m.FieldType] {
			errs = append(errs, crmerrors.Configuration("mapping %d: unknown field type %q", i, m.FieldType))
		}
		key := string(entity) + "." + m.LocalField
		if seen[key] {
			errs = append(errs, crmerrors.Configuration("mapping %d: %s is mapped twice", i, key))
		}
		seen[key] = true
	}

	return errors.Join(errs...)
}

// Changed reports whether applying fields over current would modify it.
func Changed(current, fields map[string]any) bool {
	for k, v := range fields {
		if !SameValue(current[k], v) {
			return true
		}
	}
	return false
}

// SameValue compares two field values loosely: numbers by decimal value,
// everything else by trimmed string form.
func SameValue(a, b any) bool {
	if isEmpty(a) || isEmpty(b) {
		return isEmpty(a) && isEmpty(b)
	}
	as, bs := strings.TrimSpace(toString(a)), strings.TrimSpace(toString(b))
	if as == bs {
		return true
	}
	da, errA := decimal.NewFromString(as)
	db, errB := decimal.NewFromString(bs)
	if errA == nil && errB == nil {
		return da.Equal(db)
	}
	return false
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}
