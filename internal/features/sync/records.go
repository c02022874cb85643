package sync

import (
	"context"
	"errors"
	"strings"

	"go-crm-sync/internal/common/crmerrors"
	"go-crm-sync/internal/common/models"
	"go-crm-sync/internal/connectors"
	"go-crm-sync/internal/features/integration"
	"go-crm-sync/internal/features/localstore"
	"go-crm-sync/internal/features/mapping"
)

// record outcomes, also used as metric labels
const (
	outcomeSuccess   = "success"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
	outcomeConflict  = "conflict"
	outcomeCancelled = "cancelled"
)

// syncFromCRM applies CRM records to the local store, one at a time.
func (s *SyncServiceImpl) syncFromCRM(ctx context.Context, r *run, sub *subSync) {
	for _, rec := range sub.crmRecords {
		if ctx.Err() != nil {
			sub.tally.cancelled = true
			return
		}
		outcome := s.pull(ctx, r, sub, rec)
		if outcome == outcomeCancelled {
			sub.tally.cancelled = true
			return
		}
		s.Metrics.Record(r.provider, string(sub.entity), string(sub.direction), outcome)
		if sub.tally.fatal != nil {
			return
		}
	}
}

// syncToCRM pushes pending local records to the CRM, one at a time.
func (s *SyncServiceImpl) syncToCRM(ctx context.Context, r *run, sub *subSync) {
	for _, rec := range sub.localRecords {
		if ctx.Err() != nil {
			sub.tally.cancelled = true
			return
		}
		outcome := s.push(ctx, r, sub, rec)
		if outcome == outcomeCancelled {
			sub.tally.cancelled = true
			return
		}
		s.Metrics.Record(r.provider, string(sub.entity), string(sub.direction), outcome)
		if sub.tally.fatal != nil {
			return
		}
	}
}

func (s *SyncServiceImpl) pull(ctx context.Context, r *run, sub *subSync, rec connectors.Record) string {
	if note, held := sub.hold[rec.ExternalID]; held {
		sub.tally.held(note)
		return outcomeSkipped
	}
	fields, ferrs := mapping.Transform(mapping.FromCRM, rec.Fields, sub.mappings)
	if len(ferrs) > 0 {
		sub.tally.fail("%s %s: %s", sub.entity, rec.ExternalID, joinFieldErrors(ferrs))
		return outcomeFailed
	}

	local, err := s.matchLocal(ctx, r, sub.entity, rec.ExternalID, fields)
	if err != nil {
		return s.recordError(ctx, sub, rec.ExternalID, err)
	}
	if local == nil {
		if !r.cfg.SyncSettings.AutoCreateRecords {
			sub.tally.skip("%s %s: no local match, creation disabled", sub.entity, rec.ExternalID)
			return outcomeSkipped
		}
		created, err := s.Store.Create(ctx, r.scope, sub.entity, fields)
		if err != nil {
			return s.recordError(ctx, sub, rec.ExternalID, err)
		}
		if err := s.Store.Link(ctx, r.scope, sub.entity, created.ID, rec.ExternalID); err != nil {
			return s.recordError(ctx, sub, rec.ExternalID, err)
		}
		sub.tally.success++
		return outcomeSuccess
	}

	linked := local.ExternalID == rec.ExternalID
	if linked && !changedSince(rec, local) {
		sub.tally.held("")
		return outcomeSkipped
	}
	if !mapping.Changed(local.Fields, fields) {
		if linked {
			sub.tally.held("")
			return outcomeSkipped
		}
	} else if outcome, done := s.applyUpdate(ctx, r, sub, local, rec, fields); done {
		return outcome
	}

	if err := s.Store.Link(ctx, r.scope, sub.entity, local.ID, rec.ExternalID); err != nil {
		return s.recordError(ctx, sub, rec.ExternalID, err)
	}
	sub.tally.success++
	return outcomeSuccess
}

// applyUpdate writes fields over local. done is true when the record's
// outcome is already settled and nothing else should happen to it.
func (s *SyncServiceImpl) applyUpdate(ctx context.Context, r *run, sub *subSync, local *localstore.Record, rec connectors.Record, fields map[string]any) (string, bool) {
	err := s.Store.Update(ctx, r.scope, sub.entity, local.ID, fields, local.Version)
	if !errors.Is(err, crmerrors.ErrStaleVersion) {
		if err != nil {
			return s.recordError(ctx, sub, rec.ExternalID, err), true
		}
		return "", false
	}

	// The local row moved between read and write.
	switch r.cfg.SyncSettings.ConflictResolution {
	case integration.LocalWins:
		sub.tally.skip("%s %s: local copy changed during sync, kept", sub.entity, rec.ExternalID)
		return outcomeSkipped, true
	case integration.Manual:
		fresh, gerr := s.Store.Get(ctx, r.scope, sub.entity, local.ID)
		if gerr == nil {
			local = fresh
		}
		if err := s.saveConflict(ctx, r, sub.entity, local, rec, "local record changed during sync"); err != nil {
			return s.recordError(ctx, sub, rec.ExternalID, err), true
		}
		sub.tally.conflicts++
		sub.tally.skip("%s %s: conflict recorded for review", sub.entity, rec.ExternalID)
		return outcomeConflict, true
	}

	fresh, err := s.Store.Get(ctx, r.scope, sub.entity, local.ID)
	if err != nil {
		return s.recordError(ctx, sub, rec.ExternalID, err), true
	}
	if !mapping.Changed(fresh.Fields, fields) {
		return "", false
	}
	if err := s.Store.Update(ctx, r.scope, sub.entity, fresh.ID, fields, fresh.Version); err != nil {
		return s.recordError(ctx, sub, rec.ExternalID, err), true
	}
	return "", false
}

// matchLocal finds the local row for a CRM record: by link first, then by
// soft identity. An ambiguous or already-claimed soft match is an
// identity conflict.
func (s *SyncServiceImpl) matchLocal(ctx context.Context, r *run, entity models.EntityType, externalID string, fields map[string]any) (*localstore.Record, error) {
	linked, err := s.Store.FindByExternalID(ctx, r.scope, entity, externalID)
	if err != nil || linked != nil {
		return linked, err
	}

	field := models.IdentityField(entity)
	value, _ := fields[field].(string)
	if field == "" || strings.TrimSpace(value) == "" {
		return nil, nil
	}
	matches, err := s.Store.FindBySoftIdentity(ctx, r.scope, entity, value)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		m := matches[0]
		if m.ExternalID != "" && m.ExternalID != externalID {
			return nil, crmerrors.IdentityConflict("%s %q is already linked to %s", field, value, m.ExternalID)
		}
		return &m, nil
	default:
		return nil, crmerrors.IdentityConflict("%s %q matches more than one local record", field, value)
	}
}

func (s *SyncServiceImpl) push(ctx context.Context, r *run, sub *subSync, local localstore.Record) string {
	if note, held := sub.hold[local.ID]; held {
		sub.tally.held(note)
		return outcomeSkipped
	}
	fields, ferrs := mapping.Transform(mapping.ToCRM, local.Fields, sub.mappings)
	if len(ferrs) > 0 {
		sub.tally.fail("%s %s: %s", sub.entity, local.ID, joinFieldErrors(ferrs))
		return outcomeFailed
	}

	externalID := local.ExternalID
	if externalID == "" {
		found, err := s.matchRemote(ctx, r, sub.entity, &local)
		if err != nil {
			return s.recordError(ctx, sub, local.ID, err)
		}
		externalID = found
	}

	var err error
	if externalID != "" {
		err = updateRemote(ctx, r.conn, sub.entity, externalID, fields)
	} else {
		if !r.cfg.SyncSettings.AutoCreateRecords {
			sub.tally.skip("%s %s: no CRM match, creation disabled", sub.entity, local.ID)
			return outcomeSkipped
		}
		externalID, err = createRemote(ctx, r.conn, sub.entity, fields)
	}
	if err != nil {
		return s.recordError(ctx, sub, local.ID, err)
	}
	if err := s.Store.Link(ctx, r.scope, sub.entity, local.ID, externalID); err != nil {
		return s.recordError(ctx, sub, local.ID, err)
	}
	sub.tally.success++
	return outcomeSuccess
}

// matchRemote looks the CRM up by the local soft identity. A hit already
// linked to another local row is an identity conflict.
func (s *SyncServiceImpl) matchRemote(ctx context.Context, r *run, entity models.EntityType, local *localstore.Record) (string, error) {
	field := models.IdentityField(entity)
	value, _ := local.Fields[field].(string)
	if field == "" || strings.TrimSpace(value) == "" {
		return "", nil
	}

	var found *connectors.Record
	var err error
	switch entity {
	case models.EntityLead:
		found, err = r.conn.FindLeadByEmail(ctx, value)
	case models.EntityOpportunity:
		found, err = r.conn.FindOpportunityByName(ctx, value)
	}
	if err != nil || found == nil {
		return "", err
	}

	owner, err := s.Store.FindByExternalID(ctx, r.scope, entity, found.ExternalID)
	if err != nil {
		return "", err
	}
	if owner != nil && owner.ID != local.ID {
		return "", crmerrors.IdentityConflict("%s %s is already linked to local %s %s", entity, found.ExternalID, entity, owner.ID)
	}
	return found.ExternalID, nil
}

func createRemote(ctx context.Context, c connectors.Connector, entity models.EntityType, fields map[string]any) (string, error) {
	if entity == models.EntityOpportunity {
		return c.CreateOpportunity(ctx, fields)
	}
	return c.CreateLead(ctx, fields)
}

func updateRemote(ctx context.Context, c connectors.Connector, entity models.EntityType, externalID string, fields map[string]any) error {
	if entity == models.EntityOpportunity {
		return c.UpdateOpportunity(ctx, externalID, fields)
	}
	return c.UpdateLead(ctx, externalID, fields)
}

// recordError fails the record unless the run is being cancelled. A
// run-fatal error also ends the sub-sync.
func (s *SyncServiceImpl) recordError(ctx context.Context, sub *subSync, id string, err error) string {
	if ctx.Err() != nil {
		return outcomeCancelled
	}
	sub.tally.fail("%s %s: %v", sub.entity, id, err)
	if crmerrors.IsRunFatal(err) {
		sub.tally.fatal = err
	}
	return outcomeFailed
}

func joinFieldErrors(errs []mapping.FieldError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}
