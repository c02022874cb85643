package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"go-crm-sync/internal/common/models"
	"go-crm-sync/internal/connectors"
	"go-crm-sync/internal/features/integration"
	"go-crm-sync/internal/features/localstore"
	"go-crm-sync/internal/features/mapping"
)

// resolveConflicts finds linked pairs that changed on both sides since
// their last sync and decides, per the integration's resolution mode,
// which writes go ahead. It runs before any write of the run.
func (s *SyncServiceImpl) resolveConflicts(ctx context.Context, r *run, subs []*subSync) {
	for _, entity := range models.EntityTypes {
		from, to := pair(subs, entity)
		if from == nil || to == nil || len(from.crmRecords) == 0 || len(to.localRecords) == 0 {
			continue
		}
		pending := make(map[string]localstore.Record, len(to.localRecords))
		for _, rec := range to.localRecords {
			pending[rec.ID] = rec
		}

		for _, crm := range from.crmRecords {
			if ctx.Err() != nil {
				return
			}
			local, err := s.Store.FindByExternalID(ctx, r.scope, entity, crm.ExternalID)
			if err != nil {
				// left to the record pass, which reports lookup failures
				continue
			}
			if local == nil {
				continue
			}
			if _, ok := pending[local.ID]; !ok || !changedSince(crm, local) {
				continue
			}
			s.resolve(ctx, r, from, to, local, crm)
		}
	}
}

func pair(subs []*subSync, entity models.EntityType) (from, to *subSync) {
	for _, sub := range subs {
		if sub.entity != entity || sub.fetchErr != nil {
			continue
		}
		if sub.direction == mapping.FromCRM {
			from = sub
		} else {
			to = sub
		}
	}
	return from, to
}

// changedSince reports whether the CRM copy moved after the local row was
// last synced. Unknown timestamps count as changed.
func changedSince(crm connectors.Record, local *localstore.Record) bool {
	if crm.ModifiedAt.IsZero() || local.LastSyncedAt == nil {
		return true
	}
	return crm.ModifiedAt.After(*local.LastSyncedAt)
}

func (s *SyncServiceImpl) resolve(ctx context.Context, r *run, from, to *subSync, local *localstore.Record, crm connectors.Record) {
	if from.hold == nil {
		from.hold = make(map[string]string)
	}
	if to.hold == nil {
		to.hold = make(map[string]string)
	}
	entity := from.entity

	switch r.cfg.SyncSettings.ConflictResolution {
	case integration.LocalWins:
		from.hold[crm.ExternalID] = fmt.Sprintf("%s %s: changed on both sides, local copy kept", entity, crm.ExternalID)
	case integration.Manual:
		// both sides stay untouched until the conflict is reviewed
		to.hold[local.ID] = ""
		if err := s.saveConflict(ctx, r, entity, local, crm, "changed on both sides since last sync"); err != nil {
			from.hold[crm.ExternalID] = ""
			from.tally.fail("%s %s: record conflict: %v", entity, crm.ExternalID, err)
			return
		}
		from.tally.conflicts++
		from.hold[crm.ExternalID] = fmt.Sprintf("%s %s: conflict recorded for review", entity, crm.ExternalID)
	default:
		to.hold[local.ID] = fmt.Sprintf("%s %s: changed on both sides, CRM copy kept", entity, local.ID)
	}
	r.log.Debug("CRM sync conflict",
		zap.String("entity", string(entity)),
		zap.String("local_id", local.ID),
		zap.String("external_id", crm.ExternalID),
		zap.String("resolution", string(r.cfg.SyncSettings.ConflictResolution)))
}

func (s *SyncServiceImpl) saveConflict(ctx context.Context, r *run, entity models.EntityType, local *localstore.Record, crm connectors.Record, reason string) error {
	err := s.Conflicts.Create(ctx, &integration.ConflictRecord{
		IntegrationID:  r.result.IntegrationID,
		OrganizationID: r.result.OrganizationID,
		RunID:          r.result.RunID,
		EntityType:     entity,
		LocalID:        local.ID,
		ExternalID:     crm.ExternalID,
		LocalValues:    local.Fields,
		CRMValues:      crm.Fields,
		Reason:         reason,
		Status:         integration.ConflictOpen,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return err
	}
	s.Metrics.Conflict(r.provider, string(entity))
	return nil
}
