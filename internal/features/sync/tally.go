package sync

import (
	"fmt"

	"go-crm-sync/internal/common/models"
	"go-crm-sync/internal/connectors"
	"go-crm-sync/internal/features/integration"
	"go-crm-sync/internal/features/localstore"
	"go-crm-sync/internal/features/mapping"
)

// maxErrors bounds SyncResult.Errors, including the summary line.
const maxErrors = 200

// tally collects the outcome of one sub-sync. A sub-sync runs its records
// sequentially, so a tally is only touched by one goroutine.
type tally struct {
	success   int
	failed    int
	skipped   int
	conflicts int
	errors    []string
	notes     []string
	cancelled bool

	// set when a provider error ended the sub-sync early
	fatal error
}

func (t *tally) fail(format string, args ...any) {
	t.failed++
	t.errors = append(t.errors, fmt.Sprintf(format, args...))
}

func (t *tally) skip(format string, args ...any) {
	t.skipped++
	t.notes = append(t.notes, fmt.Sprintf(format, args...))
}

// held counts a skipped record whose note is already built. An empty note
// skips it silently.
func (t *tally) held(note string) {
	t.skipped++
	if note != "" {
		t.notes = append(t.notes, note)
	}
}

// subSync is one (entity, direction) unit of a run.
type subSync struct {
	entity    models.EntityType
	direction mapping.Direction
	mappings  []mapping.FieldMapping

	crmRecords   []connectors.Record
	localRecords []localstore.Record
	fetchErr     error

	// records the conflict pass decided not to write, keyed by external
	// id (from CRM) or local id (to CRM), with the note to record
	hold map[string]string

	tally tally
}

func (s *subSync) label() string {
	if s.direction == mapping.FromCRM {
		return fmt.Sprintf("%s from CRM", s.entity)
	}
	return fmt.Sprintf("%s to CRM", s.entity)
}

// aggregate folds sub-sync tallies into result in plan order.
func aggregate(result *integration.SyncResult, subs []*subSync) {
	var errs []string
	for _, s := range subs {
		result.RecordsSuccess += s.tally.success
		result.RecordsFailed += s.tally.failed
		result.RecordsSkipped += s.tally.skipped
		result.Conflicts += s.tally.conflicts
		errs = append(errs, s.tally.errors...)
		result.Notes = append(result.Notes, s.tally.notes...)
		if s.tally.cancelled {
			result.Cancelled = true
		}
	}
	result.RecordsProcessed = result.RecordsSuccess + result.RecordsFailed
	result.Errors = append(result.Errors, errs...)
	result.Errors = capErrors(result.Errors)
}

func capErrors(errs []string) []string {
	if len(errs) <= maxErrors {
		return errs
	}
	kept := append([]string(nil), errs[:maxErrors-1]...)
	return append(kept, fmt.Sprintf("... and %d more errors", len(errs)-(maxErrors-1)))
}
