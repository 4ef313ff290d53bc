package ledger

import (
	"sort"
	"time"

	"github.com/propsync/backend/internal/ids"
	"github.com/propsync/backend/internal/logging"
	"github.com/propsync/backend/internal/models"
)

// detectConflictsLocked checks a newly submitted update against every
// other in-flight update on the same resource key. Any non-empty
// field-path intersection unions the new update and every intersecting
// update into one ConflictInfo; all involved updates become conflicted.
//
// Disjoint field paths on the same resource never conflict. The group is
// exactly the set of in-flight updates overlapping the new one at
// detection time; no transitive closure is computed across separate
// conflict records, so an update may be referenced by more than one.
//
// Caller holds l.mu.
func (l *Ledger) detectConflictsLocked(u *models.OptimisticUpdate) *models.ConflictInfo {
	newPaths := u.FieldPaths()
	if len(newPaths) == 0 {
		return nil
	}

	var involved []*models.OptimisticUpdate
	fieldSet := make(map[string]bool)

	for otherID := range l.byResource[u.ResourceKey()] {
		if otherID == u.ID {
			continue
		}
		other := l.pending[otherID]

		overlap := false
		for _, c := range other.Changes {
			if newPaths[c.FieldPath] {
				fieldSet[c.FieldPath] = true
				overlap = true
			}
		}
		if overlap {
			involved = append(involved, other)
		}
	}

	if len(involved) == 0 {
		return nil
	}

	involved = append(involved, u)
	updateIDs := make([]models.UUID, 0, len(involved))
	for _, iu := range involved {
		iu.Status = models.UpdateStatusConflicted
		updateIDs = append(updateIDs, iu.ID)
	}
	// ULIDs sort in creation order.
	sort.Slice(updateIDs, func(i, j int) bool { return updateIDs[i] < updateIDs[j] })

	fields := make([]string, 0, len(fieldSet))
	for f := range fieldSet {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	conflict := &models.ConflictInfo{
		ID:                models.UUID(ids.NewULID()),
		UpdateIDs:         updateIDs,
		ResourceType:      u.ResourceType,
		ResourceID:        u.ResourceID,
		ConflictingFields: fields,
		DetectedAt:        time.Now().UnixMilli(),
		Strategy:          u.Resolution,
	}
	l.conflicts[conflict.ID] = conflict

	logging.Warn("Conflict detected",
		map[string]interface{}{
			"conflict_id": conflict.ID.String(),
			"resource":    conflict.ResourceKey(),
			"fields":      fields,
			"updates":     len(updateIDs),
			"strategy":    string(conflict.Strategy),
		})

	return conflict
}

// markConflictResolved stamps a conflict resolved on behalf of actorID.
func (l *Ledger) markConflictResolved(conflictID models.UUID, actorID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.conflicts[conflictID]
	if !ok || c.Resolved {
		return
	}
	c.Resolved = true
	c.ResolvedAt = time.Now().UnixMilli()
	c.ResolvedBy = actorID
	l.resolvedCount++
}
