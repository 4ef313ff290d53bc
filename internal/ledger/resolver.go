package ledger

import (
	"sync"

	apperrors "github.com/propsync/backend/internal/errors"
	"github.com/propsync/backend/internal/logging"
	"github.com/propsync/backend/internal/models"
	"github.com/propsync/backend/internal/notify"
)

// Rejection reasons written by the resolver.
const (
	ReasonLastWriteWins  = "last write wins"
	ReasonFirstWriteWins = "first write wins"
	ReasonMerged         = "merged"
	ReasonAllRejected    = "all conflicted updates rejected"
)

// Resolver dispatches unresolved conflicts to their resolution strategy.
// It only references updates by id; the Ledger stays the sole mutator.
type Resolver struct {
	ledger   *Ledger
	notifier notify.Notifier

	mu        sync.Mutex
	escalated map[models.UUID]bool // manual conflicts already notified
}

// NewResolver creates a Resolver over the ledger.
func NewResolver(l *Ledger, notifier notify.Notifier) *Resolver {
	return &Resolver{
		ledger:    l,
		notifier:  notifier,
		escalated: make(map[models.UUID]bool),
	}
}

// ResolveAll makes one pass over every unresolved conflict. Invoked by
// the periodic conflict-resolution job.
func (r *Resolver) ResolveAll() {
	for _, c := range r.ledger.ActiveConflicts() {
		if err := r.resolve(c.ID, c.Strategy, SystemUserID); err != nil {
			logging.Error("Conflict resolution failed", err,
				map[string]interface{}{"conflict_id": c.ID.String()})
		}
	}
}

// ResolveManually applies an explicit strategy to one conflict on behalf
// of an acting user. The manual strategy itself cannot be applied this
// way; the caller must pick a deciding policy.
func (r *Resolver) ResolveManually(conflictID models.UUID, strategy models.ResolutionStrategy, actorID string) error {
	if !models.ValidResolutionStrategy(strategy) || strategy == models.ResolutionManual {
		return apperrors.New(apperrors.ErrInvalid, "manual resolution requires a deciding strategy")
	}

	c, ok := r.ledger.GetConflict(conflictID)
	if !ok {
		return apperrors.New(apperrors.ErrConflictNotFound, "conflict not found")
	}
	if c.Resolved {
		return apperrors.New(apperrors.ErrConflictResolved, "conflict already resolved")
	}
	return r.resolve(conflictID, strategy, actorID)
}

// resolve applies one strategy branch, then marks the conflict resolved.
// The manual branch is the exception: it escalates to the authors and
// leaves the conflict unresolved until a targeted resolution call.
func (r *Resolver) resolve(conflictID models.UUID, strategy models.ResolutionStrategy, actorID string) error {
	c, ok := r.ledger.GetConflict(conflictID)
	if !ok {
		return apperrors.New(apperrors.ErrConflictNotFound, "conflict not found")
	}
	if c.Resolved {
		return nil
	}

	group := r.liveGroup(&c)

	switch strategy {
	case models.ResolutionLastWriteWins:
		r.resolveByTimestamp(group, true, ReasonLastWriteWins)
	case models.ResolutionFirstWriteWins:
		r.resolveByTimestamp(group, false, ReasonFirstWriteWins)
	case models.ResolutionMerge:
		r.resolveMerge(&c, group)
	case models.ResolutionManual:
		r.escalate(&c, group)
		return nil // stays unresolved until a targeted call
	case models.ResolutionRejectConflicted:
		for _, u := range group {
			r.ledger.Reject(u.ID, ReasonAllRejected)
		}
	default:
		return apperrors.New(apperrors.ErrInvalid, "unknown resolution strategy: "+string(strategy))
	}

	r.ledger.markConflictResolved(conflictID, actorID)
	logging.Info("Conflict resolved",
		map[string]interface{}{
			"conflict_id": conflictID.String(),
			"strategy":    string(strategy),
			"resolved_by": actorID,
		})
	return nil
}

// liveGroup returns the conflict's updates that are still in-flight.
// Updates already settled by an overlapping conflict record are skipped.
func (r *Resolver) liveGroup(c *models.ConflictInfo) []models.OptimisticUpdate {
	group := make([]models.OptimisticUpdate, 0, len(c.UpdateIDs))
	for _, id := range c.UpdateIDs {
		u, ok := r.ledger.GetUpdate(id)
		if !ok || u.Status.Terminal() {
			continue
		}
		group = append(group, u)
	}
	return group
}

// resolveByTimestamp confirms the update with the greatest (or smallest)
// client timestamp, created_at breaking ties, and rejects the rest.
func (r *Resolver) resolveByTimestamp(group []models.OptimisticUpdate, lastWins bool, reason string) {
	if len(group) == 0 {
		return
	}

	winner := group[0]
	for _, u := range group[1:] {
		if newerThan(u, winner) == lastWins {
			winner = u
		}
	}

	r.ledger.Confirm(winner.ID)
	for _, u := range group {
		if u.ID != winner.ID {
			r.ledger.Reject(u.ID, reason)
		}
	}
}

// newerThan orders updates by client timestamp, then created_at, then id.
func newerThan(a, b models.OptimisticUpdate) bool {
	if a.ClientTimestamp != b.ClientTimestamp {
		return a.ClientTimestamp > b.ClientTimestamp
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID > b.ID
}

// resolveMerge keeps, for every distinct field path across the group, only
// the FieldChange with the latest timestamp, synthesizes a system-authored
// update carrying that merged change-set, confirms it, and rejects every
// original. When two users changed the same field only the temporally-last
// change survives; the other edit is dropped without a secondary conflict.
func (r *Resolver) resolveMerge(c *models.ConflictInfo, group []models.OptimisticUpdate) {
	if len(group) == 0 {
		return
	}

	latest := make(map[string]models.FieldChange)
	for _, u := range group {
		for _, change := range u.Changes {
			if prev, ok := latest[change.FieldPath]; !ok || change.Timestamp > prev.Timestamp {
				latest[change.FieldPath] = change
			}
		}
	}

	merged := make([]models.FieldChange, 0, len(latest))
	for _, change := range latest {
		merged = append(merged, change)
	}

	mergedID := r.ledger.submitSystem(c.ResourceType, c.ResourceID,
		models.UpdateTypeBatch, merged, models.ResolutionMerge)
	r.ledger.Confirm(mergedID)

	for _, u := range group {
		r.ledger.Reject(u.ID, ReasonMerged)
	}

	logging.Info("Conflict merged",
		map[string]interface{}{
			"conflict_id": c.ID.String(),
			"merged_id":   mergedID.String(),
			"fields":      len(merged),
		})
}

// escalate notifies each conflicting update's author that manual
// resolution is required, once per conflict.
func (r *Resolver) escalate(c *models.ConflictInfo, group []models.OptimisticUpdate) {
	r.mu.Lock()
	if r.escalated[c.ID] {
		r.mu.Unlock()
		return
	}
	r.escalated[c.ID] = true
	r.mu.Unlock()

	if r.notifier == nil {
		return
	}
	for _, u := range group {
		r.notifier.Notify(u.UserID,
			"Manual conflict resolution required",
			"Your update conflicts with concurrent edits and needs a manual decision.",
			notify.CategoryConflict, notify.SeverityWarning,
			map[string]string{
				"conflict_id": c.ID.String(),
				"update_id":   u.ID.String(),
				"resource":    c.ResourceKey(),
			})
	}
}
