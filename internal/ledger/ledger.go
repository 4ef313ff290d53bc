// Package ledger holds pending and confirmed optimistic updates, detects
// field-path conflicts between in-flight updates, and resolves them under
// a selectable strategy.
package ledger

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	apperrors "github.com/propsync/backend/internal/errors"
	"github.com/propsync/backend/internal/ids"
	"github.com/propsync/backend/internal/logging"
	"github.com/propsync/backend/internal/models"
	"github.com/propsync/backend/internal/notify"
	"github.com/propsync/backend/internal/realtime"
)

// SystemUserID authors resolver-synthesized updates (merge results).
const SystemUserID = "system"

// Presence reports who is collaborating on a resource. Implemented by the
// session manager.
type Presence interface {
	Participants(resourceType, resourceID string) []string
}

// Sender delivers events to users. Implemented by the connection registry.
type Sender interface {
	SendToUser(userID, eventType string, data map[string]interface{}) error
	BroadcastToUsers(userIDs []string, excludeUserID, eventType string, data map[string]interface{})
}

// SnapshotStore receives best-effort copies of update records.
type SnapshotStore interface {
	Put(key string, value []byte, ttlSeconds int64)
}

// ValidationHook checks a pending update before confirmation. A non-nil
// error leaves the update pending for retry until its budget is spent.
type ValidationHook func(u *models.OptimisticUpdate) error

// Options configures a Ledger. Presence, Sender, Snapshots and Notifier
// may be nil; the ledger degrades to a silent in-memory store.
type Options struct {
	Presence    Presence
	Sender      Sender
	Snapshots   SnapshotStore
	Notifier    notify.Notifier
	Hook        ValidationHook
	MaxRetries  int
	SnapshotTTL time.Duration
}

// Ledger is the sole mutator of update and conflict state.
type Ledger struct {
	mu         sync.Mutex
	pending    map[models.UUID]*models.OptimisticUpdate // pending + conflicted
	confirmed  map[models.UUID]*models.OptimisticUpdate
	rejected   map[models.UUID]*models.OptimisticUpdate
	byResource map[string]map[models.UUID]bool // resource key -> in-flight update ids
	conflicts  map[models.UUID]*models.ConflictInfo
	versions   map[string]int64
	history    map[string][]models.FieldChange

	rejectedCount int64
	resolvedCount int64

	presence    Presence
	sender      Sender
	snapshots   SnapshotStore
	notifier    notify.Notifier
	hook        ValidationHook
	maxRetries  int
	snapshotTTL int64
}

// New creates a Ledger.
func New(opts Options) *Ledger {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	ttl := int64(opts.SnapshotTTL / time.Second)
	if ttl <= 0 {
		ttl = 3600
	}
	return &Ledger{
		pending:     make(map[models.UUID]*models.OptimisticUpdate),
		confirmed:   make(map[models.UUID]*models.OptimisticUpdate),
		rejected:    make(map[models.UUID]*models.OptimisticUpdate),
		byResource:  make(map[string]map[models.UUID]bool),
		conflicts:   make(map[models.UUID]*models.ConflictInfo),
		versions:    make(map[string]int64),
		history:     make(map[string][]models.FieldChange),
		presence:    opts.Presence,
		sender:      opts.Sender,
		snapshots:   opts.Snapshots,
		notifier:    opts.Notifier,
		hook:        opts.Hook,
		maxRetries:  maxRetries,
		snapshotTTL: ttl,
	}
}

// SubmitParams carries everything needed to create an optimistic update.
type SubmitParams struct {
	UserID          string
	ResourceType    string
	ResourceID      string
	UpdateType      models.UpdateType
	Changes         []models.FieldChange
	ClientTimestamp int64 // unix milliseconds; zero defaults to now
	Strategy        models.ResolutionStrategy
	Metadata        map[string]models.JSONValue
}

// Submit creates a pending update, indexes it under its resource key,
// checks it against the other in-flight updates on that key, and announces
// it to every session participant except the author. The only submit-time
// failure is an unknown strategy name.
func (l *Ledger) Submit(p SubmitParams) (models.UUID, error) {
	strategy := p.Strategy
	if strategy == "" {
		strategy = models.ResolutionLastWriteWins
	}
	if !models.ValidResolutionStrategy(strategy) {
		return "", apperrors.New(apperrors.ErrInvalid, "unknown resolution strategy: "+string(strategy))
	}

	now := time.Now().UnixMilli()
	clientTS := p.ClientTimestamp
	if clientTS == 0 {
		clientTS = now
	}

	u := &models.OptimisticUpdate{
		ID:              models.UUID(ids.NewULID()),
		UserID:          p.UserID,
		ResourceType:    p.ResourceType,
		ResourceID:      p.ResourceID,
		UpdateType:      p.UpdateType,
		Changes:         p.Changes,
		CreatedAt:       now,
		ClientTimestamp: clientTS,
		Status:          models.UpdateStatusPending,
		Resolution:      strategy,
		MaxRetries:      l.maxRetries,
		Metadata:        p.Metadata,
	}

	// Index and conflict-check under one lock acquisition so two
	// near-simultaneous submissions always see each other's pendingness.
	// Event payloads and the snapshot copy are built under the same lock:
	// once u is in the pending map, a concurrent submission may mark it
	// conflicted at any time.
	l.mu.Lock()
	l.indexLocked(u)
	conflict := l.detectConflictsLocked(u)
	data := updateEventData(u)
	var conflictData map[string]interface{}
	if conflict != nil {
		conflictData = conflictEventData(conflict)
	}
	snap := *u
	l.mu.Unlock()

	logging.Info("Optimistic update submitted",
		map[string]interface{}{
			"update_id": snap.ID.String(),
			"user_id":   snap.UserID,
			"resource":  snap.ResourceKey(),
			"changes":   len(snap.Changes),
		})

	l.snapshot(&snap)

	participants := l.participants(snap.ResourceType, snap.ResourceID)
	if l.sender != nil {
		l.sender.BroadcastToUsers(participants, snap.UserID, realtime.EventOptimisticUpdate, data)
		if conflictData != nil {
			l.sender.BroadcastToUsers(participants, "", realtime.EventConflictDetected, conflictData)
		}
	}

	return snap.ID, nil
}

// Confirm promotes an in-flight update to confirmed: stamps the server
// timestamp, bumps the resource version, appends its changes to the
// resource history and broadcasts update_confirmed.
func (l *Ledger) Confirm(updateID models.UUID) error {
	return l.confirm(updateID, false)
}

// confirm promotes an in-flight update. With requirePending set, an update
// that went conflicted since the caller last looked is left alone for the
// resolver; the status check and the promotion happen under one lock
// acquisition.
func (l *Ledger) confirm(updateID models.UUID, requirePending bool) error {
	l.mu.Lock()
	u, ok := l.pending[updateID]
	if !ok {
		l.mu.Unlock()
		return apperrors.New(apperrors.ErrUpdateNotFound, "update not pending")
	}
	if requirePending && u.Status != models.UpdateStatusPending {
		l.mu.Unlock()
		return apperrors.New(apperrors.ErrUpdateNotFound, "update is conflicted")
	}

	u.Status = models.UpdateStatusConfirmed
	u.ServerTimestamp = time.Now().UnixMilli()
	l.unindexLocked(u)
	l.confirmed[updateID] = u

	key := u.ResourceKey()
	l.versions[key]++
	version := l.versions[key]
	l.history[key] = append(l.history[key], u.Changes...)
	l.mu.Unlock()

	logging.Info("Update confirmed",
		map[string]interface{}{
			"update_id": updateID.String(),
			"resource":  u.ResourceKey(),
			"version":   version,
		})

	l.snapshot(u)

	if l.sender != nil {
		data := updateEventData(u)
		data["version"] = version
		l.sender.BroadcastToUsers(l.participants(u.ResourceType, u.ResourceID), "", realtime.EventUpdateConfirmed, data)
	}
	return nil
}

// Reject moves an in-flight update to the rejected store terminally. The
// author alone receives an update_rollback event carrying the reason, plus
// a notification.
func (l *Ledger) Reject(updateID models.UUID, reason string) error {
	l.mu.Lock()
	u, ok := l.pending[updateID]
	if !ok {
		l.mu.Unlock()
		return apperrors.New(apperrors.ErrUpdateNotFound, "update not pending")
	}

	u.Status = models.UpdateStatusRejected
	if u.Metadata == nil {
		u.Metadata = make(map[string]models.JSONValue)
	}
	u.Metadata["rejection_reason"] = models.MustJSONValue(reason)
	l.unindexLocked(u)
	l.rejected[updateID] = u
	l.rejectedCount++
	l.mu.Unlock()

	logging.Info("Update rejected",
		map[string]interface{}{
			"update_id": updateID.String(),
			"resource":  u.ResourceKey(),
			"reason":    reason,
		})

	if l.sender != nil {
		data := updateEventData(u)
		data["reason"] = reason
		l.sender.SendToUser(u.UserID, realtime.EventUpdateRollback, data)
	}
	if l.notifier != nil {
		l.notifier.Notify(u.UserID, "Update rejected", reason,
			notify.CategoryUpdateRejected, notify.SeverityWarning,
			map[string]string{"update_id": updateID.String(), "resource": u.ResourceKey()})
	}
	return nil
}

// ValidateAndProcess runs the validation hook over one pending update.
// Updates not in pending status are skipped (conflicted ones wait for the
// resolver). Hook failure leaves the update pending for the next tick
// until the retry budget is spent, then rejects it.
func (l *Ledger) ValidateAndProcess(updateID models.UUID) {
	l.mu.Lock()
	u, ok := l.pending[updateID]
	if !ok || u.Status != models.UpdateStatusPending {
		l.mu.Unlock()
		return
	}
	snapshot := *u
	hook := l.hook
	l.mu.Unlock()

	if hook != nil {
		if err := hook(&snapshot); err != nil {
			l.mu.Lock()
			u, ok = l.pending[updateID]
			if !ok || u.Status != models.UpdateStatusPending {
				l.mu.Unlock()
				return
			}
			u.RetryCount++
			retryCount := u.RetryCount
			exhausted := retryCount > u.MaxRetries
			l.mu.Unlock()

			logging.Debug("Update validation failed",
				map[string]interface{}{
					"update_id": updateID.String(),
					"retry":     retryCount,
					"error":     err.Error(),
				})
			if exhausted {
				l.Reject(updateID, "validation failed after retries")
			}
			return
		}
	}

	// A conflict may have been detected while the hook ran; the guarded
	// confirm re-checks the status under the promotion lock and leaves a
	// newly conflicted update for the resolver.
	l.confirm(updateID, true)
}

// ProcessPending runs ValidateAndProcess over every pending update.
// Invoked by the periodic validation job.
func (l *Ledger) ProcessPending() {
	l.mu.Lock()
	ids := make([]models.UUID, 0, len(l.pending))
	for id, u := range l.pending {
		if u.Status == models.UpdateStatusPending {
			ids = append(ids, id)
		}
	}
	l.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		l.ValidateAndProcess(id)
	}
}

// GetUpdate returns a copy of an update, in-flight or terminal.
func (l *Ledger) GetUpdate(updateID models.UUID) (models.OptimisticUpdate, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if u, ok := l.pending[updateID]; ok {
		return *u, true
	}
	if u, ok := l.confirmed[updateID]; ok {
		return *u, true
	}
	if u, ok := l.rejected[updateID]; ok {
		return *u, true
	}
	return models.OptimisticUpdate{}, false
}

// ResourceUpdates returns copies of the in-flight (pending or conflicted)
// updates for a resource, ordered by id (creation order).
func (l *Ledger) ResourceUpdates(resourceType, resourceID string) []models.OptimisticUpdate {
	key := models.ResourceKey(resourceType, resourceID)

	l.mu.Lock()
	out := make([]models.OptimisticUpdate, 0, len(l.byResource[key]))
	for id := range l.byResource[key] {
		out = append(out, *l.pending[id])
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ChangeHistory returns the most recent limit entries of a resource's
// confirmed change history (all of it when limit <= 0).
func (l *Ledger) ChangeHistory(resourceType, resourceID string, limit int) []models.FieldChange {
	key := models.ResourceKey(resourceType, resourceID)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.history[key]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]models.FieldChange, len(history))
	copy(out, history)
	return out
}

// ActiveConflicts returns copies of every unresolved conflict.
func (l *Ledger) ActiveConflicts() []models.ConflictInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []models.ConflictInfo
	for _, c := range l.conflicts {
		if !c.Resolved {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetConflict returns a copy of a conflict record.
func (l *Ledger) GetConflict(conflictID models.UUID) (models.ConflictInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.conflicts[conflictID]
	if !ok {
		return models.ConflictInfo{}, false
	}
	return *c, true
}

// Version returns the confirmed version counter for a resource.
func (l *Ledger) Version(resourceType, resourceID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.versions[models.ResourceKey(resourceType, resourceID)]
}

// Metrics returns ledger counters.
func (l *Ledger) Metrics() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	pending, conflicted := 0, 0
	for _, u := range l.pending {
		if u.Status == models.UpdateStatusConflicted {
			conflicted++
		} else {
			pending++
		}
	}
	activeConflicts := 0
	for _, c := range l.conflicts {
		if !c.Resolved {
			activeConflicts++
		}
	}
	return map[string]interface{}{
		"pending_updates":    pending,
		"conflicted_updates": conflicted,
		"confirmed_updates":  len(l.confirmed),
		"rejected_updates":   l.rejectedCount,
		"active_conflicts":   activeConflicts,
		"resolved_conflicts": l.resolvedCount,
		"tracked_resources":  len(l.versions),
	}
}

// submitSystem creates and indexes a resolver-synthesized update without
// running conflict detection; the originals it replaces are still
// in-flight when it is created.
func (l *Ledger) submitSystem(resourceType, resourceID string, updateType models.UpdateType, changes []models.FieldChange, strategy models.ResolutionStrategy) models.UUID {
	now := time.Now().UnixMilli()
	u := &models.OptimisticUpdate{
		ID:              models.UUID(ids.NewULID()),
		UserID:          SystemUserID,
		ResourceType:    resourceType,
		ResourceID:      resourceID,
		UpdateType:      updateType,
		Changes:         changes,
		CreatedAt:       now,
		ClientTimestamp: now,
		Status:          models.UpdateStatusPending,
		Resolution:      strategy,
		MaxRetries:      l.maxRetries,
	}

	l.mu.Lock()
	l.indexLocked(u)
	l.mu.Unlock()

	l.snapshot(u)
	return u.ID
}

func (l *Ledger) indexLocked(u *models.OptimisticUpdate) {
	l.pending[u.ID] = u
	key := u.ResourceKey()
	idx, ok := l.byResource[key]
	if !ok {
		idx = make(map[models.UUID]bool)
		l.byResource[key] = idx
	}
	idx[u.ID] = true
}

func (l *Ledger) unindexLocked(u *models.OptimisticUpdate) {
	delete(l.pending, u.ID)
	key := u.ResourceKey()
	if idx, ok := l.byResource[key]; ok {
		delete(idx, u.ID)
		if len(idx) == 0 {
			delete(l.byResource, key)
		}
	}
}

func (l *Ledger) participants(resourceType, resourceID string) []string {
	if l.presence == nil {
		return nil
	}
	return l.presence.Participants(resourceType, resourceID)
}

// snapshot writes a best-effort copy of the update for external
// inspection. Failures stay inside the snapshot store.
func (l *Ledger) snapshot(u *models.OptimisticUpdate) {
	if l.snapshots == nil {
		return
	}
	raw, err := json.Marshal(u)
	if err != nil {
		logging.Warn("Failed to marshal update snapshot",
			map[string]interface{}{"update_id": u.ID.String(), "error": err.Error()})
		return
	}
	l.snapshots.Put("update:"+u.ID.String(), raw, l.snapshotTTL)
}

func updateEventData(u *models.OptimisticUpdate) map[string]interface{} {
	changes := make([]interface{}, 0, len(u.Changes))
	for _, c := range u.Changes {
		changes = append(changes, map[string]interface{}{
			"field_path":  c.FieldPath,
			"change_type": string(c.ChangeType),
			"timestamp":   c.Timestamp,
			"user_id":     c.UserID,
		})
	}
	return map[string]interface{}{
		"update_id":     u.ID.String(),
		"user_id":       u.UserID,
		"resource_type": u.ResourceType,
		"resource_id":   u.ResourceID,
		"update_type":   string(u.UpdateType),
		"status":        string(u.Status),
		"changes":       changes,
	}
}

func conflictEventData(c *models.ConflictInfo) map[string]interface{} {
	updateIDs := make([]interface{}, 0, len(c.UpdateIDs))
	for _, id := range c.UpdateIDs {
		updateIDs = append(updateIDs, id.String())
	}
	return map[string]interface{}{
		"conflict_id":        c.ID.String(),
		"resource_type":      c.ResourceType,
		"resource_id":        c.ResourceID,
		"conflicting_fields": c.ConflictingFields,
		"updates":            updateIDs,
		"strategy":           string(c.Strategy),
	}
}
