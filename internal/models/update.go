package models

import (
	"fmt"
	"time"
)

// ChangeType classifies a single field-level mutation.
type ChangeType string

const (
	ChangeTypeFieldUpdate  ChangeType = "field_update"
	ChangeTypeArrayInsert  ChangeType = "array_insert"
	ChangeTypeArrayDelete  ChangeType = "array_delete"
	ChangeTypeArrayMove    ChangeType = "array_move"
	ChangeTypeObjectCreate ChangeType = "object_create"
	ChangeTypeObjectDelete ChangeType = "object_delete"
)

// ValidChangeType reports whether t is a known change type.
func ValidChangeType(t ChangeType) bool {
	switch t {
	case ChangeTypeFieldUpdate, ChangeTypeArrayInsert, ChangeTypeArrayDelete,
		ChangeTypeArrayMove, ChangeTypeObjectCreate, ChangeTypeObjectDelete:
		return true
	}
	return false
}

// UpdateType classifies an optimistic update as a whole.
type UpdateType string

const (
	UpdateTypeCreate UpdateType = "create"
	UpdateTypeUpdate UpdateType = "update"
	UpdateTypeDelete UpdateType = "delete"
	UpdateTypeMove   UpdateType = "move"
	UpdateTypeBatch  UpdateType = "batch"
)

// UpdateStatus is the lifecycle state of an optimistic update.
//
// pending -> confirmed | rejected | conflicted
// conflicted -> confirmed | rejected
// confirmed and rejected are terminal.
type UpdateStatus string

const (
	UpdateStatusPending    UpdateStatus = "pending"
	UpdateStatusConfirmed  UpdateStatus = "confirmed"
	UpdateStatusRejected   UpdateStatus = "rejected"
	UpdateStatusConflicted UpdateStatus = "conflicted"
)

// Terminal reports whether the status admits no further transitions.
func (s UpdateStatus) Terminal() bool {
	return s == UpdateStatusConfirmed || s == UpdateStatusRejected
}

// ResolutionStrategy selects the conflict resolution policy for an update.
type ResolutionStrategy string

const (
	ResolutionLastWriteWins    ResolutionStrategy = "last_write_wins"
	ResolutionFirstWriteWins   ResolutionStrategy = "first_write_wins"
	ResolutionMerge            ResolutionStrategy = "merge"
	ResolutionManual           ResolutionStrategy = "manual"
	ResolutionRejectConflicted ResolutionStrategy = "reject_conflicted"
)

// ValidResolutionStrategy reports whether s names a known strategy.
func ValidResolutionStrategy(s ResolutionStrategy) bool {
	switch s {
	case ResolutionLastWriteWins, ResolutionFirstWriteWins, ResolutionMerge,
		ResolutionManual, ResolutionRejectConflicted:
		return true
	}
	return false
}

// FieldChange records a single mutation to one field path.
// Immutable once created.
type FieldChange struct {
	FieldPath  string     `json:"field_path"`
	OldValue   JSONValue  `json:"old_value,omitempty"`
	NewValue   JSONValue  `json:"new_value,omitempty"`
	ChangeType ChangeType `json:"change_type"`
	Timestamp  int64      `json:"timestamp"` // unix milliseconds
	UserID     string     `json:"user_id"`
}

// Time returns the change timestamp as time.Time.
func (c *FieldChange) Time() time.Time {
	return time.UnixMilli(c.Timestamp)
}

// OptimisticUpdate is a speculative change-set applied against one resource.
type OptimisticUpdate struct {
	ID              UUID                 `json:"id"`
	UserID          string               `json:"user_id"`
	ResourceType    string               `json:"resource_type"`
	ResourceID      string               `json:"resource_id"`
	UpdateType      UpdateType           `json:"update_type"`
	Changes         []FieldChange        `json:"changes"`
	CreatedAt       int64                `json:"created_at"`       // unix milliseconds
	ClientTimestamp int64                `json:"client_timestamp"` // caller-supplied, defaults to now
	ServerTimestamp int64                `json:"server_timestamp"` // set on confirmation
	Status          UpdateStatus         `json:"status"`
	Resolution      ResolutionStrategy   `json:"conflict_resolution"`
	RetryCount      int                  `json:"retry_count"`
	MaxRetries      int                  `json:"max_retries"`
	Metadata        map[string]JSONValue `json:"metadata,omitempty"`
}

// ResourceKey returns the "{type}:{id}" key the update is indexed under.
func (u *OptimisticUpdate) ResourceKey() string {
	return ResourceKey(u.ResourceType, u.ResourceID)
}

// FieldPaths returns the set of field paths touched by the update.
func (u *OptimisticUpdate) FieldPaths() map[string]bool {
	paths := make(map[string]bool, len(u.Changes))
	for _, c := range u.Changes {
		paths[c.FieldPath] = true
	}
	return paths
}

// ResourceKey builds the canonical resource key for a type/id pair.
func ResourceKey(resourceType, resourceID string) string {
	return fmt.Sprintf("%s:%s", resourceType, resourceID)
}
