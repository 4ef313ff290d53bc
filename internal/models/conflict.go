package models

import "time"

// ConflictInfo records one detected overlap between pending updates on the
// same resource key. Created exactly once per overlapping group found at
// conflict-check time; never mutated except to mark resolved.
type ConflictInfo struct {
	ID                UUID               `json:"id"`
	UpdateIDs         []UUID             `json:"conflicting_updates"` // ordered, >= 2
	ResourceType      string             `json:"resource_type"`
	ResourceID        string             `json:"resource_id"`
	ConflictingFields []string           `json:"conflicting_fields"`
	DetectedAt        int64              `json:"detected_at"` // unix milliseconds
	Strategy          ResolutionStrategy `json:"resolution_strategy"`
	Resolved          bool               `json:"resolved"`
	ResolvedAt        int64              `json:"resolved_at,omitempty"`
	ResolvedBy        string             `json:"resolved_by,omitempty"`
}

// ResourceKey returns the resource key the conflict belongs to.
func (c *ConflictInfo) ResourceKey() string {
	return ResourceKey(c.ResourceType, c.ResourceID)
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *ConflictInfo) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
