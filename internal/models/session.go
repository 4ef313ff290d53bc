package models

import "time"

// CursorState is one participant's cursor inside a collaborative session.
type CursorState struct {
	UserID    string    `json:"user_id"`
	Cursor    JSONValue `json:"cursor"`
	UpdatedAt int64     `json:"updated_at"` // unix milliseconds
}

// CollaborativeSession is the set of users concurrently editing one
// resource, with shared cursor state. At most one session exists per
// resource key; an empty participant set destroys the session.
type CollaborativeSession struct {
	ID           UUID                   `json:"id"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Participants map[string]bool        `json:"-"`
	Cursors      map[string]CursorState `json:"-"`
	CreatedAt    int64                  `json:"created_at"`    // unix milliseconds
	LastActivity int64                  `json:"last_activity"` // unix milliseconds
}

// ResourceKey returns the resource key the session belongs to.
func (s *CollaborativeSession) ResourceKey() string {
	return ResourceKey(s.ResourceType, s.ResourceID)
}

// ParticipantList returns the participant set as a slice. Order is not
// significant.
func (s *CollaborativeSession) ParticipantList() []string {
	out := make([]string, 0, len(s.Participants))
	for userID := range s.Participants {
		out = append(out, userID)
	}
	return out
}

// LastActivityTime returns LastActivity as time.Time.
func (s *CollaborativeSession) LastActivityTime() time.Time {
	return time.UnixMilli(s.LastActivity)
}
