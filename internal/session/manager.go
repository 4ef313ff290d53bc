// Package session manages collaborative editing sessions: the participant
// set and per-user cursor state for each resource under concurrent edit.
package session

import (
	"encoding/json"
	"sync"
	"time"

	apperrors "github.com/propsync/backend/internal/errors"
	"github.com/propsync/backend/internal/ids"
	"github.com/propsync/backend/internal/logging"
	"github.com/propsync/backend/internal/models"
	"github.com/propsync/backend/internal/realtime"
)

// Sender is the slice of the connection registry the manager needs.
type Sender interface {
	BroadcastToUsers(userIDs []string, excludeUserID, eventType string, data map[string]interface{})
}

// Manager owns all session state. At most one session exists per resource
// key; a session whose participant set empties is destroyed immediately.
type Manager struct {
	mu         sync.RWMutex
	sessions   map[models.UUID]*models.CollaborativeSession
	byResource map[string]models.UUID

	sender     Sender
	idleWindow time.Duration
}

// NewManager creates a session manager with the given inactivity window.
func NewManager(sender Sender, idleWindow time.Duration) *Manager {
	if idleWindow <= 0 {
		idleWindow = 30 * time.Minute
	}
	return &Manager{
		sessions:   make(map[models.UUID]*models.CollaborativeSession),
		byResource: make(map[string]models.UUID),
		sender:     sender,
		idleWindow: idleWindow,
	}
}

// Join adds the user to the resource's session, creating the session when
// none exists. Other participants receive participant_joined with the
// updated participant list.
func (m *Manager) Join(userID, resourceType, resourceID string) models.UUID {
	key := models.ResourceKey(resourceType, resourceID)
	now := time.Now().UnixMilli()

	m.mu.Lock()
	sessionID, ok := m.byResource[key]
	var s *models.CollaborativeSession
	if ok {
		s = m.sessions[sessionID]
	} else {
		s = &models.CollaborativeSession{
			ID:           models.UUID(ids.NewUUID()),
			ResourceType: resourceType,
			ResourceID:   resourceID,
			Participants: make(map[string]bool),
			Cursors:      make(map[string]models.CursorState),
			CreatedAt:    now,
		}
		m.sessions[s.ID] = s
		m.byResource[key] = s.ID
		logging.Info("Collaborative session created",
			map[string]interface{}{"session_id": s.ID.String(), "resource": key})
	}

	s.Participants[userID] = true
	s.LastActivity = now
	participants := s.ParticipantList()
	sessionID = s.ID
	m.mu.Unlock()

	m.sender.BroadcastToUsers(participants, userID, realtime.EventParticipantJoined,
		map[string]interface{}{
			"session_id":    sessionID.String(),
			"user_id":       userID,
			"resource_type": resourceType,
			"resource_id":   resourceID,
			"participants":  participants,
		})

	return sessionID
}

// Leave removes the user (and their cursor) from the session. The session
// is destroyed once its participant set empties.
func (m *Manager) Leave(sessionID models.UUID, userID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return apperrors.New(apperrors.ErrSessionNotFound, "session not found")
	}

	delete(s.Participants, userID)
	delete(s.Cursors, userID)
	s.LastActivity = time.Now().UnixMilli()

	destroyed := len(s.Participants) == 0
	if destroyed {
		delete(m.sessions, sessionID)
		delete(m.byResource, s.ResourceKey())
	}
	participants := s.ParticipantList()
	m.mu.Unlock()

	if destroyed {
		logging.Info("Collaborative session destroyed",
			map[string]interface{}{"session_id": sessionID.String(), "resource": s.ResourceKey()})
		return nil
	}

	m.sender.BroadcastToUsers(participants, userID, realtime.EventParticipantLeft,
		map[string]interface{}{
			"session_id":   sessionID.String(),
			"user_id":      userID,
			"participants": participants,
		})
	return nil
}

// UpdateCursor stores the user's cursor and fans it out to every other
// participant. The update is never echoed back to the sender; a
// non-participant caller is a no-op error.
func (m *Manager) UpdateCursor(sessionID models.UUID, userID string, cursor models.JSONValue) error {
	now := time.Now().UnixMilli()

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return apperrors.New(apperrors.ErrSessionNotFound, "session not found")
	}
	if !s.Participants[userID] {
		m.mu.Unlock()
		return apperrors.New(apperrors.ErrNotParticipant, "user is not a session participant")
	}

	s.Cursors[userID] = models.CursorState{
		UserID:    userID,
		Cursor:    cursor,
		UpdatedAt: now,
	}
	s.LastActivity = now
	participants := s.ParticipantList()
	m.mu.Unlock()

	m.sender.BroadcastToUsers(participants, userID, realtime.EventCursorUpdate,
		map[string]interface{}{
			"session_id": sessionID.String(),
			"user_id":    userID,
			"cursor":     rawCursor(cursor),
			"updated_at": now,
		})
	return nil
}

// Participants returns the participant list for the resource's session,
// or nil when no session exists. Implements the ledger's Presence.
func (m *Manager) Participants(resourceType, resourceID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessionID, ok := m.byResource[models.ResourceKey(resourceType, resourceID)]
	if !ok {
		return nil
	}
	return m.sessions[sessionID].ParticipantList()
}

// Get returns a session by id.
func (m *Manager) Get(sessionID models.UUID) (*models.CollaborativeSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// SweepIdle destroys every session idle past the inactivity window.
// Expiry is time-based, not membership-based: a session still holding
// participants is destroyed all the same.
func (m *Manager) SweepIdle() int {
	cutoff := time.Now().Add(-m.idleWindow).UnixMilli()

	m.mu.Lock()
	var expired []*models.CollaborativeSession
	for sessionID, s := range m.sessions {
		if s.LastActivity < cutoff {
			expired = append(expired, s)
			delete(m.sessions, sessionID)
			delete(m.byResource, s.ResourceKey())
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		logging.Info("Expired idle session",
			map[string]interface{}{
				"session_id":   s.ID.String(),
				"resource":     s.ResourceKey(),
				"participants": len(s.Participants),
			})
	}
	return len(expired)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// rawCursor decodes the opaque cursor payload so the outgoing sanitizer
// can walk it like any other envelope field.
func rawCursor(cursor models.JSONValue) interface{} {
	if len(cursor) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(cursor, &v); err != nil {
		return nil
	}
	return v
}
