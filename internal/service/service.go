// Package service assembles the collaboration core: one explicit service
// object per process owning the ledger, resolver, session manager,
// connection registry and background jobs, with an Init/Shutdown
// lifecycle. Handlers receive it by injection; there are no module-level
// singletons.
package service

import (
	"context"

	"github.com/propsync/backend/internal/config"
	apperrors "github.com/propsync/backend/internal/errors"
	"github.com/propsync/backend/internal/ledger"
	"github.com/propsync/backend/internal/logging"
	"github.com/propsync/backend/internal/models"
	"github.com/propsync/backend/internal/notify"
	"github.com/propsync/backend/internal/realtime"
	"github.com/propsync/backend/internal/scheduler"
	"github.com/propsync/backend/internal/session"
)

// Background job names.
const (
	JobConflictResolution = "conflict_resolution"
	JobUpdateValidation   = "update_validation"
	JobSessionSweep       = "session_sweep"
	JobConnectionSweep    = "connection_sweep"
)

// Options carries the collaborators the service does not construct itself.
type Options struct {
	Config    config.Config
	Snapshots ledger.SnapshotStore // optional
	Notifier  notify.Notifier      // optional, defaults to MemoryNotifier
	Hook      ledger.ValidationHook
}

// CollabService is the programmatic API surface exposed to the
// controlling HTTP layer.
type CollabService struct {
	cfg      config.Config
	registry *realtime.Registry
	sessions *session.Manager
	ledger   *ledger.Ledger
	resolver *ledger.Resolver
	notifier notify.Notifier
	sched    *scheduler.Scheduler
}

// New wires the collaboration core together.
func New(opts Options) *CollabService {
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NewMemoryNotifier(20)
	}

	registry := realtime.NewRegistry()
	sessions := session.NewManager(registry, opts.Config.SessionIdleWindow)

	led := ledger.New(ledger.Options{
		Presence:    sessions,
		Sender:      registry,
		Snapshots:   opts.Snapshots,
		Notifier:    notifier,
		Hook:        opts.Hook,
		MaxRetries:  opts.Config.MaxRetries,
		SnapshotTTL: opts.Config.SnapshotTTL,
	})
	resolver := ledger.NewResolver(led, notifier)

	s := &CollabService{
		cfg:      opts.Config,
		registry: registry,
		sessions: sessions,
		ledger:   led,
		resolver: resolver,
		notifier: notifier,
		sched:    scheduler.New(),
	}

	s.sched.Register(JobConflictResolution, opts.Config.ConflictResolutionInterval, resolver.ResolveAll)
	s.sched.Register(JobUpdateValidation, opts.Config.ValidationInterval, led.ProcessPending)
	s.sched.Register(JobSessionSweep, opts.Config.SessionSweepInterval, func() { sessions.SweepIdle() })
	s.sched.Register(JobConnectionSweep, opts.Config.ConnectionSweepInterval, func() {
		registry.SweepStale(opts.Config.ConnectionStaleWindow)
	})

	return s
}

// Init starts the background jobs.
func (s *CollabService) Init(ctx context.Context) {
	s.sched.Start(ctx)
	logging.Info("Collaboration service initialized")
}

// Shutdown stops the background jobs cooperatively.
func (s *CollabService) Shutdown() {
	s.sched.Stop()
	logging.Info("Collaboration service shut down")
}

// Registry exposes the connection registry to the transport layer.
func (s *CollabService) Registry() *realtime.Registry {
	return s.registry
}

// CreateOptimisticUpdate submits a speculative change-set and returns the
// new update id.
func (s *CollabService) CreateOptimisticUpdate(p ledger.SubmitParams) (models.UUID, error) {
	if p.UserID == "" || p.ResourceType == "" || p.ResourceID == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "user_id, resource_type and resource_id are required")
	}
	for _, c := range p.Changes {
		if c.FieldPath == "" {
			return "", apperrors.New(apperrors.ErrInvalid, "every change requires a field_path")
		}
		if !models.ValidChangeType(c.ChangeType) {
			return "", apperrors.New(apperrors.ErrInvalid, "unknown change type: "+string(c.ChangeType))
		}
	}
	return s.ledger.Submit(p)
}

// GetResourceUpdates returns the in-flight updates for one resource.
func (s *CollabService) GetResourceUpdates(resourceType, resourceID string) []models.OptimisticUpdate {
	return s.ledger.ResourceUpdates(resourceType, resourceID)
}

// GetChangeHistory returns the confirmed change history for one resource.
func (s *CollabService) GetChangeHistory(resourceType, resourceID string, limit int) []models.FieldChange {
	return s.ledger.ChangeHistory(resourceType, resourceID, limit)
}

// GetActiveConflicts returns every unresolved conflict.
func (s *CollabService) GetActiveConflicts() []models.ConflictInfo {
	return s.ledger.ActiveConflicts()
}

// ResolveConflictManually applies an explicit strategy to one conflict on
// behalf of an acting user.
func (s *CollabService) ResolveConflictManually(conflictID models.UUID, strategy models.ResolutionStrategy, actorID string) error {
	if actorID == "" {
		return apperrors.New(apperrors.ErrInvalid, "actor_id is required")
	}
	return s.resolver.ResolveManually(conflictID, strategy, actorID)
}

// StartCollaborativeSession joins the user to the resource's session.
func (s *CollabService) StartCollaborativeSession(userID, resourceType, resourceID string) (models.UUID, error) {
	if userID == "" || resourceType == "" || resourceID == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "user_id, resource_type and resource_id are required")
	}
	return s.sessions.Join(userID, resourceType, resourceID), nil
}

// EndCollaborativeSession removes the user from a session.
func (s *CollabService) EndCollaborativeSession(sessionID models.UUID, userID string) error {
	return s.sessions.Leave(sessionID, userID)
}

// UpdateCursorPosition stores and fans out a participant's cursor.
func (s *CollabService) UpdateCursorPosition(sessionID models.UUID, userID string, cursor models.JSONValue) error {
	return s.sessions.UpdateCursor(sessionID, userID, cursor)
}

// GetMetrics aggregates counters from every component.
func (s *CollabService) GetMetrics() map[string]interface{} {
	metrics := s.ledger.Metrics()
	metrics["active_sessions"] = s.sessions.Count()
	for k, v := range s.registry.Stats() {
		metrics[k] = v
	}
	return metrics
}
