// End-to-end scenarios through the service API: two users editing the
// same resource over live connections, conflict detection, resolution and
// rollback fanout.
package service

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/propsync/backend/internal/auth"
	"github.com/propsync/backend/internal/config"
	apperrors "github.com/propsync/backend/internal/errors"
	"github.com/propsync/backend/internal/ledger"
	"github.com/propsync/backend/internal/models"
	"github.com/propsync/backend/internal/realtime"
)

// fakeConn captures envelopes delivered over a connection.
type fakeConn struct {
	mu   sync.Mutex
	sent []realtime.Envelope
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var env realtime.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) received(eventType string) []realtime.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []realtime.Envelope
	for _, env := range c.sent {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

func newTestService(hook ledger.ValidationHook) *CollabService {
	return New(Options{Config: config.Default(), Hook: hook})
}

func connect(svc *CollabService, userID string) *fakeConn {
	conn := &fakeConn{}
	svc.Registry().Connect(auth.Identity{UserID: userID, Role: auth.RoleStaff, PropertyID: "A"}, conn)
	return conn
}

func statusChange(userID string, ts int64) models.FieldChange {
	return models.FieldChange{
		FieldPath:  "status",
		OldValue:   models.MustJSONValue("available"),
		NewValue:   models.MustJSONValue("leased"),
		ChangeType: models.ChangeTypeFieldUpdate,
		Timestamp:  ts,
		UserID:     userID,
	}
}

func TestConcurrentEditsResolveLastWriteWins(t *testing.T) {
	svc := newTestService(nil)
	alice := connect(svc, "alice")
	bob := connect(svc, "bob")

	// Both users collaborate on the same listing.
	sessionID, err := svc.StartCollaborativeSession("alice", "listing", "42")
	if err != nil {
		t.Fatal(err)
	}
	if other, _ := svc.StartCollaborativeSession("bob", "listing", "42"); other != sessionID {
		t.Fatal("expected both users in one session")
	}

	// Both edit the status field with overlapping in-flight updates.
	aliceUpdate, err := svc.CreateOptimisticUpdate(ledger.SubmitParams{
		UserID: "alice", ResourceType: "listing", ResourceID: "42",
		UpdateType:      models.UpdateTypeUpdate,
		Changes:         []models.FieldChange{statusChange("alice", 1000)},
		ClientTimestamp: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	bobUpdate, err := svc.CreateOptimisticUpdate(ledger.SubmitParams{
		UserID: "bob", ResourceType: "listing", ResourceID: "42",
		UpdateType:      models.UpdateTypeUpdate,
		Changes:         []models.FieldChange{statusChange("bob", 2000)},
		ClientTimestamp: 2000,
	})
	if err != nil {
		t.Fatal(err)
	}

	// alice saw bob's edit arrive but not her own echoed back.
	if got := len(alice.received(realtime.EventOptimisticUpdate)); got != 1 {
		t.Errorf("expected alice to see exactly bob's update, got %d", got)
	}

	// The overlap is reported to everyone and both updates stand conflicted.
	conflicts := svc.GetActiveConflicts()
	if len(conflicts) != 1 {
		t.Fatalf("expected one active conflict, got %d", len(conflicts))
	}
	if len(conflicts[0].ConflictingFields) != 1 || conflicts[0].ConflictingFields[0] != "status" {
		t.Errorf("expected conflicting fields [status], got %v", conflicts[0].ConflictingFields)
	}
	for name, conn := range map[string]*fakeConn{"alice": alice, "bob": bob} {
		if got := len(conn.received(realtime.EventConflictDetected)); got != 1 {
			t.Errorf("%s: expected conflict_detected, got %d", name, got)
		}
	}
	inflight := svc.GetResourceUpdates("listing", "42")
	if len(inflight) != 2 {
		t.Fatalf("expected 2 in-flight updates, got %d", len(inflight))
	}
	for _, u := range inflight {
		if u.Status != models.UpdateStatusConflicted {
			t.Errorf("update %s: expected conflicted, got %s", u.ID, u.Status)
		}
	}

	// The resolution pass applies last-write-wins (the default strategy).
	svc.resolver.ResolveAll()

	winner, _ := svc.ledger.GetUpdate(bobUpdate)
	if winner.Status != models.UpdateStatusConfirmed {
		t.Errorf("expected bob's later edit confirmed, got %s", winner.Status)
	}
	loser, _ := svc.ledger.GetUpdate(aliceUpdate)
	if loser.Status != models.UpdateStatusRejected {
		t.Errorf("expected alice's edit rejected, got %s", loser.Status)
	}

	// The loser alone receives the rollback.
	if got := len(alice.received(realtime.EventUpdateRollback)); got != 1 {
		t.Errorf("expected rollback delivered to alice, got %d", got)
	}
	if got := len(bob.received(realtime.EventUpdateRollback)); got != 0 {
		t.Errorf("expected no rollback for the winner, got %d", got)
	}

	// Confirmed history holds exactly the winning change.
	history := svc.GetChangeHistory("listing", "42", 0)
	if len(history) != 1 || history[0].UserID != "bob" {
		t.Errorf("expected history with bob's change only, got %v", history)
	}

	metrics := svc.GetMetrics()
	if metrics["confirmed_updates"] != 1 {
		t.Errorf("expected 1 confirmed update, got %v", metrics["confirmed_updates"])
	}
	if metrics["rejected_updates"] != int64(1) {
		t.Errorf("expected 1 rejected update, got %v", metrics["rejected_updates"])
	}
	if metrics["active_conflicts"] != 0 {
		t.Errorf("expected no active conflicts, got %v", metrics["active_conflicts"])
	}
	if metrics["active_sessions"] != 1 {
		t.Errorf("expected one live session, got %v", metrics["active_sessions"])
	}
	if metrics["connections"] != 2 {
		t.Errorf("expected two connections, got %v", metrics["connections"])
	}
}

func TestPendingUpdatesConfirmOnValidationPass(t *testing.T) {
	svc := newTestService(nil)
	connect(svc, "alice")

	id, err := svc.CreateOptimisticUpdate(ledger.SubmitParams{
		UserID: "alice", ResourceType: "listing", ResourceID: "7",
		UpdateType: models.UpdateTypeUpdate,
		Changes:    []models.FieldChange{statusChange("alice", 1000)},
	})
	if err != nil {
		t.Fatal(err)
	}

	svc.ledger.ProcessPending()

	u, _ := svc.ledger.GetUpdate(id)
	if u.Status != models.UpdateStatusConfirmed {
		t.Errorf("expected uncontested update confirmed, got %s", u.Status)
	}
	if v := svc.ledger.Version("listing", "7"); v != 1 {
		t.Errorf("expected version 1, got %d", v)
	}
}

func TestCreateOptimisticUpdateValidation(t *testing.T) {
	svc := newTestService(nil)

	cases := []struct {
		name string
		p    ledger.SubmitParams
	}{
		{"missing user", ledger.SubmitParams{
			ResourceType: "listing", ResourceID: "42",
		}},
		{"missing resource", ledger.SubmitParams{
			UserID: "alice", ResourceType: "listing",
		}},
		{"empty field path", ledger.SubmitParams{
			UserID: "alice", ResourceType: "listing", ResourceID: "42",
			Changes: []models.FieldChange{{ChangeType: models.ChangeTypeFieldUpdate}},
		}},
		{"bad change type", ledger.SubmitParams{
			UserID: "alice", ResourceType: "listing", ResourceID: "42",
			Changes: []models.FieldChange{{FieldPath: "status", ChangeType: "sideways_shuffle"}},
		}},
		{"bad strategy", ledger.SubmitParams{
			UserID: "alice", ResourceType: "listing", ResourceID: "42",
			Changes:  []models.FieldChange{statusChange("alice", 1000)},
			Strategy: "coin_flip",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.CreateOptimisticUpdate(tc.p); !apperrors.Is(err, apperrors.ErrInvalid) {
				t.Errorf("expected INVALID_INPUT, got %v", err)
			}
		})
	}
}

func TestResolveConflictManuallyRequiresActor(t *testing.T) {
	svc := newTestService(nil)

	err := svc.ResolveConflictManually("some-conflict", models.ResolutionMerge, "")
	if !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("expected INVALID_INPUT for missing actor, got %v", err)
	}
}

func TestSessionLifecycleThroughService(t *testing.T) {
	svc := newTestService(nil)
	connect(svc, "alice")
	bob := connect(svc, "bob")

	sessionID, err := svc.StartCollaborativeSession("alice", "listing", "42")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.StartCollaborativeSession("bob", "listing", "42"); err != nil {
		t.Fatal(err)
	}

	if err := svc.UpdateCursorPosition(sessionID, "alice", models.MustJSONValue(map[string]int{"line": 12})); err != nil {
		t.Fatalf("UpdateCursorPosition failed: %v", err)
	}
	if got := len(bob.received(realtime.EventCursorUpdate)); got != 1 {
		t.Errorf("expected cursor fanout to bob, got %d", got)
	}

	if err := svc.EndCollaborativeSession(sessionID, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := svc.EndCollaborativeSession(sessionID, "bob"); err != nil {
		t.Fatal(err)
	}
	if got := svc.GetMetrics()["active_sessions"]; got != 0 {
		t.Errorf("expected no live sessions, got %v", got)
	}

	// Validation at the API boundary.
	if _, err := svc.StartCollaborativeSession("", "listing", "42"); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("expected INVALID_INPUT, got %v", err)
	}
}
