// Unit tests for the update ledger lifecycle.
package ledger

import (
	"fmt"
	"sync"
	"testing"

	"github.com/propsync/backend/internal/models"
)

// fakeSender records every delivery the ledger requests.
type fakeSender struct {
	mu     sync.Mutex
	direct []sentEvent
	fanout []sentEvent
}

type sentEvent struct {
	UserID  string
	Exclude string
	Event   string
	Data    map[string]interface{}
}

func (s *fakeSender) SendToUser(userID, eventType string, data map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.direct = append(s.direct, sentEvent{UserID: userID, Event: eventType, Data: data})
	return nil
}

func (s *fakeSender) BroadcastToUsers(userIDs []string, excludeUserID, eventType string, data map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, userID := range userIDs {
		if userID == excludeUserID {
			continue
		}
		s.fanout = append(s.fanout, sentEvent{UserID: userID, Exclude: excludeUserID, Event: eventType, Data: data})
	}
}

func (s *fakeSender) eventsOfType(eventType string) []sentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentEvent
	for _, e := range append(append([]sentEvent{}, s.direct...), s.fanout...) {
		if e.Event == eventType {
			out = append(out, e)
		}
	}
	return out
}

// fakePresence reports a fixed participant list for every resource.
type fakePresence struct {
	users []string
}

func (p fakePresence) Participants(resourceType, resourceID string) []string {
	return p.users
}

func newTestLedger(sender *fakeSender, users ...string) *Ledger {
	return New(Options{
		Presence: fakePresence{users: users},
		Sender:   sender,
	})
}

func change(userID, fieldPath string, ts int64) models.FieldChange {
	return models.FieldChange{
		FieldPath:  fieldPath,
		NewValue:   models.MustJSONValue("v"),
		ChangeType: models.ChangeTypeFieldUpdate,
		Timestamp:  ts,
		UserID:     userID,
	}
}

func submit(t *testing.T, l *Ledger, userID, field string, clientTS int64) models.UUID {
	t.Helper()
	id, err := l.Submit(SubmitParams{
		UserID:          userID,
		ResourceType:    "listing",
		ResourceID:      "42",
		UpdateType:      models.UpdateTypeUpdate,
		Changes:         []models.FieldChange{change(userID, field, clientTS)},
		ClientTimestamp: clientTS,
		Strategy:        models.ResolutionLastWriteWins,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return id
}

func TestSubmitCreatesPendingUpdate(t *testing.T) {
	sender := &fakeSender{}
	l := newTestLedger(sender, "alice", "bob")

	id := submit(t, l, "alice", "status", 1000)

	u, ok := l.GetUpdate(id)
	if !ok {
		t.Fatal("expected update to be stored")
	}
	if u.Status != models.UpdateStatusPending {
		t.Errorf("expected pending status, got %s", u.Status)
	}
	if u.ClientTimestamp != 1000 {
		t.Errorf("expected client timestamp 1000, got %d", u.ClientTimestamp)
	}

	updates := l.ResourceUpdates("listing", "42")
	if len(updates) != 1 {
		t.Fatalf("expected 1 in-flight update, got %d", len(updates))
	}
}

func TestSubmitBroadcastSkipsAuthor(t *testing.T) {
	sender := &fakeSender{}
	l := newTestLedger(sender, "alice", "bob")

	submit(t, l, "alice", "status", 1000)

	events := sender.eventsOfType("optimistic_update")
	if len(events) != 1 {
		t.Fatalf("expected 1 fanout delivery, got %d", len(events))
	}
	if events[0].UserID != "bob" {
		t.Errorf("expected delivery to bob only, got %s", events[0].UserID)
	}
}

func TestSubmitUnknownStrategy(t *testing.T) {
	l := newTestLedger(&fakeSender{})

	_, err := l.Submit(SubmitParams{
		UserID:       "alice",
		ResourceType: "listing",
		ResourceID:   "42",
		UpdateType:   models.UpdateTypeUpdate,
		Strategy:     "coin_flip",
	})
	if err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestSubmitDefaultClientTimestamp(t *testing.T) {
	l := newTestLedger(&fakeSender{})

	id, err := l.Submit(SubmitParams{
		UserID:       "alice",
		ResourceType: "listing",
		ResourceID:   "42",
		UpdateType:   models.UpdateTypeUpdate,
		Changes:      []models.FieldChange{change("alice", "status", 0)},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	u, _ := l.GetUpdate(id)
	if u.ClientTimestamp == 0 {
		t.Error("expected client timestamp to default to now")
	}
	if u.Resolution != models.ResolutionLastWriteWins {
		t.Errorf("expected default strategy last_write_wins, got %s", u.Resolution)
	}
}

func TestConfirmIncrementsVersionAndHistory(t *testing.T) {
	l := newTestLedger(&fakeSender{})

	if v := l.Version("listing", "42"); v != 0 {
		t.Fatalf("expected initial version 0, got %d", v)
	}

	id := submit(t, l, "alice", "status", 1000)
	if err := l.Confirm(id); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	if v := l.Version("listing", "42"); v != 1 {
		t.Errorf("expected version 1 after confirmation, got %d", v)
	}

	history := l.ChangeHistory("listing", "42", 0)
	if len(history) != 1 || history[0].FieldPath != "status" {
		t.Errorf("expected one history entry for status, got %v", history)
	}

	u, _ := l.GetUpdate(id)
	if u.Status != models.UpdateStatusConfirmed {
		t.Errorf("expected confirmed status, got %s", u.Status)
	}
	if u.ServerTimestamp == 0 {
		t.Error("expected server timestamp to be stamped on confirmation")
	}

	// Confirmed updates leave the in-flight index.
	if got := len(l.ResourceUpdates("listing", "42")); got != 0 {
		t.Errorf("expected no in-flight updates, got %d", got)
	}
}

func TestRejectIsTerminalAndAuthorOnly(t *testing.T) {
	sender := &fakeSender{}
	l := newTestLedger(sender, "alice", "bob")

	id := submit(t, l, "alice", "status", 1000)
	if err := l.Reject(id, "nope"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	// Version never changes on rejection.
	if v := l.Version("listing", "42"); v != 0 {
		t.Errorf("expected version 0 after rejection, got %d", v)
	}
	if got := len(l.ResourceUpdates("listing", "42")); got != 0 {
		t.Errorf("expected rejected update removed from index, got %d in-flight", got)
	}

	// Rollback goes to the author only.
	rollbacks := sender.eventsOfType("update_rollback")
	if len(rollbacks) != 1 || rollbacks[0].UserID != "alice" {
		t.Fatalf("expected one rollback to alice, got %v", rollbacks)
	}
	if reason, _ := rollbacks[0].Data["reason"].(string); reason != "nope" {
		t.Errorf("expected rollback reason %q, got %q", "nope", reason)
	}

	// Terminal: no further transitions.
	if err := l.Confirm(id); err == nil {
		t.Error("expected confirming a rejected update to fail")
	}
	if err := l.Reject(id, "again"); err == nil {
		t.Error("expected re-rejecting to fail")
	}
}

func TestRejectedUpdateRemainsQueryable(t *testing.T) {
	l := newTestLedger(&fakeSender{})

	id := submit(t, l, "alice", "status", 1000)
	if err := l.Reject(id, "nope"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	u, ok := l.GetUpdate(id)
	if !ok {
		t.Fatal("expected rejected update to remain queryable")
	}
	if u.Status != models.UpdateStatusRejected {
		t.Errorf("expected rejected status, got %s", u.Status)
	}
	if reason := u.Metadata["rejection_reason"].String(); reason != `"nope"` {
		t.Errorf("expected rejection reason recorded, got %s", reason)
	}
}

func TestConcurrentSubmissionsMarkEachOtherConflicted(t *testing.T) {
	l := newTestLedger(&fakeSender{}, "alice", "bob")

	const n = 20
	var wg sync.WaitGroup
	ids := make([]models.UUID, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = l.Submit(SubmitParams{
				UserID:          fmt.Sprintf("user-%d", i),
				ResourceType:    "listing",
				ResourceID:      "42",
				UpdateType:      models.UpdateTypeUpdate,
				Changes:         []models.FieldChange{change(fmt.Sprintf("user-%d", i), "status", int64(1000+i))},
				ClientTimestamp: int64(1000 + i),
			})
		}(i)
	}
	wg.Wait()

	// Every submission overlaps every other in-flight one, so each must
	// have been seen and marked conflicted.
	for i, id := range ids {
		if errs[i] != nil {
			t.Fatalf("submission %d failed: %v", i, errs[i])
		}
		u, ok := l.GetUpdate(id)
		if !ok {
			t.Fatalf("update %s not found", id)
		}
		if u.Status != models.UpdateStatusConflicted {
			t.Errorf("update %s: expected conflicted, got %s", id, u.Status)
		}
	}
}

func TestValidationRetriesThenRejects(t *testing.T) {
	sender := &fakeSender{}
	l := New(Options{
		Presence:   fakePresence{},
		Sender:     sender,
		MaxRetries: 2,
		Hook: func(u *models.OptimisticUpdate) error {
			return fmt.Errorf("validation hook says no")
		},
	})

	id := submit(t, l, "alice", "status", 1000)

	// Ticks 1 and 2 spend the retry budget; tick 3 exceeds it.
	for i := 0; i < 2; i++ {
		l.ProcessPending()
		if u, ok := l.GetUpdate(id); !ok || u.Status != models.UpdateStatusPending {
			t.Fatalf("tick %d: expected update still pending", i+1)
		}
	}
	l.ProcessPending()

	u, _ := l.GetUpdate(id)
	if u.Status != models.UpdateStatusRejected {
		t.Fatalf("expected rejection after retries, got %s", u.Status)
	}
	rollbacks := sender.eventsOfType("update_rollback")
	if len(rollbacks) != 1 {
		t.Fatalf("expected one rollback, got %d", len(rollbacks))
	}
	if reason, _ := rollbacks[0].Data["reason"].(string); reason != "validation failed after retries" {
		t.Errorf("unexpected rejection reason %q", reason)
	}
}

func TestValidationSuccessConfirms(t *testing.T) {
	l := New(Options{
		Presence: fakePresence{},
		Sender:   &fakeSender{},
		Hook:     func(u *models.OptimisticUpdate) error { return nil },
	})

	id := submit(t, l, "alice", "status", 1000)
	l.ProcessPending()

	u, _ := l.GetUpdate(id)
	if u.Status != models.UpdateStatusConfirmed {
		t.Fatalf("expected confirmation, got %s", u.Status)
	}
	if v := l.Version("listing", "42"); v != 1 {
		t.Errorf("expected version 1, got %d", v)
	}
}

func TestValidationSkipsConflictedUpdates(t *testing.T) {
	calls := 0
	l := New(Options{
		Presence: fakePresence{},
		Sender:   &fakeSender{},
		Hook: func(u *models.OptimisticUpdate) error {
			calls++
			return nil
		},
	})

	// Two overlapping submissions conflict immediately.
	submit(t, l, "alice", "status", 1000)
	submit(t, l, "bob", "status", 2000)

	l.ProcessPending()
	if calls != 0 {
		t.Errorf("expected hook skipped for conflicted updates, ran %d times", calls)
	}
}

func TestValidationNeverConfirmsNewlyConflictedUpdate(t *testing.T) {
	var l *Ledger
	var overlap sync.Once
	l = New(Options{
		Presence: fakePresence{},
		Sender:   &fakeSender{},
		Hook: func(u *models.OptimisticUpdate) error {
			// An overlapping submission lands while validation runs.
			overlap.Do(func() {
				if _, err := l.Submit(SubmitParams{
					UserID:          "bob",
					ResourceType:    "listing",
					ResourceID:      "42",
					UpdateType:      models.UpdateTypeUpdate,
					Changes:         []models.FieldChange{change("bob", "status", 2000)},
					ClientTimestamp: 2000,
				}); err != nil {
					t.Errorf("overlapping submit failed: %v", err)
				}
			})
			return nil
		},
	})

	id := submit(t, l, "alice", "status", 1000)
	l.ValidateAndProcess(id)

	u, _ := l.GetUpdate(id)
	if u.Status != models.UpdateStatusConflicted {
		t.Errorf("expected update left conflicted for the resolver, got %s", u.Status)
	}
	if v := l.Version("listing", "42"); v != 0 {
		t.Errorf("expected no confirmation, got version %d", v)
	}
}

func TestChangeHistoryLimit(t *testing.T) {
	l := newTestLedger(&fakeSender{})

	for i := 0; i < 5; i++ {
		id := submit(t, l, "alice", fmt.Sprintf("field%d", i), int64(1000+i))
		if err := l.Confirm(id); err != nil {
			t.Fatalf("Confirm failed: %v", err)
		}
	}

	history := l.ChangeHistory("listing", "42", 2)
	if len(history) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(history))
	}
	if history[1].FieldPath != "field4" {
		t.Errorf("expected most recent entry last, got %s", history[1].FieldPath)
	}
}

func TestMetricsCounts(t *testing.T) {
	l := newTestLedger(&fakeSender{})

	confirmed := submit(t, l, "alice", "a", 1000)
	l.Confirm(confirmed)
	rejected := submit(t, l, "alice", "b", 1000)
	l.Reject(rejected, "no")
	submit(t, l, "alice", "c", 1000)

	m := l.Metrics()
	if m["pending_updates"] != 1 {
		t.Errorf("expected 1 pending, got %v", m["pending_updates"])
	}
	if m["confirmed_updates"] != 1 {
		t.Errorf("expected 1 confirmed, got %v", m["confirmed_updates"])
	}
	if m["rejected_updates"] != int64(1) {
		t.Errorf("expected 1 rejected, got %v", m["rejected_updates"])
	}
}
