package store

import (
	"context"
	"testing"
	"time"

	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/migrate"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(conn)
}

func strPtr(s string) *string { return &s }

func outreachEvent(actor, target string) domain.Event {
	return domain.Event{
		Type:        domain.EventOutreach,
		ActorRef:    actor,
		OperatorRef: "op_main",
		TargetRef:   &target,
	}
}

func TestAppendEventCreatesTarget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AppendEvent(ctx, outreachEvent("acct_a", "prospect_1"),
		&domain.OutreachMessage{MessageText: strPtr("hey, loved your last post")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero local id")
	}

	target, err := s.GetTarget(ctx, "prospect_1")
	if err != nil {
		t.Fatalf("get target: %v", err)
	}
	if target.Status != domain.StatusContacted {
		t.Errorf("status = %s, want %s", target.Status, domain.StatusContacted)
	}
	if target.FirstContacted == "" {
		t.Error("first_contacted not set")
	}
	if target.OwnerActorRef != "acct_a" {
		t.Errorf("owner = %q, want acct_a", target.OwnerActorRef)
	}
}

func TestFirstContactedNeverOverwritten(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AppendEvent(ctx, outreachEvent("acct_a", "prospect_1"), nil); err != nil {
		t.Fatal(err)
	}
	first, _ := s.GetTarget(ctx, "prospect_1")

	if _, err := s.AppendEvent(ctx, outreachEvent("acct_b", "prospect_1"), nil); err != nil {
		t.Fatal(err)
	}
	second, _ := s.GetTarget(ctx, "prospect_1")

	if second.FirstContacted != first.FirstContacted {
		t.Errorf("first_contacted changed: %s -> %s", first.FirstContacted, second.FirstContacted)
	}
	if second.OwnerActorRef != "acct_a" {
		t.Errorf("owner changed to %q", second.OwnerActorRef)
	}
	if second.LastUpdated == first.LastUpdated {
		t.Error("last_updated should advance on repeat contact")
	}
}

func TestCreatedAtMonotonicWithFrozenClock(t *testing.T) {
	s := newTestStore(t)
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return frozen }
	ctx := context.Background()

	var prev string
	for i := 0; i < 5; i++ {
		if _, err := s.AppendEvent(ctx, outreachEvent("acct_a", "prospect_1"), nil); err != nil {
			t.Fatal(err)
		}
	}
	events, err := s.LatestEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	for i := len(events) - 1; i >= 0; i-- {
		if prev != "" && events[i].CreatedAt <= prev {
			t.Fatalf("created_at not strictly increasing: %s then %s", prev, events[i].CreatedAt)
		}
		prev = events[i].CreatedAt
	}
}

func TestListUnsyncedOldestFirstAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 4; i++ {
		id, err := s.AppendEvent(ctx, outreachEvent("acct_a", "prospect_1"), nil)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	batch, err := s.ListUnsyncedEvents(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 2 {
		t.Fatalf("batch len = %d, want 2", len(batch))
	}
	if batch[0].LocalID != ids[0] || batch[1].LocalID != ids[1] {
		t.Errorf("batch order = %d,%d, want %d,%d", batch[0].LocalID, batch[1].LocalID, ids[0], ids[1])
	}
}

func TestMarkSyncedIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AppendEvent(ctx, outreachEvent("acct_a", "prospect_1"), nil)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := s.MarkSynced(ctx, id, "cloud_ev_1", strPtr("cloud_tg_1")); err != nil {
			t.Fatalf("mark synced pass %d: %v", i, err)
		}
	}

	unsynced, err := s.ListUnsyncedEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(unsynced) != 0 {
		t.Errorf("still %d unsynced events", len(unsynced))
	}
	target, err := s.GetTarget(ctx, "prospect_1")
	if err != nil {
		t.Fatal(err)
	}
	if target.CloudID == nil || *target.CloudID != "cloud_tg_1" {
		t.Errorf("target cloud id = %v, want cloud_tg_1", target.CloudID)
	}

	if err := s.MarkSynced(ctx, 9999, "cloud_ev_x", nil); err != ErrNotFound {
		t.Errorf("missing event: err = %v, want ErrNotFound", err)
	}
}

func TestRecentEventCountWindow(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	s.Now = func() time.Time { return clock }
	ctx := context.Background()

	// Two events an hour ago, three in the last minute.
	clock = base.Add(-time.Hour)
	for i := 0; i < 2; i++ {
		clock = clock.Add(time.Second)
		if _, err := s.AppendEvent(ctx, outreachEvent("acct_a", "prospect_1"), nil); err != nil {
			t.Fatal(err)
		}
	}
	clock = base.Add(-30 * time.Second)
	for i := 0; i < 3; i++ {
		clock = clock.Add(time.Second)
		if _, err := s.AppendEvent(ctx, outreachEvent("acct_a", "prospect_1"), nil); err != nil {
			t.Fatal(err)
		}
	}
	// Another actor's events stay out of the count.
	if _, err := s.AppendEvent(ctx, outreachEvent("acct_b", "prospect_2"), nil); err != nil {
		t.Fatal(err)
	}

	clock = base
	n, err := s.RecentEventCount(ctx, "acct_a", domain.EventOutreach, 60)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("count in 60s window = %d, want 3", n)
	}
	n, err = s.RecentEventCount(ctx, "acct_a", domain.EventOutreach, 7200)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("count in 2h window = %d, want 5", n)
	}
}

func TestLastEventTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	last, err := s.LastEventTime(ctx, "acct_a", domain.EventOutreach)
	if err != nil {
		t.Fatal(err)
	}
	if last != nil {
		t.Errorf("expected nil for actor with no events, got %v", last)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return at }
	if _, err := s.AppendEvent(ctx, outreachEvent("acct_a", "prospect_1"), nil); err != nil {
		t.Fatal(err)
	}
	last, err = s.LastEventTime(ctx, "acct_a", domain.EventOutreach)
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || !last.Equal(at) {
		t.Errorf("last = %v, want %v", last, at)
	}
}

func TestUpdateTargetStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpdateTargetStatus(ctx, "nobody", domain.StatusExcluded, nil); err != ErrNotFound {
		t.Errorf("missing target: err = %v, want ErrNotFound", err)
	}

	if _, err := s.AppendEvent(ctx, outreachEvent("acct_a", "prospect_1"), nil); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateTargetStatus(ctx, "prospect_1", domain.StatusExcluded, strPtr("asked to stop")); err != nil {
		t.Fatal(err)
	}
	target, err := s.GetTarget(ctx, "prospect_1")
	if err != nil {
		t.Fatal(err)
	}
	if target.Status != domain.StatusExcluded {
		t.Errorf("status = %s, want %s", target.Status, domain.StatusExcluded)
	}
	if target.Notes != "asked to stop" {
		t.Errorf("notes = %q", target.Notes)
	}

	if err := s.UpdateTargetStatus(ctx, "prospect_1", "Bogus", nil); err == nil {
		t.Error("expected error for invalid status")
	}
}

func TestReplaceRulesCacheFullSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := []domain.Rule{
		{RuleID: "r1", Type: domain.RuleFrequencyCap, Metric: "Messages Sent", LimitValue: 10, TimeWindowSec: 3600, Severity: "Warning", Status: "Active"},
		{RuleID: "r2", Type: domain.RuleIntervalSpacing, Metric: "Outreach", LimitValue: 60, Severity: "Warning", Status: "Inactive"},
	}
	if err := s.ReplaceRulesCache(ctx, old); err != nil {
		t.Fatal(err)
	}
	next := []domain.Rule{
		{RuleID: "r3", Type: domain.RuleFrequencyCap, Metric: "Messages Sent", LimitValue: 5, TimeWindowSec: 600, Severity: "Warning", Status: "Active"},
	}
	if err := s.ReplaceRulesCache(ctx, next); err != nil {
		t.Fatal(err)
	}

	active, err := s.ActiveRules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].RuleID != "r3" {
		t.Fatalf("active rules = %+v, want only r3", active)
	}
}

func TestSyncCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cursor, err := s.SyncCursor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cursor != "" {
		t.Errorf("initial cursor = %q, want empty", cursor)
	}
	if err := s.SetSyncCursor(ctx, "2026-03-01T12:00:00.000000Z"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSyncCursor(ctx, "2026-03-01T13:00:00.000000Z"); err != nil {
		t.Fatal(err)
	}
	cursor, err = s.SyncCursor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cursor != "2026-03-01T13:00:00.000000Z" {
		t.Errorf("cursor = %q", cursor)
	}
}

func TestApplyCloudTargetsPreservesFirstContacted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AppendEvent(ctx, outreachEvent("acct_a", "prospect_1"), nil); err != nil {
		t.Fatal(err)
	}
	local, _ := s.GetTarget(ctx, "prospect_1")

	err := s.ApplyCloudTargets(ctx, []domain.Target{
		{TargetRef: "prospect_1", CloudID: strPtr("cloud_tg_1"), Status: domain.StatusReplied, OwnerActorRef: "acct_a", Notes: "warm lead"},
		{TargetRef: "prospect_2", Status: domain.StatusNew},
	})
	if err != nil {
		t.Fatal(err)
	}

	merged, err := s.GetTarget(ctx, "prospect_1")
	if err != nil {
		t.Fatal(err)
	}
	if merged.Status != domain.StatusReplied {
		t.Errorf("status = %s, want cloud value %s", merged.Status, domain.StatusReplied)
	}
	if merged.FirstContacted != local.FirstContacted {
		t.Errorf("first_contacted changed: %s -> %s", local.FirstContacted, merged.FirstContacted)
	}
	if _, err := s.GetTarget(ctx, "prospect_2"); err != nil {
		t.Errorf("new cloud target missing: %v", err)
	}
}

func TestSetTargetContactKeepsExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AppendEvent(ctx, outreachEvent("acct_a", "prospect_1"), nil); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTargetContact(ctx, "prospect_1", "a@example.com", "", "bio"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTargetContact(ctx, "prospect_1", "", "+13035550100", "link"); err != nil {
		t.Fatal(err)
	}
	target, err := s.GetTarget(ctx, "prospect_1")
	if err != nil {
		t.Fatal(err)
	}
	if target.Email != "a@example.com" {
		t.Errorf("email = %q", target.Email)
	}
	if target.Phone != "+13035550100" {
		t.Errorf("phone = %q", target.Phone)
	}
}
