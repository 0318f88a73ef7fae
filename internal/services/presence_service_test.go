package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Sidopolis/milap/internal/domain"
	"github.com/Sidopolis/milap/internal/store"
	"github.com/Sidopolis/milap/internal/store/memory"
)

const waitFor = 2 * time.Second

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st := store.NewDepot(memory.New())
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func recvRoster(t *testing.T, ch <-chan []domain.PresenceEntry) []domain.PresenceEntry {
	t.Helper()
	select {
	case r, ok := <-ch:
		if !ok {
			t.Fatalf("roster channel closed")
		}
		return r
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for roster")
		return nil
	}
}

func TestPresence_JoinAndRoster(t *testing.T) {
	svc := NewPresenceService(newTestStore(t))
	ctx := context.Background()

	if err := svc.Join(ctx, "global_chat", "u1", "Sid"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := svc.Join(ctx, "global_chat", "u2", "Maya"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	roster, err := svc.Roster(ctx, "global_chat")
	if err != nil {
		t.Fatalf("Roster: %v", err)
	}
	if len(roster) != 2 {
		t.Fatalf("roster = %v, want 2 entries", roster)
	}
	// Sorted by display name.
	if roster[0].Name != "Maya" || roster[1].Name != "Sid" {
		t.Fatalf("roster order = %v", roster)
	}
	if roster[1].ID != "u1" || roster[1].Since == 0 {
		t.Fatalf("entry fields = %+v", roster[1])
	}
}

func TestPresence_RejoinOverwritesNotDuplicates(t *testing.T) {
	svc := NewPresenceService(newTestStore(t))
	ctx := context.Background()

	_ = svc.Join(ctx, "r", "u1", "Sid")
	_ = svc.Join(ctx, "r", "u1", "Sid again")

	roster, _ := svc.Roster(ctx, "r")
	if len(roster) != 1 || roster[0].Name != "Sid again" {
		t.Fatalf("rejoin did not overwrite: %v", roster)
	}
}

func TestPresence_JoinValidation(t *testing.T) {
	svc := NewPresenceService(newTestStore(t))
	ctx := context.Background()

	if err := svc.Join(ctx, "r", "u1", "   "); err != ErrEmptyName {
		t.Errorf("blank name = %v, want ErrEmptyName", err)
	}
	if err := svc.Join(ctx, "a/b", "u1", "Sid"); err != ErrBadRoom {
		t.Errorf("bad room = %v, want ErrBadRoom", err)
	}
	if err := svc.Join(ctx, "r", "u/1", "Sid"); err != ErrBadIdentity {
		t.Errorf("bad identity = %v, want ErrBadIdentity", err)
	}
}

func TestPresence_LeaveIsIdempotent(t *testing.T) {
	svc := NewPresenceService(newTestStore(t))
	ctx := context.Background()

	_ = svc.Join(ctx, "r", "u1", "Sid")
	if err := svc.Leave(ctx, "r", "u1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := svc.Leave(ctx, "r", "u1"); err != nil {
		t.Fatalf("second Leave: %v", err)
	}
	roster, _ := svc.Roster(ctx, "r")
	if len(roster) != 0 {
		t.Fatalf("roster after leave = %v", roster)
	}
}

func TestPresence_WatchSeesJoinAndLeave(t *testing.T) {
	svc := NewPresenceService(newTestStore(t))
	ctx := context.Background()

	snaps, cancel := svc.Watch("r")
	defer cancel()

	if r := recvRoster(t, snaps); len(r) != 0 {
		t.Fatalf("initial roster = %v, want empty", r)
	}

	_ = svc.Join(ctx, "r", "u1", "Sid")
	if r := recvRoster(t, snaps); len(r) != 1 || r[0].ID != "u1" {
		t.Fatalf("after join = %v", r)
	}

	_ = svc.Leave(ctx, "r", "u1")
	if r := recvRoster(t, snaps); len(r) != 0 {
		t.Fatalf("after leave = %v", r)
	}
}

func TestPresence_HeartbeatRefreshesLastSeen(t *testing.T) {
	st := newTestStore(t)
	svc := NewPresenceService(st)
	ctx := context.Background()

	_ = svc.Join(ctx, "r", "u1", "Sid")

	// Backdate the entry, then heartbeat.
	stale := domain.PresenceEntry{Name: "Sid", Since: 1, LastSeen: 1}
	raw, _ := json.Marshal(stale)
	_ = st.Write(ctx, "r/online/u1", raw)

	if err := svc.Heartbeat(ctx, "r", "u1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	got, _ := st.Read(ctx, "r/online/u1")
	var entry domain.PresenceEntry
	_ = json.Unmarshal(got, &entry)
	if entry.LastSeen <= 1 {
		t.Fatalf("LastSeen not refreshed: %+v", entry)
	}
	if entry.Since != 1 {
		t.Fatalf("Since must be preserved: %+v", entry)
	}
}

func TestPresence_HeartbeatAbsentIsNoop(t *testing.T) {
	st := newTestStore(t)
	svc := NewPresenceService(st)
	ctx := context.Background()

	if err := svc.Heartbeat(ctx, "r", "ghost"); err != nil {
		t.Fatalf("Heartbeat absent = %v, want nil", err)
	}
	if _, err := st.Read(ctx, "r/online/ghost"); err != store.ErrNotFound {
		t.Fatalf("heartbeat resurrected an absent entry")
	}
}

func TestPresence_EnterLeavesOnContextCancel(t *testing.T) {
	svc := NewPresenceService(newTestStore(t))
	ctx, cancel := context.WithCancel(context.Background())

	if err := svc.Enter(ctx, "r", "u1", "Sid"); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if roster, _ := svc.Roster(context.Background(), "r"); len(roster) != 1 {
		t.Fatalf("not joined after Enter: %v", roster)
	}

	cancel()
	deadline := time.Now().Add(waitFor)
	for {
		roster, _ := svc.Roster(context.Background(), "r")
		if len(roster) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("entry still present after context cancel: %v", roster)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPresence_ReapExpiresStaleAndMalformed(t *testing.T) {
	st := newTestStore(t)
	svc := NewPresenceService(st)
	ctx := context.Background()

	// Fresh entry stays.
	_ = svc.Join(ctx, "r", "fresh", "Fresh")

	// Stale entry: last seen far in the past.
	old := domain.PresenceEntry{Name: "Old", Since: 1, LastSeen: 1}
	raw, _ := json.Marshal(old)
	_ = st.Write(ctx, "r/online/old", raw)

	// Malformed entry is collected too.
	_ = st.Write(ctx, "r/online/junk", []byte("not json"))

	removed, err := svc.Reap(ctx, "r", time.Minute)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	roster, _ := svc.Roster(ctx, "r")
	if len(roster) != 1 || roster[0].ID != "fresh" {
		t.Fatalf("roster after reap = %v", roster)
	}
}

func TestPresence_ReapFallsBackToSinceWithoutHeartbeat(t *testing.T) {
	st := newTestStore(t)
	svc := NewPresenceService(st)
	ctx := context.Background()

	// An entry that never heartbeated: LastSeen zero, Since recent.
	entry := domain.PresenceEntry{Name: "Quiet", Since: domain.Now()}
	raw, _ := json.Marshal(entry)
	_ = st.Write(ctx, "r/online/quiet", raw)

	removed, err := svc.Reap(ctx, "r", time.Minute)
	if err != nil || removed != 0 {
		t.Fatalf("Reap = (%d, %v), want (0, nil)", removed, err)
	}
}
