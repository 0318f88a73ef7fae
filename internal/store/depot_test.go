package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/Sidopolis/milap/internal/store"
	"github.com/Sidopolis/milap/internal/store/memory"
)

const waitFor = 2 * time.Second

func newDepot(t *testing.T) *store.Depot {
	t.Helper()
	d := store.NewDepot(memory.New())
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func recvSnapshot(t *testing.T, ch <-chan store.Snapshot) store.Snapshot {
	t.Helper()
	select {
	case s, ok := <-ch:
		if !ok {
			t.Fatalf("snapshot channel closed")
		}
		return s
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for snapshot")
		return store.Snapshot{}
	}
}

func recvChild(t *testing.T, ch <-chan store.Child) store.Child {
	t.Helper()
	select {
	case c, ok := <-ch:
		if !ok {
			t.Fatalf("child channel closed")
		}
		return c
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for child")
		return store.Child{}
	}
}

func TestDepot_WriteReadDelete(t *testing.T) {
	d := newDepot(t)
	ctx := context.Background()

	if _, err := d.Read(ctx, "users/u1"); err != store.ErrNotFound {
		t.Fatalf("Read absent = %v, want ErrNotFound", err)
	}
	if err := d.Write(ctx, "users/u1", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := d.Read(ctx, "users/u1")
	if err != nil || string(got) != `{"a":1}` {
		t.Fatalf("Read = (%s, %v)", got, err)
	}

	// Overwrite wins.
	if err := d.Write(ctx, "users/u1", []byte(`{"a":2}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = d.Read(ctx, "users/u1")
	if string(got) != `{"a":2}` {
		t.Fatalf("after overwrite = %s", got)
	}

	if err := d.Delete(ctx, "users/u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := d.Read(ctx, "users/u1"); err != store.ErrNotFound {
		t.Fatalf("Read after delete = %v, want ErrNotFound", err)
	}
	// Deleting again is a no-op.
	if err := d.Delete(ctx, "users/u1"); err != nil {
		t.Fatalf("re-Delete: %v", err)
	}
}

func TestDepot_DeleteRemovesSubtree(t *testing.T) {
	d := newDepot(t)
	ctx := context.Background()

	_ = d.Write(ctx, "room/online/u1", []byte("a"))
	_ = d.Write(ctx, "room/online/u2", []byte("b"))
	_ = d.Write(ctx, "room/messages/k1", []byte("c"))

	if err := d.Delete(ctx, "room/online"); err != nil {
		t.Fatalf("Delete subtree: %v", err)
	}
	kids, err := d.Children(ctx, "room/online")
	if err != nil || len(kids) != 0 {
		t.Fatalf("children after subtree delete = (%v, %v)", kids, err)
	}
	if _, err := d.Read(ctx, "room/messages/k1"); err != nil {
		t.Fatalf("sibling subtree affected: %v", err)
	}
}

func TestDepot_ChildrenAreDirectOnly(t *testing.T) {
	d := newDepot(t)
	ctx := context.Background()

	_ = d.Write(ctx, "messages/u1/u2/k1", []byte("deep"))
	_ = d.Write(ctx, "connections/u1/u2", []byte("direct"))

	kids, err := d.Children(ctx, "connections/u1")
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(kids) != 1 || string(kids["u2"]) != "direct" {
		t.Fatalf("direct children = %v", kids)
	}

	// Grandchildren are not direct children.
	kids, _ = d.Children(ctx, "messages/u1")
	if len(kids) != 0 {
		t.Fatalf("grandchildren leaked into Children: %v", kids)
	}
}

func TestDepot_WatchValueDeliversInitialSnapshot(t *testing.T) {
	d := newDepot(t)
	ctx := context.Background()

	_ = d.Write(ctx, "room/online/u1", []byte("a"))

	snaps, cancel := d.WatchValue("room/online")
	defer cancel()

	first := recvSnapshot(t, snaps)
	if len(first.Children) != 1 || string(first.Children["u1"]) != "a" {
		t.Fatalf("initial snapshot = %+v", first)
	}
}

func TestDepot_WatchValueSeesChangesBeneath(t *testing.T) {
	d := newDepot(t)
	ctx := context.Background()

	snaps, cancel := d.WatchValue("room/online")
	defer cancel()
	_ = recvSnapshot(t, snaps) // initial, empty

	_ = d.Write(ctx, "room/online/u1", []byte("a"))
	s := recvSnapshot(t, snaps)
	if len(s.Children) != 1 {
		t.Fatalf("after write: %+v", s)
	}

	_ = d.Delete(ctx, "room/online/u1")
	s = recvSnapshot(t, snaps)
	if len(s.Children) != 0 {
		t.Fatalf("after delete: %+v", s)
	}
}

func TestDepot_WatchValueIgnoresUnrelatedPaths(t *testing.T) {
	d := newDepot(t)
	ctx := context.Background()

	snaps, cancel := d.WatchValue("room/online")
	defer cancel()
	_ = recvSnapshot(t, snaps)

	_ = d.Write(ctx, "other/online/u1", []byte("x"))

	select {
	case s := <-snaps:
		t.Fatalf("unexpected snapshot for unrelated write: %+v", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDepot_WatchChildrenNoReplay(t *testing.T) {
	d := newDepot(t)
	ctx := context.Background()

	// History predating the subscription must never be delivered.
	_ = d.Write(ctx, "room/messages/k1", []byte("old"))

	adds, cancel := d.WatchChildren("room/messages")
	defer cancel()

	_ = d.Write(ctx, "room/messages/k2", []byte("new"))
	got := recvChild(t, adds)
	if got.Key != "k2" || string(got.Value) != "new" {
		t.Fatalf("first child = %+v", got)
	}

	select {
	case c := <-adds:
		t.Fatalf("replayed pre-subscription child: %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDepot_WatchChildrenOrderAndOverwrite(t *testing.T) {
	d := newDepot(t)
	ctx := context.Background()

	adds, cancel := d.WatchChildren("room/messages")
	defer cancel()

	_ = d.Write(ctx, "room/messages/k1", []byte("a"))
	_ = d.Write(ctx, "room/messages/k2", []byte("b"))
	// Overwriting an existing key is not an append.
	_ = d.Write(ctx, "room/messages/k1", []byte("a2"))
	_ = d.Write(ctx, "room/messages/k3", []byte("c"))

	for i, want := range []string{"k1", "k2", "k3"} {
		if got := recvChild(t, adds); got.Key != want {
			t.Fatalf("child %d = %q, want %q", i, got.Key, want)
		}
	}
}

func TestDepot_CancelStopsDeliveryAndClosesChannel(t *testing.T) {
	d := newDepot(t)
	ctx := context.Background()

	snaps, cancel := d.WatchValue("room/online")
	_ = recvSnapshot(t, snaps)
	cancel()
	cancel() // idempotent

	// Channel drains and closes.
	deadline := time.After(waitFor)
	for {
		select {
		case _, okc := <-snaps:
			if !okc {
				goto closed
			}
		case <-deadline:
			t.Fatalf("snapshot channel never closed after cancel")
		}
	}
closed:
	// Writes after cancel must not panic or block.
	if err := d.Write(ctx, "room/online/u1", []byte("a")); err != nil {
		t.Fatalf("write after cancel: %v", err)
	}
}

func TestDepot_CloseClosesSubscribers(t *testing.T) {
	d := store.NewDepot(memory.New())
	snaps, _ := d.WatchValue("x")
	adds, _ := d.WatchChildren("x")
	_ = recvSnapshot(t, snaps)

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for range snaps {
	}
	for range adds {
	}

	if err := d.Write(context.Background(), "x/y", []byte("a")); err != store.ErrClosed {
		t.Fatalf("Write after Close = %v, want ErrClosed", err)
	}
}

func TestCheckSegment(t *testing.T) {
	if err := store.CheckSegment("ok-id_1"); err != nil {
		t.Fatalf("valid segment rejected: %v", err)
	}
	for _, bad := range []string{"", "a/b"} {
		if err := store.CheckSegment(bad); err != store.ErrBadPath {
			t.Errorf("CheckSegment(%q) = %v, want ErrBadPath", bad, err)
		}
	}
}
