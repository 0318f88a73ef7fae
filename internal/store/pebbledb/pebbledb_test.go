package pebbledb

import (
	"testing"

	"github.com/Sidopolis/milap/internal/store"
)

func openTestKV(t *testing.T) *KV {
	t.Helper()
	kv, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func TestKV_RoundTrip(t *testing.T) {
	kv := openTestKV(t)

	if _, err := kv.Get("users/u1"); err != store.ErrNotFound {
		t.Fatalf("Get absent = %v, want ErrNotFound", err)
	}
	if err := kv.Put("users/u1", []byte("one")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := kv.Get("users/u1")
	if err != nil || string(got) != "one" {
		t.Fatalf("Get = (%s, %v)", got, err)
	}
	if err := kv.Put("users/u1", []byte("two")); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, _ = kv.Get("users/u1")
	if string(got) != "two" {
		t.Fatalf("overwrite lost: %s", got)
	}
}

func TestKV_ListPrefixBoundary(t *testing.T) {
	kv := openTestKV(t)

	_ = kv.Put("room/online", []byte("self"))
	_ = kv.Put("room/online/u1", []byte("a"))
	_ = kv.Put("room/online/u2", []byte("b"))
	_ = kv.Put("room/onlineX", []byte("not-a-child"))

	got, err := kv.List("room/online")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("List = %v, want 3 entries", got)
	}
	if _, leak := got["room/onlineX"]; leak {
		t.Fatalf("byte-prefix sibling leaked into List")
	}
}

func TestKV_DeleteSubtree(t *testing.T) {
	kv := openTestKV(t)

	_ = kv.Put("a/b", []byte("1"))
	_ = kv.Put("a/b/c", []byte("2"))
	_ = kv.Put("a/b/c/d", []byte("3"))
	_ = kv.Put("a/bc", []byte("4"))

	if err := kv.Delete("a/b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	for _, gone := range []string{"a/b", "a/b/c", "a/b/c/d"} {
		if _, err := kv.Get(gone); err != store.ErrNotFound {
			t.Errorf("%s survived delete: %v", gone, err)
		}
	}
	if _, err := kv.Get("a/bc"); err != nil {
		t.Errorf("sibling a/bc deleted: %v", err)
	}
	// Absent path: still a no-op.
	if err := kv.Delete("a/b"); err != nil {
		t.Fatalf("re-Delete: %v", err)
	}
}

func TestUpperBound(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"abc/", "abc0"},  // '/'+1 == '0'
		{"a\xff", "b"},    // carry into previous byte
	}
	for _, tc := range cases {
		if got := string(upperBound([]byte(tc.in))); got != tc.want {
			t.Errorf("upperBound(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	if ub := upperBound([]byte("\xff\xff")); ub != nil {
		t.Errorf("upperBound(all-0xff) = %q, want nil", ub)
	}
}
