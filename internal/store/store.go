// Package store defines the narrow capability set the milap engine consumes
// from the shared realtime key-value backend: write a value at a path, read
// it back once, list children, delete a subtree, and the two subscription
// kinds the engine is built on.
//
// The two subscription kinds are deliberately distinct and must never be
// conflated:
//
//   - WatchValue is a snapshot stream: the full current value (and direct
//     children) of a path, delivered once on subscribe and again after every
//     change underneath it. Consumers re-render from each snapshot.
//   - WatchChildren is an append-notification stream: only keys added under a
//     path after subscription start, delivered once each, in observed
//     insertion order. There is no replay of pre-existing children.
//
// All components above this package are pure state-machine logic over these
// five capabilities, which is what makes them independently testable against
// the in-memory backend.
//
// Correctness assumptions (the engine is designed to stay correct under
// nothing stronger): last-write-wins non-transactional writes, at-least-once
// unordered event delivery, and no cross-client locking.
package store

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Read when no value exists at the given path.
// Absence of a collection is never an error: Children returns an empty map.
var ErrNotFound = errors.New("store: not found")

// ErrClosed is returned by operations on a backend that has been closed.
var ErrClosed = errors.New("store: closed")

// ErrBadPath is returned when a path contains an empty segment.
var ErrBadPath = errors.New("store: bad path")

// Snapshot is one element of a WatchValue stream: the current state at and
// directly beneath a path. Value is nil when the path itself holds no leaf
// value; Children is empty (never nil) when the path has no leaf children.
type Snapshot struct {
	Value    []byte
	Children map[string][]byte
}

// Child is one element of a WatchChildren stream: a key newly added under
// the watched path, with the value it was written with.
type Child struct {
	Key   string
	Value []byte
}

// Store is the only point of contact between the engine and the shared
// persistent store. Implementations must be safe for concurrent use.
//
// Writes and deletes are last-write-wins with no multi-path transactions;
// callers that need "A then B" visibility ordering must sequence the calls
// themselves. Cancel functions returned by the watch methods stop further
// delivery and release the subscription; they are idempotent.
type Store interface {
	// Write stores value at path, overwriting any previous value.
	Write(ctx context.Context, path string, value []byte) error

	// Read returns the leaf value at path, or ErrNotFound.
	Read(ctx context.Context, path string) ([]byte, error)

	// Children returns the direct leaf children of path keyed by their last
	// segment. A path with no children yields an empty map, not an error.
	Children(ctx context.Context, path string) (map[string][]byte, error)

	// Delete removes the value at path and everything beneath it.
	// Deleting an absent path is a no-op.
	Delete(ctx context.Context, path string) error

	// WatchValue returns a snapshot stream for path. The current snapshot is
	// delivered first; afterwards a new snapshot follows every change at or
	// beneath path. Slow consumers see coalesced (latest-wins) snapshots.
	WatchValue(path string) (<-chan Snapshot, func())

	// WatchChildren returns an append-notification stream for path: one
	// event per key created under path after this call, in insertion order,
	// with no replay of existing children. Overwrites of existing keys do
	// not fire.
	WatchChildren(path string) (<-chan Child, func())

	// Close stops all subscriptions and releases backend resources. After
	// Close, mutations return ErrClosed and watch channels are closed.
	Close() error
}

// Join builds a path from segments. It performs no validation; use
// CheckSegment on externally supplied segments first.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// CheckSegment validates a single externally supplied path segment: it must
// be non-empty and must not contain the path separator.
func CheckSegment(s string) error {
	if s == "" || strings.Contains(s, "/") {
		return ErrBadPath
	}
	return nil
}

// parent returns the path one level above p, or "" when p has one segment.
func parent(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return ""
	}
	return p[:i]
}

// lastSegment returns the final segment of p.
func lastSegment(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// underneath reports whether path p lies at or below root.
func underneath(p, root string) bool {
	return p == root || strings.HasPrefix(p, root+"/")
}
