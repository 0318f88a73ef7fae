// Package services – PresenceService
//
// This file implements the presence register: the set of identities
// currently "in" a named room. An entry exists for a client iff that client
// has the presence-bearing surface open and has set a display name. The
// identity is the store key, so repeated joins from the same client
// overwrite rather than duplicate, and leave is idempotent.
//
// Abrupt termination is handled two ways: Enter ties occupancy to a
// context (cancel triggers a best-effort leave, mirroring the host
// environment's "about to terminate" signal), and Reap expires entries
// whose heartbeat went stale, reconciling entries orphaned by clients that
// never got to say goodbye.
package services

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sidopolis/milap/internal/domain"
	"github.com/Sidopolis/milap/internal/store"
)

// onlineSegment is the path segment holding a room's presence entries, as
// in {room}/online/{identity}.
const onlineSegment = "online"

// PresenceService tracks who is currently present in shared rooms.
type PresenceService struct {
	// Store is the shared realtime store.
	Store store.Store
}

// NewPresenceService constructs a PresenceService over the given store.
func NewPresenceService(st store.Store) *PresenceService {
	return &PresenceService{Store: st}
}

// Join writes the presence entry for id in room, overwriting any stale
// entry for the same identity. The display name is required: presence
// without a name is not presence the roster can render.
func (s *PresenceService) Join(ctx context.Context, room, id, name string) error {
	tr := otel.Tracer("services/PresenceService")
	ctx, span := tr.Start(ctx, "Join",
		trace.WithAttributes(attribute.String("room", room), attribute.String("identity", id)),
	)
	defer span.End()

	if err := checkRoom(room); err != nil {
		return err
	}
	if err := checkIdentity(id); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}

	now := domain.Now()
	entry := domain.PresenceEntry{Name: name, Since: now, LastSeen: now}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.Store.Write(ctx, presencePath(room, id), raw)
}

// Heartbeat refreshes the LastSeen stamp of an existing entry so the reaper
// keeps it alive. Heartbeating an absent entry is a no-op: the client may
// already have left, and resurrecting it here would violate the join/leave
// invariant.
func (s *PresenceService) Heartbeat(ctx context.Context, room, id string) error {
	if err := checkRoom(room); err != nil {
		return err
	}
	if err := checkIdentity(id); err != nil {
		return err
	}

	raw, err := s.Store.Read(ctx, presencePath(room, id))
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	var entry domain.PresenceEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil // malformed entry; the reaper will collect it
	}
	entry.LastSeen = domain.Now()
	out, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.Store.Write(ctx, presencePath(room, id), out)
}

// Leave removes the presence entry for id in room. Removing an absent
// entry is a no-op.
func (s *PresenceService) Leave(ctx context.Context, room, id string) error {
	tr := otel.Tracer("services/PresenceService")
	ctx, span := tr.Start(ctx, "Leave",
		trace.WithAttributes(attribute.String("room", room), attribute.String("identity", id)),
	)
	defer span.End()

	if err := checkRoom(room); err != nil {
		return err
	}
	if err := checkIdentity(id); err != nil {
		return err
	}
	return s.Store.Delete(ctx, presencePath(room, id))
}

// Enter joins the room and schedules a best-effort leave for when ctx is
// cancelled. This is the "subscription implies occupancy" rule: callers
// that hold a presence stream open tie the entry's lifetime to it.
//
// The deferred leave runs on a fresh short-deadline context because the
// triggering context is already dead by then.
func (s *PresenceService) Enter(ctx context.Context, room, id, name string) error {
	if err := s.Join(ctx, room, id, name); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Leave(leaveCtx, room, id)
	}()
	return nil
}

// Roster returns the current presence entries of room, sorted by display
// name (identity as tie-break). An empty or absent room yields an empty
// slice.
func (s *PresenceService) Roster(ctx context.Context, room string) ([]domain.PresenceEntry, error) {
	if err := checkRoom(room); err != nil {
		return nil, err
	}
	kids, err := s.Store.Children(ctx, store.Join(room, onlineSegment))
	if err != nil {
		return nil, err
	}
	return decodeRoster(kids), nil
}

// Watch returns a snapshot stream of the room roster: the full sorted set
// of present identities, first immediately and then after every change.
// The cancel function stops delivery and closes the channel.
func (s *PresenceService) Watch(room string) (<-chan []domain.PresenceEntry, func()) {
	out := make(chan []domain.PresenceEntry)
	if err := checkRoom(room); err != nil {
		close(out)
		return out, func() {}
	}

	snaps, cancel := s.Store.WatchValue(store.Join(room, onlineSegment))
	go func() {
		defer close(out)
		for snap := range snaps {
			out <- decodeRoster(snap.Children)
		}
	}()
	return out, cancel
}

// Reap deletes entries whose LastSeen (or Since, when no heartbeat was ever
// recorded) is older than ttl, and returns how many were removed. Malformed
// entries are removed as well. This is the reconciliation sweep for
// presence orphaned by abrupt client termination.
func (s *PresenceService) Reap(ctx context.Context, room string, ttl time.Duration) (int, error) {
	if err := checkRoom(room); err != nil {
		return 0, err
	}
	kids, err := s.Store.Children(ctx, store.Join(room, onlineSegment))
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-ttl).UnixMilli()
	removed := 0
	for id, raw := range kids {
		var entry domain.PresenceEntry
		stale := false
		if err := json.Unmarshal(raw, &entry); err != nil {
			stale = true
		} else {
			seen := entry.LastSeen
			if seen == 0 {
				seen = entry.Since
			}
			stale = seen < cutoff
		}
		if !stale {
			continue
		}
		if err := s.Store.Delete(ctx, presencePath(room, id)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// presencePath returns the store path of one identity's entry in a room.
func presencePath(room, id string) string {
	return store.Join(room, onlineSegment, id)
}

// decodeRoster turns raw presence children into a sorted entry slice,
// skipping malformed values (treated as absent, never as an error).
func decodeRoster(kids map[string][]byte) []domain.PresenceEntry {
	out := make([]domain.PresenceEntry, 0, len(kids))
	for id, raw := range kids {
		var entry domain.PresenceEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		entry.ID = id
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// checkRoom validates an externally supplied room name.
func checkRoom(room string) error {
	if store.CheckSegment(room) != nil {
		return ErrBadRoom
	}
	return nil
}

// checkIdentity validates an externally supplied identity token.
func checkIdentity(id string) error {
	if store.CheckSegment(id) != nil {
		return ErrBadIdentity
	}
	return nil
}
