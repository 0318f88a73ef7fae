// Package services – ConnectionService
//
// This file implements the connection graph: a state machine per ordered
// (requester → target) pair, NONE → PENDING → {ACCEPTED, IGNORED}, where a
// fresh request after an ignore re-enters PENDING.
//
// Pending requests live under the target's inbox keyed by the sender, so a
// re-send before resolution overwrites (refreshes) rather than duplicates.
// Acceptance is recorded symmetrically: the accepter's network entry is
// written first, then the requester's mirror, and only then is the pending
// entry removed. That ordering is what keeps the "accepted implies request
// removed" invariant observable without multi-path transactions: a reader
// may transiently see both the network entry and the pending request, but
// never a removed request whose acceptance was lost.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sidopolis/milap/internal/domain"
	"github.com/Sidopolis/milap/internal/store"
)

// Store path roots for the connection graph, as in connections/{to}/{from}
// and acceptedConnections/{to}/{from}.
const (
	pendingRoot  = "connections"
	acceptedRoot = "acceptedConnections"
)

// ConnectionService mutates and observes the peer-to-peer connection graph.
type ConnectionService struct {
	// Store is the shared realtime store.
	Store store.Store
}

// NewConnectionService constructs a ConnectionService over the given store.
func NewConnectionService(st store.Store) *ConnectionService {
	return &ConnectionService{Store: st}
}

// Request writes (or refreshes) the pending request from → to. Repeated
// calls before resolution are idempotent apart from the timestamp.
func (s *ConnectionService) Request(ctx context.Context, from, to, fromName string) error {
	tr := otel.Tracer("services/ConnectionService")
	ctx, span := tr.Start(ctx, "Request",
		trace.WithAttributes(attribute.String("from", from), attribute.String("to", to)),
	)
	defer span.End()

	if err := checkIdentity(from); err != nil {
		return err
	}
	if err := checkIdentity(to); err != nil {
		return err
	}
	if from == to {
		return ErrSelfConnection
	}

	req := domain.ConnectionRequest{From: from, FromName: fromName, SentAt: domain.Now()}
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return s.Store.Write(ctx, store.Join(pendingRoot, to, from), raw)
}

// Accept resolves the pending request from → to as accepted. It records the
// link on both sides of the pair (accepter first, then the requester's
// mirror) and removes the pending entry last. Accepting a request that no
// longer exists still records the link and ends as a no-op removal.
//
// On a mid-sequence failure the pending entry is left in place and the
// error returned; retrying Accept is safe because every step overwrites
// idempotently.
func (s *ConnectionService) Accept(ctx context.Context, to, toName, from, fromName string) error {
	tr := otel.Tracer("services/ConnectionService")
	ctx, span := tr.Start(ctx, "Accept",
		trace.WithAttributes(attribute.String("from", from), attribute.String("to", to)),
	)
	defer span.End()

	if err := checkIdentity(from); err != nil {
		return err
	}
	if err := checkIdentity(to); err != nil {
		return err
	}
	if from == to {
		return ErrSelfConnection
	}

	now := domain.Now()
	if err := s.writeLink(ctx, to, from, fromName, now); err != nil {
		return fmt.Errorf("record accepter link: %w", err)
	}
	if err := s.writeLink(ctx, from, to, toName, now); err != nil {
		return fmt.Errorf("mirror requester link: %w", err)
	}
	return s.Store.Delete(ctx, store.Join(pendingRoot, to, from))
}

// Ignore resolves the pending request from → to by removing it. No network
// entry is created, and ignoring an already-resolved request is a no-op. A
// later fresh request from the same sender re-enters PENDING normally.
func (s *ConnectionService) Ignore(ctx context.Context, to, from string) error {
	tr := otel.Tracer("services/ConnectionService")
	ctx, span := tr.Start(ctx, "Ignore",
		trace.WithAttributes(attribute.String("from", from), attribute.String("to", to)),
	)
	defer span.End()

	if err := checkIdentity(from); err != nil {
		return err
	}
	if err := checkIdentity(to); err != nil {
		return err
	}
	return s.Store.Delete(ctx, store.Join(pendingRoot, to, from))
}

// Inbox returns id's pending incoming requests, oldest first.
func (s *ConnectionService) Inbox(ctx context.Context, id string) ([]domain.ConnectionRequest, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	kids, err := s.Store.Children(ctx, store.Join(pendingRoot, id))
	if err != nil {
		return nil, err
	}
	return decodeInbox(kids), nil
}

// Network returns id's accepted connections, oldest first.
func (s *ConnectionService) Network(ctx context.Context, id string) ([]domain.Connection, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	kids, err := s.Store.Children(ctx, store.Join(acceptedRoot, id))
	if err != nil {
		return nil, err
	}
	return decodeNetwork(kids), nil
}

// WatchInbox returns a snapshot stream of id's pending incoming requests.
func (s *ConnectionService) WatchInbox(id string) (<-chan []domain.ConnectionRequest, func()) {
	out := make(chan []domain.ConnectionRequest)
	if err := checkIdentity(id); err != nil {
		close(out)
		return out, func() {}
	}
	snaps, cancel := s.Store.WatchValue(store.Join(pendingRoot, id))
	go func() {
		defer close(out)
		for snap := range snaps {
			out <- decodeInbox(snap.Children)
		}
	}()
	return out, cancel
}

// WatchNetwork returns a snapshot stream of id's accepted connections.
func (s *ConnectionService) WatchNetwork(id string) (<-chan []domain.Connection, func()) {
	out := make(chan []domain.Connection)
	if err := checkIdentity(id); err != nil {
		close(out)
		return out, func() {}
	}
	snaps, cancel := s.Store.WatchValue(store.Join(acceptedRoot, id))
	go func() {
		defer close(out)
		for snap := range snaps {
			out <- decodeNetwork(snap.Children)
		}
	}()
	return out, cancel
}

// writeLink records peer (displayed as peerName) in owner's network.
func (s *ConnectionService) writeLink(ctx context.Context, owner, peer, peerName string, at domain.Millis) error {
	link := domain.Connection{Name: peerName, AcceptedAt: at}
	raw, err := json.Marshal(link)
	if err != nil {
		return err
	}
	return s.Store.Write(ctx, store.Join(acceptedRoot, owner, peer), raw)
}

// decodeInbox turns raw pending children into a sorted request slice,
// skipping malformed values.
func decodeInbox(kids map[string][]byte) []domain.ConnectionRequest {
	out := make([]domain.ConnectionRequest, 0, len(kids))
	for from, raw := range kids {
		var req domain.ConnectionRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		req.From = from // the key is authoritative
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SentAt != out[j].SentAt {
			return out[i].SentAt < out[j].SentAt
		}
		return out[i].From < out[j].From
	})
	return out
}

// decodeNetwork turns raw accepted children into a sorted connection
// slice, skipping malformed values.
func decodeNetwork(kids map[string][]byte) []domain.Connection {
	out := make([]domain.Connection, 0, len(kids))
	for peer, raw := range kids {
		var link domain.Connection
		if err := json.Unmarshal(raw, &link); err != nil {
			continue
		}
		link.Peer = peer
		out = append(out, link)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AcceptedAt != out[j].AcceptedAt {
			return out[i].AcceptedAt < out[j].AcceptedAt
		}
		return out[i].Peer < out[j].Peer
	})
	return out
}
