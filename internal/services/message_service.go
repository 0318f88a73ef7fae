// Package services – MessageService
//
// This file implements both chat delivery scopes over one message shape.
//
// Broadcast: a room has a single append-only log at {room}/messages.
// Posting appends; watching is an append-notification stream, so a client
// that opens the channel sees only messages posted after it subscribed and
// never a replay of history.
//
// Direct: a message from A to B is written under BOTH messages/A/B/{key}
// and messages/B/A/{key} with the same key, so each party's subscription to
// its own thread path observes the full conversation. Keys are ULIDs:
// time-ordered so lexicographic key order is send order, and unique so two
// sends inside the same millisecond can never silently overwrite each other
// (the hazard a plain millisecond-timestamp key carries).
package services

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sidopolis/milap/internal/domain"
	"github.com/Sidopolis/milap/internal/store"
)

// Store path segments for messaging, as in {room}/messages/{key} and
// messages/{self}/{peer}/{key}.
const (
	roomLogSegment = "messages"
	threadRoot     = "messages"
)

// MessageService delivers broadcast and direct chat messages.
type MessageService struct {
	// Store is the shared realtime store.
	Store store.Store

	// MaxTextRunes caps message length by rune count; 0 disables the cap.
	MaxTextRunes int
}

// NewMessageService constructs a MessageService with a sane length guard.
func NewMessageService(st store.Store) *MessageService {
	return &MessageService{Store: st, MaxTextRunes: 2000}
}

// Post appends a message to the room's broadcast log and returns it with
// its assigned key.
func (s *MessageService) Post(ctx context.Context, room, from, fromName, text string) (*domain.ChatMessage, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Post",
		trace.WithAttributes(attribute.String("room", room), attribute.String("from", from)),
	)
	defer span.End()

	if err := checkRoom(room); err != nil {
		return nil, err
	}
	msg, err := s.buildMessage(from, fromName, text)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if err := s.Store.Write(ctx, store.Join(room, roomLogSegment, msg.Key), raw); err != nil {
		return nil, err
	}
	return msg, nil
}

// WatchRoom returns an append-notification stream for the room's broadcast
// log: only messages posted after this call, in observed insertion order.
// There is deliberately no replay; history predating the subscription is
// not delivered.
func (s *MessageService) WatchRoom(room string) (<-chan domain.ChatMessage, func()) {
	out := make(chan domain.ChatMessage)
	if err := checkRoom(room); err != nil {
		close(out)
		return out, func() {}
	}
	adds, cancel := s.Store.WatchChildren(store.Join(room, roomLogSegment))
	go func() {
		defer close(out)
		for child := range adds {
			var msg domain.ChatMessage
			if err := json.Unmarshal(child.Value, &msg); err != nil {
				continue
			}
			msg.Key = child.Key
			out <- msg
		}
	}()
	return out, cancel
}

// Send writes a direct message from → peer, mirrored into both parties'
// thread paths under one shared key, and returns it with that key.
//
// The sender's copy is written first: if the mirror write fails, the sender
// still sees the message and a retry (same text, fresh key) converges both
// sides; a reader of the peer's thread simply sees the message late.
func (s *MessageService) Send(ctx context.Context, from, fromName, peer, text string) (*domain.ChatMessage, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Send",
		trace.WithAttributes(attribute.String("from", from), attribute.String("peer", peer)),
	)
	defer span.End()

	if err := checkIdentity(from); err != nil {
		return nil, err
	}
	if err := checkIdentity(peer); err != nil {
		return nil, err
	}
	msg, err := s.buildMessage(from, fromName, text)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if err := s.Store.Write(ctx, store.Join(threadRoot, from, peer, msg.Key), raw); err != nil {
		return nil, err
	}
	if err := s.Store.Write(ctx, store.Join(threadRoot, peer, from, msg.Key), raw); err != nil {
		return nil, err
	}
	return msg, nil
}

// Thread returns the direct conversation between self and peer as seen
// from self's side, in key (send) order. An empty thread yields an empty
// slice.
func (s *MessageService) Thread(ctx context.Context, self, peer string) ([]domain.ChatMessage, error) {
	if err := checkIdentity(self); err != nil {
		return nil, err
	}
	if err := checkIdentity(peer); err != nil {
		return nil, err
	}
	kids, err := s.Store.Children(ctx, store.Join(threadRoot, self, peer))
	if err != nil {
		return nil, err
	}
	return decodeThread(kids), nil
}

// WatchThread returns a snapshot stream of the direct conversation between
// self and peer: the full thread in key order, first immediately and then
// after every change.
func (s *MessageService) WatchThread(self, peer string) (<-chan []domain.ChatMessage, func()) {
	out := make(chan []domain.ChatMessage)
	if checkIdentity(self) != nil || checkIdentity(peer) != nil {
		close(out)
		return out, func() {}
	}
	snaps, cancel := s.Store.WatchValue(store.Join(threadRoot, self, peer))
	go func() {
		defer close(out)
		for snap := range snaps {
			out <- decodeThread(snap.Children)
		}
	}()
	return out, cancel
}

// buildMessage validates inputs and assembles a keyed message.
func (s *MessageService) buildMessage(from, fromName, text string) (*domain.ChatMessage, error) {
	if err := checkIdentity(from); err != nil {
		return nil, err
	}
	fromName = strings.TrimSpace(fromName)
	if fromName == "" {
		return nil, ErrEmptyName
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	if s.MaxTextRunes > 0 && utf8.RuneCountInString(text) > s.MaxTextRunes {
		return nil, ErrTooLong
	}
	return &domain.ChatMessage{
		Key:      ulid.Make().String(),
		From:     from,
		FromName: fromName,
		Text:     text,
		SentAt:   domain.Now(),
	}, nil
}

// decodeThread turns raw thread children into a key-ordered message slice,
// skipping malformed values.
func decodeThread(kids map[string][]byte) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(kids))
	for key, raw := range kids {
		var msg domain.ChatMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		msg.Key = key
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
