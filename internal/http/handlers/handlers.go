// Handler wiring and service contracts.
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including streaming responses).
// They depend on abstract service interfaces so transport concerns stay
// separate from engine logic and tests can substitute fakes.
//
// Identity model: every request carries the caller's anonymous identity token
// in the X-User-ID header (stashed in the Gin context by middleware.Identity).
// Tokens are self-issued and unauthenticated; the engine validates shape, not
// ownership.
package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Sidopolis/milap/internal/domain"
	"github.com/Sidopolis/milap/internal/http/middleware"
)

//
// Service contracts (context-aware)
//

// PresenceService defines room-occupancy operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type PresenceService interface {
	// Join writes (or refreshes) the caller's presence entry in a room.
	Join(ctx context.Context, room, id, name string) error
	// Heartbeat refreshes the caller's presence entry; absent entry is a no-op.
	Heartbeat(ctx context.Context, room, id string) error
	// Leave removes the caller's presence entry; absent entry is a no-op.
	Leave(ctx context.Context, room, id string) error
	// Roster returns the room's current presence entries, sorted.
	Roster(ctx context.Context, room string) ([]domain.PresenceEntry, error)
	// Watch returns a snapshot stream of the room roster.
	Watch(room string) (<-chan []domain.PresenceEntry, func())
}

// ConnectionService defines connection-graph operations.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type ConnectionService interface {
	// Request sends (or refreshes) a pending connection request from → to.
	Request(ctx context.Context, from, to, fromName string) error
	// Accept resolves a pending request as accepted, recording both sides.
	Accept(ctx context.Context, to, toName, from, fromName string) error
	// Ignore resolves a pending request by dropping it.
	Ignore(ctx context.Context, to, from string) error
	// Inbox returns id's pending incoming requests.
	Inbox(ctx context.Context, id string) ([]domain.ConnectionRequest, error)
	// Network returns id's accepted connections.
	Network(ctx context.Context, id string) ([]domain.Connection, error)
	// WatchInbox returns a snapshot stream of id's pending requests.
	WatchInbox(id string) (<-chan []domain.ConnectionRequest, func())
	// WatchNetwork returns a snapshot stream of id's accepted connections.
	WatchNetwork(id string) (<-chan []domain.Connection, func())
}

// MessageService defines broadcast and direct chat operations.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type MessageService interface {
	// Post appends a message to a room's broadcast log.
	Post(ctx context.Context, room, from, fromName, text string) (*domain.ChatMessage, error)
	// WatchRoom streams messages appended to the room after subscription.
	WatchRoom(room string) (<-chan domain.ChatMessage, func())
	// Send delivers a direct message, mirrored into both parties' threads.
	Send(ctx context.Context, from, fromName, peer, text string) (*domain.ChatMessage, error)
	// Thread returns the direct conversation with peer, in send order.
	Thread(ctx context.Context, self, peer string) ([]domain.ChatMessage, error)
	// WatchThread returns a snapshot stream of the direct conversation.
	WatchThread(self, peer string) (<-chan []domain.ChatMessage, func())
}

// ProfileService defines user-record and builder-discovery operations.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type ProfileService interface {
	// Get returns the user record for id.
	Get(ctx context.Context, id string) (*domain.UserRecord, error)
	// Save overwrites id's whole user record.
	Save(ctx context.Context, id string, rec domain.UserRecord) error
	// UpdateProfile replaces the profile part of id's record.
	UpdateProfile(ctx context.Context, id string, p domain.Profile) error
	// AddProject appends a project to id's record.
	AddProject(ctx context.Context, id string, p domain.Project) error
	// RemoveProject deletes the project at index; out of range is a no-op.
	RemoveProject(ctx context.Context, id string, index int) error
	// Builders returns the catalog of user records excluding selfID.
	Builders(ctx context.Context, selfID string) ([]domain.Builder, error)
	// WatchBuilders returns a snapshot stream of the catalog excluding selfID.
	WatchBuilders(selfID string) (<-chan []domain.Builder, func())
	// Matches returns builders sharing at least one project tag with selfID.
	Matches(ctx context.Context, selfID string) ([]domain.Builder, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for presence, connections, messaging, and
// profiles.
type Handlers struct {
	presenceSvc PresenceService
	connSvc     ConnectionService
	msgSvc      MessageService
	profileSvc  ProfileService

	// idemMark, when set, records completed unsafe operations so that
	// Idempotency-Key replays can be detected. Optional.
	idemMark middleware.IdempotencyMark
}

// New constructs and returns a Handlers instance bound to the given services.
func New(presenceSvc PresenceService, connSvc ConnectionService, msgSvc MessageService, profileSvc ProfileService) *Handlers {
	return &Handlers{
		presenceSvc: presenceSvc,
		connSvc:     connSvc,
		msgSvc:      msgSvc,
		profileSvc:  profileSvc,
	}
}

// WithIdempotencyMark installs the marker used to record completed POSTs.
func (h *Handlers) WithIdempotencyMark(mark middleware.IdempotencyMark) *Handlers {
	h.idemMark = mark
	return h
}

// callerID extracts the anonymous identity token attached by
// middleware.Identity. Empty when the X-User-ID header was absent.
func callerID(c *gin.Context) string {
	return middleware.UserID(c)
}

// detachedContext returns a short-deadline context independent of any
// request, for cleanup that must outlive a cancelled request context.
func detachedContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// markDone records a completed unsafe operation for idempotency replay
// detection. Best-effort: a marker failure never fails the request that
// already succeeded.
func (h *Handlers) markDone(c *gin.Context) {
	if h.idemMark == nil {
		return
	}
	key, ok := middleware.GetIdempotencyKey(c)
	if !ok {
		return
	}
	_ = h.idemMark(c.Request.Context(), callerID(c), key, time.Now().UTC())
}
