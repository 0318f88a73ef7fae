// Presence HTTP handlers.
//
// This file exposes REST endpoints for room presence:
//   - PUT    /rooms/{room}/presence            (join / refresh entry)
//   - POST   /rooms/{room}/presence/heartbeat  (keep entry alive)
//   - DELETE /rooms/{room}/presence            (leave)
//   - GET    /rooms/{room}/presence            (current roster)
//   - GET    /rooms/{room}/presence/stream     (SSE snapshot stream)
//
// Join and leave are idempotent: re-joining overwrites the caller's entry,
// leaving twice is a no-op. The SSE stream additionally ties occupancy to the
// connection when a `name` query parameter is supplied, mirroring clients
// whose presence should last exactly as long as they are watching.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Sidopolis/milap/internal/domain"
	"github.com/Sidopolis/milap/internal/services"
)

//
// DTOs
//

// JoinRoomRequest is the JSON payload for joining a room.
type JoinRoomRequest struct {
	// Name is the display name shown on the roster. Required.
	Name string `json:"name" binding:"required,min=1" example:"Sid"`
}

// RosterResponse contains the current presence entries of a room.
type RosterResponse struct {
	Online []domain.PresenceEntry `json:"online"`
}

//
// Handlers
//

// JoinRoom godoc
// @ID          joinRoom
// @Summary     Join a room
// @Description Writes (or refreshes) the caller's presence entry in the room.
// @Tags        Presence
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  true  "Caller identity token"
// @Param       room       path    string  true  "Room name"  example(global_chat)
// @Param       body       body    handlers.JoinRoomRequest  true  "Display name"
// @Success     204  "Joined"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /rooms/{room}/presence [put]
func (h *Handlers) JoinRoom(c *gin.Context) {
	id := callerID(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required")
		return
	}
	var req JoinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "name required")
		return
	}
	if err := h.presenceSvc.Join(c.Request.Context(), c.Param("room"), id, req.Name); err != nil {
		failPresence(c, err)
		return
	}
	h.markDone(c)
	noContent(c)
}

// HeartbeatRoom godoc
// @ID          heartbeatRoom
// @Summary     Refresh presence
// @Description Marks the caller's presence entry as recently seen so the reaper keeps it.
// @Tags        Presence
// @Produce     json
// @Param       X-User-ID  header  string  true  "Caller identity token"
// @Param       room       path    string  true  "Room name"
// @Success     204  "Refreshed (or no entry to refresh)"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /rooms/{room}/presence/heartbeat [post]
func (h *Handlers) HeartbeatRoom(c *gin.Context) {
	id := callerID(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required")
		return
	}
	if err := h.presenceSvc.Heartbeat(c.Request.Context(), c.Param("room"), id); err != nil {
		failPresence(c, err)
		return
	}
	noContent(c)
}

// LeaveRoom godoc
// @ID          leaveRoom
// @Summary     Leave a room
// @Description Removes the caller's presence entry. Leaving an already-left room succeeds.
// @Tags        Presence
// @Produce     json
// @Param       X-User-ID  header  string  true  "Caller identity token"
// @Param       room       path    string  true  "Room name"
// @Success     204  "Left"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /rooms/{room}/presence [delete]
func (h *Handlers) LeaveRoom(c *gin.Context) {
	id := callerID(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required")
		return
	}
	if err := h.presenceSvc.Leave(c.Request.Context(), c.Param("room"), id); err != nil {
		failPresence(c, err)
		return
	}
	noContent(c)
}

// GetRoster godoc
// @ID          getRoster
// @Summary     List who is in a room
// @Tags        Presence
// @Produce     json
// @Param       room  path  string  true  "Room name"
// @Success     200  {object}  handlers.RosterResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /rooms/{room}/presence [get]
func (h *Handlers) GetRoster(c *gin.Context) {
	entries, err := h.presenceSvc.Roster(c.Request.Context(), c.Param("room"))
	if err != nil {
		failPresence(c, err)
		return
	}
	ok(c, http.StatusOK, RosterResponse{Online: entries})
}

// StreamRoster godoc
// @ID          streamRoster
// @Summary     Watch a room roster
// @Description SSE snapshot stream: each `roster` event carries the full current roster,
// @Description starting with one event immediately after subscribing. Supplying `name`
// @Description also joins the room for the lifetime of the connection.
// @Tags        Presence
// @Produce     text/event-stream
// @Param       X-User-ID  header  string  false  "Caller identity token (required with name)"
// @Param       room       path    string  true   "Room name"
// @Param       name       query   string  false  "Display name; join while streaming"
// @Success     200  "SSE stream of roster events"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Router      /rooms/{room}/presence/stream [get]
func (h *Handlers) StreamRoster(c *gin.Context) {
	room := c.Param("room")

	if name := c.Query("name"); name != "" {
		id := callerID(c)
		if id == "" {
			fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required to join while streaming")
			return
		}
		if err := h.presenceSvc.Join(c.Request.Context(), room, id, name); err != nil {
			failPresence(c, err)
			return
		}
		// Occupancy lasts as long as the stream: leave when the client goes.
		defer func() {
			leaveCtx, cancel := detachedContext()
			defer cancel()
			_ = h.presenceSvc.Leave(leaveCtx, room, id)
		}()
	}

	snaps, cancel := h.presenceSvc.Watch(room)
	streamJSON(c, "roster", snaps, cancel)
}

// failPresence maps presence-service errors onto HTTP responses.
func failPresence(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrBadRoom):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid room name")
	case errors.Is(err, services.ErrBadIdentity):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid identity")
	case errors.Is(err, services.ErrEmptyName):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "name required")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "presence operation failed")
	}
}
