// Connection HTTP handlers.
//
// This file exposes REST endpoints for the connection graph:
//   - POST   /connections/requests                 (send / refresh a request)
//   - POST   /connections/requests/{from}/accept   (accept a pending request)
//   - DELETE /connections/requests/{from}          (ignore a pending request)
//   - GET    /connections/inbox                    (pending incoming requests)
//   - GET    /connections/network                  (accepted connections)
//   - GET    /connections/inbox/stream             (SSE snapshot stream)
//   - GET    /connections/network/stream           (SSE snapshot stream)
//
// All mutations are idempotent: re-sending refreshes, accepting or ignoring a
// request that no longer exists is a no-op, so blind client retries are safe.
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

// ConnectRequest is the JSON payload for sending a connection request.
type ConnectRequest struct {
	// To is the identity token of the target builder. Required.
	To string `json:"to" binding:"required,min=1" example:"k3j2h1g4f5"`
	// Name is the sender's display name, shown in the target's inbox. Required.
	Name string `json:"name" binding:"required,min=1" example:"Sid"`
}

// AcceptRequest is the JSON payload for accepting a pending request.
type AcceptRequest struct {
	// Name is the accepter's display name, recorded in the requester's
	// network. Required.
	Name string `json:"name" binding:"required,min=1" example:"Maya"`
	// FromName optionally overrides the display name recorded for the
	// requester; when empty, the name from the pending request is reused.
	FromName string `json:"from_name,omitempty" example:"Sid"`
}

// InboxResponse contains the caller's pending incoming requests.
type InboxResponse struct {
	Requests []domain.ConnectionRequest `json:"requests"`
}

// NetworkResponse contains the caller's accepted connections.
type NetworkResponse struct {
	Connections []domain.Connection `json:"connections"`
}

//
// Handlers
//

// SendConnectionRequest godoc
// @ID          sendConnectionRequest
// @Summary     Request a connection
// @Description Writes a pending request into the target's inbox. Re-sending before the
// @Description target resolves it refreshes the timestamp rather than duplicating.
// @Tags        Connections
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  true  "Caller identity token"
// @Param       body       body    handlers.ConnectRequest  true  "Target and display name"
// @Success     204  "Request recorded"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request (including self-connection)"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /connections/requests [post]
func (h *Handlers) SendConnectionRequest(c *gin.Context) {
	id := callerID(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required")
		return
	}
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "to and name required")
		return
	}
	if err := h.connSvc.Request(c.Request.Context(), id, req.To, req.Name); err != nil {
		failConnection(c, err)
		return
	}
	h.markDone(c)
	noContent(c)
}

// AcceptConnection godoc
// @ID          acceptConnection
// @Summary     Accept a pending request
// @Description Records the connection on both sides and removes the pending request.
// @Description Accepting an already-resolved request is harmless.
// @Tags        Connections
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  true  "Caller (accepter) identity token"
// @Param       from       path    string  true  "Requester identity token"
// @Param       body       body    handlers.AcceptRequest  true  "Accepter display name"
// @Success     204  "Accepted"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /connections/requests/{from}/accept [post]
func (h *Handlers) AcceptConnection(c *gin.Context) {
	id := callerID(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required")
		return
	}
	from := c.Param("from")
	var req AcceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "name required")
		return
	}

	fromName := req.FromName
	if fromName == "" {
		// Fall back to the display name carried by the pending request.
		if inbox, err := h.connSvc.Inbox(c.Request.Context(), id); err == nil {
			for _, pending := range inbox {
				if pending.From == from {
					fromName = pending.FromName
					break
				}
			}
		}
	}

	if err := h.connSvc.Accept(c.Request.Context(), id, req.Name, from, fromName); err != nil {
		failConnection(c, err)
		return
	}
	h.markDone(c)
	noContent(c)
}

// IgnoreConnection godoc
// @ID          ignoreConnection
// @Summary     Ignore a pending request
// @Description Drops the pending request without recording a connection. The requester
// @Description may send a fresh request later.
// @Tags        Connections
// @Produce     json
// @Param       X-User-ID  header  string  true  "Caller identity token"
// @Param       from       path    string  true  "Requester identity token"
// @Success     204  "Ignored (or nothing to ignore)"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /connections/requests/{from} [delete]
func (h *Handlers) IgnoreConnection(c *gin.Context) {
	id := callerID(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required")
		return
	}
	if err := h.connSvc.Ignore(c.Request.Context(), id, c.Param("from")); err != nil {
		failConnection(c, err)
		return
	}
	noContent(c)
}

// GetInbox godoc
// @ID          getInbox
// @Summary     List pending incoming requests
// @Tags        Connections
// @Produce     json
// @Param       X-User-ID  header  string  true  "Caller identity token"
// @Success     200  {object}  handlers.InboxResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /connections/inbox [get]
func (h *Handlers) GetInbox(c *gin.Context) {
	id := callerID(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required")
		return
	}
	reqs, err := h.connSvc.Inbox(c.Request.Context(), id)
	if err != nil {
		failConnection(c, err)
		return
	}
	ok(c, http.StatusOK, InboxResponse{Requests: reqs})
}

// GetNetwork godoc
// @ID          getNetwork
// @Summary     List accepted connections
// @Tags        Connections
// @Produce     json
// @Param       X-User-ID  header  string  true  "Caller identity token"
// @Success     200  {object}  handlers.NetworkResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /connections/network [get]
func (h *Handlers) GetNetwork(c *gin.Context) {
	id := callerID(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required")
		return
	}
	conns, err := h.connSvc.Network(c.Request.Context(), id)
	if err != nil {
		failConnection(c, err)
		return
	}
	ok(c, http.StatusOK, NetworkResponse{Connections: conns})
}

// StreamInbox godoc
// @ID          streamInbox
// @Summary     Watch the pending-request inbox
// @Description SSE snapshot stream: each `inbox` event carries all pending requests.
// @Tags        Connections
// @Produce     text/event-stream
// @Param       X-User-ID  header  string  true  "Caller identity token"
// @Success     200  "SSE stream of inbox events"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Router      /connections/inbox/stream [get]
func (h *Handlers) StreamInbox(c *gin.Context) {
	id := callerID(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required")
		return
	}
	snaps, cancel := h.connSvc.WatchInbox(id)
	streamJSON(c, "inbox", snaps, cancel)
}

// StreamNetwork godoc
// @ID          streamNetwork
// @Summary     Watch the accepted-connection list
// @Description SSE snapshot stream: each `network` event carries all accepted connections.
// @Tags        Connections
// @Produce     text/event-stream
// @Param       X-User-ID  header  string  true  "Caller identity token"
// @Success     200  "SSE stream of network events"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Router      /connections/network/stream [get]
func (h *Handlers) StreamNetwork(c *gin.Context) {
	id := callerID(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required")
		return
	}
	snaps, cancel := h.connSvc.WatchNetwork(id)
	streamJSON(c, "network", snaps, cancel)
}

// failConnection maps connection-service errors onto HTTP responses.
func failConnection(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrSelfConnection):
		fail(c, http.StatusBadRequest, ErrCodeSelfConnection, "cannot connect to self")
	case errors.Is(err, services.ErrBadIdentity):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid identity")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "connection operation failed")
	}
}
