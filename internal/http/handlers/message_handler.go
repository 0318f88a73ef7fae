// Message HTTP handlers.
//
// This file exposes REST endpoints for chat:
//   - POST /rooms/{room}/messages          (broadcast to a room)
//   - GET  /rooms/{room}/messages/stream   (SSE append stream, no history)
//   - POST /threads/{peer}/messages        (direct message)
//   - GET  /threads/{peer}/messages        (full thread, send order)
//   - GET  /threads/{peer}/messages/stream (SSE snapshot stream)
//
// The two stream shapes are deliberate: the room stream is an append
// notification channel that never replays history, while the thread stream is
// a snapshot channel that always begins with the full conversation.
//
// Idempotency: POST endpoints honor the Idempotency-Key header. On a detected
// replay the handler skips the append and answers 204 with
// `Idempotency-Replayed: true`, so a retried send cannot duplicate a message.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Sidopolis/milap/internal/domain"
	"github.com/Sidopolis/milap/internal/http/middleware"
	"github.com/Sidopolis/milap/internal/services"
)

//
// DTOs
//

// PostMessageRequest is the JSON payload for sending a chat message.
type PostMessageRequest struct {
	// Name is the sender's display name. Required.
	Name string `json:"name" binding:"required,min=1" example:"Sid"`
	// Text is the message body. Required; the engine enforces a rune cap.
	Text string `json:"text" binding:"required,min=1" example:"anyone building with embeddings?"`
}

// PostMessageResponse is the JSON envelope for a delivered message.
type PostMessageResponse struct {
	// Message is the message as stored, including its assigned key.
	Message *domain.ChatMessage `json:"message"`
}

// ThreadResponse contains a full direct conversation in send order.
type ThreadResponse struct {
	Messages []domain.ChatMessage `json:"messages"`
}

//
// Handlers
//

// PostRoomMessage godoc
// @ID          postRoomMessage
// @Summary     Broadcast a message to a room
// @Description Appends the message to the room's log. Delivery is at-least-once to
// @Description subscribers; supply an Idempotency-Key to make retries duplicate-safe.
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Param       X-User-ID        header  string  true   "Caller identity token"
// @Param       Idempotency-Key  header  string  false  "Key for safe retries"
// @Param       room             path    string  true   "Room name"
// @Param       body             body    handlers.PostMessageRequest  true  "Message payload"
// @Success     201  {object}  handlers.PostMessageResponse
// @Success     204  "Replay of an already-delivered message"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /rooms/{room}/messages [post]
func (h *Handlers) PostRoomMessage(c *gin.Context) {
	id := callerID(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required")
		return
	}
	if middleware.IsReplay(c) {
		c.Header("Idempotency-Replayed", "true")
		noContent(c)
		return
	}
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "name and text required")
		return
	}
	msg, err := h.msgSvc.Post(c.Request.Context(), c.Param("room"), id, req.Name, req.Text)
	if err != nil {
		failMessage(c, err)
		return
	}
	h.markDone(c)
	ok(c, http.StatusCreated, PostMessageResponse{Message: msg})
}

// StreamRoomMessages godoc
// @ID          streamRoomMessages
// @Summary     Watch a room's broadcast log
// @Description SSE append stream: each `message` event carries one message posted after
// @Description the subscription began. History is never replayed.
// @Tags        Messages
// @Produce     text/event-stream
// @Param       room  path  string  true  "Room name"
// @Success     200  "SSE stream of message events"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Router      /rooms/{room}/messages/stream [get]
func (h *Handlers) StreamRoomMessages(c *gin.Context) {
	adds, cancel := h.msgSvc.WatchRoom(c.Param("room"))
	streamJSON(c, "message", adds, cancel)
}

// SendDirectMessage godoc
// @ID          sendDirectMessage
// @Summary     Send a direct message
// @Description Delivers the message into both the caller's and the peer's copy of the
// @Description thread under one shared key.
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Param       X-User-ID        header  string  true   "Caller identity token"
// @Param       Idempotency-Key  header  string  false  "Key for safe retries"
// @Param       peer             path    string  true   "Peer identity token"
// @Param       body             body    handlers.PostMessageRequest  true  "Message payload"
// @Success     201  {object}  handlers.PostMessageResponse
// @Success     204  "Replay of an already-delivered message"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /threads/{peer}/messages [post]
func (h *Handlers) SendDirectMessage(c *gin.Context) {
	id := callerID(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required")
		return
	}
	if middleware.IsReplay(c) {
		c.Header("Idempotency-Replayed", "true")
		noContent(c)
		return
	}
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "name and text required")
		return
	}
	msg, err := h.msgSvc.Send(c.Request.Context(), id, req.Name, c.Param("peer"), req.Text)
	if err != nil {
		failMessage(c, err)
		return
	}
	h.markDone(c)
	ok(c, http.StatusCreated, PostMessageResponse{Message: msg})
}

// GetThread godoc
// @ID          getThread
// @Summary     Read a direct conversation
// @Description Returns the caller's copy of the thread with peer, in send order.
// @Tags        Messages
// @Produce     json
// @Param       X-User-ID  header  string  true  "Caller identity token"
// @Param       peer       path    string  true  "Peer identity token"
// @Success     200  {object}  handlers.ThreadResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /threads/{peer}/messages [get]
func (h *Handlers) GetThread(c *gin.Context) {
	id := callerID(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required")
		return
	}
	msgs, err := h.msgSvc.Thread(c.Request.Context(), id, c.Param("peer"))
	if err != nil {
		failMessage(c, err)
		return
	}
	ok(c, http.StatusOK, ThreadResponse{Messages: msgs})
}

// StreamThread godoc
// @ID          streamThread
// @Summary     Watch a direct conversation
// @Description SSE snapshot stream: each `thread` event carries the full conversation in
// @Description send order, starting with one event immediately after subscribing.
// @Tags        Messages
// @Produce     text/event-stream
// @Param       X-User-ID  header  string  true  "Caller identity token"
// @Param       peer       path    string  true  "Peer identity token"
// @Success     200  "SSE stream of thread events"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Router      /threads/{peer}/messages/stream [get]
func (h *Handlers) StreamThread(c *gin.Context) {
	id := callerID(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required")
		return
	}
	snaps, cancel := h.msgSvc.WatchThread(id, c.Param("peer"))
	streamJSON(c, "thread", snaps, cancel)
}

// failMessage maps message-service errors onto HTTP responses.
func failMessage(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrBadRoom):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid room name")
	case errors.Is(err, services.ErrBadIdentity):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid identity")
	case errors.Is(err, services.ErrEmptyName), errors.Is(err, services.ErrEmptyText):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "name and text required")
	case errors.Is(err, services.ErrTooLong):
		fail(c, http.StatusBadRequest, ErrCodeMessageTooLong, "message text too long")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "message delivery failed")
	}
}
