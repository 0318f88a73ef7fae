// Server-Sent Events plumbing.
//
// Subscriptions in the engine come in two shapes and the HTTP layer preserves
// the distinction:
//
//   - snapshot streams (roster, inbox, network, thread, builders): each event
//     carries the full current collection; the first event arrives immediately
//     after subscribing.
//   - append streams (room broadcast log): each event carries one new element;
//     nothing that predates the subscription is ever delivered.
//
// Both are rendered as SSE with a named event per payload and a periodic
// comment line as keep-alive so intermediaries do not reap idle connections.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// keepAliveEvery is how often an SSE comment is written on an idle stream.
const keepAliveEvery = 15 * time.Second

// streamJSON bridges a subscription channel onto the response as SSE events
// named `event`, one JSON payload per element, until the client disconnects
// or the channel closes. cancel is always invoked on the way out.
func streamJSON[T any](c *gin.Context, event string, ch <-chan T, cancel func()) {
	defer cancel()

	flusher, okf := c.Writer.(http.Flusher)
	if !okf {
		fail(c, http.StatusInternalServerError, ErrCodeStreamUnsupported, "response writer does not support streaming")
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepAliveEvery)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Writer.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case v, okc := <-ch:
			if !okc {
				return
			}
			raw, err := json.Marshal(v)
			if err != nil {
				continue
			}
			if _, err := c.Writer.Write([]byte("event: " + event + "\ndata: ")); err != nil {
				return
			}
			if _, err := c.Writer.Write(raw); err != nil {
				return
			}
			if _, err := c.Writer.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
