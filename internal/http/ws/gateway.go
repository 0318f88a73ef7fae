// Package ws exposes the engine's subscriptions over a single websocket.
//
// REST with SSE covers one stream per connection; the websocket gateway is
// for clients that want their whole live view (roster, inbox, network,
// threads, room chat, builder catalog) multiplexed over one socket.
//
// Protocol: the client sends JSON commands, the gateway answers with JSON
// events. Every subscribe names a client-chosen subscription id, echoed back
// on each event so the client can demultiplex.
//
//	→ {"op":"subscribe","sub":"s1","stream":"roster","room":"global_chat"}
//	← {"sub":"s1","event":"roster","data":[...]}            (snapshot stream)
//	→ {"op":"subscribe","sub":"s2","stream":"room","room":"global_chat"}
//	← {"sub":"s2","event":"message","data":{...}}           (append stream)
//	→ {"op":"unsubscribe","sub":"s1"}
//	→ {"op":"join","room":"global_chat","name":"Sid"}
//	← {"event":"error","message":"..."}                     (command failures)
//
// Presence joined over the socket lasts exactly as long as the socket: on
// disconnect the gateway leaves every room the connection joined, which is
// the closest a server can get to the browser's pagehide hook.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Sidopolis/milap/internal/http/handlers"
)

const (
	// writeWait is the deadline for a single outbound frame.
	writeWait = 10 * time.Second
	// pongWait is how long the socket may stay silent before it is dropped.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxCommandBytes caps inbound command frames.
	maxCommandBytes = 4 << 10
	// sendBuffer is the per-connection outbound queue; a client too slow to
	// drain it is disconnected rather than allowed to block the fan-out.
	sendBuffer = 64
)

// command is one inbound client frame.
type command struct {
	Op     string `json:"op"`               // subscribe|unsubscribe|join|leave|heartbeat
	Sub    string `json:"sub,omitempty"`    // client-chosen subscription id
	Stream string `json:"stream,omitempty"` // roster|room|thread|inbox|network|builders
	Room   string `json:"room,omitempty"`
	Peer   string `json:"peer,omitempty"`
	Name   string `json:"name,omitempty"`
}

// event is one outbound server frame.
type event struct {
	Sub     string          `json:"sub,omitempty"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Gateway upgrades websocket connections and bridges them onto the engine's
// subscription channels.
type Gateway struct {
	presenceSvc handlers.PresenceService
	connSvc     handlers.ConnectionService
	msgSvc      handlers.MessageService
	profileSvc  handlers.ProfileService

	upgrader websocket.Upgrader
}

// NewGateway constructs a Gateway over the given services.
func NewGateway(p handlers.PresenceService, cs handlers.ConnectionService, m handlers.MessageService, pr handlers.ProfileService) *Gateway {
	return &Gateway{
		presenceSvc: p,
		connSvc:     cs,
		msgSvc:      m,
		profileSvc:  pr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 << 10,
			WriteBufferSize: 4 << 10,
			// Cross-origin policy is enforced by the CORS layer for REST;
			// the socket accepts any origin because identity is a bearer
			// token, not a cookie, so there is nothing to CSRF.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handle upgrades the request and runs the session until either side closes.
// The caller identity comes from X-User-ID or, for browser WebSocket clients
// that cannot set headers, the `id` query parameter.
func (g *Gateway) Handle(c *gin.Context) {
	id := c.GetHeader("X-User-ID")
	if id == "" {
		id = c.Query("id")
	}
	if id == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "message": "identity required"})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	s := &session{
		gateway: g,
		conn:    conn,
		userID:  id,
		send:    make(chan event, sendBuffer),
		subs:    make(map[string]func()),
		joined:  make(map[string]string),
		done:    make(chan struct{}),
	}
	go s.writePump()
	s.readPump()
}

// session is the state of one connected socket.
type session struct {
	gateway *Gateway
	conn    *websocket.Conn
	userID  string

	send chan event
	done chan struct{}

	mu     sync.Mutex
	subs   map[string]func() // sub id → cancel
	joined map[string]string // room → display name
}

// readPump consumes client commands until the socket dies, then tears the
// session down: cancels every subscription and leaves every joined room.
func (s *session) readPump() {
	defer s.teardown()

	s.conn.SetReadLimit(maxCommandBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			s.sendError("", "malformed command")
			continue
		}
		s.dispatch(cmd)
	}
}

// writePump serializes outbound events and keeps the connection alive with
// pings. Exactly one writer goroutine per socket; gorilla connections do not
// allow concurrent writers.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case ev := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch executes one client command.
func (s *session) dispatch(cmd command) {
	ctx := context.Background()
	switch cmd.Op {
	case "join":
		if err := s.gateway.presenceSvc.Join(ctx, cmd.Room, s.userID, cmd.Name); err != nil {
			s.sendError("", err.Error())
			return
		}
		s.mu.Lock()
		s.joined[cmd.Room] = cmd.Name
		s.mu.Unlock()
	case "leave":
		if err := s.gateway.presenceSvc.Leave(ctx, cmd.Room, s.userID); err != nil {
			s.sendError("", err.Error())
			return
		}
		s.mu.Lock()
		delete(s.joined, cmd.Room)
		s.mu.Unlock()
	case "heartbeat":
		if err := s.gateway.presenceSvc.Heartbeat(ctx, cmd.Room, s.userID); err != nil {
			s.sendError("", err.Error())
		}
	case "subscribe":
		s.subscribe(cmd)
	case "unsubscribe":
		s.mu.Lock()
		cancel, okc := s.subs[cmd.Sub]
		delete(s.subs, cmd.Sub)
		s.mu.Unlock()
		if okc {
			cancel()
		}
	default:
		s.sendError(cmd.Sub, "unknown op")
	}
}

// subscribe opens the requested stream and starts a forwarder goroutine that
// marshals each element into an event frame.
func (s *session) subscribe(cmd command) {
	if cmd.Sub == "" {
		s.sendError("", "subscribe requires a sub id")
		return
	}

	var cancel func()
	switch cmd.Stream {
	case "roster":
		ch, stop := s.gateway.presenceSvc.Watch(cmd.Room)
		cancel = stop
		go forward(s, cmd.Sub, "roster", ch)
	case "room":
		ch, stop := s.gateway.msgSvc.WatchRoom(cmd.Room)
		cancel = stop
		go forward(s, cmd.Sub, "message", ch)
	case "thread":
		ch, stop := s.gateway.msgSvc.WatchThread(s.userID, cmd.Peer)
		cancel = stop
		go forward(s, cmd.Sub, "thread", ch)
	case "inbox":
		ch, stop := s.gateway.connSvc.WatchInbox(s.userID)
		cancel = stop
		go forward(s, cmd.Sub, "inbox", ch)
	case "network":
		ch, stop := s.gateway.connSvc.WatchNetwork(s.userID)
		cancel = stop
		go forward(s, cmd.Sub, "network", ch)
	case "builders":
		ch, stop := s.gateway.profileSvc.WatchBuilders(s.userID)
		cancel = stop
		go forward(s, cmd.Sub, "builders", ch)
	default:
		s.sendError(cmd.Sub, "unknown stream")
		return
	}

	s.mu.Lock()
	if old, exists := s.subs[cmd.Sub]; exists {
		// Re-subscribing under the same id replaces the old stream.
		old()
	}
	s.subs[cmd.Sub] = cancel
	s.mu.Unlock()
}

// forward copies one subscription channel into the session's send queue. It
// exits when the channel closes (unsubscribe or session teardown) and drops
// the session entirely when the client cannot keep up.
func forward[T any](s *session, sub, name string, ch <-chan T) {
	for v := range ch {
		raw, err := json.Marshal(v)
		if err != nil {
			continue
		}
		select {
		case s.send <- event{Sub: sub, Event: name, Data: raw}:
		case <-s.done:
			return
		default:
			log.Warn().Str("user_id", s.userID).Str("sub", sub).Msg("websocket client too slow, dropping connection")
			s.close()
			return
		}
	}
}

// sendError queues an error frame; drops it silently if the queue is full.
func (s *session) sendError(sub, msg string) {
	select {
	case s.send <- event{Sub: sub, Event: "error", Message: msg}:
	default:
	}
}

// close signals the write pump to finish. Idempotent.
func (s *session) close() {
	s.mu.Lock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()
}

// teardown cancels all subscriptions and leaves all joined rooms.
func (s *session) teardown() {
	s.close()

	s.mu.Lock()
	subs := s.subs
	joined := s.joined
	s.subs = map[string]func(){}
	s.joined = map[string]string{}
	s.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
	if len(joined) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for room := range joined {
			if err := s.gateway.presenceSvc.Leave(ctx, room, s.userID); err != nil {
				log.Warn().Err(err).Str("room", room).Str("user_id", s.userID).Msg("presence cleanup failed")
			}
		}
	}
	_ = s.conn.Close()
}
