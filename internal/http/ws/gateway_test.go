package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Sidopolis/milap/internal/domain"
	"github.com/Sidopolis/milap/internal/services"
	"github.com/Sidopolis/milap/internal/store"
	"github.com/Sidopolis/milap/internal/store/memory"
)

const waitFor = 2 * time.Second

type testEnv struct {
	srv      *httptest.Server
	presence *services.PresenceService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewDepot(memory.New())
	t.Cleanup(func() { _ = st.Close() })

	presence := services.NewPresenceService(st)
	gw := NewGateway(
		presence,
		services.NewConnectionService(st),
		services.NewMessageService(st),
		services.NewProfileService(st),
	)

	r := gin.New()
	r.GET("/ws", gw.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, presence: presence}
}

func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, cmd command) {
	t.Helper()
	if err := conn.WriteJSON(cmd); err != nil {
		t.Fatalf("write command: %v", err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(waitFor))
	var ev event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestGateway_RejectsAnonymous(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous -> %d", resp.StatusCode)
	}
}

func TestGateway_SubscribeRosterAndJoin(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "?id=u1")

	send(t, conn, command{Op: "subscribe", Sub: "s1", Stream: "roster", Room: "r"})

	// Initial snapshot: nobody there yet.
	ev := recv(t, conn)
	if ev.Sub != "s1" || ev.Event != "roster" {
		t.Fatalf("first event = %+v", ev)
	}
	var roster []domain.PresenceEntry
	if err := json.Unmarshal(ev.Data, &roster); err != nil {
		t.Fatalf("decode roster: %v", err)
	}
	if len(roster) != 0 {
		t.Fatalf("initial roster = %+v", roster)
	}

	// Join through the same socket; the next snapshot includes us.
	send(t, conn, command{Op: "join", Room: "r", Name: "Sid"})
	ev = recv(t, conn)
	if ev.Event != "roster" {
		t.Fatalf("after join = %+v", ev)
	}
	if err := json.Unmarshal(ev.Data, &roster); err != nil {
		t.Fatalf("decode roster: %v", err)
	}
	if len(roster) != 1 || roster[0].ID != "u1" || roster[0].Name != "Sid" {
		t.Fatalf("roster after join = %+v", roster)
	}
}

func TestGateway_DisconnectLeavesJoinedRooms(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "?id=u1")

	send(t, conn, command{Op: "join", Room: "r", Name: "Sid"})

	// Wait until the join is visible.
	deadline := time.Now().Add(waitFor)
	for {
		roster, _ := env.presence.Roster(context.Background(), "r")
		if len(roster) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("join never landed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_ = conn.Close()

	// The gateway's teardown removes the presence entry.
	deadline = time.Now().Add(waitFor)
	for {
		roster, _ := env.presence.Roster(context.Background(), "r")
		if len(roster) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("presence entry survived disconnect: %+v", roster)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGateway_ErrorFrames(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "?id=u1")

	// Unknown op.
	send(t, conn, command{Op: "nope"})
	ev := recv(t, conn)
	if ev.Event != "error" || ev.Message == "" {
		t.Fatalf("unknown op event = %+v", ev)
	}

	// Subscribe without a sub id.
	send(t, conn, command{Op: "subscribe", Stream: "roster", Room: "r"})
	ev = recv(t, conn)
	if ev.Event != "error" {
		t.Fatalf("missing sub id event = %+v", ev)
	}

	// Unknown stream.
	send(t, conn, command{Op: "subscribe", Sub: "s1", Stream: "weird"})
	ev = recv(t, conn)
	if ev.Event != "error" {
		t.Fatalf("unknown stream event = %+v", ev)
	}
}

func TestGateway_UnsubscribeStopsEvents(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "?id=u1")

	send(t, conn, command{Op: "subscribe", Sub: "s1", Stream: "roster", Room: "r"})
	if ev := recv(t, conn); ev.Event != "roster" {
		t.Fatalf("initial event = %+v", ev)
	}

	send(t, conn, command{Op: "unsubscribe", Sub: "s1"})
	// Give the cancel a moment to land, then change the roster.
	time.Sleep(50 * time.Millisecond)
	_ = env.presence.Join(context.Background(), "r", "u2", "Maya")

	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var ev event
	if err := conn.ReadJSON(&ev); err == nil {
		t.Fatalf("event after unsubscribe: %+v", ev)
	}
}
