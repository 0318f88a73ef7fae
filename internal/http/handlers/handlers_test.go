package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/Sidopolis/milap/internal/domain"
	"github.com/Sidopolis/milap/internal/http/middleware"
)

// ---------- fake services ----------
//
// Each fake implements the corresponding service interface with overridable
// func fields; unset fields fall back to benign defaults.

type fakePresenceSvc struct {
	join      func(ctx context.Context, room, id, name string) error
	heartbeat func(ctx context.Context, room, id string) error
	leave     func(ctx context.Context, room, id string) error
	roster    func(ctx context.Context, room string) ([]domain.PresenceEntry, error)
	watch     func(room string) (<-chan []domain.PresenceEntry, func())
}

func (f fakePresenceSvc) Join(ctx context.Context, room, id, name string) error {
	if f.join != nil {
		return f.join(ctx, room, id, name)
	}
	return nil
}

func (f fakePresenceSvc) Heartbeat(ctx context.Context, room, id string) error {
	if f.heartbeat != nil {
		return f.heartbeat(ctx, room, id)
	}
	return nil
}

func (f fakePresenceSvc) Leave(ctx context.Context, room, id string) error {
	if f.leave != nil {
		return f.leave(ctx, room, id)
	}
	return nil
}

func (f fakePresenceSvc) Roster(ctx context.Context, room string) ([]domain.PresenceEntry, error) {
	if f.roster != nil {
		return f.roster(ctx, room)
	}
	return nil, nil
}

func (f fakePresenceSvc) Watch(room string) (<-chan []domain.PresenceEntry, func()) {
	if f.watch != nil {
		return f.watch(room)
	}
	return closedChan[[]domain.PresenceEntry](), func() {}
}

type fakeConnSvc struct {
	request      func(ctx context.Context, from, to, fromName string) error
	accept       func(ctx context.Context, to, toName, from, fromName string) error
	ignore       func(ctx context.Context, to, from string) error
	inbox        func(ctx context.Context, id string) ([]domain.ConnectionRequest, error)
	network      func(ctx context.Context, id string) ([]domain.Connection, error)
	watchInbox   func(id string) (<-chan []domain.ConnectionRequest, func())
	watchNetwork func(id string) (<-chan []domain.Connection, func())
}

func (f fakeConnSvc) Request(ctx context.Context, from, to, fromName string) error {
	if f.request != nil {
		return f.request(ctx, from, to, fromName)
	}
	return nil
}

func (f fakeConnSvc) Accept(ctx context.Context, to, toName, from, fromName string) error {
	if f.accept != nil {
		return f.accept(ctx, to, toName, from, fromName)
	}
	return nil
}

func (f fakeConnSvc) Ignore(ctx context.Context, to, from string) error {
	if f.ignore != nil {
		return f.ignore(ctx, to, from)
	}
	return nil
}

func (f fakeConnSvc) Inbox(ctx context.Context, id string) ([]domain.ConnectionRequest, error) {
	if f.inbox != nil {
		return f.inbox(ctx, id)
	}
	return nil, nil
}

func (f fakeConnSvc) Network(ctx context.Context, id string) ([]domain.Connection, error) {
	if f.network != nil {
		return f.network(ctx, id)
	}
	return nil, nil
}

func (f fakeConnSvc) WatchInbox(id string) (<-chan []domain.ConnectionRequest, func()) {
	if f.watchInbox != nil {
		return f.watchInbox(id)
	}
	return closedChan[[]domain.ConnectionRequest](), func() {}
}

func (f fakeConnSvc) WatchNetwork(id string) (<-chan []domain.Connection, func()) {
	if f.watchNetwork != nil {
		return f.watchNetwork(id)
	}
	return closedChan[[]domain.Connection](), func() {}
}

type fakeMsgSvc struct {
	post        func(ctx context.Context, room, from, fromName, text string) (*domain.ChatMessage, error)
	watchRoom   func(room string) (<-chan domain.ChatMessage, func())
	send        func(ctx context.Context, from, fromName, peer, text string) (*domain.ChatMessage, error)
	thread      func(ctx context.Context, self, peer string) ([]domain.ChatMessage, error)
	watchThread func(self, peer string) (<-chan []domain.ChatMessage, func())
}

func (f fakeMsgSvc) Post(ctx context.Context, room, from, fromName, text string) (*domain.ChatMessage, error) {
	if f.post != nil {
		return f.post(ctx, room, from, fromName, text)
	}
	return &domain.ChatMessage{Key: "k1", From: from, FromName: fromName, Text: text}, nil
}

func (f fakeMsgSvc) WatchRoom(room string) (<-chan domain.ChatMessage, func()) {
	if f.watchRoom != nil {
		return f.watchRoom(room)
	}
	return closedChan[domain.ChatMessage](), func() {}
}

func (f fakeMsgSvc) Send(ctx context.Context, from, fromName, peer, text string) (*domain.ChatMessage, error) {
	if f.send != nil {
		return f.send(ctx, from, fromName, peer, text)
	}
	return &domain.ChatMessage{Key: "k1", From: from, FromName: fromName, Text: text}, nil
}

func (f fakeMsgSvc) Thread(ctx context.Context, self, peer string) ([]domain.ChatMessage, error) {
	if f.thread != nil {
		return f.thread(ctx, self, peer)
	}
	return nil, nil
}

func (f fakeMsgSvc) WatchThread(self, peer string) (<-chan []domain.ChatMessage, func()) {
	if f.watchThread != nil {
		return f.watchThread(self, peer)
	}
	return closedChan[[]domain.ChatMessage](), func() {}
}

type fakeProfileSvc struct {
	get           func(ctx context.Context, id string) (*domain.UserRecord, error)
	save          func(ctx context.Context, id string, rec domain.UserRecord) error
	updateProfile func(ctx context.Context, id string, p domain.Profile) error
	addProject    func(ctx context.Context, id string, p domain.Project) error
	removeProject func(ctx context.Context, id string, index int) error
	builders      func(ctx context.Context, selfID string) ([]domain.Builder, error)
	watchBuilders func(selfID string) (<-chan []domain.Builder, func())
	matches       func(ctx context.Context, selfID string) ([]domain.Builder, error)
}

func (f fakeProfileSvc) Get(ctx context.Context, id string) (*domain.UserRecord, error) {
	if f.get != nil {
		return f.get(ctx, id)
	}
	return &domain.UserRecord{}, nil
}

func (f fakeProfileSvc) Save(ctx context.Context, id string, rec domain.UserRecord) error {
	if f.save != nil {
		return f.save(ctx, id, rec)
	}
	return nil
}

func (f fakeProfileSvc) UpdateProfile(ctx context.Context, id string, p domain.Profile) error {
	if f.updateProfile != nil {
		return f.updateProfile(ctx, id, p)
	}
	return nil
}

func (f fakeProfileSvc) AddProject(ctx context.Context, id string, p domain.Project) error {
	if f.addProject != nil {
		return f.addProject(ctx, id, p)
	}
	return nil
}

func (f fakeProfileSvc) RemoveProject(ctx context.Context, id string, index int) error {
	if f.removeProject != nil {
		return f.removeProject(ctx, id, index)
	}
	return nil
}

func (f fakeProfileSvc) Builders(ctx context.Context, selfID string) ([]domain.Builder, error) {
	if f.builders != nil {
		return f.builders(ctx, selfID)
	}
	return nil, nil
}

func (f fakeProfileSvc) WatchBuilders(selfID string) (<-chan []domain.Builder, func()) {
	if f.watchBuilders != nil {
		return f.watchBuilders(selfID)
	}
	return closedChan[[]domain.Builder](), func() {}
}

func (f fakeProfileSvc) Matches(ctx context.Context, selfID string) ([]domain.Builder, error) {
	if f.matches != nil {
		return f.matches(ctx, selfID)
	}
	return nil, nil
}

// ---------- shared helpers ----------

// closedChan returns an already-closed channel so streaming handlers
// terminate immediately under test.
func closedChan[T any]() <-chan T {
	ch := make(chan T)
	close(ch)
	return ch
}

// newFakes returns a Handlers over all-default fakes.
func newFakes() *Handlers {
	return New(fakePresenceSvc{}, fakeConnSvc{}, fakeMsgSvc{}, fakeProfileSvc{})
}

// newRouter builds a minimal engine with identity extraction, matching the
// production middleware that handlers rely on.
func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Identity())
	return r
}

