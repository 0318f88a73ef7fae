// Depot adapts any flat key-value backend into the full Store capability
// set, adding the subscription machinery (snapshot streams and
// append-notification streams) on top of plain Put/Get/List/Delete.
//
// Subscribers never block writers: every subscription owns a small mailbox
// drained by its own goroutine. Snapshot mailboxes coalesce (a slow consumer
// sees the latest state, not every intermediate one), child mailboxes are
// lossless and in-order, matching the contracts documented on Store.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// KV is the minimal flat storage contract a backend must provide for Depot
// to lift it into a Store. Paths are opaque keys to the backend; hierarchy
// is Depot's business. Implementations must be safe for concurrent use.
type KV interface {
	// Put stores value under path.
	Put(path string, value []byte) error
	// Get returns the value under path, or ErrNotFound.
	Get(path string) ([]byte, error)
	// List returns all entries whose path equals prefix or starts with
	// prefix+"/", keyed by full path.
	List(prefix string) (map[string][]byte, error)
	// Delete removes the entry at path and every entry beneath it.
	Delete(path string) error
	// Close releases backend resources.
	Close() error
}

var (
	storeWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "milap_store_ops_total",
			Help: "Total store mutations by operation.",
		},
		[]string{"op"},
	)

	storeSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "milap_store_subscribers",
			Help: "Currently active store subscriptions by kind.",
		},
		[]string{"kind"},
	)

	storeOpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "milap_store_op_duration_seconds",
			Help:    "Duration of store mutations in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(storeWrites, storeSubscribers, storeOpLat)
}

// Depot implements Store over a KV backend.
//
// A single mutex serializes mutations and subscriber bookkeeping so that the
// "new child" test and the resulting notifications agree with the backend
// state they were computed from. Reads go straight to the backend.
type Depot struct {
	kv KV

	mu        sync.Mutex
	valueSubs map[*valueSub]struct{}
	childSubs map[*childSub]struct{}
	closed    bool
}

// NewDepot wraps kv into a Store.
func NewDepot(kv KV) *Depot {
	return &Depot{
		kv:        kv,
		valueSubs: make(map[*valueSub]struct{}),
		childSubs: make(map[*childSub]struct{}),
	}
}

// Write stores value at path and notifies affected subscribers.
func (d *Depot) Write(ctx context.Context, path string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer observe("write", time.Now())

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	_, err := d.kv.Get(path)
	isNew := err == ErrNotFound
	if err != nil && err != ErrNotFound {
		return err
	}
	if err := d.kv.Put(path, value); err != nil {
		return err
	}
	storeWrites.WithLabelValues("write").Inc()

	if isNew {
		par := parent(path)
		for cs := range d.childSubs {
			if cs.path == par {
				cs.push(Child{Key: lastSegment(path), Value: value})
			}
		}
	}
	d.fanOutSnapshotsLocked(path)
	return nil
}

// Read returns the leaf value at path, or ErrNotFound.
func (d *Depot) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.kv.Get(path)
}

// Children returns the direct leaf children of path. Deeper descendants are
// not flattened in; a missing path yields an empty map.
func (d *Depot) Children(ctx context.Context, path string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.childrenOf(path)
}

// Delete removes the subtree at path. Absent paths are a no-op, per the
// stale-reference policy: removal of a missing key is harmless.
func (d *Depot) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer observe("delete", time.Now())

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if err := d.kv.Delete(path); err != nil {
		return err
	}
	storeWrites.WithLabelValues("delete").Inc()
	d.fanOutSnapshotsLocked(path)
	return nil
}

// WatchValue subscribes to snapshots of path. The current snapshot is
// queued before WatchValue returns, so consumers always start from known
// state. The cancel function stops delivery and closes the channel.
func (d *Depot) WatchValue(path string) (<-chan Snapshot, func()) {
	sub := newValueSub(path)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		sub.stop()
		return sub.ch, func() {}
	}
	d.valueSubs[sub] = struct{}{}
	storeSubscribers.WithLabelValues("value").Inc()
	if snap, err := d.snapshotOf(path); err == nil {
		sub.push(snap)
	}
	d.mu.Unlock()

	// Idempotent, and safe to race with Close: whoever removes the sub from
	// the registry owns the matching gauge decrement.
	cancel := func() {
		d.mu.Lock()
		_, live := d.valueSubs[sub]
		delete(d.valueSubs, sub)
		if live {
			storeSubscribers.WithLabelValues("value").Dec()
		}
		d.mu.Unlock()
		if live {
			sub.stop()
		}
	}
	return sub.ch, cancel
}

// WatchChildren subscribes to keys added under path from now on. Existing
// children are not replayed; overwrites do not fire.
func (d *Depot) WatchChildren(path string) (<-chan Child, func()) {
	sub := newChildSub(path)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		sub.stop()
		return sub.ch, func() {}
	}
	d.childSubs[sub] = struct{}{}
	storeSubscribers.WithLabelValues("child").Inc()
	d.mu.Unlock()

	cancel := func() {
		d.mu.Lock()
		_, live := d.childSubs[sub]
		delete(d.childSubs, sub)
		if live {
			storeSubscribers.WithLabelValues("child").Dec()
		}
		d.mu.Unlock()
		if live {
			sub.stop()
		}
	}
	return sub.ch, cancel
}

// Close stops all subscriptions and closes the backend. Subscriptions torn
// down here release their gauge slots the same as an explicit cancel would;
// a cancel arriving later finds the sub already unregistered and no-ops.
func (d *Depot) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for vs := range d.valueSubs {
		vs.stop()
		delete(d.valueSubs, vs)
		storeSubscribers.WithLabelValues("value").Dec()
	}
	for cs := range d.childSubs {
		cs.stop()
		delete(d.childSubs, cs)
		storeSubscribers.WithLabelValues("child").Dec()
	}
	d.mu.Unlock()
	return d.kv.Close()
}

// fanOutSnapshotsLocked recomputes and queues snapshots for every value
// subscription whose watched path is affected by a change at path. Both
// directions matter: a write below a watch changes the watch, and deleting a
// subtree above a watch empties it.
func (d *Depot) fanOutSnapshotsLocked(path string) {
	for vs := range d.valueSubs {
		if underneath(path, vs.path) || underneath(vs.path, path) {
			if snap, err := d.snapshotOf(vs.path); err == nil {
				vs.push(snap)
			}
		}
	}
}

// snapshotOf assembles the current Snapshot for path from backend state.
func (d *Depot) snapshotOf(path string) (Snapshot, error) {
	snap := Snapshot{Children: map[string][]byte{}}
	if v, err := d.kv.Get(path); err == nil {
		snap.Value = v
	} else if err != ErrNotFound {
		return snap, err
	}
	kids, err := d.childrenOf(path)
	if err != nil {
		return snap, err
	}
	snap.Children = kids
	return snap, nil
}

// childrenOf lists the direct leaf children of path.
func (d *Depot) childrenOf(path string) (map[string][]byte, error) {
	entries, err := d.kv.List(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(entries))
	prefixLen := len(path) + 1
	for p, v := range entries {
		if p == path || len(p) <= prefixLen {
			continue
		}
		rest := p[prefixLen:]
		if lastSegment(rest) == rest { // direct child, not a grandchild
			out[rest] = v
		}
	}
	return out, nil
}

func observe(op string, start time.Time) {
	storeOpLat.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

//
// Subscriber mailboxes
//

// valueSub carries snapshots to one WatchValue consumer. The mailbox holds
// at most one pending snapshot: pushes overwrite it, so consumers that fall
// behind skip straight to the latest state.
type valueSub struct {
	path string
	ch   chan Snapshot
	done chan struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	pending *Snapshot
	stopped bool
}

func newValueSub(path string) *valueSub {
	s := &valueSub{
		path: path,
		ch:   make(chan Snapshot, 1),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

func (s *valueSub) push(snap Snapshot) {
	s.mu.Lock()
	if !s.stopped {
		s.pending = &snap
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *valueSub) stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.done)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *valueSub) pump() {
	for {
		s.mu.Lock()
		for s.pending == nil && !s.stopped {
			s.cond.Wait()
		}
		if s.pending == nil {
			s.mu.Unlock()
			close(s.ch)
			return
		}
		snap := *s.pending
		s.pending = nil
		s.mu.Unlock()

		select {
		case s.ch <- snap:
		case <-s.done:
			close(s.ch)
			return
		}
	}
}

// childSub carries append events to one WatchChildren consumer. The mailbox
// is an unbounded in-order queue: append streams are lossless.
type childSub struct {
	path string
	ch   chan Child
	done chan struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Child
	stopped bool
}

func newChildSub(path string) *childSub {
	s := &childSub{
		path: path,
		ch:   make(chan Child, 16),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

func (s *childSub) push(c Child) {
	s.mu.Lock()
	if !s.stopped {
		s.queue = append(s.queue, c)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *childSub) stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.done)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *childSub) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			close(s.ch)
			return
		}
		c := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- c:
		case <-s.done:
			close(s.ch)
			return
		}
	}
}
