// Package memory provides the in-memory store backend. It is the reference
// implementation of the store.KV contract: every engine component is
// testable against it without touching disk, and it doubles as the backend
// for ephemeral embedded use.
package memory

import (
	"strings"
	"sync"

	"github.com/Sidopolis/milap/internal/store"
)

// KV is a map-backed store.KV. Safe for concurrent use.
type KV struct {
	mu      sync.RWMutex
	entries map[string][]byte
	closed  bool
}

// New returns an empty in-memory KV.
func New() *KV {
	return &KV{entries: make(map[string][]byte)}
}

// Put stores a copy of value under path.
func (k *KV) Put(path string, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return store.ErrClosed
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	k.entries[path] = cp
	return nil
}

// Get returns the value under path, or store.ErrNotFound.
func (k *KV) Get(path string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return nil, store.ErrClosed
	}
	v, ok := k.entries[path]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

// List returns every entry at or beneath prefix, keyed by full path.
func (k *KV) List(prefix string) (map[string][]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return nil, store.ErrClosed
	}
	out := make(map[string][]byte)
	sub := prefix + "/"
	for p, v := range k.entries {
		if p == prefix || strings.HasPrefix(p, sub) {
			out[p] = v
		}
	}
	return out, nil
}

// Delete removes the entry at path and every entry beneath it.
func (k *KV) Delete(path string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return store.ErrClosed
	}
	delete(k.entries, path)
	sub := path + "/"
	for p := range k.entries {
		if strings.HasPrefix(p, sub) {
			delete(k.entries, p)
		}
	}
	return nil
}

// Close marks the KV closed; subsequent operations fail with store.ErrClosed.
func (k *KV) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed = true
	k.entries = nil
	return nil
}
