// Package pebbledb provides the default durable store backend, a thin
// store.KV over a Pebble database. Paths map directly to Pebble keys, so
// listing a subtree is a single prefix iteration and stays cheap for the
// collection sizes this engine deals in (rosters, inboxes, threads).
package pebbledb

import (
	"github.com/cockroachdb/pebble"

	"github.com/Sidopolis/milap/internal/store"
)

// KV is a Pebble-backed store.KV.
type KV struct {
	db *pebble.DB
}

// Open opens (or creates) a Pebble database at path.
func Open(path string) (*KV, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &KV{db: db}, nil
}

// Put stores value under path with a synced write, so acknowledged presence
// and connection state survives a crash.
func (k *KV) Put(path string, value []byte) error {
	return k.db.Set([]byte(path), value, pebble.Sync)
}

// Get returns the value under path, or store.ErrNotFound.
func (k *KV) Get(path string) ([]byte, error) {
	v, closer, err := k.db.Get([]byte(path))
	if err == pebble.ErrNotFound {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	if cerr := closer.Close(); cerr != nil {
		return nil, cerr
	}
	return out, nil
}

// List returns every entry at or beneath prefix, keyed by full path.
func (k *KV) List(prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)

	if v, err := k.Get(prefix); err == nil {
		out[prefix] = v
	} else if err != store.ErrNotFound {
		return nil, err
	}

	lower := []byte(prefix + "/")
	iter, err := k.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upperBound(lower),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		val := make([]byte, len(iter.Value()))
		copy(val, iter.Value())
		out[key] = val
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the entry at path and every entry beneath it.
func (k *KV) Delete(path string) error {
	b := k.db.NewBatch()
	if err := b.Delete([]byte(path), nil); err != nil {
		return err
	}
	lower := []byte(path + "/")
	if err := b.DeleteRange(lower, upperBound(lower), nil); err != nil {
		return err
	}
	return k.db.Apply(b, pebble.Sync)
}

// Close closes the underlying Pebble database.
func (k *KV) Close() error {
	return k.db.Close()
}

// upperBound returns the tightest key strictly greater than every key with
// the given prefix.
func upperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil // prefix is all 0xff; no upper bound
}
