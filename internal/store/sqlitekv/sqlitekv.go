// Package sqlitekv provides a SQLite-backed store.KV using GORM and the
// pure-Go SQLite driver. It exists for deployments that prefer a single
// inspectable database file over a Pebble directory; semantics are identical
// to the other backends.
package sqlitekv

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/Sidopolis/milap/internal/store"
)

// Entry is one stored value. Path is the full hierarchical key.
type Entry struct {
	Path      string `gorm:"primaryKey;type:text"`
	Value     []byte `gorm:"type:blob;not null"`
	UpdatedAt time.Time
}

// TableName returns the database table name for Entry.
func (Entry) TableName() string { return "kv_entries" }

// KV is a SQLite-backed store.KV.
type KV struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite database at path, applies PRAGMAs and
// the schema, and instruments the handle with OpenTelemetry tracing.
func Open(path string) (*KV, error) {
	// Fail early if the parent directory does not exist (clearer than the
	// driver's "out of memory (14)").
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, err
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA busy_timeout=5000;")

	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, err
	}
	return &KV{db: db}, nil
}

// Put upserts value under path.
func (k *KV) Put(path string, value []byte) error {
	e := Entry{Path: path, Value: value, UpdatedAt: time.Now().UTC()}
	return k.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&e).Error
}

// Get returns the value under path, or store.ErrNotFound.
func (k *KV) Get(path string) ([]byte, error) {
	var e Entry
	err := k.db.Where("path = ?", path).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

// List returns every entry at or beneath prefix, keyed by full path.
func (k *KV) List(prefix string) (map[string][]byte, error) {
	var rows []Entry
	err := k.db.
		Where("path = ? OR path LIKE ? ESCAPE '\\'", prefix, escapeLike(prefix)+"/%").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(rows))
	for _, r := range rows {
		out[r.Path] = r.Value
	}
	return out, nil
}

// Delete removes the entry at path and every entry beneath it.
func (k *KV) Delete(path string) error {
	return k.db.
		Where("path = ? OR path LIKE ? ESCAPE '\\'", path, escapeLike(path)+"/%").
		Delete(&Entry{}).Error
}

// Close closes the underlying database connection pool.
func (k *KV) Close() error {
	sqlDB, err := k.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// escapeLike escapes LIKE wildcards in s so path segments containing % or _
// cannot broaden the prefix match.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
