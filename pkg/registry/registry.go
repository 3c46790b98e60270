// Package registry stores the durable binding between a conversation key and
// a backend session id. Every mutation is committed to SQLite before the
// call returns; an in-memory cache mirrors the table so reads stay cheap and
// survive a storage outage in read-only mode.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound means no mapping exists for the conversation key.
	ErrNotFound = errors.New("session mapping not found")
	// ErrReadOnly means the durable store failed and the registry refuses
	// mutations until the process is restarted against healthy storage.
	ErrReadOnly = errors.New("registry is read-only after a storage failure")
)

// Mapping is one durable routing entry.
type Mapping struct {
	ConversationKey string
	SessionID       string
	Project         string
	CreatedAt       time.Time
	LastActiveAt    time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS session_mappings (
	conversation_key TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL,
	project          TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMP NOT NULL,
	last_active_at   TIMESTAMP NOT NULL
);`

// Registry is the concurrency-safe mapping store. All operations on the same
// key are linearizable: mutations hold the write lock for the full
// store-then-cache sequence.
type Registry struct {
	db  *sql.DB
	log *slog.Logger

	mu       sync.RWMutex
	cache    map[string]Mapping
	degraded bool
}

// Open connects to the SQLite store at path, creates the schema if needed,
// and loads all existing mappings into memory.
func Open(path string, log *slog.Logger) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("registry path is required")
	}
	if log == nil {
		log = slog.Default()
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open registry store: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create registry schema: %w", err)
	}

	r := &Registry{
		db:    db,
		log:   log.With("component", "registry"),
		cache: make(map[string]Mapping),
	}

	if err := r.reload(); err != nil {
		db.Close()
		return nil, err
	}

	return r, nil
}

// reload replaces the in-memory cache with the full table contents.
func (r *Registry) reload() error {
	rows, err := r.db.Query(`SELECT conversation_key, session_id, project, created_at, last_active_at FROM session_mappings`)
	if err != nil {
		return fmt.Errorf("load session mappings: %w", err)
	}
	defer rows.Close()

	cache := make(map[string]Mapping)
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.ConversationKey, &m.SessionID, &m.Project, &m.CreatedAt, &m.LastActiveAt); err != nil {
			return fmt.Errorf("scan session mapping: %w", err)
		}
		cache[m.ConversationKey] = m
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate session mappings: %w", err)
	}

	r.mu.Lock()
	r.cache = cache
	r.mu.Unlock()

	r.log.Info("Registry loaded", "mappings", len(cache))
	return nil
}

// Get returns the mapping for key or ErrNotFound.
func (r *Registry) Get(key string) (Mapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.cache[key]
	if !ok {
		return Mapping{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return m, nil
}

// Has reports whether a mapping exists for key.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.cache[key]
	return ok
}

// Put stores the mapping, atomically replacing any prior entry for its key.
func (r *Registry) Put(ctx context.Context, m Mapping) error {
	if strings.TrimSpace(m.ConversationKey) == "" {
		return errors.New("mapping conversation key is required")
	}
	if strings.TrimSpace(m.SessionID) == "" {
		return errors.New("mapping session id is required")
	}

	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.LastActiveAt.IsZero() {
		m.LastActiveAt = now
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.degraded {
		return ErrReadOnly
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_mappings (conversation_key, session_id, project, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_key) DO UPDATE SET
			session_id = excluded.session_id,
			project = excluded.project,
			created_at = excluded.created_at,
			last_active_at = excluded.last_active_at`,
		m.ConversationKey, m.SessionID, m.Project, m.CreatedAt, m.LastActiveAt)
	if err != nil {
		r.degrade(err)
		return fmt.Errorf("persist mapping %s: %w", m.ConversationKey, ErrReadOnly)
	}

	r.cache[m.ConversationKey] = m
	return nil
}

// Remove deletes the mapping for key. Removing an absent key is a no-op so
// redelivered disconnect commands stay idempotent.
func (r *Registry) Remove(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.degraded {
		return ErrReadOnly
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM session_mappings WHERE conversation_key = ?`, key); err != nil {
		r.degrade(err)
		return fmt.Errorf("remove mapping %s: %w", key, ErrReadOnly)
	}

	delete(r.cache, key)
	return nil
}

// Touch bumps the mapping's last-active timestamp.
func (r *Registry) Touch(ctx context.Context, key string) error {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.cache[key]
	if !ok {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if r.degraded {
		return ErrReadOnly
	}

	if _, err := r.db.ExecContext(ctx, `UPDATE session_mappings SET last_active_at = ? WHERE conversation_key = ?`, now, key); err != nil {
		r.degrade(err)
		return fmt.Errorf("touch mapping %s: %w", key, ErrReadOnly)
	}

	m.LastActiveAt = now
	r.cache[key] = m
	return nil
}

// List returns mappings whose conversation key starts with prefix, newest
// activity first. An empty prefix returns everything.
func (r *Registry) List(prefix string) []Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mappings := make([]Mapping, 0, len(r.cache))
	for key, m := range r.cache {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		mappings = append(mappings, m)
	}

	sort.Slice(mappings, func(i, j int) bool {
		return mappings[i].LastActiveAt.After(mappings[j].LastActiveAt)
	})
	return mappings
}

// MappedSessionIDs returns the set of backend session ids currently bound to
// any conversation, for candidate filtering in discovery.
func (r *Registry) MappedSessionIDs() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make(map[string]bool, len(r.cache))
	for _, m := range r.cache {
		ids[m.SessionID] = true
	}
	return ids
}

// Degraded reports whether the registry has entered read-only mode.
func (r *Registry) Degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.degraded
}

// degrade flips the registry into read-only mode. Caller holds the write
// lock. The alert is logged once per transition.
func (r *Registry) degrade(cause error) {
	if r.degraded {
		return
	}
	r.degraded = true
	r.log.Error("Registry storage failed, entering read-only mode", "error", cause)
}

// Close releases the underlying store.
func (r *Registry) Close() error {
	return r.db.Close()
}
