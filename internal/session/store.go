package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// SchemaVersion tags every persisted record so future layouts can migrate
// old data instead of guessing.
const SchemaVersion = 1

// RetentionWindow is how long a durable record may go without an update
// before the sweep removes it.
const RetentionWindow = 24 * time.Hour

// mirrorTimeout bounds one asynchronous durable write.
const mirrorTimeout = 5 * time.Second

// PersistedSession is the durable mirror layout: the full session plus
// bookkeeping the in-memory side does not need.
type PersistedSession struct {
	SchemaVersion int       `json:"schemaVersion"`
	LastUpdated   time.Time `json:"lastUpdated"`
	Session       *Session  `json:"session"`
}

// Durable is the consumer-defined interface to the durable key-value store
// that mirrors sessions across restarts. Implemented by storage.SQLite;
// tests substitute a mock.
type Durable interface {
	Put(ctx context.Context, key string, rec PersistedSession) error
	// Get returns ErrNotFound when no record exists for key.
	Get(ctx context.Context, key string) (PersistedSession, error)
	Delete(ctx context.Context, key string) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the per-conversation-key session container.
//
// The in-memory map is authoritative; the durable store is a best-effort
// mirror whose write failures are logged, never surfaced. Mutations are
// serialized per key: two requests for the same key cannot interleave their
// read-modify-write cycles, so neither can silently overwrite the other's
// fields. Requests for different keys do not block each other.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry

	durable Durable // nil = memory-only (tests)
	logger  *slog.Logger
	now     func() time.Time

	wg sync.WaitGroup // tracks in-flight mirror writes
}

// entry pairs one session with its per-key mutation lock.
type entry struct {
	mu   sync.Mutex
	sess *Session
}

// NewStore creates a session store. durable may be nil for memory-only use.
func NewStore(durable Durable, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		entries: make(map[string]*entry),
		durable: durable,
		logger:  logger,
		now:     time.Now,
	}
}

// entryFor returns the entry for key, lazily creating session and entry.
func (s *Store) entryFor(key string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &entry{sess: NewSession(s.now())}
		s.entries[key] = e
		s.logger.Debug("created session", "key", key, "session_id", e.sess.ID)
	}
	return e
}

// Get returns a snapshot of the session for key, lazily creating a default
// one. It never fails and performs no I/O.
func (s *Store) Get(key string) *Session {
	e := s.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.Clone()
}

// Update applies fn to the session for key under the per-key lock and
// mirrors the result. fn receives a private copy; only when fn succeeds is
// the copy swapped in, so a failed request leaves the session exactly as it
// found it and persists nothing.
//
// The returned session is a snapshot of the committed state.
func (s *Store) Update(ctx context.Context, key string, fn func(*Session) error) (*Session, error) {
	e := s.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	working := e.sess.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	e.sess = working

	snap := working.Clone()
	s.mirror(key, snap)
	return snap, nil
}

// Save replaces the session for key outright and mirrors it.
func (s *Store) Save(key string, sess *Session) {
	e := s.entryFor(key)
	e.mu.Lock()
	e.sess = sess.Clone()
	snap := e.sess.Clone()
	e.mu.Unlock()

	s.mirror(key, snap)
}

// Remove drops in-memory and durable state for key. Idempotent; durable
// failures are logged, not raised.
func (s *Store) Remove(ctx context.Context, key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()

	if s.durable == nil {
		return
	}
	if err := s.durable.Delete(ctx, key); err != nil {
		s.logger.Warn("removing durable session record", "key", key, "error", err)
	}
}

// Recover rehydrates the session for key from durable storage. It is the
// explicit restart path: an existing in-memory session is never overwritten,
// and a missing or unreadable record simply reports ok=false.
func (s *Store) Recover(ctx context.Context, key string) (*Session, bool) {
	s.mu.Lock()
	if _, exists := s.entries[key]; exists {
		s.mu.Unlock()
		return nil, false
	}
	s.mu.Unlock()

	if s.durable == nil {
		return nil, false
	}

	rec, err := s.durable.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("recovering session", "key", key, "error", err)
		}
		return nil, false
	}
	if rec.SchemaVersion > SchemaVersion {
		s.logger.Warn("skipping session with newer schema",
			"key", key, "record_version", rec.SchemaVersion, "supported", SchemaVersion)
		return nil, false
	}
	if rec.Session == nil {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check under lock: a concurrent request may have created the key.
	if _, exists := s.entries[key]; exists {
		return nil, false
	}
	s.entries[key] = &entry{sess: rec.Session.Clone()}
	s.logger.Info("recovered session", "key", key, "session_id", rec.Session.ID)
	return rec.Session.Clone(), true
}

// SweepExpired removes durable records whose last update is older than
// maxAge. Side-effect only; failures are logged.
func (s *Store) SweepExpired(ctx context.Context, maxAge time.Duration) {
	if s.durable == nil {
		return
	}
	cutoff := s.now().Add(-maxAge)
	removed, err := s.durable.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Warn("sweeping expired sessions", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("swept expired sessions", "removed", removed, "cutoff", cutoff)
	}
}

// Flush blocks until all in-flight mirror writes finish. Called on shutdown
// and by tests that need deterministic durable state.
func (s *Store) Flush() {
	s.wg.Wait()
}

// mirror asynchronously writes the snapshot to durable storage. In-memory
// state stays authoritative for the life of the process, so a failed mirror
// is a warning, never a request failure.
func (s *Store) mirror(key string, snap *Session) {
	if s.durable == nil {
		return
	}
	rec := PersistedSession{
		SchemaVersion: SchemaVersion,
		LastUpdated:   s.now(),
		Session:       snap,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := s.durable.Put(ctx, key, rec); err != nil {
			s.logger.Warn("mirroring session to durable storage",
				"key", key, "session_id", snap.ID, "error", err)
		}
	}()
}
