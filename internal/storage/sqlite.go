// Package storage persists proxy lifecycle events in SQLite.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/craigderington/wakeproxy/pkg/types"
)

const (
	// DefaultLimit is the number of events Recent returns when asked for zero
	DefaultLimit = 100
	// MaxLimit caps the number of events returned by Recent
	MaxLimit = 1000

	queueSize    = 256
	writeTimeout = 5 * time.Second
)

// EventStore provides persistent storage for lifecycle events. Observe
// queues events for a background writer so callers never wait on disk I/O.
type EventStore struct {
	db  *sql.DB
	log zerolog.Logger

	queue     chan types.Event
	done      chan struct{}
	closeOnce sync.Once
	closeMu   sync.RWMutex
	closed    bool
	dropped   atomic.Int64
}

// NewEventStore opens (or creates) the database at dbPath
func NewEventStore(dbPath string, log zerolog.Logger) (*EventStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbPath == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	} else {
		// Enable WAL mode for better concurrency
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	store := &EventStore{
		db:    db,
		log:   log.With().Str("component", "storage").Logger(),
		queue: make(chan types.Event, queueSize),
		done:  make(chan struct{}),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	go store.writeLoop()

	return store, nil
}

// initSchema creates the database schema
func (s *EventStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		conn_id TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		time_ns INTEGER NOT NULL -- unix nanoseconds, UTC
	);

	CREATE INDEX IF NOT EXISTS idx_events_time ON events(time_ns DESC);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Save writes an event to the database
func (s *EventStore) Save(ctx context.Context, ev types.Event) error {
	query := `
		INSERT OR IGNORE INTO events (id, kind, conn_id, detail, time_ns)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		ev.ID,
		string(ev.Kind),
		ev.ConnID,
		ev.Detail,
		ev.Time.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}

	return nil
}

// Recent returns up to limit events, newest first. kind filters by event
// kind when non-empty.
func (s *EventStore) Recent(ctx context.Context, limit int, kind types.EventKind) ([]types.Event, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	query := `
		SELECT id, kind, conn_id, detail, time_ns
		FROM events
		WHERE (? = '' OR kind = ?)
		ORDER BY time_ns DESC, seq DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, string(kind), string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := make([]types.Event, 0, limit)
	for rows.Next() {
		var (
			ev     types.Event
			evKind string
			timeNS int64
		)
		if err := rows.Scan(&ev.ID, &evKind, &ev.ConnID, &ev.Detail, &timeNS); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Kind = types.EventKind(evKind)
		ev.Time = time.Unix(0, timeNS).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	return events, nil
}

// Prune deletes events older than cutoff and returns how many were removed
func (s *EventStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE time_ns < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// Observe queues ev for the background writer. Events are dropped when the
// queue is full or the store is closed.
func (s *EventStore) Observe(ev types.Event) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()

	if s.closed {
		return
	}

	select {
	case s.queue <- ev:
	default:
		if s.dropped.Add(1) == 1 {
			s.log.Warn().Msg("Event queue full, dropping events")
		}
	}
}

// Dropped returns how many events were discarded because the queue was full
func (s *EventStore) Dropped() int64 {
	return s.dropped.Load()
}

func (s *EventStore) writeLoop() {
	defer close(s.done)

	for ev := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := s.Save(ctx, ev); err != nil {
			s.log.Error().Err(err).Str("kind", string(ev.Kind)).Msg("Failed to persist event")
		}
		cancel()
	}
}

// Close flushes queued events and closes the database connection
func (s *EventStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closed = true
		close(s.queue)
		s.closeMu.Unlock()

		<-s.done
		err = s.db.Close()
	})
	return err
}
