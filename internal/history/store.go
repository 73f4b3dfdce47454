// Package history keeps the loading history: one LoadingEvent per trapped
// ion, keyed by trapping time. Events live in memory and are written
// through to DuckDB. When the database cannot be opened the store keeps
// working from memory and retries on every append.
package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iontrap-lab/backend/internal/metrics"
	"github.com/iontrap-lab/backend/internal/models"
	"github.com/iontrap-lab/backend/internal/storage"
	"go.uber.org/zap"
)

var (
	// ErrEmpty is returned when updating an empty history.
	ErrEmpty = errors.New("loading history is empty")
	// ErrDuplicate is returned when appending an event whose trapping time
	// is already recorded.
	ErrDuplicate = errors.New("loading event already recorded")
)

const schema = `CREATE TABLE IF NOT EXISTS loading_history (
	trappingTime     TIMESTAMP PRIMARY KEY,
	loadingDuration  BIGINT NOT NULL,
	trappingDuration BIGINT NOT NULL,
	profileName      VARCHAR NOT NULL,
	ionCount         INTEGER NOT NULL DEFAULT 1,
	valid            BOOLEAN NOT NULL DEFAULT TRUE
)`

// Opener opens the backing database.
type Opener func(ctx context.Context) (*storage.DB, error)

// Store is the loading history. It is safe for concurrent use.
type Store struct {
	log  *zap.Logger
	open Opener

	mu      sync.Mutex
	db      *storage.DB
	ownsDB  bool
	events  []models.LoadingEvent
	unsaved map[time.Time]struct{}
	warned  bool
}

// Open loads the history from the database returned by open. If the
// database is unavailable the store starts empty in memory-only mode.
func Open(ctx context.Context, logger *zap.Logger, open Opener) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		log:     logger.Named("history"),
		open:    open,
		unsaved: make(map[time.Time]struct{}),
	}
	s.mu.Lock()
	s.connectLocked(ctx)
	s.mu.Unlock()
	return s
}

// OpenDB wraps an already open database. The caller keeps ownership of db.
func OpenDB(ctx context.Context, logger *zap.Logger, db *storage.DB) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{log: logger.Named("history"), unsaved: make(map[time.Time]struct{})}
	if err := s.attach(ctx, db); err != nil {
		return nil, err
	}
	return s, nil
}

// connectLocked tries to open the database and merge its contents. Events
// recorded while degraded are written back once it succeeds.
func (s *Store) connectLocked(ctx context.Context) {
	if s.db != nil || s.open == nil {
		return
	}
	db, err := s.open(ctx)
	if err == nil {
		err = s.attach(ctx, db)
		if err != nil {
			db.Close()
		}
	}
	if err != nil {
		if !s.warned {
			s.log.Warn("loading history database unavailable, keeping events in memory", zap.Error(err))
			s.warned = true
		}
		metrics.SetHistoryDegraded(true)
		return
	}
	s.ownsDB = true
	if s.warned {
		s.log.Info("loading history database available again", zap.Int("pending", len(s.unsaved)))
	}
	s.flushLocked(ctx)
}

func (s *Store) attach(ctx context.Context, db *storage.DB) error {
	if err := db.Migrate(ctx, schema); err != nil {
		return err
	}
	stored, err := load(ctx, db)
	if err != nil {
		return err
	}
	s.db = db
	s.merge(stored)
	metrics.SetHistoryDegraded(false)
	return nil
}

func load(ctx context.Context, db *storage.DB) ([]models.LoadingEvent, error) {
	rows, err := db.QueryContext(ctx, `SELECT trappingTime, loadingDuration, trappingDuration, profileName, ionCount, valid
		FROM loading_history ORDER BY trappingTime`)
	if err != nil {
		return nil, fmt.Errorf("reading loading history: %w", err)
	}
	defer rows.Close()

	var events []models.LoadingEvent
	for rows.Next() {
		var ev models.LoadingEvent
		var loadingUs, trappingUs int64
		if err := rows.Scan(&ev.TrappingTime, &loadingUs, &trappingUs, &ev.ProfileName, &ev.IonCount, &ev.Valid); err != nil {
			return nil, fmt.Errorf("scanning loading event: %w", err)
		}
		ev.TrappingTime = ev.TrappingTime.UTC()
		ev.LoadingDuration = time.Duration(loadingUs) * time.Microsecond
		ev.TrappingDuration = time.Duration(trappingUs) * time.Microsecond
		events = append(events, ev)
	}
	return events, rows.Err()
}

// merge adds stored events not already known in memory.
func (s *Store) merge(stored []models.LoadingEvent) {
	known := make(map[time.Time]struct{}, len(s.events))
	for _, ev := range s.events {
		known[ev.TrappingTime] = struct{}{}
	}
	for _, ev := range stored {
		if _, ok := known[ev.TrappingTime]; !ok {
			s.events = append(s.events, ev)
		}
	}
	sort.Slice(s.events, func(i, j int) bool { return s.events[i].TrappingTime.Before(s.events[j].TrappingTime) })
}

func (s *Store) flushLocked(ctx context.Context) {
	for _, ev := range s.events {
		if _, ok := s.unsaved[ev.TrappingTime]; !ok {
			continue
		}
		if !s.writeLocked(ctx, ev) {
			return
		}
	}
}

// writeLocked upserts ev. On failure the event is remembered for the next
// flush and the store drops to memory-only mode.
func (s *Store) writeLocked(ctx context.Context, ev models.LoadingEvent) bool {
	if s.db == nil {
		s.unsaved[ev.TrappingTime] = struct{}{}
		return false
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO loading_history
		(trappingTime, loadingDuration, trappingDuration, profileName, ionCount, valid)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.TrappingTime, ev.LoadingDuration.Microseconds(), ev.TrappingDuration.Microseconds(),
		ev.ProfileName, ev.IonCount, ev.Valid)
	if err != nil {
		s.unsaved[ev.TrappingTime] = struct{}{}
		s.log.Warn("writing loading event failed, keeping it in memory",
			zap.Time("trappingTime", ev.TrappingTime), zap.Error(err))
		if s.ownsDB {
			s.db.Close()
			s.db = nil
			metrics.SetHistoryDegraded(true)
		}
		return false
	}
	delete(s.unsaved, ev.TrappingTime)
	return true
}

// Append records a new event. Trapping times are stored with microsecond
// resolution.
func (s *Store) Append(ctx context.Context, ev models.LoadingEvent) error {
	ev.TrappingTime = ev.TrappingTime.UTC().Truncate(time.Microsecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectLocked(ctx)

	i := sort.Search(len(s.events), func(i int) bool { return !s.events[i].TrappingTime.Before(ev.TrappingTime) })
	if i < len(s.events) && s.events[i].TrappingTime.Equal(ev.TrappingTime) {
		return fmt.Errorf("%w: %s", ErrDuplicate, ev.TrappingTime.Format(time.RFC3339Nano))
	}
	s.events = append(s.events, models.LoadingEvent{})
	copy(s.events[i+1:], s.events[i:])
	s.events[i] = ev

	s.writeLocked(ctx, ev)
	return nil
}

// UpdateLast sets the trapping duration of the most recent event.
func (s *Store) UpdateLast(ctx context.Context, trappingDuration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return ErrEmpty
	}
	last := &s.events[len(s.events)-1]
	last.TrappingDuration = trappingDuration
	s.writeLocked(ctx, *last)
	return nil
}

// Last returns the most recent event.
func (s *Store) Last() (models.LoadingEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return models.LoadingEvent{}, false
	}
	return s.events[len(s.events)-1], true
}

// Query returns the events with trapping time in window whose profile is
// profile (any profile when empty), ordered by trapping time.
func (s *Store) Query(window models.TimeRange, profile string) []models.LoadingEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LoadingEvent
	for _, ev := range s.events {
		if !window.Contains(ev.TrappingTime) {
			continue
		}
		if profile != "" && ev.ProfileName != profile {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Recent returns the events trapped within length before now.
func (s *Store) Recent(now time.Time, length time.Duration, profile string) []models.LoadingEvent {
	return s.Query(models.TimeRange{Start: now.Add(-length), End: now}, profile)
}

// Degraded reports whether the store is running without its database.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db == nil
}

// Pending returns how many events still need to be written.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unsaved)
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil || !s.ownsDB {
		s.db = nil
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
