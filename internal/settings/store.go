// Package settings persists the AutoLoader's named settings as msgpack
// blobs: the current profile, the profile dictionary, the active profile
// name, user preferences and the opaque GUI state.
package settings

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iontrap-lab/backend/internal/storage"
	"github.com/vmihailenco/msgpack/v5"
)

// Persisted keys.
const (
	KeyProfile     = "AutoLoad.Settings"
	KeyProfileDict = "AutoLoad.Settings.dict"
	KeyProfileName = "AutoLoad.SettingsName"
	KeyParameters  = "AutoLoad.Parameters"
	KeyGUIState    = "AutoLoad.guiState"
)

// ErrNotFound is returned for keys that were never stored.
var ErrNotFound = errors.New("setting not found")

// Store is a key/value store of encoded settings.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Parameters are user preferences that are not part of a profile.
type Parameters struct {
	AutoStart bool `json:"autoStart" msgpack:"autoStart"`
}

// Marshal encodes v with map keys sorted so that equal values always
// produce equal bytes.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes data produced by Marshal.
func Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// Load decodes the value stored under key into v.
func Load(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

// Save encodes v and stores it under key.
func Save(ctx context.Context, s Store, key string, v any) error {
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}

// MemoryStore keeps settings in a map.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.values[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Keys(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// DuckStore keeps settings in the settings table of a DuckDB database.
type DuckStore struct {
	db *storage.DB
}

// NewDuckStore creates the settings table if needed.
func NewDuckStore(ctx context.Context, db *storage.DB) (*DuckStore, error) {
	err := db.Migrate(ctx, `CREATE TABLE IF NOT EXISTS settings (
		key        VARCHAR PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return nil, err
	}
	return &DuckStore{db: db}, nil
}

func (d *DuckStore) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := d.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return v, nil
}

func (d *DuckStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := d.db.ExecContext(ctx, `INSERT OR REPLACE INTO settings (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

func (d *DuckStore) Delete(ctx context.Context, key string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

func (d *DuckStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT key FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("listing settings: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
