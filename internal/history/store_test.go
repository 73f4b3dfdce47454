package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/iontrap-lab/backend/internal/models"
	"github.com/iontrap-lab/backend/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func event(offset time.Duration, profile string) models.LoadingEvent {
	return models.LoadingEvent{
		TrappingTime:    t0.Add(offset),
		LoadingDuration: 42 * time.Second,
		ProfileName:     profile,
		IonCount:        1,
		Valid:           true,
	}
}

func fileOpener(path string) Opener {
	return func(ctx context.Context) (*storage.DB, error) {
		return storage.Open(ctx, path, storage.Options{Threads: 1}, nil)
	}
}

func TestAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	s := Open(ctx, nil, fileOpener(filepath.Join(t.TempDir(), "h.duckdb")))
	defer s.Close()
	require.False(t, s.Degraded())

	require.NoError(t, s.Append(ctx, event(2*time.Hour, "Yb")))
	require.NoError(t, s.Append(ctx, event(0, "Yb")))
	require.NoError(t, s.Append(ctx, event(time.Hour, "Ca")))

	all := s.Query(models.TimeRange{}, "")
	require.Len(t, all, 3)
	assert.True(t, all[0].TrappingTime.Equal(t0), "ordered by trapping time")
	assert.Equal(t, "Ca", all[1].ProfileName)

	yb := s.Query(models.TimeRange{Start: t0.Add(time.Minute)}, "Yb")
	require.Len(t, yb, 1)
	assert.True(t, yb[0].TrappingTime.Equal(t0.Add(2*time.Hour)))

	recent := s.Recent(t0.Add(150*time.Minute), time.Hour, "")
	assert.Len(t, recent, 1)

	err := s.Append(ctx, event(0, "Yb"))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestUpdateLastPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "h.duckdb")

	s := Open(ctx, nil, fileOpener(path))
	assert.ErrorIs(t, s.UpdateLast(ctx, time.Minute), ErrEmpty)
	require.NoError(t, s.Append(ctx, event(0, "Yb")))
	require.NoError(t, s.Append(ctx, event(time.Hour, "Yb")))
	require.NoError(t, s.UpdateLast(ctx, 90*time.Minute))
	require.NoError(t, s.Close())

	reopened := Open(ctx, nil, fileOpener(path))
	defer reopened.Close()
	last, ok := reopened.Last()
	require.True(t, ok)
	assert.True(t, last.TrappingTime.Equal(t0.Add(time.Hour)))
	assert.Equal(t, 90*time.Minute, last.TrappingDuration)
	assert.Equal(t, 42*time.Second, last.LoadingDuration)
	assert.Len(t, reopened.Query(models.TimeRange{}, ""), 2)
}

func TestDegradesToMemoryAndRecovers(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "h.duckdb")
	available := false
	opens := 0
	opener := func(ctx context.Context) (*storage.DB, error) {
		opens++
		if !available {
			return nil, errors.New("disk not mounted")
		}
		return storage.Open(ctx, path, storage.Options{}, nil)
	}

	s := Open(ctx, nil, opener)
	defer s.Close()
	assert.True(t, s.Degraded())

	require.NoError(t, s.Append(ctx, event(0, "Yb")))
	require.NoError(t, s.UpdateLast(ctx, time.Minute))
	assert.Equal(t, 1, s.Pending())
	assert.Len(t, s.Query(models.TimeRange{}, ""), 1, "queries serve what is in memory")
	assert.Equal(t, 2, opens, "each append retries the database")

	available = true
	require.NoError(t, s.Append(ctx, event(time.Hour, "Yb")))
	assert.False(t, s.Degraded())
	assert.Zero(t, s.Pending())

	require.NoError(t, s.Close())

	reopened := Open(ctx, nil, fileOpener(path))
	defer reopened.Close()
	events := reopened.Query(models.TimeRange{}, "")
	require.Len(t, events, 2)
	assert.Equal(t, time.Minute, events[0].TrappingDuration)
}

func TestOpenDBDoesNotCloseSharedDatabase(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.MemoryPath, storage.Options{}, nil)
	require.NoError(t, err)
	defer db.Close()

	s, err := OpenDB(ctx, nil, db)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, event(0, "Yb")))
	require.NoError(t, s.Close())

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM loading_history`).Scan(&n))
	assert.Equal(t, 1, n)
}
