package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return openTestStore(t) },
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			_, ok, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, "k", "v1"))
			require.NoError(t, s.Set(ctx, "k", "v2"))
			v, ok, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "v2", v)

			require.NoError(t, s.Delete(ctx, "k"))
			_, ok, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestGUID_Persistent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.db")

	first, err := OpenSQLite(path)
	require.NoError(t, err)
	id, err := GUID(ctx, first)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := OpenSQLite(path)
	require.NoError(t, err)
	defer second.Close()
	again, err := GUID(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, id, again, "guid survives reopening the store")
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, ok, err := Load(ctx, s)
	require.NoError(t, err)
	assert.False(t, ok)

	start := time.UnixMilli(1700000000123)
	sess := New(start)
	sess.LastActive = start.Add(5 * time.Minute)
	require.NoError(t, Save(ctx, s, sess))

	loaded, ok, err := Load(ctx, s)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sess.ID, loaded.ID)
	assert.True(t, sess.Start.Equal(loaded.Start))
	assert.True(t, sess.LastActive.Equal(loaded.LastActive))

	assert.False(t, loaded.Expired(sess.LastActive.Add(30*time.Minute), 30*time.Minute))
	assert.True(t, loaded.Expired(sess.LastActive.Add(31*time.Minute), 30*time.Minute))
}

func TestLoad_CorruptTimestamp(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, KeySessionID, "abc"))
	require.NoError(t, s.Set(ctx, KeySessionStart, "yesterday"))

	_, _, err := Load(ctx, s)
	assert.Error(t, err)
}

func TestReportHistory(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordReport(ctx, Record{UUID: "a", Status: "ok", RxID: "rx-a", SentAt: base}))
	require.NoError(t, s.RecordReport(ctx, Record{UUID: "b", Status: "server-error", Message: "500", SentAt: base.Add(time.Second)}))
	require.NoError(t, s.RecordReport(ctx, Record{UUID: "c", Status: "ok", SentAt: base.Add(2 * time.Second)}))

	recent, err := s.RecentReports(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].UUID)
	assert.Equal(t, "b", recent[1].UUID)
	assert.Equal(t, "500", recent[1].Message)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"ok": 2, "server-error": 1}, stats)

	removed, err := s.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
}

func TestClosedStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, _, err = s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Set(context.Background(), "k", "v"), ErrClosed)
}
