package mirror

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostdev-ops/pma-realtime-go/internal/config"
	"github.com/frostdev-ops/pma-realtime-go/internal/delivery"
	"github.com/frostdev-ops/pma-realtime-go/pkg/logger"
)

// exerciseMirror checks the contract every backend shares
func exerciseMirror(t *testing.T, m delivery.Mirror) {
	t.Helper()
	ctx := context.Background()

	_, err := m.Get(ctx, "message:missing")
	assert.ErrorIs(t, err, delivery.ErrMirrorMiss)

	require.NoError(t, m.Put(ctx, "message:1", []byte(`{"id":"1"}`), time.Hour))
	require.NoError(t, m.Put(ctx, "message:2", []byte(`{"id":"2"}`), 0))
	require.NoError(t, m.Put(ctx, "queue:q1", []byte(`{"id":"q1"}`), 0))
	require.NoError(t, m.Put(ctx, "message:1", []byte(`{"id":"1","v":2}`), time.Hour))

	got, err := m.Get(ctx, "message:1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"1","v":2}`, string(got))

	entries, err := m.List(ctx, "message:")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Contains(t, entries, "message:1")
	assert.Contains(t, entries, "message:2")

	none, err := m.List(ctx, "dlq:")
	require.NoError(t, err)
	assert.Empty(t, none)

	deleter, ok := m.(delivery.MirrorDeleter)
	require.True(t, ok)
	removed, err := deleter.Delete(ctx, "message:2", "message:absent")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	_, err = m.Get(ctx, "message:2")
	assert.ErrorIs(t, err, delivery.ErrMirrorMiss)
	_, err = m.Get(ctx, "queue:q1")
	assert.NoError(t, err)
}

func TestMemoryMirror(t *testing.T) {
	exerciseMirror(t, NewMemory())
}

func TestMemoryMirrorExpiry(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "message:1", []byte("a"), time.Minute))
	require.NoError(t, m.Put(ctx, "pool:1", []byte("b"), 0))

	now = now.Add(2 * time.Minute)
	_, err := m.Get(ctx, "message:1")
	assert.ErrorIs(t, err, delivery.ErrMirrorMiss)

	removed, err := m.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Memory)
}

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "mirror.db"), "test:", logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteMirror(t *testing.T) {
	exerciseMirror(t, newTestSQLite(t))
}

func TestSQLiteMirrorExpiryAndCompact(t *testing.T) {
	s := newTestSQLite(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "message:1", []byte("a"), time.Minute))
	require.NoError(t, s.Put(ctx, "message:2", []byte("b"), 0))

	now = now.Add(time.Hour)
	entries, err := s.List(ctx, "message:")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	removed, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Positive(t, stats.Memory)
	assert.Equal(t, uint64(3), stats.Operations)
}

func TestSQLiteListEscapesWildcards(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a_b:1", []byte("x"), 0))
	require.NoError(t, s.Put(ctx, "axb:1", []byte("y"), 0))

	entries, err := s.List(ctx, "a_b:")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Contains(t, entries, "a_b:1")
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.db")
	ctx := context.Background()

	first, err := NewSQLite(path, "", logger.Discard())
	require.NoError(t, err)
	require.NoError(t, first.Put(ctx, "pool:1", []byte(`{}`), 0))
	require.NoError(t, first.Close())

	second, err := NewSQLite(path, "", logger.Discard())
	require.NoError(t, err)
	defer second.Close()
	got, err := second.Get(ctx, "pool:1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{}`), got)
}

func TestCompressedMirror(t *testing.T) {
	inner := NewMemory()
	c, err := NewCompressed(inner, 64, logger.Discard())
	require.NoError(t, err)
	defer c.Close()
	exerciseMirror(t, c)

	ctx := context.Background()
	large := bytes.Repeat([]byte(`{"field":"value"}`), 100)
	require.NoError(t, c.Put(ctx, "message:big", large, 0))

	stored, err := inner.Get(ctx, "message:big")
	require.NoError(t, err)
	assert.Equal(t, encodingZstd, stored[0])
	assert.Less(t, len(stored), len(large))

	got, err := c.Get(ctx, "message:big")
	require.NoError(t, err)
	assert.Equal(t, large, got)

	// values written before compression was enabled still read back
	require.NoError(t, inner.Put(ctx, "message:legacy", []byte(`{"id":"legacy"}`), 0))
	got, err = c.Get(ctx, "message:legacy")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"legacy"}`, string(got))

	removed, err := c.Compact(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestCompressedListSkipsCorruptEntries(t *testing.T) {
	inner := NewMemory()
	c, err := NewCompressed(inner, 16, logger.Discard())
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "message:good", bytes.Repeat([]byte("abc"), 20), 0))
	require.NoError(t, inner.Put(ctx, "message:bad", []byte{encodingZstd, 0xde, 0xad, 0xbe, 0xef}, 0))

	entries, err := c.List(ctx, "message:")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, bytes.Repeat([]byte("abc"), 20), entries["message:good"])

	_, err = c.Get(ctx, "message:bad")
	assert.Error(t, err)
}

func TestNewSelectsBackend(t *testing.T) {
	log := logger.Discard()

	m, err := New(config.MirrorConfig{Backend: "none"}, log)
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = New(config.MirrorConfig{Backend: "memory"}, log)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, m)

	m, err = New(config.MirrorConfig{Backend: "memory", CompressThreshold: 1024}, log)
	require.NoError(t, err)
	assert.IsType(t, &Compressed{}, m)
	assert.NoError(t, Close(m))

	m, err = New(config.MirrorConfig{Backend: "sqlite", SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "m.db")}}, log)
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, m)
	assert.NoError(t, Close(m))

	_, err = New(config.MirrorConfig{Backend: "etcd"}, log)
	assert.Error(t, err)
}
