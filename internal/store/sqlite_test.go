package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/imagepipe/pkg/resource"
)

var _ resource.Store = (*SQLiteStore)(nil)

func TestSQLiteStoreCRUD(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "cuda")
	require.NoError(t, err)
	assert.False(t, ok)

	until := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Put(ctx, "cuda", until))
	require.NoError(t, s.Put(ctx, "rocm", until.Add(time.Hour)))
	require.NoError(t, s.Put(ctx, "cuda", until.Add(2*time.Hour)))

	got, ok, err := s.Get(ctx, "cuda")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(until.Add(2*time.Hour)))

	all, err := s.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Delete(ctx, "cuda"))
	require.NoError(t, s.Delete(ctx, "missing"))
	all, err = s.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, "rocm")
}

func TestSQLiteStorePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	ctx := context.Background()
	until := time.Now().Add(time.Hour)

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "cuda", until))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err, "reopening applies no migrations")
	defer s.Close()

	bl := resource.NewBlacklist(s)
	require.NoError(t, bl.Load(ctx))
	assert.True(t, bl.Blocked(ctx, "cuda"))
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}
