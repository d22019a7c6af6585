package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citewatch/internal/types"
)

func TestFileStore_LoadMissingIsEmpty(t *testing.T) {
	s := NewFileStore(t.TempDir(), DefaultFileName, nil)

	rec, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, rec.State.IsEmpty())
	assert.Nil(t, rec.Credentials)
}

func TestFileStore_SaveOverwritesInFull(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "nested")
	s := NewFileStore(dir, DefaultFileName, nil)

	first := Record{
		State:       types.NewObservationState(500, "first.html"),
		Credentials: &types.CredentialLifecycle{AppKey: "k", RefreshToken: "r"},
	}
	require.NoError(t, s.Save(ctx, first))

	second := Record{State: types.NewObservationState(700, "second.html")}
	require.NoError(t, s.Save(ctx, second))

	rec, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(700), *rec.State.LastValue)
	assert.Equal(t, "second.html", *rec.State.LastArtifactRef)
	assert.Nil(t, rec.Credentials, "save must not merge with the previous record")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
	assert.Equal(t, DefaultFileName, entries[0].Name())
}

func TestFileStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultFileName), []byte("{"), 0o644))

	_, err := NewFileStore(dir, DefaultFileName, nil).Load(context.Background())
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrCodeInternalPersistence))
}

func TestFileStore_UnwritableDirectory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	s := NewFileStore(filepath.Join(blocker, "sub"), DefaultFileName, nil)
	err := s.Save(context.Background(), Record{})
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrCodeInternalPersistence))
}
