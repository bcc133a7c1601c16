package edb

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStorageRootCreateAndOpen(t *testing.T) {
	dir := t.TempDir()
	sr, err := Create(dir, 0, "", NopLog())
	require.NoError(t, err)

	b, err := sr.StartBackup(time.Date(2022, 1, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, b.Commit(time.Date(2022, 1, 1, 12, 1, 0, 0, time.UTC)))

	reopened, err := Open(dir, NopLog())
	require.NoError(t, err)

	latest, err := reopened.GetMostRecentBackup()
	require.NoError(t, err)
	require.Equal(t, time.Date(2022, 1, 1, 12, 0, 0, 0, time.UTC), latest.GetStartTime())
}

func TestStorageRootCleansStaleBuilder(t *testing.T) {
	dir := t.TempDir()
	sr, err := Create(dir, 0, "", NopLog())
	require.NoError(t, err)

	b, err := sr.StartBackup(time.Date(2023, 5, 5, 8, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, b.Abandon()) // never committed: leaves a .new file

	staleGlob, _ := filepath.Glob(filepath.Join(dir, "db", "2023", "*.new"))
	require.Len(t, staleGlob, 1)

	_, err = Open(dir, NopLog())
	require.NoError(t, err)

	staleGlob, _ = filepath.Glob(filepath.Join(dir, "db", "2023", "*.new"))
	require.Empty(t, staleGlob)
}

func TestStorageRootOrphanBodyCleanup(t *testing.T) {
	dir := t.TempDir()
	_, err := Create(dir, 0, "", NopLog())
	require.NoError(t, err)

	orphanDir := filepath.Join(dir, "de", "ad")
	require.NoError(t, os.MkdirAll(orphanDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(orphanDir, "beef"), []byte("x"), 0o644))

	_, err = Open(dir, NopLog())
	require.NoError(t, err)

	require.NoFileExists(t, filepath.Join(orphanDir, "beef"))
}

func TestStorageRootMostRecentBefore(t *testing.T) {
	dir := t.TempDir()
	sr, err := Create(dir, 0, "", NopLog())
	require.NoError(t, err)

	for _, start := range []time.Time{
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 1, 3, 0, 0, 0, 0, time.UTC),
	} {
		b, err := sr.StartBackup(start)
		require.NoError(t, err)
		require.NoError(t, b.Commit(start.Add(time.Minute)))
	}

	reopened, err := Open(dir, NopLog())
	require.NoError(t, err)
	r, err := reopened.GetMostRecentBackupBefore(time.Date(2020, 1, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC), r.GetStartTime())
}
