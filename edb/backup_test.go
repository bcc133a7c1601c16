package edb

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func components(parts ...string) [][]byte {
	out := make([][]byte, len(parts))
	for i, p := range parts {
		out[i] = []byte(p)
	}
	return out
}

func TestBackupSnapshotRoundTrip(t *testing.T) {
	// spec §8 scenario 3.
	dir := t.TempDir()
	start := time.Date(2014, 12, 29, 14, 19, 43, 0, time.UTC)
	end := time.Date(2014, 12, 29, 14, 51, 33, 0, time.UTC)

	b, err := CreateBuilder(dir, start, 0, "", NopLog())
	require.NoError(t, err)

	firstCID := bytes.Repeat([]byte{0xaa}, 32)
	otherCID := bytes.Repeat([]byte{0xbb}, 32)

	mtime1 := time.Date(2014, 6, 27, 11, 7, 1, 0, time.UTC)
	require.NoError(t, b.AddFile(components("a file,"), FileRegular, firstCID, 20043, mtime1, 907388851, 0))

	_, err = b.AddDirectory(components("path"), 0)
	require.NoError(t, err)
	_, err = b.AddDirectory(components("path", "to"), 0)
	require.NoError(t, err)

	mtime2 := time.Date(2014, 7, 28, 18, 46, 11, 0, time.UTC)
	require.NoError(t, b.AddFile(components("path", "to", "file"), FileRegular, otherCID, 11307, mtime2, 433570807, 0))

	require.NoError(t, b.Commit(end))

	finalPath := filepath.Join(dir, "db", "2014", "12-29T14:19")
	require.FileExists(t, finalPath)
	require.NoFileExists(t, finalPath+".new")

	r, err := OpenReader(finalPath, NopLog())
	require.NoError(t, err)
	require.Equal(t, start, r.GetStartTime())
	require.Equal(t, end, r.GetEndTime())

	rootEntries, err := r.ListDirectory(nil)
	require.NoError(t, err)
	require.Len(t, rootEntries, 2) // "a file," and "path"

	info, err := r.GetFileInfo(components("a file,"))
	require.NoError(t, err)
	require.Equal(t, firstCID, info.CID)
	require.Equal(t, uint64(20043), info.Size)
	require.Equal(t, mtime1.Add(907388851*time.Nanosecond), info.MTime.Time)
	require.Equal(t, uint32(907388851), info.MTime.Nsec)

	// (a file,).mtime_second per spec §8 scenario 3.
	wantSecond := (31*3+28+30+26)*86400 + 11*3600 + 7*60 + 1
	gotSecond := info.MTime.Time.Hour()*3600 + info.MTime.Time.Minute()*60 + info.MTime.Time.Second() +
		dayOfYear(info.MTime.Time.Year(), int(info.MTime.Time.Month()), info.MTime.Time.Day())*86400
	require.Equal(t, wantSecond, gotSecond)

	info2, err := r.GetFileInfo(components("path", "to", "file"))
	require.NoError(t, err)
	require.Equal(t, otherCID, info2.CID)
	require.Equal(t, uint64(11307), info2.Size)
}

func TestBackupEmptySnapshot(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2020, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Minute)
	b, err := CreateBuilder(dir, start, 0, "", NopLog())
	require.NoError(t, err)
	require.NoError(t, b.Commit(end))

	finalPath := filepath.Join(dir, "db", "2020", "03-01T10:00")
	r, err := OpenReader(finalPath, NopLog())
	require.NoError(t, err)
	require.Equal(t, start, r.GetStartTime())
	require.Equal(t, end, r.GetEndTime())
	entries, err := r.ListDirectory(nil)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestBackupSnapshotNameCollision(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2020, 3, 1, 10, 0, 0, 0, time.UTC)
	b1, err := CreateBuilder(dir, start, 0, "", NopLog())
	require.NoError(t, err)
	require.NoError(t, b1.Commit(start.Add(time.Minute)))

	_, err = CreateBuilder(dir, start, 0, "", NopLog())
	require.Error(t, err)
	require.Equal(t, KindAlreadyExists, KindOf(err))
}

func TestExtraDefDedup(t *testing.T) {
	// spec §8 scenario 6.
	dir := t.TempDir()
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	b, err := CreateBuilder(dir, start, 0, "", NopLog())
	require.NoError(t, err)

	attrs := []ExtraAttr{{Key: []byte("owner"), Value: []byte("me")}, {Key: []byte("group"), Value: []byte("us")}}
	xid1, err := b.SetExtra(attrs)
	require.NoError(t, err)

	// Same set, different input order: must dedup to the same xid.
	attrsReordered := []ExtraAttr{{Key: []byte("group"), Value: []byte("us")}, {Key: []byte("owner"), Value: []byte("me")}}
	xid2, err := b.SetExtra(attrsReordered)
	require.NoError(t, err)
	require.Equal(t, xid1, xid2)
	require.Equal(t, 2, len(b.kvids))
	require.Equal(t, 1, len(b.extradefs))

	cid := make([]byte, 32)
	require.NoError(t, b.AddFile(components("f1"), FileRegular, cid, 1, time.Now().UTC(), 0, xid1))
	require.NoError(t, b.AddFile(components("f2"), FileRegular, cid, 1, time.Now().UTC(), 0, xid2))
	require.NoError(t, b.Commit(start.Add(time.Minute)))

	finalPath := filepath.Join(dir, "db", "2020", "01-01T00:00")
	r, err := OpenReader(finalPath, NopLog())
	require.NoError(t, err)
	info1, err := r.GetFileInfo(components("f1"))
	require.NoError(t, err)
	info2, err := r.GetFileInfo(components("f2"))
	require.NoError(t, err)
	require.Equal(t, info1.Extra, info2.Extra)

	extra, err := r.GetExtra(info1.Extra)
	require.NoError(t, err)
	require.Len(t, extra, 2)
}
