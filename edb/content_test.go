package edb

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestContentAllocationCollision(t *testing.T) {
	// spec §8 scenario 2.
	dir := t.TempDir()
	cs, err := CreateContentStore(dir, 0, "", NopLog())
	require.NoError(t, err)

	checksum := bytes.Repeat([]byte{0xab}, 32)
	t1 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	t3 := t1.Add(2 * time.Hour)

	cid1, err := cs.AddContent(checksum, t1)
	require.NoError(t, err)
	require.Equal(t, checksum, cid1)

	cid2, err := cs.AddContent(checksum, t2)
	require.NoError(t, err)
	require.Equal(t, append(append([]byte(nil), checksum...), 0x00), cid2)

	cid3, err := cs.AddContent(checksum, t3)
	require.NoError(t, err)
	require.Equal(t, append(append([]byte(nil), checksum...), 0x01), cid3)
}

func TestContentAllocationStableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cs, err := CreateContentStore(dir, 0, "", NopLog())
	require.NoError(t, err)
	checksum := bytes.Repeat([]byte{0x11}, 20)
	when := time.Date(2021, 5, 5, 0, 0, 0, 0, time.UTC)
	_, err = cs.AddContent(checksum, when)
	require.NoError(t, err)
	_, err = cs.AddContent(checksum, when)
	require.NoError(t, err)

	reopened, err := OpenContentStore(dir, NopLog())
	require.NoError(t, err)
	cid3, err := reopened.AddContent(checksum, when)
	require.NoError(t, err)
	require.Equal(t, append(append([]byte(nil), checksum...), 0x01), cid3)
}

func TestContentBodyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cs, err := CreateContentStore(dir, 0, "", NopLog())
	require.NoError(t, err)
	checksum := bytes.Repeat([]byte{0x22}, 32)
	cid, created, err := cs.GetOrAddContent(checksum, time.Now().UTC().Truncate(time.Second), bytes.NewReader([]byte("hello world")))
	require.NoError(t, err)
	require.True(t, created)

	f, err := cs.OpenBody(cid)
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, 64)
	n, _ := f.Read(buf)
	require.Equal(t, "hello world", string(buf[:n]))

	path, err := cs.BodyPath(cid)
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(path))

	ts, err := cs.StatBody(cid)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), ts.ModTime(), time.Minute)
}

func TestEncodeSuffixSequence(t *testing.T) {
	cases := []struct {
		k    uint64
		want []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{255, []byte{0xff}},
		{256, []byte{0x00, 0x00}},
		{257, []byte{0x00, 0x01}},
	}
	for _, c := range cases {
		require.Equal(t, c.want, encodeSuffix(c.k))
	}
}

func TestIterateContentIDsInsertionOrder(t *testing.T) {
	// spec §4.3 "iterate_contentids() enumerates in insertion order" and
	// §5 ordering guarantee (2).
	dir := t.TempDir()
	cs, err := CreateContentStore(dir, 0, "", NopLog())
	require.NoError(t, err)

	when := time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC)
	var want [][]byte
	for i := 0; i < 20; i++ {
		checksum := bytes.Repeat([]byte{byte(i)}, 32)
		cid, err := cs.AddContent(checksum, when)
		require.NoError(t, err)
		want = append(want, cid)
	}

	require.Equal(t, want, cs.IterateContentIDs())

	reopened, err := OpenContentStore(dir, NopLog())
	require.NoError(t, err)
	require.Equal(t, want, reopened.IterateContentIDs())
}

func TestGetOrAddContentStoresBodyBeforeRegisteringIt(t *testing.T) {
	dir := t.TempDir()
	cs, err := CreateContentStore(dir, 0, "", NopLog())
	require.NoError(t, err)

	checksum := bytes.Repeat([]byte{0x33}, 32)
	cid, created, err := cs.GetOrAddContent(checksum, time.Now().UTC(), bytes.NewReader([]byte("body")))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, checksum, cid)

	// On first sight the cid is the checksum itself, so the body path is
	// derivable (and the body already written) before the registry entry
	// is appended.
	path, err := cs.BodyPath(cid)
	require.NoError(t, err)
	require.FileExists(t, path)

	info, err := cs.GetContentInfo(cid)
	require.NoError(t, err)
	require.Equal(t, checksum, info.Checksum)
}
