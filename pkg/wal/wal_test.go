package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRecords(t *testing.T, path string, recs ...string) {
	t.Helper()
	w, err := OpenWrite(path, 0)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.Append([]byte(r)))
	}
	require.NoError(t, w.Close())
}

func collect(path string, opts ReplayOptions) ([]string, ReplayStats, error) {
	var got []string
	st, err := Replay(path, opts, func(p []byte) error {
		got = append(got, string(p))
		return nil
	})
	return got, st, err
}

func TestWAL_AppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.wal")
	writeRecords(t, path, "9\x001\x007\x00", "4\x002\x00-1\x002104\x00ok\x00")
	writeRecords(t, path, "")

	got, st, err := collect(path, ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"9\x001\x007\x00", "4\x002\x00-1\x002104\x00ok\x00", ""}, got)
	assert.Equal(t, 3, st.Records)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), st.LastGoodOffset)
}

func TestWAL_MissingFileIsEmpty(t *testing.T) {
	got, st, err := collect(filepath.Join(t.TempDir(), "none.wal"), ReplayOptions{})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, st.Records)
}

func TestWAL_TruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.wal")
	writeRecords(t, path, "first", "second")

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	_, _, err = collect(path, ReplayOptions{})
	assert.ErrorIs(t, err, ErrCorruptPayload)

	got, st, err := collect(path, ReplayOptions{AllowTruncatedTail: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, got)
	assert.True(t, st.TruncatedTail)
}

func TestWAL_ChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.wal")
	writeRecords(t, path, "payload")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[len(b)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, b, 0o644))

	_, _, err = collect(path, ReplayOptions{})
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}
