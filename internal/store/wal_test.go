package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/grafting/internal/ir"
	"github.com/roach88/grafting/internal/testutil"
)

func testFrame(t *testing.T, seq int64) []byte {
	t.Helper()
	v := ir.HashWithDomain(ir.DomainVersion, []byte{byte(seq)})
	frame, err := encodeWALEntry(seq, v, ir.Hash{}, ir.Hash{}, 10, testutil.TrianglePatch())
	require.NoError(t, err)
	return frame
}

func TestDecodeWAL(t *testing.T) {
	data := append(testFrame(t, 1), testFrame(t, 2)...)

	entries, good, err := decodeWAL(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), good)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[1].Seq)
	assert.Equal(t, ir.StableID(10), entries[0].NextID)

	p, err := entries[0].patch()
	require.NoError(t, err)
	assert.Equal(t, testutil.TrianglePatch().Hash(), p.Hash())
}

func TestDecodeWAL_TornTail(t *testing.T) {
	first := testFrame(t, 1)
	second := testFrame(t, 2)

	for _, cut := range []int{1, walHeaderSize - 1, walHeaderSize + 3, len(second) - 1} {
		data := append(append([]byte(nil), first...), second[:cut]...)
		entries, good, err := decodeWAL(data)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
		assert.Equal(t, len(first), good)
	}
}

func TestDecodeWAL_ChecksumMismatch(t *testing.T) {
	data := testFrame(t, 1)
	data[walHeaderSize+3] ^= 0x01

	_, _, err := decodeWAL(data)
	assert.True(t, ir.IsIntegrityError(err))
}

func TestMemoryWAL_DropThrough(t *testing.T) {
	w, err := openWAL("")
	require.NoError(t, err)
	for seq := int64(1); seq <= 3; seq++ {
		_, err := w.append(testFrame(t, seq))
		require.NoError(t, err)
	}

	require.NoError(t, w.dropThrough(2))
	entries, torn, err := w.read()
	require.NoError(t, err)
	assert.False(t, torn)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(3), entries[0].Seq)
}

func TestFileWAL_DropThrough(t *testing.T) {
	w, err := openWAL(t.TempDir() + "/wal.log")
	require.NoError(t, err)
	defer w.close()

	for seq := int64(1); seq <= 3; seq++ {
		_, err := w.append(testFrame(t, seq))
		require.NoError(t, err)
	}
	require.NoError(t, w.dropThrough(3))
	entries, _, err := w.read()
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = w.append(testFrame(t, 4))
	require.NoError(t, err)
	entries, _, err = w.read()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(4), entries[0].Seq)
}

// flakyFile fails the next write after half the frame, or the next sync.
type flakyFile struct {
	*os.File
	shortWrite bool
	failSync   bool
}

func (f *flakyFile) Write(p []byte) (int, error) {
	if f.shortWrite {
		f.shortWrite = false
		n, _ := f.File.Write(p[:len(p)/2])
		return n, errors.New("disk full")
	}
	return f.File.Write(p)
}

func (f *flakyFile) Sync() error {
	if f.failSync {
		f.failSync = false
		return errors.New("i/o error")
	}
	return f.File.Sync()
}

func TestFileWAL_FailedAppendLeavesNoPartialFrame(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *flakyFile)
	}{
		{"short write", func(f *flakyFile) { f.shortWrite = true }},
		{"failed sync", func(f *flakyFile) { f.failSync = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "wal.log")
			w, err := openWAL(path)
			require.NoError(t, err)
			flaky := &flakyFile{File: w.f.(*os.File)}
			w.f = flaky

			_, err = w.append(testFrame(t, 1))
			require.NoError(t, err)

			tt.setup(flaky)
			n, err := w.append(testFrame(t, 2))
			require.Error(t, err)
			assert.Zero(t, n)

			_, err = w.append(testFrame(t, 2))
			require.NoError(t, err)
			require.NoError(t, w.close())

			reopened, err := openWAL(path)
			require.NoError(t, err)
			defer reopened.close()
			entries, torn, err := reopened.read()
			require.NoError(t, err)
			assert.False(t, torn)
			require.Len(t, entries, 2)
			assert.Equal(t, int64(1), entries[0].Seq)
			assert.Equal(t, int64(2), entries[1].Seq)
		})
	}
}
