package filestore

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestSaveAndOpen(t *testing.T) {
	s := newStore(t)
	n, err := s.Save("sess1", "mod.zip", strings.NewReader("payload"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	f, info, err := s.Open("sess1", "mod.zip")
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, int64(7), info.Size())
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestOpenMissing(t *testing.T) {
	s := newStore(t)
	_, _, err := s.Open("sess1", "nothing.zip")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChunkedUpload(t *testing.T) {
	s := newStore(t)

	done, err := s.SaveChunk("sess1", "big.zip", 0, 3, strings.NewReader("aaa"))
	require.NoError(t, err)
	assert.False(t, done)

	// Partial uploads stay out of the manifest.
	files, err := s.Manifest("sess1")
	require.NoError(t, err)
	assert.Empty(t, files)

	done, err = s.SaveChunk("sess1", "big.zip", 1, 3, strings.NewReader("bbb"))
	require.NoError(t, err)
	assert.False(t, done)
	done, err = s.SaveChunk("sess1", "big.zip", 2, 3, strings.NewReader("cc"))
	require.NoError(t, err)
	assert.True(t, done)

	f, info, err := s.Open("sess1", "big.zip")
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, int64(8), info.Size())
	data, _ := io.ReadAll(f)
	assert.Equal(t, "aaabbbcc", string(data))
}

func TestChunkOrderEnforced(t *testing.T) {
	s := newStore(t)

	_, err := s.SaveChunk("sess1", "big.zip", 1, 3, strings.NewReader("bbb"))
	assert.ErrorIs(t, err, ErrChunkOrder, "non-zero first chunk has no partial to append to")

	_, err = s.SaveChunk("sess1", "big.zip", 3, 3, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrChunkOrder, "index must be below total")

	_, err = s.SaveChunk("sess1", "big.zip", 0, 0, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrChunkOrder)
}

func TestDuplicateChunkRejected(t *testing.T) {
	s := newStore(t)
	_, err := s.SaveChunk("sess1", "big.zip", 0, 3, strings.NewReader("AAAA"))
	require.NoError(t, err)
	_, err = s.SaveChunk("sess1", "big.zip", 1, 3, strings.NewReader("BBBB"))
	require.NoError(t, err)

	// A client retry after a lost response must not append twice.
	_, err = s.SaveChunk("sess1", "big.zip", 1, 3, strings.NewReader("BBBB"))
	assert.ErrorIs(t, err, ErrChunkOrder)

	done, err := s.SaveChunk("sess1", "big.zip", 2, 3, strings.NewReader("CCCC"))
	require.NoError(t, err)
	require.True(t, done)
	f, info, err := s.Open("sess1", "big.zip")
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, int64(12), info.Size())
	data, _ := io.ReadAll(f)
	assert.Equal(t, "AAAABBBBCCCC", string(data))
}

func TestSkippedChunkRejected(t *testing.T) {
	s := newStore(t)
	_, err := s.SaveChunk("sess1", "big.zip", 0, 3, strings.NewReader("AAAA"))
	require.NoError(t, err)

	// Jumping to the final index must not finalize a short file.
	_, err = s.SaveChunk("sess1", "big.zip", 2, 3, strings.NewReader("CCCC"))
	assert.ErrorIs(t, err, ErrChunkOrder)

	files, err := s.Manifest("sess1")
	require.NoError(t, err)
	assert.Empty(t, files)
	_, _, err = s.Open("sess1", "big.zip")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestartedUploadTruncates(t *testing.T) {
	s := newStore(t)
	_, err := s.SaveChunk("sess1", "big.zip", 0, 2, strings.NewReader("stale-first-half"))
	require.NoError(t, err)

	_, err = s.SaveChunk("sess1", "big.zip", 0, 2, strings.NewReader("aa"))
	require.NoError(t, err)
	done, err := s.SaveChunk("sess1", "big.zip", 1, 2, strings.NewReader("bb"))
	require.NoError(t, err)
	require.True(t, done)

	f, _, err := s.Open("sess1", "big.zip")
	require.NoError(t, err)
	defer f.Close()
	data, _ := io.ReadAll(f)
	assert.Equal(t, "aabb", string(data))
}

func TestManifestSortedAndComplete(t *testing.T) {
	s := newStore(t)
	_, err := s.Save("sess1", "b.zip", strings.NewReader("bb"))
	require.NoError(t, err)
	_, err = s.Save("sess1", "a.zip", strings.NewReader("a"))
	require.NoError(t, err)

	files, err := s.Manifest("sess1")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.zip", files[0].Name)
	assert.Equal(t, int64(1), files[0].Size)
	assert.Equal(t, "b.zip", files[1].Name)
}

func TestManifestUnknownSessionIsEmpty(t *testing.T) {
	s := newStore(t)
	files, err := s.Manifest("never-seen")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestPurge(t *testing.T) {
	s := newStore(t)
	_, err := s.Save("sess1", "mod.zip", strings.NewReader("payload"))
	require.NoError(t, err)

	require.NoError(t, s.Purge("sess1"))
	files, err := s.Manifest("sess1")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestPathTraversalRejected(t *testing.T) {
	base := t.TempDir()
	s, err := New(base)
	require.NoError(t, err)

	secret := filepath.Join(base, "..", "secret")
	for _, name := range []string{"../secret", "..", ".hidden", ""} {
		_, err := s.Save("sess1", name, strings.NewReader("x"))
		assert.ErrorIs(t, err, ErrBadName, "name %q", name)
	}
	for _, sess := range []string{"../other", "", "a/b"} {
		_, err := s.Save(sess, "ok.zip", strings.NewReader("x"))
		assert.ErrorIs(t, err, ErrBadName, "session %q", sess)
	}
	_, statErr := os.Stat(secret)
	assert.True(t, os.IsNotExist(statErr))
}
