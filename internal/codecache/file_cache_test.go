package codecache

import (
	"bytes"
	"io"
	"os"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFileReadCloser_Close(t *testing.T) {
	fc := newFileCache(t.TempDir())
	key := Key{1, 2, 3}

	err := fc.Add(key, bytes.NewReader([]byte{1, 2, 3, 4}))
	require.NoError(t, err)

	c, ok, err := fc.Get(key)
	require.NoError(t, err)
	require.True(t, ok)

	// At this point, file is not closed, therefore TryLock should fail.
	require.False(t, fc.mux.TryLock())

	// Close, and then TryLock should succeed this time.
	require.NoError(t, c.Close())
	require.True(t, fc.mux.TryLock())
}

func TestFileCache_Add(t *testing.T) {
	fc := newFileCache(t.TempDir())

	t.Run("not exist", func(t *testing.T) {
		content := []byte{1, 2, 3, 4, 5}
		id := Key{1, 2, 3, 4, 5, 6, 7}
		err := fc.Add(id, bytes.NewReader(content))
		require.NoError(t, err)

		cached, err := os.ReadFile(fc.path(id))
		require.NoError(t, err)
		require.Equal(t, content, cached)
	})

	t.Run("already exists", func(t *testing.T) {
		id := Key{1, 2, 3}
		require.NoError(t, os.WriteFile(fc.path(id), []byte{9, 9}, 0o600))

		content := []byte{1, 2, 3, 4, 5}
		err := fc.Add(id, bytes.NewReader(content))
		require.NoError(t, err)

		cached, err := os.ReadFile(fc.path(id))
		require.NoError(t, err)
		require.Equal(t, content, cached)
	})

	t.Run("no temp file left", func(t *testing.T) {
		entries, err := os.ReadDir(fc.dirPath)
		require.NoError(t, err)
		for _, e := range entries {
			require.NotContains(t, e.Name(), "tmp-")
		}
	})
}

func TestFileCache_Delete(t *testing.T) {
	fc := newFileCache(t.TempDir())
	t.Run("non-exist", func(t *testing.T) {
		require.NoError(t, fc.Delete(Key{0}))
	})
	t.Run("exist", func(t *testing.T) {
		id := Key{1, 2, 3}
		p := fc.path(id)
		require.NoError(t, os.WriteFile(p, nil, 0o600))

		require.NoError(t, fc.Delete(id))

		_, err := os.Open(p)
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestFileCache_Get(t *testing.T) {
	fc := newFileCache(t.TempDir())

	t.Run("exist", func(t *testing.T) {
		content := []byte{1, 2, 3, 4, 5}
		id := Key{1, 2, 3}
		require.NoError(t, os.WriteFile(fc.path(id), content, 0o600))

		result, ok, err := fc.Get(id)
		require.NoError(t, err)
		require.True(t, ok)
		defer func() {
			require.NoError(t, result.Close())
		}()

		actual, err := io.ReadAll(result)
		require.NoError(t, err)
		require.Equal(t, content, actual)
	})
	t.Run("not exist", func(t *testing.T) {
		_, ok, err := fc.Get(Key{0xf})
		// Non-exist should not be error.
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestFileCache_path(t *testing.T) {
	fc := &fileCache{dirPath: "/tmp/.jitcore"}
	actual := fc.path(Key{1, 2, 3, 4, 5})
	require.Equal(t, "/tmp/.jitcore/0102030405000000000000000000000000000000000000000000000000000000", actual)
}

func TestFileCache_dirPath(t *testing.T) {
	cacheDir := path.Join(t.TempDir(), "test")
	id := Key{1, 2, 3}

	t.Run("Get and Delete ok when not exist", func(t *testing.T) {
		fc := newFileCache(cacheDir)

		content, ok, err := fc.Get(id)
		require.Nil(t, content)
		require.False(t, ok)
		require.NoError(t, err)
		_, err = os.Stat(fc.dirPath)
		require.ErrorIs(t, err, os.ErrNotExist)

		require.NoError(t, fc.Delete(id))
		_, err = os.Stat(fc.dirPath)
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	content := []byte{1, 2, 3, 4, 5}

	t.Run("Add fails when not a dir", func(t *testing.T) {
		fc := newFileCache(cacheDir)
		require.NoError(t, os.WriteFile(cacheDir, nil, 0o600))

		err := fc.Add(id, bytes.NewReader(content))
		require.EqualError(t, err, "codecache: expected dir at "+cacheDir)

		require.NoError(t, os.Remove(cacheDir))
	})

	t.Run("Add creates dir", func(t *testing.T) {
		fc := newFileCache(cacheDir)
		require.NoError(t, fc.Add(id, bytes.NewReader(content)))

		cached, err := os.ReadFile(fc.path(id))
		require.NoError(t, err)
		require.Equal(t, content, cached)
	})
}

func TestFileCache_SizeLimit(t *testing.T) {
	dir := t.TempDir()
	fc := NewFileCache(dir, 10, zaptest.NewLogger(t)).(*fileCache)

	old, mid, latest := Key{1}, Key{2}, Key{3}
	require.NoError(t, fc.Add(old, bytes.NewReader(make([]byte, 4))))
	require.NoError(t, fc.Add(mid, bytes.NewReader(make([]byte, 4))))
	// Make the order of the entries independent of the file system timestamp resolution.
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(fc.path(old), past, past))
	require.NoError(t, os.Chtimes(fc.path(mid), past.Add(time.Minute), past.Add(time.Minute)))

	require.NoError(t, fc.Add(latest, bytes.NewReader(make([]byte, 4))))

	for _, tc := range []struct {
		key Key
		ok  bool
	}{
		{key: old},
		{key: mid, ok: true},
		{key: latest, ok: true},
	} {
		c, ok, err := fc.Get(tc.key)
		require.NoError(t, err)
		require.Equal(t, tc.ok, ok)
		if ok {
			require.NoError(t, c.Close())
		}
	}

	t.Run("entry larger than the limit is kept", func(t *testing.T) {
		big := Key{4}
		require.NoError(t, fc.Add(big, bytes.NewReader(make([]byte, 32))))
		c, ok, err := fc.Get(big)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, c.Close())
	})
}

func TestMemoryCache(t *testing.T) {
	mc := NewMemoryCache()
	key := Key{7}

	_, ok, err := mc.Get(key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mc.Add(key, bytes.NewReader([]byte("code"))))
	c, ok, err := mc.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	b, err := io.ReadAll(c)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.Equal(t, "code", string(b))

	require.NoError(t, mc.Delete(key))
	require.NoError(t, mc.Delete(key))
	_, ok, err = mc.Get(key)
	require.NoError(t, err)
	require.False(t, ok)
}
