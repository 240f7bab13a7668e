package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreLifecycle(t *testing.T) {
	st, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ok, err := st.Exists("session.enc")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = st.Read("session.enc")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.Write("session.enc", []byte("hello")))
	ok, err = st.Exists("session.enc")
	require.NoError(t, err)
	assert.True(t, ok)

	size, ok, err := st.Size("session.enc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 5, size)

	data, err := st.Read("session.enc")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, st.Delete("session.enc"))
	require.NoError(t, st.Delete("session.enc"))
	ok, err = st.Exists("session.enc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreListSkipsDirsAndTemps(t *testing.T) {
	root := t.TempDir()
	st, err := NewFileStore(root)
	require.NoError(t, err)

	require.NoError(t, st.Write("cache/b.json", []byte("[]")))
	require.NoError(t, st.Write("cache/a.json", []byte("[]")))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "cache", "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "cache", ".a.json.123"), nil, 0o644))

	names, err := st.List("cache")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json", "b.json"}, names)

	names, err = st.List("missing")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestFileStoreRejectsEscapingKeys(t *testing.T) {
	st, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "..", "../x", "/etc/passwd"} {
		_, err := st.Path(key)
		assert.Error(t, err, key)
	}
}
