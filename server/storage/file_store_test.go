package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T, at time.Time) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "violations"), zap.NewNop())
	require.NoError(t, err)
	s.now = func() time.Time { return at }
	return s
}

func TestFileStore_SaveUsesUnixName(t *testing.T) {
	s := newTestStore(t, time.Unix(1_700_000_000, 0))

	name, at, err := s.Save([]byte("jpeg"))
	require.NoError(t, err)

	assert.Equal(t, "violation_1700000000.jpg", name)
	assert.Equal(t, int64(1_700_000_000), at.Unix())
	data, err := os.ReadFile(filepath.Join(s.Dir(), name))
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)
}

func TestFileStore_SameSecondDoesNotOverwrite(t *testing.T) {
	s := newTestStore(t, time.Unix(1_700_000_000, 0))
	s.suffix = func() string { return "deadbeef" }

	first, _, err := s.Save([]byte("one"))
	require.NoError(t, err)
	second, _, err := s.Save([]byte("two"))
	require.NoError(t, err)

	assert.Equal(t, "violation_1700000000.jpg", first)
	assert.Equal(t, "violation_1700000000_deadbeef.jpg", second)

	data, err := os.ReadFile(filepath.Join(s.Dir(), first))
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)
}

func TestFileStore_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	_, err := NewFileStore(dir, nil)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestFileStore_Path(t *testing.T) {
	s := newTestStore(t, time.Unix(1_700_000_000, 0))
	name, _, err := s.Save([]byte("x"))
	require.NoError(t, err)

	path, err := s.Path(name)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir(), name), path)

	_, err = s.Path("violation_1.jpg")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, bad := range []string{"../secret.jpg", "violation_1.png", "other.jpg", "violation_.jpg", "sub/violation_1.jpg"} {
		_, err := s.Path(bad)
		assert.ErrorIs(t, err, ErrInvalidName, bad)
	}
}

func TestFileStore_ListNewestFirst(t *testing.T) {
	s := newTestStore(t, time.Unix(1_700_000_000, 0))
	for _, ts := range []int64{1_700_000_001, 1_700_000_003, 1_700_000_002} {
		ts := ts
		s.now = func() time.Time { return time.Unix(ts, 0) }
		_, _, err := s.Save([]byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("x"), 0o644))

	names, err := s.List(2)
	require.NoError(t, err)
	assert.Equal(t, []string{"violation_1700000003.jpg", "violation_1700000002.jpg"}, names)
}
