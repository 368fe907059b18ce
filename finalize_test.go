package feedlog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kindlyrobotics/feedlog/internal/storage"
)

func TestFinalizeMakesFeedReadOnlyAndReanchorsKey(t *testing.T) {
	f, err := Open(Options{Storage: storage.FileProvider(t.TempDir())})
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Append([]byte("a"), []byte("b"), []byte("c")))
	originalKey := append([]byte(nil), f.Key()...)

	require.NoError(t, f.Finalize())

	require.False(t, f.Live())
	require.False(t, f.Writable())
	require.NotEqual(t, originalKey, f.Key())

	err = f.Append([]byte("too late"))
	require.ErrorIs(t, err, ErrNotWritable)
}

func TestFinalizeIsStableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(Options{Storage: storage.FileProvider(dir)})
	require.NoError(t, err)
	require.NoError(t, f.Append([]byte("a"), []byte("b")))
	require.NoError(t, f.Finalize())
	key := append([]byte(nil), f.Key()...)
	require.NoError(t, f.Close())

	reopened, err := Open(Options{Storage: storage.FileProvider(dir)})
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, key, reopened.Key())
	require.False(t, reopened.Live())
	require.False(t, reopened.Writable())

	err = reopened.Append([]byte("still too late"))
	require.ErrorIs(t, err, ErrNotWritable)
}
