package feedlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kindlyrobotics/feedlog/internal/storage"
)

func single(index uint64) DownloadRange {
	return DownloadRange{Start: index, End: int64(index) + 1}
}

func TestDownloadRegistersSelectionInRequestOrder(t *testing.T) {
	reader, err := Open(Options{Storage: storage.FileProvider(t.TempDir()), Sparse: true, CreateIfMissing: boolPtr(true)})
	require.NoError(t, err)
	defer reader.Close()

	reader.Download(single(5))
	reader.Download(single(2))
	reader.Download(single(5)) // duplicate, ignored

	require.Equal(t, []DownloadRange{single(5), single(2)}, reader.Selections())
}

func TestDownloadOpenEndedRange(t *testing.T) {
	reader, err := Open(Options{Storage: storage.FileProvider(t.TempDir()), Sparse: true, CreateIfMissing: boolPtr(true)})
	require.NoError(t, err)
	defer reader.Close()

	reader.Download(DownloadRange{Start: 10, End: -1})

	require.True(t, reader.selections.Has(10))
	require.True(t, reader.selections.Has(1_000_000))
}

func TestUndownloadReleasesAWaitingGet(t *testing.T) {
	reader, err := Open(Options{Storage: storage.FileProvider(t.TempDir()), Sparse: true})
	require.NoError(t, err)
	defer reader.Close()

	reader.Download(single(3))

	done := make(chan error, 1)
	go func() {
		_, err := reader.GetBytes(context.Background(), 3, GetOptions{Wait: true})
		done <- err
	}()

	// Give the goroutine time to register its wait before releasing it;
	// this mirrors the non-deterministic handoff a real caller would see
	// between a Download and a later Undownload racing a pending Get.
	time.Sleep(20 * time.Millisecond)
	reader.Undownload(single(3))

	err = <-done
	require.ErrorIs(t, err, ErrCancelled)
	require.NotContains(t, reader.Selections(), single(3))
}

func TestDefaultNonSparseFeedSelectsFromZero(t *testing.T) {
	f, err := Open(Options{Storage: storage.FileProvider(t.TempDir())})
	require.NoError(t, err)
	defer f.Close()

	require.Contains(t, f.Selections(), DownloadRange{Start: 0, End: -1})
}
