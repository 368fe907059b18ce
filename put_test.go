package feedlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kindlyrobotics/feedlog/internal/storage"
)

func TestPutAcceptsBlockVerifiedAgainstSignature(t *testing.T) {
	writer, err := Open(Options{Storage: storage.FileProvider(t.TempDir())})
	require.NoError(t, err)
	defer writer.Close()

	require.NoError(t, writer.Append([]byte("one"), []byte("two"), []byte("three")))

	reader, err := Open(Options{
		Storage:   storage.FileProvider(t.TempDir()),
		PublicKey: writer.Key(),
		Sparse:    true,
	})
	require.NoError(t, err)
	defer reader.Close()

	for p := uint64(0); p < writer.Length(); p++ {
		data, err := writer.GetBytes(context.Background(), p, GetOptions{})
		require.NoError(t, err)
		proof, err := writer.Proof(p, ProofRequest{})
		require.NoError(t, err)
		require.NoError(t, reader.Put(p, data, proof))
	}

	require.Equal(t, writer.Length(), reader.Length())
	require.Equal(t, writer.ByteLength(), reader.ByteLength())

	got, err := reader.GetBytes(context.Background(), 1, GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "two", string(got))
}

func TestPutIsIdempotent(t *testing.T) {
	writer, err := Open(Options{Storage: storage.FileProvider(t.TempDir())})
	require.NoError(t, err)
	defer writer.Close()
	require.NoError(t, writer.Append([]byte("solo")))

	reader, err := Open(Options{
		Storage:   storage.FileProvider(t.TempDir()),
		PublicKey: writer.Key(),
		Sparse:    true,
	})
	require.NoError(t, err)
	defer reader.Close()

	data, err := writer.GetBytes(context.Background(), 0, GetOptions{})
	require.NoError(t, err)
	proof, err := writer.Proof(0, ProofRequest{})
	require.NoError(t, err)

	require.NoError(t, reader.Put(0, data, proof))
	require.NoError(t, reader.Put(0, data, proof))
	require.Equal(t, uint64(1), reader.Length())
}

func TestPutRejectsProofWithoutSignatureForLiveFeed(t *testing.T) {
	writer, err := Open(Options{Storage: storage.FileProvider(t.TempDir())})
	require.NoError(t, err)
	defer writer.Close()
	require.NoError(t, writer.Append([]byte("alone")))

	reader, err := Open(Options{
		Storage:   storage.FileProvider(t.TempDir()),
		PublicKey: writer.Key(),
		Sparse:    true,
	})
	require.NoError(t, err)
	defer reader.Close()

	data, err := writer.GetBytes(context.Background(), 0, GetOptions{})
	require.NoError(t, err)
	proof, err := writer.Proof(0, ProofRequest{})
	require.NoError(t, err)
	proof.Signature = nil

	err = reader.Put(0, data, proof)
	require.ErrorIs(t, err, ErrMissingSignature)
}

// TestPutCriticalErrorPoisonsFeed exercises §7 tier 3: a conflicting
// block arrives whose data disagrees with a tree-node hash the feed
// already committed (here, learned earlier as a proof sibling without
// ever storing that block's own data). The feed must surface a
// CriticalError, record itself poisoned, and refuse every mutation after.
func TestPutCriticalErrorPoisonsFeed(t *testing.T) {
	writer, err := Open(Options{Storage: storage.FileProvider(t.TempDir())})
	require.NoError(t, err)
	defer writer.Close()
	require.NoError(t, writer.Append([]byte("a"), []byte("b")))

	reader, err := Open(Options{
		Storage:   storage.FileProvider(t.TempDir()),
		PublicKey: writer.Key(),
		Sparse:    true,
	})
	require.NoError(t, err)
	defer reader.Close()

	// Putting block 1 learns block 0's leaf hash as a proof sibling
	// along the way, committing tree index 0 without ever storing block
	// 0's data.
	data1, err := writer.GetBytes(context.Background(), 1, GetOptions{})
	require.NoError(t, err)
	proof1, err := writer.Proof(1, ProofRequest{})
	require.NoError(t, err)
	require.NoError(t, reader.Put(1, data1, proof1))
	require.False(t, reader.Has(0))
	require.False(t, reader.Poisoned())

	err = reader.Put(0, []byte("not what was committed"), Proof{})
	var critical *CriticalError
	require.ErrorAs(t, err, &critical)
	require.True(t, reader.Poisoned())

	// Even a structurally sound put is refused once poisoned.
	err = reader.Put(2, data1, proof1)
	require.ErrorIs(t, err, ErrPoisoned)
}

func TestPutAfterFinalizeVerifiesByRootEquality(t *testing.T) {
	writer, err := Open(Options{Storage: storage.FileProvider(t.TempDir())})
	require.NoError(t, err)
	defer writer.Close()
	require.NoError(t, writer.Append([]byte("a"), []byte("b"), []byte("c")))
	require.NoError(t, writer.Finalize())
	require.False(t, writer.Live())

	reader, err := Open(Options{
		Storage:   storage.FileProvider(t.TempDir()),
		PublicKey: writer.Key(),
		Sparse:    true,
		Live:      boolPtr(false),
	})
	require.NoError(t, err)
	defer reader.Close()

	for p := uint64(0); p < writer.Length(); p++ {
		data, err := writer.GetBytes(context.Background(), p, GetOptions{})
		require.NoError(t, err)
		proof, err := writer.Proof(p, ProofRequest{})
		require.NoError(t, err)
		require.NoError(t, reader.Put(p, data, proof))
	}

	require.Equal(t, writer.Length(), reader.Length())
}
