package feedlog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kindlyrobotics/feedlog/internal/storage"
)

func TestProofOfLatestBlockIsVerifiedAndSigned(t *testing.T) {
	f, err := Open(Options{Storage: storage.FileProvider(t.TempDir())})
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Append([]byte("a"), []byte("b"), []byte("c")))

	proof, err := f.Proof(2, ProofRequest{})
	require.NoError(t, err)
	require.Equal(t, f.Length(), proof.VerifiedBy)
	require.NotEmpty(t, proof.Signature)
}

func TestProofOmitsNodesTheRemoteAlreadyHas(t *testing.T) {
	f, err := Open(Options{Storage: storage.FileProvider(t.TempDir())})
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Append([]byte("a"), []byte("b"), []byte("c"), []byte("d")))

	bare, err := f.Proof(0, ProofRequest{})
	require.NoError(t, err)
	require.NotEmpty(t, bare.Nodes)

	has := make(map[uint64]bool)
	for _, n := range bare.Nodes {
		has[n.Index] = true
	}
	trimmed, err := f.Proof(0, ProofRequest{RemoteHas: func(index uint64) bool { return has[index] }})
	require.NoError(t, err)
	require.Empty(t, trimmed.Nodes)
	require.Equal(t, bare.VerifiedBy, trimmed.VerifiedBy)
}

func TestProofAfterFinalizeCarriesNoSignature(t *testing.T) {
	f, err := Open(Options{Storage: storage.FileProvider(t.TempDir())})
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Append([]byte("a"), []byte("b")))
	require.NoError(t, f.Finalize())

	proof, err := f.Proof(0, ProofRequest{})
	require.NoError(t, err)
	require.Equal(t, f.Length(), proof.VerifiedBy)
	require.Empty(t, proof.Signature)
}
