package feedlog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/kindlyrobotics/feedlog/internal/storage"
)

// TestReplicateSyncsBlocksOverWebsocket wires two feeds together through a
// real *websocket.Conn pair (an httptest server plus a dialed client) and
// checks that everything appended to the writer side before and after the
// session opens eventually lands, byte-for-byte, in a sparse reader that
// only ever knows the writer's public key.
func TestReplicateSyncsBlocksOverWebsocket(t *testing.T) {
	writer, err := Open(Options{Storage: storage.FileProvider(t.TempDir())})
	require.NoError(t, err)
	defer writer.Close()
	require.NoError(t, writer.Append([]byte("one"), []byte("two")))

	reader, err := Open(Options{
		Storage:   storage.FileProvider(t.TempDir()),
		PublicKey: writer.Key(),
		Sparse:    true,
	})
	require.NoError(t, err)
	defer reader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		go func() { _ = Replicate(ctx, writer, conn, ReplicateOptions{}) }()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	go func() { _ = Replicate(ctx, reader, clientConn, ReplicateOptions{}) }()

	require.Eventually(t, func() bool {
		return reader.Length() == 2
	}, 2*time.Second, 10*time.Millisecond)

	got, err := reader.GetBytes(context.Background(), 0, GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "one", string(got))
	got, err = reader.GetBytes(context.Background(), 1, GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "two", string(got))

	require.NoError(t, writer.Append([]byte("three")))

	require.Eventually(t, func() bool {
		return reader.Length() == 3
	}, 2*time.Second, 10*time.Millisecond)

	got, err = reader.GetBytes(context.Background(), 2, GetOptions{})
	require.NoError(t, err)
	require.Equal(t, "three", string(got))
}
