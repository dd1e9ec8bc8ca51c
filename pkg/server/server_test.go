package server_test

import (
	"context"
	"net"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/salmahazem14/kvstore/pkg/client"
	"github.com/salmahazem14/kvstore/pkg/server"
	"github.com/salmahazem14/kvstore/pkg/storage"
)

func startTestServer(t *testing.T) (addr string, stop func()) {
	t.Helper()

	dir := t.TempDir()
	engine, err := storage.Open(storage.Options{DataDir: dir})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr = ln.Addr().String()
	ln.Close()

	srv := server.New(engine, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	ready := make(chan struct{})
	go func() {
		close(ready)
		_ = srv.Serve(ctx, addr)
	}()
	<-ready
	time.Sleep(50 * time.Millisecond) // allow the listener to bind

	return addr, func() {
		cancel()
		engine.Close()
	}
}

func TestServerSetGetDelete(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	c := client.New(addr, time.Second)

	require.NoError(t, c.Set("a", "1"))
	v, ok, err := c.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", v)

	require.NoError(t, c.Delete("a"))
	_, ok, err = c.Get("a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestServerBulkSetAndSearch(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	c := client.New(addr, time.Second)

	require.NoError(t, c.BulkSet([][2]string{
		{"doc1", "the quick brown fox"},
		{"doc2", "the lazy dog"},
	}))

	results, err := c.SearchText("the")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"doc1", "doc2"}, results)

	keys, err := c.GetAllKeys()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"doc1", "doc2"}, keys)
}

func TestServerSearchSimilar(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	c := client.New(addr, time.Second)
	require.NoError(t, c.Set("ai", "machine learning neural networks"))
	require.NoError(t, c.Set("food", "pasta cooking recipe"))

	results, err := c.SearchSimilar("neural network learning", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "ai", results[0][0])
}

func TestServerUnknownCommand(t *testing.T) {
	addr, stop := startTestServer(t)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"command":"frobnicate"}` + "\n"))
	require.NoError(t, err)

	reply := make([]byte, 256)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(reply)
	require.NoError(t, err)

	var resp struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(reply[:n], &resp))
	require.Equal(t, "error", resp.Status)
	require.Equal(t, "unknown command", resp.Message)
}
