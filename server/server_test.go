package server

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tierfs/tierfs/fs"
	"github.com/tierfs/tierfs/fs/watch"
)

// newTestServer stands up a server over an in-memory filesystem with a fast
// broadcaster.
func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	filesystem, err := fs.NewFilesystem(fs.Options{DBPath: ":memory:"})
	require.NoError(t, err)
	broadcaster := watch.NewBroadcaster(watch.Config{
		BatchWindow:  time.Millisecond,
		PrioritySort: true,
	})
	s := New(filesystem, broadcaster)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		broadcaster.Close()
		filesystem.Close()
	})
	return s, ts
}

// rpc posts one RPC call and decodes the envelope.
func rpc(t *testing.T, ts *httptest.Server, method string, params any) (rpcResponse, int) {
	t.Helper()
	body, err := json.Marshal(map[string]any{"method": method, "params": params})
	require.NoError(t, err)
	resp, err := ts.Client().Post(ts.URL+"/rpc", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var envelope rpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope, resp.StatusCode
}

// result re-marshals an RPC result into a concrete type.
func result[T any](t *testing.T, envelope rpcResponse) T {
	t.Helper()
	raw, err := json.Marshal(envelope.Result)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}
