// ABOUTME: Tests for the connection registry using a fake dialer and sandbox runtime.
// ABOUTME: Covers URL resolution, connect/disconnect semantics, and restore-once behavior.

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/harbormaster/internal/protocol"
	"github.com/harborline/harbormaster/internal/sandbox"
	"github.com/harborline/harbormaster/internal/store"
)

// fakeConn is a connected protocol client stand-in.
type fakeConn struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeConn) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (f *fakeConn) RequestTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (f *fakeConn) On(event string, fn protocol.EventHandler) func() { return func() {} }

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeConn) State() protocol.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return protocol.StateDisconnected
	}
	return protocol.StateConnected
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeRuntime answers Inspect from a canned map and rejects everything else.
type fakeRuntime struct {
	infos map[string]*sandbox.Info
}

func (f *fakeRuntime) Create(ctx context.Context, name, image string, env map[string]string) (string, error) {
	return "", errors.New("not implemented")
}
func (f *fakeRuntime) Start(ctx context.Context, id string) error   { return nil }
func (f *fakeRuntime) Stop(ctx context.Context, id string) error    { return nil }
func (f *fakeRuntime) Restart(ctx context.Context, id string) error { return nil }
func (f *fakeRuntime) Remove(ctx context.Context, id string) error  { return nil }
func (f *fakeRuntime) IsRunning(ctx context.Context, id string) (bool, error) {
	return true, nil
}
func (f *fakeRuntime) Inspect(ctx context.Context, nameOrID string) (*sandbox.Info, error) {
	info, ok := f.infos[nameOrID]
	if !ok {
		return nil, errors.New("no such container: " + nameOrID)
	}
	return info, nil
}
func (f *fakeRuntime) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeRuntime) WriteFile(ctx context.Context, id, path string, data []byte) error {
	return errors.New("not implemented")
}
func (f *fakeRuntime) ListFiles(ctx context.Context, id, dir string) ([]string, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeRuntime) CopyDir(ctx context.Context, src, srcPath, dst, dstPath string) error {
	return errors.New("not implemented")
}

func createTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type dialRecord struct {
	urls  []string
	conns []*fakeConn
	opts  []protocol.Options
}

// newTestRegistry wires a registry whose dialer hands out fresh fake
// connections and records every dial.
func newTestRegistry(t *testing.T, st store.Store, runtime sandbox.Runtime) (*Registry, *dialRecord) {
	t.Helper()
	if runtime == nil {
		runtime = &fakeRuntime{}
	}

	rec := &dialRecord{}
	var mu sync.Mutex

	r := New(st, runtime, Options{}, quietLogger())
	r.dial = func(ctx context.Context, opts protocol.Options) (Conn, int, error) {
		mu.Lock()
		defer mu.Unlock()
		conn := &fakeConn{}
		rec.urls = append(rec.urls, opts.URL)
		rec.conns = append(rec.conns, conn)
		rec.opts = append(rec.opts, opts)
		return conn, 3, nil
	}
	return r, rec
}

func seedInstance(t *testing.T, st store.Store, inst *store.Instance) {
	t.Helper()
	if inst.Status == "" {
		inst.Status = store.StatusOffline
	}
	require.NoError(t, st.CreateInstance(context.Background(), inst))
}

func TestConnect(t *testing.T) {
	ctx := context.Background()
	st := createTestStore(t)
	r, rec := newTestRegistry(t, st, nil)

	seedInstance(t, st, &store.Instance{ID: "inst-1", Name: "alpha", URL: "ws://alpha.internal/ws", Token: "tok"})

	require.NoError(t, r.Connect(ctx, "inst-1"))

	ad, ok := r.GetAdapter("inst-1")
	require.True(t, ok)
	assert.Equal(t, 3, ad.Version())

	state, ok := r.State("inst-1")
	require.True(t, ok)
	assert.Equal(t, protocol.StateConnected, state)

	require.Len(t, rec.opts, 1)
	assert.Equal(t, "ws://alpha.internal/ws", rec.urls[0])
	assert.Equal(t, "tok", rec.opts[0].Token)

	inst, err := st.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOnline, inst.Status)
}

func TestConnect_ReplacesPriorConnection(t *testing.T) {
	ctx := context.Background()
	st := createTestStore(t)
	r, rec := newTestRegistry(t, st, nil)

	seedInstance(t, st, &store.Instance{ID: "inst-1", Name: "alpha", URL: "ws://alpha.internal/ws"})

	require.NoError(t, r.Connect(ctx, "inst-1"))
	require.NoError(t, r.Connect(ctx, "inst-1"))

	require.Len(t, rec.conns, 2)
	assert.False(t, rec.conns[0].IsConnected(), "prior connection must be closed")
	assert.True(t, rec.conns[1].IsConnected())
}

func TestConnect_UnknownInstance(t *testing.T) {
	st := createTestStore(t)
	r, _ := newTestRegistry(t, st, nil)

	err := r.Connect(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()
	st := createTestStore(t)
	r, rec := newTestRegistry(t, st, nil)

	seedInstance(t, st, &store.Instance{ID: "inst-1", Name: "alpha", URL: "ws://alpha.internal/ws"})
	require.NoError(t, r.Connect(ctx, "inst-1"))

	r.Disconnect("inst-1")
	assert.False(t, rec.conns[0].IsConnected())

	_, ok := r.GetAdapter("inst-1")
	assert.False(t, ok, "not connected is a first-class outcome, not an error")
	_, ok = r.GetConn("inst-1")
	assert.False(t, ok)
	_, ok = r.State("inst-1")
	assert.False(t, ok)

	// Idempotent.
	r.Disconnect("inst-1")
	r.Disconnect("never-connected")
}

func TestResolveURL(t *testing.T) {
	runtime := &fakeRuntime{infos: map[string]*sandbox.Info{
		"gw-beta":  {ID: "c1", Name: "gw-beta", Running: true, HostPort: "43210"},
		"gw-gamma": {ID: "c2", Name: "gw-gamma", Running: true, IPAddress: "172.28.0.7"},
	}}

	st := createTestStore(t)
	r, rec := newTestRegistry(t, st, runtime)
	ctx := context.Background()

	tests := []struct {
		name string
		inst *store.Instance
		want string
	}{
		{
			name: "explicit URL wins",
			inst: &store.Instance{ID: "i1", Name: "a", URL: "wss://gw.example.com/ws", HostPort: 9999},
			want: "wss://gw.example.com/ws",
		},
		{
			name: "recorded host port maps to loopback",
			inst: &store.Instance{ID: "i2", Name: "b", HostPort: 18100},
			want: "ws://127.0.0.1:18100/ws",
		},
		{
			name: "container with published port maps to loopback",
			inst: &store.Instance{ID: "i3", Name: "c", ContainerName: "gw-beta"},
			want: "ws://127.0.0.1:43210/ws",
		},
		{
			name: "container without published port uses its network address",
			inst: &store.Instance{ID: "i4", Name: "d", ContainerName: "gw-gamma"},
			want: "ws://172.28.0.7:18789/ws",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seedInstance(t, st, tt.inst)
			require.NoError(t, r.Connect(ctx, tt.inst.ID))
			assert.Equal(t, tt.want, rec.urls[len(rec.urls)-1])
		})
	}

	t.Run("no connection target", func(t *testing.T) {
		seedInstance(t, st, &store.Instance{ID: "i5", Name: "e"})
		err := r.Connect(ctx, "i5")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no connection target")
	})

	t.Run("unknown container", func(t *testing.T) {
		seedInstance(t, st, &store.Instance{ID: "i6", Name: "f", ContainerName: "gone"})
		err := r.Connect(ctx, "i6")
		require.Error(t, err)
	})

	t.Run("shared network addresses container by DNS name", func(t *testing.T) {
		r.opts.Network = "harbormaster-net"
		defer func() { r.opts.Network = "" }()

		seedInstance(t, st, &store.Instance{ID: "i7", Name: "g", ContainerName: "gone"})
		require.NoError(t, r.Connect(ctx, "i7"))
		assert.Equal(t, "ws://gone:18789/ws", rec.urls[len(rec.urls)-1])
	})
}

func TestRestoreAll_RunsOnce(t *testing.T) {
	ctx := context.Background()
	st := createTestStore(t)
	r, rec := newTestRegistry(t, st, nil)

	// Instances in every recorded status get a reconnect attempt: the remote
	// process may have restarted since the status was written.
	seedInstance(t, st, &store.Instance{ID: "i1", Name: "a", URL: "ws://a/ws", Status: store.StatusOnline})
	seedInstance(t, st, &store.Instance{ID: "i2", Name: "b", URL: "ws://b/ws", Status: store.StatusError})
	seedInstance(t, st, &store.Instance{ID: "i3", Name: "c", URL: "ws://c/ws", Status: store.StatusOffline})

	r.RestoreAll(ctx)
	assert.Len(t, rec.urls, 3)
	assert.ElementsMatch(t, []string{"i1", "i2", "i3"}, r.ConnectedIDs())

	r.RestoreAll(ctx)
	assert.Len(t, rec.urls, 3, "restore must run at most once per process")
}

func TestPermanentDisconnect_PersistsErrorStatus(t *testing.T) {
	ctx := context.Background()
	st := createTestStore(t)
	r, rec := newTestRegistry(t, st, nil)

	seedInstance(t, st, &store.Instance{ID: "inst-1", Name: "alpha", URL: "ws://alpha/ws"})
	require.NoError(t, r.Connect(ctx, "inst-1"))

	require.NotNil(t, rec.opts[0].OnPermanentDisconnect)
	rec.opts[0].OnPermanentDisconnect(errors.New("gave up after 10 reconnect attempts"))

	inst, err := st.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, inst.Status)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	st := createTestStore(t)
	r, rec := newTestRegistry(t, st, nil)

	seedInstance(t, st, &store.Instance{ID: "i1", Name: "a", URL: "ws://a/ws"})
	seedInstance(t, st, &store.Instance{ID: "i2", Name: "b", URL: "ws://b/ws"})
	require.NoError(t, r.Connect(ctx, "i1"))
	require.NoError(t, r.Connect(ctx, "i2"))

	r.Close()
	assert.Empty(t, r.ConnectedIDs())
	for _, conn := range rec.conns {
		assert.False(t, conn.IsConnected())
	}
}
