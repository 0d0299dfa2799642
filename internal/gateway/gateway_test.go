package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"planboard/collab/internal/auth"
	"planboard/collab/internal/dispatch"
	"planboard/collab/internal/doc"
	"planboard/collab/internal/preview"
	"planboard/collab/internal/rooms"
	"planboard/collab/internal/workspace"
)

func TestResolveWorkspaceID(t *testing.T) {
	cases := []struct {
		target string
		want   string
	}{
		{"/?room=w1", "w1"},
		{"/?room=%20%20&workspaceId=w2", "w2"},
		{"/?workspaceId=w2", "w2"},
		{"/w3/anything?userId=u", "w3"},
		{"/", DefaultWorkspaceID},
		{"/ws", DefaultWorkspaceID},
		{"/?room=", DefaultWorkspaceID},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, tc.target, nil)
		assert.Equal(t, tc.want, ResolveWorkspaceID(r), tc.target)
	}
}

type stubBridge struct{}

func (stubBridge) SaveNodeDetail(context.Context, string, int64, workspace.NodeDetail) bool { return true }
func (stubBridge) SaveTechSelection(context.Context, string, int64, int64) bool             { return true }
func (stubBridge) DeleteNode(context.Context, string, int64) bool                           { return true }

type recordingPositions struct {
	mu      sync.Mutex
	entries []workspace.PositionEntry
	flushed []string
}

func (r *recordingPositions) AddPending(_ string, entry workspace.PositionEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *recordingPositions) ScheduleFlush(string) {}

func (r *recordingPositions) FlushWorkspace(_ context.Context, workspaceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed = append(r.flushed, workspaceID)
	return nil
}

func (r *recordingPositions) snapshot() ([]workspace.PositionEntry, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]workspace.PositionEntry(nil), r.entries...), append([]string(nil), r.flushed...)
}

type fixture struct {
	hub       *workspace.Hub
	registry  *rooms.Registry
	positions *recordingPositions
	server    *httptest.Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	hub := workspace.NewHub(workspace.HubOptions{})
	registry := rooms.NewRegistry(nil)
	previews := preview.NewCoordinator(nil)
	pos := &recordingPositions{}
	dispatcher := dispatch.New(hub, stubBridge{}, pos, previews, dispatch.Options{})
	gw := New(hub, registry, dispatcher, previews, pos, opts)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return &fixture{hub: hub, registry: registry, positions: pos, server: srv}
}

func (f *fixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := strings.Replace(f.server.URL, "http", "ws", 1) + "/?" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) doc.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageBinary, typ)
	msg, err := doc.DecodeMessage(data)
	require.NoError(t, err)
	return msg
}

func clientUpdate(t *testing.T, client string, fn func(tx *doc.Txn) error) []byte {
	t.Helper()
	replica := doc.New(client)
	var got doc.Update
	cancel := replica.Observe(func(ev doc.Event) { got = ev.Update })
	defer cancel()
	require.NoError(t, replica.Transact(nil, fn))
	frame, err := doc.EncodeMessage(doc.KindUpdate, got)
	require.NoError(t, err)
	return frame
}

func (f *fixture) waitMembers(t *testing.T, workspaceID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.registry.Members(workspaceID)) == n }, 5*time.Second, 10*time.Millisecond)
}

func TestPeersReceiveStateThenUpdates(t *testing.T) {
	f := newFixture(t, Options{})

	a := f.dial(t, "room=w1&userId=alice")
	assert.Equal(t, doc.KindState, readMessage(t, a).Kind)
	b := f.dial(t, "room=w1&userId=bob")
	assert.Equal(t, doc.KindState, readMessage(t, b).Kind)
	f.waitMembers(t, "w1", 2)

	frame := clientUpdate(t, "alice-replica", func(tx *doc.Txn) error {
		return tx.Set(workspace.MapNodes, "7", workspace.Node{Type: workspace.NodeTask, Data: workspace.NodeData{Title: "Design"}})
	})
	require.NoError(t, a.Write(context.Background(), websocket.MessageBinary, frame))

	msg := readMessage(t, b)
	assert.Equal(t, doc.KindUpdate, msg.Kind)
	require.Len(t, msg.Update.Ops, 1)
	assert.Equal(t, workspace.MapNodes, msg.Update.Ops[0].Map)
	assert.Equal(t, "7", msg.Update.Ops[0].Key)

	document, err := f.hub.Document(context.Background(), "w1")
	require.NoError(t, err)
	node, ok := document.Nodes.Get("7")
	require.True(t, ok)
	assert.Equal(t, "Design", node.Data.Title)

	c := f.dial(t, "room=w1&userId=carol")
	state := readMessage(t, c)
	assert.Equal(t, doc.KindState, state.Kind)
	assert.NotEmpty(t, state.Update.Ops, "late joiner receives existing nodes")
}

func TestWorkspacesAreIsolated(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.dial(t, "room=w1&userId=alice")
	readMessage(t, a)
	b := f.dial(t, "room=w2&userId=bob")
	readMessage(t, b)
	f.waitMembers(t, "w1", 1)
	f.waitMembers(t, "w2", 1)

	frame := clientUpdate(t, "alice-replica", func(tx *doc.Txn) error {
		return tx.Set(workspace.MapNodes, "7", workspace.Node{Type: workspace.NodeTask})
	})
	require.NoError(t, a.Write(context.Background(), websocket.MessageBinary, frame))

	w1, err := f.hub.Document(context.Background(), "w1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w1.Nodes.Has("7") }, 5*time.Second, 10*time.Millisecond)
	w2, err := f.hub.Document(context.Background(), "w2")
	require.NoError(t, err)
	assert.False(t, w2.Nodes.Has("7"))
}

func TestTextFramesReachDispatcher(t *testing.T) {
	f := newFixture(t, Options{})
	document, err := f.hub.Document(context.Background(), "w1")
	require.NoError(t, err)
	require.NoError(t, document.Transact(nil, func(tx *workspace.Tx) error {
		return document.Nodes.Put(tx, "7", workspace.Node{Type: workspace.NodeTask, Position: workspace.Position{X: 3, Y: 4}})
	}))

	a := f.dial(t, "room=w1&userId=alice")
	readMessage(t, a)
	require.NoError(t, a.Write(context.Background(), websocket.MessageText, []byte("not json")))
	require.NoError(t, a.Write(context.Background(), websocket.MessageText, []byte(`{"type":"save_node_position","nodeId":7,"requestId":"r1"}`)))

	require.Eventually(t, func() bool {
		entries, _ := f.positions.snapshot()
		return len(entries) == 1
	}, 5*time.Second, 10*time.Millisecond)
	entries, _ := f.positions.snapshot()
	assert.Equal(t, workspace.PositionEntry{NodeID: "7", Position: workspace.Position{X: 3, Y: 4}, RequestID: "r1"}, entries[0])
}

func TestLastDisconnectFlushesAndDropsRoom(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.dial(t, "room=w1&userId=alice")
	readMessage(t, a)
	b := f.dial(t, "room=w1&userId=bob")
	readMessage(t, b)
	f.waitMembers(t, "w1", 2)

	require.NoError(t, a.Close(websocket.StatusNormalClosure, ""))
	f.waitMembers(t, "w1", 1)
	_, flushed := f.positions.snapshot()
	assert.Empty(t, flushed)

	require.NoError(t, b.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool {
		_, flushed := f.positions.snapshot()
		return len(flushed) == 1
	}, 5*time.Second, 10*time.Millisecond)
	_, flushed = f.positions.snapshot()
	assert.Equal(t, []string{"w1"}, flushed)
	require.Eventually(t, func() bool { return len(f.registry.Rooms()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestRestrictedIdentityCannotJoinOtherWorkspace(t *testing.T) {
	f := newFixture(t, Options{Authenticate: func(*http.Request) (Identity, error) {
		return Identity{UserID: "alice", Workspace: "w2"}, nil
	}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := strings.Replace(f.server.URL, "http", "ws", 1) + "/?room=w1"
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

type blockingConn struct {
	mu     sync.Mutex
	closed websocket.StatusCode
}

func (c *blockingConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	<-ctx.Done()
	return 0, nil, ctx.Err()
}

func (c *blockingConn) Write(ctx context.Context, _ websocket.MessageType, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func (c *blockingConn) Close(code websocket.StatusCode, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = code
	return nil
}

func (c *blockingConn) closeCode() websocket.StatusCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestSlowConsumerIsClosed(t *testing.T) {
	conn := &blockingConn{}
	sock := newSocket("s1", "alice", conn, 1, time.Second, zap.NewNop())

	require.NoError(t, sock.SendBinary(context.Background(), []byte{1}))
	assert.ErrorIs(t, sock.SendBinary(context.Background(), []byte{2}), ErrSlowConsumer)

	select {
	case <-sock.Done():
	default:
		t.Fatal("socket should be closed")
	}
	require.Eventually(t, func() bool { return conn.closeCode() == websocket.StatusTryAgainLater }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, sock.SendText(context.Background(), []byte("x")), ErrSocketClosed)
}

func TestTokenIdentity(t *testing.T) {
	secret := []byte("secret")
	token, err := auth.IssueToken(secret, auth.NewClaims("alice", "w1", time.Hour, time.Now()))
	require.NoError(t, err)
	authenticate := TokenIdentity(secret)

	id, err := authenticate(httptest.NewRequest(http.MethodGet, "/?room=w1&token="+token, nil))
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "alice", Workspace: "w1"}, id)

	_, err = authenticate(httptest.NewRequest(http.MethodGet, "/?room=w1&userId=alice", nil))
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = authenticate(httptest.NewRequest(http.MethodGet, "/?token=bogus.sig", nil))
	assert.ErrorIs(t, err, ErrUnauthorized)
}
