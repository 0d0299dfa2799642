package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"planboard/collab/internal/config"
	"planboard/collab/internal/preview"
	"planboard/collab/internal/rooms"
	"planboard/collab/internal/search"
	"planboard/collab/internal/store"
	"planboard/collab/internal/workspace"
)

type fakeIndexer struct {
	indexed []search.NodeRecord
	deleted []string
}

func (f *fakeIndexer) IndexNode(record search.NodeRecord) { f.indexed = append(f.indexed, record) }
func (f *fakeIndexer) DeleteNode(id string)               { f.deleted = append(f.deleted, id) }

type fakeBroadcaster struct {
	broadcastFn func(workspaceID string, msg rooms.AIMessage) (int, error)
}

func (f fakeBroadcaster) Broadcast(_ context.Context, workspaceID string, msg rooms.AIMessage) (int, error) {
	return f.broadcastFn(workspaceID, msg)
}

type fakeSearch struct {
	searchFn func(q search.Query) search.Response
}

func (f fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	return f.searchFn(q)
}

type internalFixture struct {
	hub      *workspace.Hub
	store    *fakeStore
	indexer  *fakeIndexer
	previews *preview.Coordinator
	handler  http.Handler
}

func newInternalFixture(t *testing.T, deps Deps) *internalFixture {
	t.Helper()
	f := &internalFixture{
		hub:      workspace.NewHub(workspace.HubOptions{}),
		store:    &fakeStore{},
		indexer:  &fakeIndexer{},
		previews: preview.NewCoordinator(nil),
	}
	deps.Store = f.store
	deps.Documents = f.hub
	deps.Indexer = f.indexer
	deps.Previews = f.previews
	svc := NewService(config.Config{SyncToken: "sync"}, deps)
	sockets := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	f.handler = NewHTTPServer(svc, "*", sockets, nil).Handler()
	return f
}

func (f *internalFixture) document(t *testing.T, workspaceID string) *workspace.Document {
	t.Helper()
	d, err := f.hub.Document(context.Background(), workspaceID)
	if err != nil {
		t.Fatalf("Document() error = %v", err)
	}
	return d
}

func (f *internalFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(syncTokenHeader, "sync")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func TestInternalRoutesRequireSyncToken(t *testing.T) {
	f := newInternalFixture(t, Deps{})
	req := httptest.NewRequest(http.MethodGet, "/api/internal/rooms", nil)
	req.Header.Set(syncTokenHeader, "wrong")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestNonAPIPathsReachSockets(t *testing.T) {
	f := newInternalFixture(t, Deps{})
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/w1?userId=alice", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected socket handler, got %d", rr.Code)
	}
}

func TestCommitNodeReplacesPreview(t *testing.T) {
	f := newInternalFixture(t, Deps{})
	var upserted int64
	f.store.upsertNodeFn = func(workspaceID string, nodeID int64, node workspace.Node, detail workspace.NodeDetail) error {
		if workspaceID != "w1" {
			t.Fatalf("unexpected workspace %q", workspaceID)
		}
		upserted = nodeID
		return nil
	}
	d := f.document(t, "w1")
	if err := f.previews.CreatePreview(d, nil, "p1", "alice", workspace.Position{X: 1, Y: 2}); err != nil {
		t.Fatalf("CreatePreview() error = %v", err)
	}

	if rr := f.do(t, http.MethodPost, "/api/internal/workspaces/w1/previews/p1/pending", nil); rr.Code != http.StatusOK {
		t.Fatalf("pending: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !f.previews.IsPending(d, "p1") {
		t.Fatal("preview should be pending")
	}

	rr := f.do(t, http.MethodPost, "/api/internal/workspaces/w1/nodes", CommitNodeInput{
		NodeID:    "42",
		PreviewID: "p1",
		Node: workspace.Node{
			Type:     workspace.NodeTask,
			Position: workspace.Position{X: 1, Y: 2},
			Data:     workspace.NodeData{Title: "Login"},
		},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("commit: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if upserted != 42 {
		t.Fatalf("expected node 42 recorded, got %d", upserted)
	}
	if !d.Nodes.Has("42") || !d.NodeDetails.Has("42") {
		t.Fatal("node and detail should be in the document")
	}
	if d.PreviewNodes.Has("p1") || f.previews.IsPending(d, "p1") {
		t.Fatal("preview and pending flag should be cleared")
	}
	if len(f.indexer.indexed) != 1 || f.indexer.indexed[0].Title != "Login" {
		t.Fatalf("unexpected index calls: %+v", f.indexer.indexed)
	}
}

func TestCommitNodeLeavesDocumentOnRecordFailure(t *testing.T) {
	f := newInternalFixture(t, Deps{})
	f.store.upsertNodeFn = func(string, int64, workspace.Node, workspace.NodeDetail) error {
		return errors.New("db down")
	}
	rr := f.do(t, http.MethodPost, "/api/internal/workspaces/w1/nodes", CommitNodeInput{
		NodeID: "42",
		Node:   workspace.Node{Type: workspace.NodeTask},
	})
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if f.document(t, "w1").Nodes.Has("42") {
		t.Fatal("document should be unchanged")
	}
}

func TestCommitNodeValidation(t *testing.T) {
	f := newInternalFixture(t, Deps{})
	for name, in := range map[string]CommitNodeInput{
		"non numeric id": {NodeID: "abc", Node: workspace.Node{Type: workspace.NodeTask}},
		"unknown type":   {NodeID: "7", Node: workspace.Node{Type: "GALAXY"}},
	} {
		rr := f.do(t, http.MethodPost, "/api/internal/workspaces/w1/nodes", in)
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("%s: expected 422, got %d", name, rr.Code)
		}
	}
}

func TestResetPreviewIsIdempotent(t *testing.T) {
	f := newInternalFixture(t, Deps{})
	for i := 0; i < 2; i++ {
		if rr := f.do(t, http.MethodPost, "/api/internal/workspaces/w1/previews/p9/reset", nil); rr.Code != http.StatusOK {
			t.Fatalf("reset %d: expected 200, got %d", i, rr.Code)
		}
	}
}

func TestConfirmDelete(t *testing.T) {
	f := newInternalFixture(t, Deps{})
	d := f.document(t, "w1")
	if err := d.Transact(nil, func(tx *workspace.Tx) error {
		return d.Nodes.Put(tx, "5", workspace.Node{Type: workspace.NodeTask})
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if rr := f.do(t, http.MethodDelete, "/api/internal/workspaces/w1/nodes/5", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if d.Nodes.Has("5") {
		t.Fatal("node should be removed")
	}
	if len(f.indexer.deleted) != 1 || f.indexer.deleted[0] != "5" {
		t.Fatalf("unexpected index deletes: %v", f.indexer.deleted)
	}
	if rr := f.do(t, http.MethodDelete, "/api/internal/workspaces/w1/nodes/5", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a missing node, got %d", rr.Code)
	}
}

func TestCandidatesAndTechs(t *testing.T) {
	f := newInternalFixture(t, Deps{})
	d := f.document(t, "w1")

	rr := f.do(t, http.MethodPut, "/api/internal/workspaces/w1/nodes/5/candidates", map[string]any{
		"candidates": []workspace.Candidate{{ID: "c1", Name: "Auth", TaskType: "FEATURE", Selected: true}},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("candidates: expected 200, got %d", rr.Code)
	}
	got, ok := d.NodeCandidates.Get("5")
	if !ok || len(got) != 1 || got[0].Selected || got[0].TaskType != "" {
		t.Fatalf("unexpected candidates: %+v", got)
	}

	if rr := f.do(t, http.MethodPut, "/api/internal/workspaces/w1/nodes/5/techs", map[string]any{
		"techs": []workspace.TechRecommendation{{ID: 1, Name: "Go"}},
	}); rr.Code != http.StatusOK {
		t.Fatalf("techs put: expected 200, got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodPost, "/api/internal/workspaces/w1/nodes/5/techs", workspace.TechRecommendation{ID: 2, Name: "Redis"}); rr.Code != http.StatusOK {
		t.Fatalf("techs post: expected 200, got %d", rr.Code)
	}
	techs, _ := d.NodeTechRecommendations.Get("5")
	if len(techs) != 2 || techs[1].Name != "Redis" {
		t.Fatalf("unexpected techs: %+v", techs)
	}
}

func TestBroadcast(t *testing.T) {
	var got rooms.AIMessage
	f := newInternalFixture(t, Deps{Broadcaster: fakeBroadcaster{broadcastFn: func(workspaceID string, msg rooms.AIMessage) (int, error) {
		if err := msg.Validate(); err != nil {
			return 0, err
		}
		got = msg
		return 2, nil
	}}})

	rr := f.do(t, http.MethodPost, "/api/internal/workspaces/w1/broadcast", map[string]any{
		"nodeId": "5", "category": "summary", "text": "hi", "isComplete": true,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["delivered"] != float64(2) || got.NodeID != "5" || !got.IsComplete {
		t.Fatalf("unexpected broadcast: %v %+v", body, got)
	}

	if rr := f.do(t, http.MethodPost, "/api/internal/workspaces/w1/broadcast", map[string]any{"text": "x"}); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without nodeId, got %d", rr.Code)
	}
}

func TestSearchEndpoint(t *testing.T) {
	var got search.Query
	f := newInternalFixture(t, Deps{Search: fakeSearch{searchFn: func(q search.Query) search.Response {
		got = q
		return search.Response{Results: []search.Result{{NodeID: "5", Title: "Login"}}, Total: 1, Query: q.Text}
	}}})

	rr := f.do(t, http.MethodGet, "/api/workspaces/w1/search?q=login&limit=5", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got.WorkspaceID != "w1" || got.Text != "login" || got.Limit != 5 {
		t.Fatalf("unexpected query: %+v", got)
	}
	if rr := f.do(t, http.MethodGet, "/api/workspaces/w1/search?limit=x", nil); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
}

type memorySnapshots struct {
	mu     sync.Mutex
	states map[string][]byte
}

func (m *memorySnapshots) Load(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[id], nil
}

func (m *memorySnapshots) Save(_ context.Context, id string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = append([]byte(nil), state...)
	return nil
}

func TestCommitNodeKeepsDocumentResidentDuringRecordWrite(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	hub := workspace.NewHub(workspace.HubOptions{
		IdleTTL:   time.Minute,
		Clock:     clock,
		Snapshots: &memorySnapshots{states: map[string][]byte{}},
	})
	if _, err := hub.Document(ctx, "w1"); err != nil {
		t.Fatalf("Document() error = %v", err)
	}
	records := &fakeStore{upsertNodeFn: func(string, int64, workspace.Node, workspace.NodeDetail) error {
		clock.Advance(2 * time.Minute)
		hub.Sweep(ctx)
		return nil
	}}
	svc := NewService(config.Config{}, Deps{Store: records, Documents: hub})

	if err := svc.CommitNode(ctx, "w1", CommitNodeInput{NodeID: "42", Node: workspace.Node{Type: workspace.NodeTask}}); err != nil {
		t.Fatalf("CommitNode() error = %v", err)
	}
	if hub.Resident() != 1 {
		t.Fatalf("document was archived while a commit held it, resident=%d", hub.Resident())
	}
	d, err := hub.Document(ctx, "w1")
	if err != nil {
		t.Fatalf("Document() error = %v", err)
	}
	if !d.Nodes.Has("42") {
		t.Fatal("committed node must land in the resident document")
	}
}

func TestNodeRecord(t *testing.T) {
	f := newInternalFixture(t, Deps{})
	deletedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f.store.nodes = map[int64]store.NodeRow{
		10: {ID: 10, WorkspaceID: "w1", Type: "TASK", PosX: 3, PosY: 4},
		11: {ID: 11, WorkspaceID: "w2", Type: "TASK"},
		12: {ID: 12, WorkspaceID: "w1", Type: "TASK", DeletedAt: &deletedAt},
	}
	f.store.details = map[int64]store.DetailRow{10: {NodeID: 10, WorkspaceID: "w1", Title: "Checkout"}}
	f.store.selections = map[int64]store.TechSelection{10: {NodeID: 10, TechID: 77}}

	rr := f.do(t, http.MethodGet, "/api/internal/workspaces/w1/nodes/10", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var got struct {
		Node struct {
			ID int64   `json:"id"`
			X  float64 `json:"x"`
		} `json:"node"`
		Detail struct {
			Title string `json:"title"`
		} `json:"detail"`
		SelectedTechID int64 `json:"selectedTechId"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Node.ID != 10 || got.Node.X != 3 || got.Detail.Title != "Checkout" || got.SelectedTechID != 77 {
		t.Fatalf("unexpected record %+v", got)
	}

	for path, want := range map[string]int{
		"/api/internal/workspaces/w1/nodes/11":  http.StatusNotFound,
		"/api/internal/workspaces/w1/nodes/12":  http.StatusNotFound,
		"/api/internal/workspaces/w1/nodes/404": http.StatusNotFound,
		"/api/internal/workspaces/w1/nodes/abc": http.StatusUnprocessableEntity,
	} {
		if rr := f.do(t, http.MethodGet, path, nil); rr.Code != want {
			t.Fatalf("%s: expected %d, got %d", path, want, rr.Code)
		}
	}
}

func TestNodeRecordWithoutDatabase(t *testing.T) {
	svc := NewService(config.Config{SyncToken: "sync"}, Deps{Documents: workspace.NewHub(workspace.HubOptions{})})
	req := httptest.NewRequest(http.MethodGet, "/api/internal/workspaces/w1/nodes/10", nil)
	req.Header.Set(syncTokenHeader, "sync")
	rr := httptest.NewRecorder()
	NewHTTPServer(svc, "*", nil, nil).Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
