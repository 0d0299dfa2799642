package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planboard/collab/internal/search"
	"planboard/collab/internal/workspace"
)

type fakeRecord struct {
	saveNodeDetailFn    func(ctx context.Context, workspaceID string, nodeID int64, detail workspace.NodeDetail) error
	saveTechSelectionFn func(ctx context.Context, workspaceID string, nodeID, techID int64) error
	savePositionsFn     func(ctx context.Context, workspaceID string, entries []workspace.PositionEntry) error
	deleteNodeFn        func(ctx context.Context, workspaceID string, nodeID int64) error
}

func (f fakeRecord) SaveNodeDetail(ctx context.Context, workspaceID string, nodeID int64, detail workspace.NodeDetail) error {
	if f.saveNodeDetailFn == nil {
		return nil
	}
	return f.saveNodeDetailFn(ctx, workspaceID, nodeID, detail)
}

func (f fakeRecord) SaveTechSelection(ctx context.Context, workspaceID string, nodeID, techID int64) error {
	if f.saveTechSelectionFn == nil {
		return nil
	}
	return f.saveTechSelectionFn(ctx, workspaceID, nodeID, techID)
}

func (f fakeRecord) SavePositions(ctx context.Context, workspaceID string, entries []workspace.PositionEntry) error {
	if f.savePositionsFn == nil {
		return nil
	}
	return f.savePositionsFn(ctx, workspaceID, entries)
}

func (f fakeRecord) DeleteNode(ctx context.Context, workspaceID string, nodeID int64) error {
	if f.deleteNodeFn == nil {
		return nil
	}
	return f.deleteNodeFn(ctx, workspaceID, nodeID)
}

type fakeIndexer struct {
	indexed []search.NodeRecord
	deleted []string
}

func (f *fakeIndexer) IndexNode(record search.NodeRecord) { f.indexed = append(f.indexed, record) }
func (f *fakeIndexer) DeleteNode(id string)               { f.deleted = append(f.deleted, id) }

func TestSaveNodeDetailIndexesOnSuccess(t *testing.T) {
	idx := &fakeIndexer{}
	var gotNode int64
	b := New(fakeRecord{saveNodeDetailFn: func(_ context.Context, workspaceID string, nodeID int64, detail workspace.NodeDetail) error {
		gotNode = nodeID
		return nil
	}}, Options{Indexer: idx})

	ok := b.SaveNodeDetail(context.Background(), "w1", 5, workspace.NodeDetail{Title: "Login", Note: "oauth"})
	require.True(t, ok)
	assert.EqualValues(t, 5, gotNode)
	require.Len(t, idx.indexed, 1)
	assert.Equal(t, search.NodeRecord{ID: "5", WorkspaceID: "w1", Title: "Login", Note: "oauth"}, idx.indexed[0])
}

func TestFailuresBecomeFalse(t *testing.T) {
	idx := &fakeIndexer{}
	failing := errors.New("unavailable")
	b := New(fakeRecord{
		saveNodeDetailFn:    func(context.Context, string, int64, workspace.NodeDetail) error { return failing },
		saveTechSelectionFn: func(context.Context, string, int64, int64) error { return failing },
		deleteNodeFn:        func(context.Context, string, int64) error { return failing },
	}, Options{Indexer: idx})

	ctx := context.Background()
	assert.False(t, b.SaveNodeDetail(ctx, "w1", 1, workspace.NodeDetail{}))
	assert.False(t, b.SaveTechSelection(ctx, "w1", 1, 2))
	assert.False(t, b.DeleteNode(ctx, "w1", 1))
	assert.Empty(t, idx.indexed)
	assert.Empty(t, idx.deleted)
}

func TestSavePositionBatchReturnsError(t *testing.T) {
	failing := errors.New("constraint")
	b := New(fakeRecord{savePositionsFn: func(_ context.Context, workspaceID string, entries []workspace.PositionEntry) error {
		assert.Equal(t, "w1", workspaceID)
		assert.Len(t, entries, 2)
		return failing
	}}, Options{})

	err := b.SavePositionBatch(context.Background(), "w1", []workspace.PositionEntry{{NodeID: "1"}, {NodeID: "2"}})
	require.ErrorIs(t, err, failing)
}

func TestCallsAreBoundedByTimeout(t *testing.T) {
	b := New(fakeRecord{deleteNodeFn: func(ctx context.Context, _ string, _ int64) error {
		<-ctx.Done()
		return ctx.Err()
	}}, Options{Timeout: 20 * time.Millisecond})

	start := time.Now()
	assert.False(t, b.DeleteNode(context.Background(), "w1", 1))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDeleteNodeRemovesFromIndex(t *testing.T) {
	idx := &fakeIndexer{}
	b := New(fakeRecord{}, Options{Indexer: idx})
	require.True(t, b.DeleteNode(context.Background(), "w1", 12))
	assert.Equal(t, []string{"12"}, idx.deleted)
}
