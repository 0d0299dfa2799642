package workspace

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySnapshots struct {
	mu      sync.Mutex
	states  map[string][]byte
	saveErr error
	loads   int
}

func newMemorySnapshots() *memorySnapshots {
	return &memorySnapshots{states: make(map[string][]byte)}
}

func (m *memorySnapshots) Load(_ context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	return m.states[id], nil
}

func (m *memorySnapshots) Save(_ context.Context, id string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.states[id] = append([]byte(nil), state...)
	return nil
}

func TestHubReturnsOneDocumentPerWorkspace(t *testing.T) {
	hub := NewHub(HubOptions{})
	ctx := context.Background()

	var wg sync.WaitGroup
	docs := make([]*Document, 16)
	for i := range docs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := hub.Document(ctx, "w1")
			require.NoError(t, err)
			docs[i] = d
		}(i)
	}
	wg.Wait()
	for _, d := range docs {
		assert.Same(t, docs[0], d)
	}

	other, err := hub.Document(ctx, "w2")
	require.NoError(t, err)
	assert.NotSame(t, docs[0], other)
	assert.Equal(t, 2, hub.Resident())
}

func TestHubWithoutSnapshotsNeverEvicts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	hub := NewHub(HubOptions{IdleTTL: time.Minute, Clock: clock})
	_, err := hub.Document(context.Background(), "w1")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	hub.Sweep(context.Background())
	assert.Equal(t, 1, hub.Resident())
}

func TestHubArchivesIdleWorkspaceAndRestoresIt(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	snapshots := newMemorySnapshots()
	hub := NewHub(HubOptions{IdleTTL: time.Minute, Clock: clock, Snapshots: snapshots})

	d, release, err := hub.Acquire(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, d.Transact(nil, func(tx *Tx) error {
		return d.Nodes.Put(tx, "5", Node{Type: NodeTask, Position: Position{X: 10, Y: 20}, Data: NodeData{Title: "Login"}})
	}))

	clock.Advance(2 * time.Minute)
	hub.Sweep(ctx)
	assert.Equal(t, 1, hub.Resident(), "pinned workspaces stay resident")

	release()
	clock.Advance(2 * time.Minute)
	hub.Sweep(ctx)
	assert.Equal(t, 0, hub.Resident())
	require.Contains(t, snapshots.states, "w1")

	restored, err := hub.Document(ctx, "w1")
	require.NoError(t, err)
	assert.NotSame(t, d, restored)
	node, ok := restored.Nodes.Get("5")
	require.True(t, ok)
	assert.Equal(t, "Login", node.Data.Title)
	assert.Equal(t, Position{X: 10, Y: 20}, node.Position)
}

func TestHubEvictsLeastRecentlyUsedBeyondMaxIdle(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	snapshots := newMemorySnapshots()
	hub := NewHub(HubOptions{IdleTTL: time.Hour, MaxIdle: 1, Clock: clock, Snapshots: snapshots})

	_, err := hub.Document(ctx, "old")
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = hub.Document(ctx, "new")
	require.NoError(t, err)

	hub.Sweep(ctx)
	assert.Equal(t, 1, hub.Resident())
	assert.Contains(t, snapshots.states, "old")
	assert.NotContains(t, snapshots.states, "new")
}

func TestHubKeepsParkedStateWhenArchiveFails(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	snapshots := newMemorySnapshots()
	snapshots.saveErr = assert.AnError
	hub := NewHub(HubOptions{IdleTTL: time.Minute, Clock: clock, Snapshots: snapshots})

	d, err := hub.Document(ctx, "w1")
	require.NoError(t, err)
	loadsBefore := snapshots.loads
	require.NoError(t, d.Transact(nil, func(tx *Tx) error {
		return d.NodeCreatingPending.Put(tx, "p1", true)
	}))

	clock.Advance(2 * time.Minute)
	hub.Sweep(ctx)
	assert.Equal(t, 0, hub.Resident())

	restored, err := hub.Document(ctx, "w1")
	require.NoError(t, err)
	pending, ok := restored.NodeCreatingPending.Get("p1")
	require.True(t, ok)
	assert.True(t, pending)
	assert.Equal(t, loadsBefore, snapshots.loads, "parked state is used before the snapshot store")
}
