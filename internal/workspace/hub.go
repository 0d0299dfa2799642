package workspace

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"planboard/collab/internal/doc"
)

// SnapshotStore archives the encoded state of idle workspaces.
type SnapshotStore interface {
	// Load returns nil without error when no snapshot exists.
	Load(ctx context.Context, workspaceID string) ([]byte, error)
	Save(ctx context.Context, workspaceID string, state []byte) error
}

type HubOptions struct {
	// ReplicaID is stamped on writes made by this process.
	ReplicaID string
	// IdleTTL is how long a workspace without connections stays resident.
	IdleTTL time.Duration
	// MaxIdle caps idle resident workspaces; the least recently used
	// are archived first.
	MaxIdle   int
	Snapshots SnapshotStore
	Clock     clockwork.Clock
	Logger    *zap.Logger
}

type slot struct {
	document  *Document
	refs      int
	idleSince time.Time
}

// Hub hands out one authoritative Document per workspace.
type Hub struct {
	opts   HubOptions
	clock  clockwork.Clock
	logger *zap.Logger

	mu     sync.Mutex
	slots  map[string]*slot
	parked map[string][]byte
	group  singleflight.Group
}

func NewHub(opts HubOptions) *Hub {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReplicaID == "" {
		opts.ReplicaID = "server"
	}
	return &Hub{
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger.Named("workspace"),
		slots:  make(map[string]*slot),
		parked: make(map[string][]byte),
	}
}

// Document returns the workspace document, creating it on first
// reference. The result is not pinned; callers that hold it across
// blocking calls use Acquire.
func (h *Hub) Document(ctx context.Context, workspaceID string) (*Document, error) {
	d, release, err := h.Acquire(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	release()
	return d, nil
}

// Acquire returns the workspace document and pins it in memory until
// release is called.
func (h *Hub) Acquire(ctx context.Context, workspaceID string) (*Document, func(), error) {
	for {
		h.mu.Lock()
		if s, ok := h.slots[workspaceID]; ok {
			s.refs++
			h.mu.Unlock()
			return s.document, h.releaser(workspaceID, s), nil
		}
		h.mu.Unlock()

		_, err, _ := h.group.Do(workspaceID, func() (any, error) {
			h.mu.Lock()
			_, exists := h.slots[workspaceID]
			h.mu.Unlock()
			if exists {
				return nil, nil
			}
			d, err := h.load(ctx, workspaceID)
			if err != nil {
				return nil, err
			}
			h.mu.Lock()
			if _, ok := h.slots[workspaceID]; !ok {
				h.slots[workspaceID] = &slot{document: d, idleSince: h.clock.Now()}
			}
			h.mu.Unlock()
			return nil, nil
		})
		if err != nil {
			return nil, nil, err
		}
	}
}

func (h *Hub) releaser(workspaceID string, s *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			s.refs--
			if s.refs <= 0 {
				s.refs = 0
				s.idleSince = h.clock.Now()
			}
		})
	}
}

func (h *Hub) load(ctx context.Context, workspaceID string) (*Document, error) {
	shared := doc.New(h.opts.ReplicaID)

	// A parked state is newer than any archived snapshot; once it is live
	// again the resident document owns it.
	h.mu.Lock()
	state, parked := h.parked[workspaceID]
	delete(h.parked, workspaceID)
	h.mu.Unlock()

	if !parked && h.opts.Snapshots != nil {
		var err error
		state, err = h.opts.Snapshots.Load(ctx, workspaceID)
		if err != nil {
			return nil, fmt.Errorf("load snapshot %s: %w", workspaceID, err)
		}
	}
	if len(state) > 0 {
		if err := shared.ApplyEncoded(state, nil); err != nil {
			return nil, fmt.Errorf("restore snapshot %s: %w", workspaceID, err)
		}
		h.logger.Info("workspace restored", zap.String("workspace_id", workspaceID), zap.Bool("parked", parked))
	}
	return newDocument(workspaceID, shared), nil
}

// Resident returns the number of documents held in memory.
func (h *Hub) Resident() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.slots)
}

// Sweep archives workspaces idle for longer than IdleTTL, and the least
// recently used idle ones beyond MaxIdle. Without a snapshot store
// documents stay resident for the life of the process.
func (h *Hub) Sweep(ctx context.Context) {
	if h.opts.Snapshots == nil {
		return
	}
	now := h.clock.Now()

	type idle struct {
		id    string
		since time.Time
	}
	h.mu.Lock()
	var idleSlots []idle
	for id, s := range h.slots {
		if s.refs == 0 {
			idleSlots = append(idleSlots, idle{id: id, since: s.idleSince})
		}
	}
	sort.Slice(idleSlots, func(i, j int) bool { return idleSlots[i].since.Before(idleSlots[j].since) })

	evict := make(map[string][]byte)
	over := 0
	if h.opts.MaxIdle > 0 && len(idleSlots) > h.opts.MaxIdle {
		over = len(idleSlots) - h.opts.MaxIdle
	}
	for i, candidate := range idleSlots {
		expired := h.opts.IdleTTL > 0 && now.Sub(candidate.since) >= h.opts.IdleTTL
		if !expired && i >= over {
			continue
		}
		state, err := h.slots[candidate.id].document.shared.EncodeState()
		if err != nil {
			h.logger.Error("encode workspace state", zap.String("workspace_id", candidate.id), zap.Error(err))
			continue
		}
		delete(h.slots, candidate.id)
		h.parked[candidate.id] = state
		evict[candidate.id] = state
	}
	for id, state := range h.parked {
		evict[id] = state
	}
	h.mu.Unlock()

	for id, state := range evict {
		h.save(ctx, id, state)
	}
}

// ArchiveAll saves every resident workspace. Used on shutdown.
func (h *Hub) ArchiveAll(ctx context.Context) {
	if h.opts.Snapshots == nil {
		return
	}
	h.mu.Lock()
	states := make(map[string][]byte, len(h.slots))
	for id, s := range h.slots {
		state, err := s.document.shared.EncodeState()
		if err != nil {
			h.logger.Error("encode workspace state", zap.String("workspace_id", id), zap.Error(err))
			continue
		}
		states[id] = state
	}
	h.mu.Unlock()
	for id, state := range states {
		h.save(ctx, id, state)
	}
}

func (h *Hub) save(ctx context.Context, workspaceID string, state []byte) {
	if err := h.opts.Snapshots.Save(ctx, workspaceID, state); err != nil {
		h.logger.Error("archive workspace", zap.String("workspace_id", workspaceID), zap.Error(err))
		return
	}
	h.mu.Lock()
	if current, ok := h.parked[workspaceID]; ok && len(current) > 0 && len(state) > 0 && &current[0] == &state[0] {
		delete(h.parked, workspaceID)
	}
	h.mu.Unlock()
	h.logger.Debug("workspace archived", zap.String("workspace_id", workspaceID), zap.Int("bytes", len(state)))
}

// Run sweeps idle workspaces until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	if h.opts.Snapshots == nil || h.opts.IdleTTL <= 0 {
		return
	}
	interval := h.opts.IdleTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := h.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			h.Sweep(ctx)
		}
	}
}
