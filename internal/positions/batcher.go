// Package positions buffers node position changes per workspace and writes
// them as one batch after a quiet period.
package positions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"planboard/collab/internal/workspace"
)

const DefaultDelay = 500 * time.Millisecond

// Flusher writes one batch. Its error is logged by the batcher and the
// batch is dropped.
type Flusher func(ctx context.Context, workspaceID string, entries []workspace.PositionEntry) error

type Options struct {
	// Delay is the quiet period before a flush.
	Delay time.Duration
	// FlushTimeout bounds flushes started by the timer.
	FlushTimeout time.Duration
	Clock        clockwork.Clock
	Logger       *zap.Logger
}

type buffer struct {
	entries []workspace.PositionEntry
	index   map[string]int
	timer   clockwork.Timer
	gen     uint64

	// flushMu keeps flushes of one workspace from overlapping.
	flushMu sync.Mutex
}

// Batcher is the per-workspace debounce state machine:
// idle, pending with the timer armed, flushing, idle.
type Batcher struct {
	flush  Flusher
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	buffers map[string]*buffer
	closed  bool
	running sync.WaitGroup
}

func NewBatcher(flush Flusher, opts Options) *Batcher {
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Batcher{
		flush:   flush,
		opts:    opts,
		logger:  opts.Logger.Named("positions"),
		buffers: make(map[string]*buffer),
	}
}

// AddPending records the latest position of a node. A later entry for the
// same node replaces the earlier one. The flush timer is armed if idle.
func (b *Batcher) AddPending(workspaceID string, entry workspace.PositionEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	buf, ok := b.buffers[workspaceID]
	if !ok {
		buf = &buffer{index: make(map[string]int)}
		b.buffers[workspaceID] = buf
	}
	if i, ok := buf.index[entry.NodeID]; ok {
		buf.entries[i] = entry
	} else {
		buf.index[entry.NodeID] = len(buf.entries)
		buf.entries = append(buf.entries, entry)
	}
	if buf.timer == nil {
		b.armLocked(workspaceID, buf)
	}
}

// ScheduleFlush restarts the quiet period of a workspace with pending
// entries. Repeated calls coalesce into one flush.
func (b *Batcher) ScheduleFlush(workspaceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.buffers[workspaceID]
	if !ok || b.closed || len(buf.entries) == 0 {
		return
	}
	if buf.timer == nil {
		b.armLocked(workspaceID, buf)
		return
	}
	buf.timer.Reset(b.opts.Delay)
}

func (b *Batcher) armLocked(workspaceID string, buf *buffer) {
	buf.gen++
	gen := buf.gen
	buf.timer = b.opts.Clock.AfterFunc(b.opts.Delay, func() {
		b.mu.Lock()
		current, ok := b.buffers[workspaceID]
		if b.closed || !ok || current != buf || buf.gen != gen {
			b.mu.Unlock()
			return
		}
		b.running.Add(1)
		b.mu.Unlock()
		defer b.running.Done()

		ctx, cancel := context.WithTimeout(context.Background(), b.opts.FlushTimeout)
		defer cancel()
		_ = b.FlushWorkspace(ctx, workspaceID)
	})
}

// Pending returns the number of buffered entries of a workspace.
func (b *Batcher) Pending(workspaceID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if buf, ok := b.buffers[workspaceID]; ok {
		return len(buf.entries)
	}
	return 0
}

// FlushWorkspace drains the buffer of a workspace into one batch write.
// On failure the error is logged and returned, and the batch is dropped.
func (b *Batcher) FlushWorkspace(ctx context.Context, workspaceID string) error {
	b.mu.Lock()
	buf, ok := b.buffers[workspaceID]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	buf.flushMu.Lock()
	defer buf.flushMu.Unlock()

	b.mu.Lock()
	entries := buf.entries
	buf.entries = nil
	buf.index = make(map[string]int)
	if buf.timer != nil {
		buf.timer.Stop()
		buf.timer = nil
	}
	b.mu.Unlock()

	var err error
	if len(entries) > 0 {
		start := b.opts.Clock.Now()
		err = b.flush(ctx, workspaceID, entries)
		if err != nil {
			b.logger.Error("position batch dropped",
				zap.String("workspace_id", workspaceID),
				zap.Int("entries", len(entries)),
				zap.Error(err),
			)
		} else {
			b.logger.Debug("position batch saved",
				zap.String("workspace_id", workspaceID),
				zap.Int("entries", len(entries)),
				zap.Duration("took", b.opts.Clock.Since(start)),
			)
		}
	}

	b.mu.Lock()
	if current, ok := b.buffers[workspaceID]; ok && current == buf && len(buf.entries) == 0 && buf.timer == nil {
		delete(b.buffers, workspaceID)
	}
	b.mu.Unlock()
	return err
}

// Close stops accepting entries, flushes every workspace and waits for
// timer-started flushes to finish.
func (b *Batcher) Close(ctx context.Context) {
	b.mu.Lock()
	b.closed = true
	ids := make([]string, 0, len(b.buffers))
	for id, buf := range b.buffers {
		if buf.timer != nil {
			buf.timer.Stop()
			buf.timer = nil
		}
		ids = append(ids, id)
	}
	b.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		_ = b.FlushWorkspace(ctx, id)
	}
	b.running.Wait()
}
