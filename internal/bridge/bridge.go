// Package bridge makes the one-shot calls that record document-derived
// facts in the system of record.
package bridge

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"planboard/collab/internal/search"
	"planboard/collab/internal/workspace"
)

const DefaultTimeout = 10 * time.Second

// SystemOfRecord is the durable store behind the bridge.
type SystemOfRecord interface {
	SaveNodeDetail(ctx context.Context, workspaceID string, nodeID int64, detail workspace.NodeDetail) error
	SaveTechSelection(ctx context.Context, workspaceID string, nodeID, techID int64) error
	SavePositions(ctx context.Context, workspaceID string, entries []workspace.PositionEntry) error
	DeleteNode(ctx context.Context, workspaceID string, nodeID int64) error
}

// Indexer receives saved node details for search. Calls must not block.
type Indexer interface {
	IndexNode(record search.NodeRecord)
	DeleteNode(id string)
}

type Options struct {
	Timeout time.Duration
	Indexer Indexer
	Logger  *zap.Logger
}

// Bridge never retries; callers resubmit after a reported failure. Every
// call except SavePositionBatch reports only success or failure.
type Bridge struct {
	record  SystemOfRecord
	timeout time.Duration
	indexer Indexer
	logger  *zap.Logger
}

func New(record SystemOfRecord, opts Options) *Bridge {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Bridge{
		record:  record,
		timeout: opts.Timeout,
		indexer: opts.Indexer,
		logger:  opts.Logger.Named("bridge"),
	}
}

func (b *Bridge) call(ctx context.Context, op string, fields []zap.Field, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	start := time.Now()
	err := fn(ctx)
	fields = append(fields, zap.String("op", op), zap.Duration("took", time.Since(start)))
	if err != nil {
		b.logger.Warn("system of record call failed", append(fields, zap.Error(err))...)
		return err
	}
	b.logger.Debug("system of record call", fields...)
	return nil
}

// SaveNodeDetail stores a node detail and reports success.
func (b *Bridge) SaveNodeDetail(ctx context.Context, workspaceID string, nodeID int64, detail workspace.NodeDetail) bool {
	err := b.call(ctx, "save_node_detail", nodeFields(workspaceID, nodeID), func(ctx context.Context) error {
		return b.record.SaveNodeDetail(ctx, workspaceID, nodeID, detail)
	})
	if err != nil {
		return false
	}
	if b.indexer != nil {
		b.indexer.IndexNode(search.NodeRecord{
			ID:          strconv.FormatInt(nodeID, 10),
			WorkspaceID: workspaceID,
			Title:       detail.Title,
			TaskID:      detail.TaskID,
			Category:    detail.Category,
			Status:      detail.Status,
			Priority:    detail.Priority,
			Note:        detail.Note,
			Assignee:    detail.Assignee,
		})
	}
	return true
}

// SaveTechSelection records the selected tech of a node and reports success.
func (b *Bridge) SaveTechSelection(ctx context.Context, workspaceID string, nodeID, techID int64) bool {
	fields := append(nodeFields(workspaceID, nodeID), zap.Int64("tech_id", techID))
	return b.call(ctx, "select_node_tech", fields, func(ctx context.Context) error {
		return b.record.SaveTechSelection(ctx, workspaceID, nodeID, techID)
	}) == nil
}

// SavePositionBatch writes one position batch. Its error is returned so
// the caller can log it.
func (b *Bridge) SavePositionBatch(ctx context.Context, workspaceID string, entries []workspace.PositionEntry) error {
	fields := []zap.Field{zap.String("workspace_id", workspaceID), zap.Int("entries", len(entries))}
	return b.call(ctx, "save_position_batch", fields, func(ctx context.Context) error {
		return b.record.SavePositions(ctx, workspaceID, entries)
	})
}

// DeleteNode deletes a node and reports success. The document is left
// alone; the deletion reaches it once the system of record confirms it.
func (b *Bridge) DeleteNode(ctx context.Context, workspaceID string, nodeID int64) bool {
	err := b.call(ctx, "delete_node", nodeFields(workspaceID, nodeID), func(ctx context.Context) error {
		return b.record.DeleteNode(ctx, workspaceID, nodeID)
	})
	if err != nil {
		return false
	}
	if b.indexer != nil {
		b.indexer.DeleteNode(strconv.FormatInt(nodeID, 10))
	}
	return true
}

func nodeFields(workspaceID string, nodeID int64) []zap.Field {
	return []zap.Field{zap.String("workspace_id", workspaceID), zap.Int64("node_id", nodeID)}
}
