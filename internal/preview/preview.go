// Package preview coordinates ephemeral preview nodes, their creation
// pending flags and the single-owner lock carried on each preview.
package preview

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"planboard/collab/internal/doc"
	"planboard/collab/internal/workspace"
)

var (
	ErrInvalidPreview = errors.New("invalid preview id")
	ErrNotFound       = errors.New("preview not found")
	ErrLocked         = errors.New("preview locked by another user")
)

// NewNode is a node confirmed by the system of record that replaces a
// preview.
type NewNode struct {
	ID     string
	Node   workspace.Node
	Detail *workspace.NodeDetail
}

type Coordinator struct {
	logger *zap.Logger
}

func NewCoordinator(logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{logger: logger.Named("preview")}
}

// CreatePreview places a preview at pos locked by userID. An existing
// preview held by another user is left untouched.
func (c *Coordinator) CreatePreview(d *workspace.Document, origin any, previewID, userID string, pos workspace.Position) error {
	previewID = strings.TrimSpace(previewID)
	if previewID == "" {
		return ErrInvalidPreview
	}
	err := d.Transact(origin, func(tx *workspace.Tx) error {
		if current, ok := d.PreviewNodes.Read(tx, previewID); ok && lockedByOther(current, userID) {
			return ErrLocked
		}
		return d.PreviewNodes.Put(tx, previewID, workspace.PreviewNode{Position: pos, LockedBy: userID})
	})
	if err != nil {
		return fmt.Errorf("create preview %s: %w", previewID, err)
	}
	return nil
}

// SetPending marks an asynchronous creation request as in flight.
func (c *Coordinator) SetPending(d *workspace.Document, origin any, previewID string) error {
	previewID = strings.TrimSpace(previewID)
	if previewID == "" {
		return ErrInvalidPreview
	}
	return d.Transact(origin, func(tx *workspace.Tx) error {
		return d.NodeCreatingPending.Put(tx, previewID, true)
	})
}

func (c *Coordinator) IsPending(d *workspace.Document, previewID string) bool {
	pending, ok := d.NodeCreatingPending.Get(previewID)
	return ok && pending
}

// CommitNode adds the created node and its detail and clears the preview
// and pending flag it replaces, all in one transaction.
func (c *Coordinator) CommitNode(d *workspace.Document, origin any, previewID string, n NewNode) error {
	if strings.TrimSpace(n.ID) == "" {
		return fmt.Errorf("%w: node id is required", workspace.ErrInvalidValue)
	}
	if err := n.Node.Validate(); err != nil {
		return err
	}
	detail := workspace.DetailFromNode(n.Node)
	if n.Detail != nil {
		detail = *n.Detail
	}
	err := d.Transact(origin, func(tx *workspace.Tx) error {
		if err := d.Nodes.Put(tx, n.ID, n.Node); err != nil {
			return err
		}
		if err := d.NodeDetails.Put(tx, n.ID, detail); err != nil {
			return err
		}
		if previewID != "" {
			d.PreviewNodes.Remove(tx, previewID)
			d.NodeCreatingPending.Remove(tx, previewID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit node %s: %w", n.ID, err)
	}
	c.logger.Debug("node committed",
		zap.String("workspace_id", d.ID()),
		zap.String("node_id", n.ID),
		zap.String("preview_id", previewID),
	)
	return nil
}

// ResetPending clears the pending flag and drops the preview without
// creating a node. Resetting an unknown preview is a no-op.
func (c *Coordinator) ResetPending(d *workspace.Document, origin any, previewID string) error {
	return d.Transact(origin, func(tx *workspace.Tx) error {
		d.NodeCreatingPending.Remove(tx, previewID)
		d.PreviewNodes.Remove(tx, previewID)
		return nil
	})
}

// Discard removes a preview the caller may edit, with its pending flag.
func (c *Coordinator) Discard(d *workspace.Document, origin any, previewID, userID string) error {
	return d.Transact(origin, func(tx *workspace.Tx) error {
		current, ok := d.PreviewNodes.Read(tx, previewID)
		if !ok {
			return ErrNotFound
		}
		if lockedByOther(current, userID) {
			return ErrLocked
		}
		d.PreviewNodes.Remove(tx, previewID)
		d.NodeCreatingPending.Remove(tx, previewID)
		return nil
	})
}

// AcceptOp returns a replication filter for updates sent by userID. It
// refuses writes to a preview, or its pending flag, while another user
// holds the lock, and refuses previews that name another user as holder.
func (c *Coordinator) AcceptOp(userID string) doc.Filter {
	return func(view doc.View, op doc.Op) bool {
		if op.Map != workspace.MapPreviewNodes && op.Map != workspace.MapNodeCreatingPending {
			return true
		}
		if raw, ok := view.Get(workspace.MapPreviewNodes, op.Key); ok {
			var current workspace.PreviewNode
			if err := doc.Unmarshal(raw, &current); err == nil && lockedByOther(current, userID) {
				return false
			}
		}
		if op.Map == workspace.MapPreviewNodes && !op.Deleted {
			var next workspace.PreviewNode
			if err := doc.Unmarshal(op.Value, &next); err == nil && lockedByOther(next, userID) {
				return false
			}
		}
		return true
	}
}

func lockedByOther(p workspace.PreviewNode, userID string) bool {
	return p.LockedBy != "" && p.LockedBy != userID
}
