// Package dispatch routes side-channel JSON messages received on a
// workspace socket to their handlers.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"planboard/collab/internal/preview"
	"planboard/collab/internal/rooms"
	"planboard/collab/internal/workspace"
)

// Documents resolves the shared document of a workspace. The socket a
// message arrives on already pins that document.
type Documents interface {
	Document(ctx context.Context, workspaceID string) (*workspace.Document, error)
}

// Persistence is the outbound side of the bridge used by handlers.
type Persistence interface {
	SaveNodeDetail(ctx context.Context, workspaceID string, nodeID int64, detail workspace.NodeDetail) bool
	SaveTechSelection(ctx context.Context, workspaceID string, nodeID, techID int64) bool
	DeleteNode(ctx context.Context, workspaceID string, nodeID int64) bool
}

// Positions buffers node positions for batched persistence.
type Positions interface {
	AddPending(workspaceID string, entry workspace.PositionEntry)
	ScheduleFlush(workspaceID string)
}

type Options struct {
	// OnNodeDeleted runs after the system of record confirmed a deletion.
	OnNodeDeleted func(ctx context.Context, workspaceID, nodeID string)
	Logger        *zap.Logger
}

type Dispatcher struct {
	docs      Documents
	bridge    Persistence
	positions Positions
	previews  *preview.Coordinator
	onDeleted func(ctx context.Context, workspaceID, nodeID string)
	logger    *zap.Logger

	inflight sync.WaitGroup

	queueMu sync.Mutex
	queues  map[string][]queuedCall
}

type queuedCall struct {
	ctx context.Context
	fn  func(ctx context.Context)
}

func New(docs Documents, bridge Persistence, positions Positions, previews *preview.Coordinator, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Dispatcher{
		docs:      docs,
		bridge:    bridge,
		positions: positions,
		previews:  previews,
		onDeleted: opts.OnNodeDeleted,
		logger:    opts.Logger.Named("dispatch"),
		queues:    make(map[string][]queuedCall),
	}
}

// OnMessage handles one text frame. Frames that are not side-channel JSON
// are ignored and reported as unhandled. Bridge calls run in the
// background so the socket keeps reading; calls for the same node reach
// the system of record in arrival order.
func (d *Dispatcher) OnMessage(ctx context.Context, sock rooms.Socket, raw []byte, workspaceID string) bool {
	var msg envelope
	if err := json.Unmarshal(raw, &msg); err != nil {
		return false
	}

	log := d.logger.With(
		zap.String("workspace_id", workspaceID),
		zap.String("socket_id", sock.ID()),
		zap.String("type", msg.Type),
	)

	switch msg.Type {
	case TypeSaveNodeDetail, TypeSelectNodeTech, TypeSaveNodePosition, TypeDeleteNode, TypeCreatePreview, TypeDiscardPreview:
	default:
		log.Debug("ignore unknown message type")
		return false
	}

	document, err := d.docs.Document(ctx, workspaceID)
	if err != nil {
		log.Error("resolve workspace document", zap.Error(err))
		return false
	}

	switch msg.Type {
	case TypeSaveNodeDetail:
		d.saveNodeDetail(ctx, sock, document, msg, log)
	case TypeSelectNodeTech:
		d.selectNodeTech(ctx, sock, document, msg, log)
	case TypeSaveNodePosition:
		d.saveNodePosition(document, msg, log)
	case TypeDeleteNode:
		d.deleteNode(ctx, sock, document, msg, log)
	case TypeCreatePreview:
		d.createPreview(ctx, sock, document, msg, log)
	case TypeDiscardPreview:
		d.discardPreview(ctx, sock, document, msg, log)
	}
	return true
}

func (d *Dispatcher) saveNodeDetail(ctx context.Context, sock rooms.Socket, document *workspace.Document, msg envelope, log *zap.Logger) {
	nodeID, ok := msg.NodeID.Int()
	if !ok {
		log.Debug("drop malformed save_node_detail", zap.String("node_id", msg.NodeID.String()))
		return
	}
	detail, ok := document.NodeDetails.Get(msg.NodeID.String())
	if !ok {
		log.Debug("drop save_node_detail for unknown node", zap.Int64("node_id", nodeID))
		return
	}
	d.background(ctx, nodeKey(document.ID(), nodeID), func(ctx context.Context) {
		if d.bridge.SaveNodeDetail(ctx, document.ID(), nodeID, detail) {
			return
		}
		d.reply(ctx, sock, SaveError{
			Action:     TypeSaveNodeDetail,
			Message:    "Failed to save node detail",
			RequestID:  msg.RequestID.Echo(),
			NodeID:     msg.NodeID.Echo(),
			PrevDetail: msg.PrevDetail,
		})
	})
}

func (d *Dispatcher) selectNodeTech(ctx context.Context, sock rooms.Socket, document *workspace.Document, msg envelope, log *zap.Logger) {
	nodeID, ok := msg.NodeID.Int()
	techID, techOK := msg.SelectedTechID.Int()
	if !ok || !techOK {
		log.Debug("drop malformed select_node_tech",
			zap.String("node_id", msg.NodeID.String()),
			zap.String("selected_tech_id", msg.SelectedTechID.String()),
		)
		return
	}
	// Optimistic; a failed save is reverted by the client, not here.
	if err := document.Transact(nil, func(tx *workspace.Tx) error {
		return document.SelectedNodeTechs.Put(tx, msg.NodeID.String(), techID)
	}); err != nil {
		log.Error("set selected tech", zap.Error(err))
		return
	}
	d.background(ctx, nodeKey(document.ID(), nodeID), func(ctx context.Context) {
		if d.bridge.SaveTechSelection(ctx, document.ID(), nodeID, techID) {
			return
		}
		d.reply(ctx, sock, SaveError{
			Action:         TypeSelectNodeTech,
			Message:        "Failed to save tech selection",
			RequestID:      msg.RequestID.Echo(),
			NodeID:         msg.NodeID.Echo(),
			SelectedTechID: msg.SelectedTechID.Echo(),
		})
	})
}

// saveNodePosition reads the position from the document; the message only
// names the node.
func (d *Dispatcher) saveNodePosition(document *workspace.Document, msg envelope, log *zap.Logger) {
	if _, ok := msg.NodeID.Int(); !ok {
		log.Debug("drop malformed save_node_position", zap.String("node_id", msg.NodeID.String()))
		return
	}
	node, ok := document.Nodes.Get(msg.NodeID.String())
	if !ok {
		log.Debug("drop save_node_position for unknown node", zap.String("node_id", msg.NodeID.String()))
		return
	}
	if err := node.Position.Validate(); err != nil {
		return
	}
	d.positions.AddPending(document.ID(), workspace.PositionEntry{
		NodeID:    msg.NodeID.String(),
		Position:  node.Position,
		RequestID: msg.RequestID.String(),
	})
	d.positions.ScheduleFlush(document.ID())
}

func (d *Dispatcher) deleteNode(ctx context.Context, sock rooms.Socket, document *workspace.Document, msg envelope, log *zap.Logger) {
	nodeID, ok := msg.NodeID.Int()
	if !ok {
		log.Debug("drop malformed delete_node", zap.String("node_id", msg.NodeID.String()))
		return
	}
	d.background(ctx, nodeKey(document.ID(), nodeID), func(ctx context.Context) {
		if d.bridge.DeleteNode(ctx, document.ID(), nodeID) {
			if d.onDeleted != nil {
				d.onDeleted(ctx, document.ID(), msg.NodeID.String())
			}
			return
		}
		d.reply(ctx, sock, SaveError{
			Action:    TypeDeleteNode,
			Message:   "Failed to delete node",
			RequestID: msg.RequestID.Echo(),
			NodeID:    msg.NodeID.Echo(),
		})
	})
}

func (d *Dispatcher) createPreview(ctx context.Context, sock rooms.Socket, document *workspace.Document, msg envelope, log *zap.Logger) {
	pos, ok := msg.position()
	if msg.PreviewID.Empty() || !ok {
		log.Debug("drop malformed create_preview")
		return
	}
	err := d.previews.CreatePreview(document, nil, msg.PreviewID.String(), sock.UserID(), pos)
	if errors.Is(err, preview.ErrLocked) {
		d.reply(ctx, sock, SaveError{
			Action:    TypeCreatePreview,
			Message:   "Preview is locked by another user",
			RequestID: msg.RequestID.Echo(),
			PreviewID: msg.PreviewID.Echo(),
		})
		return
	}
	if err != nil {
		log.Warn("create preview", zap.Error(err))
	}
}

func (d *Dispatcher) discardPreview(ctx context.Context, sock rooms.Socket, document *workspace.Document, msg envelope, log *zap.Logger) {
	if msg.PreviewID.Empty() {
		return
	}
	err := d.previews.Discard(document, nil, msg.PreviewID.String(), sock.UserID())
	switch {
	case err == nil, errors.Is(err, preview.ErrNotFound):
	case errors.Is(err, preview.ErrLocked):
		d.reply(ctx, sock, SaveError{
			Action:    TypeDiscardPreview,
			Message:   "Preview is locked by another user",
			RequestID: msg.RequestID.Echo(),
			PreviewID: msg.PreviewID.Echo(),
		})
	default:
		log.Warn("discard preview", zap.Error(err))
	}
}

func nodeKey(workspaceID string, nodeID int64) string {
	return fmt.Sprintf("%s/%d", workspaceID, nodeID)
}

// background runs fn detached from the socket's lifetime; a disconnect
// does not cancel an in-flight bridge call. Calls sharing a key run one
// at a time in submission order.
func (d *Dispatcher) background(ctx context.Context, key string, fn func(ctx context.Context)) {
	d.inflight.Add(1)
	d.queueMu.Lock()
	queue, running := d.queues[key]
	d.queues[key] = append(queue, queuedCall{ctx: context.WithoutCancel(ctx), fn: fn})
	d.queueMu.Unlock()
	if !running {
		go d.drain(key)
	}
}

func (d *Dispatcher) drain(key string) {
	for {
		d.queueMu.Lock()
		queue := d.queues[key]
		if len(queue) == 0 {
			delete(d.queues, key)
			d.queueMu.Unlock()
			return
		}
		call := queue[0]
		d.queues[key] = queue[1:]
		d.queueMu.Unlock()

		call.fn(call.ctx)
		d.inflight.Done()
	}
}

// reply sends a failure report to the issuing socket only.
func (d *Dispatcher) reply(ctx context.Context, sock rooms.Socket, e SaveError) {
	e.Type = TypeSaveError
	payload, err := json.Marshal(e)
	if err != nil {
		d.logger.Error("encode save_error", zap.Error(err))
		return
	}
	if err := sock.SendText(ctx, payload); err != nil {
		d.logger.Debug("save_error not delivered", zap.String("socket_id", sock.ID()), zap.Error(err))
	}
}

// Wait blocks until every in-flight bridge call has finished.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}
