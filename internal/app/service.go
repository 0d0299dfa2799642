package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"planboard/collab/internal/config"
	"planboard/collab/internal/preview"
	"planboard/collab/internal/rooms"
	"planboard/collab/internal/search"
	"planboard/collab/internal/store"
	"planboard/collab/internal/workspace"
)

type recordStore interface {
	UpsertNode(ctx context.Context, workspaceID string, nodeID int64, node workspace.Node, detail workspace.NodeDetail) error
	GetNode(ctx context.Context, nodeID int64) (store.NodeRow, error)
	GetNodeDetail(ctx context.Context, nodeID int64) (store.DetailRow, error)
	GetTechSelection(ctx context.Context, nodeID int64) (store.TechSelection, error)
	Ping(ctx context.Context) error
}

// documentHub pins a workspace document until the returned release runs.
type documentHub interface {
	Acquire(ctx context.Context, workspaceID string) (*workspace.Document, func(), error)
}

type searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type nodeIndexer interface {
	IndexNode(record search.NodeRecord)
	DeleteNode(id string)
}

type broadcaster interface {
	Broadcast(ctx context.Context, workspaceID string, msg rooms.AIMessage) (int, error)
}

type roomLister interface {
	Rooms() []rooms.RoomInfo
}

// Deps are the collaborators of the internal API. Store, Search and
// Indexer are optional.
type Deps struct {
	Store       recordStore
	Documents   documentHub
	Previews    *preview.Coordinator
	Broadcaster broadcaster
	Rooms       roomLister
	Search      searcher
	Indexer     nodeIndexer
	Logger      *zap.Logger
}

// Service is the server side of the internal API used by the system of
// record and the AI service to push confirmed changes into workspaces.
type Service struct {
	cfg         config.Config
	store       recordStore
	docs        documentHub
	previews    *preview.Coordinator
	broadcaster broadcaster
	rooms       roomLister
	search      searcher
	indexer     nodeIndexer
	logger      *zap.Logger
}

func NewService(cfg config.Config, deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Previews == nil {
		deps.Previews = preview.NewCoordinator(deps.Logger)
	}
	return &Service{
		cfg:         cfg,
		store:       deps.Store,
		docs:        deps.Documents,
		previews:    deps.Previews,
		broadcaster: deps.Broadcaster,
		rooms:       deps.Rooms,
		search:      deps.Search,
		indexer:     deps.Indexer,
		logger:      deps.Logger.Named("app"),
	}
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

// Ping checks the system of record. A server without a database is
// always ready.
func (s *Service) Ping(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	return s.store.Ping(ctx)
}

func (s *Service) document(ctx context.Context, workspaceID string) (*workspace.Document, func(), error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return nil, nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "workspace id is required", nil)
	}
	return s.docs.Acquire(ctx, workspaceID)
}

func (s *Service) SetPreviewPending(ctx context.Context, workspaceID, previewID string) error {
	d, release, err := s.document(ctx, workspaceID)
	if err != nil {
		return err
	}
	defer release()
	return s.previews.SetPending(d, nil, previewID)
}

type CommitNodeInput struct {
	NodeID    string                `json:"nodeId"`
	PreviewID string                `json:"previewId"`
	Node      workspace.Node        `json:"node"`
	Detail    *workspace.NodeDetail `json:"detail"`
}

// CommitNode records a created node and swaps it for its preview in the
// document. The document is untouched when the record write fails.
func (s *Service) CommitNode(ctx context.Context, workspaceID string, in CommitNodeInput) error {
	id, err := store.ParseNodeID(in.NodeID)
	if err != nil {
		return err
	}
	if err := in.Node.Validate(); err != nil {
		return err
	}
	d, release, err := s.document(ctx, workspaceID)
	if err != nil {
		return err
	}
	defer release()
	detail := workspace.DetailFromNode(in.Node)
	if in.Detail != nil {
		detail = *in.Detail
	}
	if s.store != nil {
		if err := s.store.UpsertNode(ctx, d.ID(), id, in.Node, detail); err != nil {
			return fmt.Errorf("record node %d: %w", id, err)
		}
	}
	nodeID := fmt.Sprintf("%d", id)
	if err := s.previews.CommitNode(d, nil, strings.TrimSpace(in.PreviewID), preview.NewNode{ID: nodeID, Node: in.Node, Detail: &detail}); err != nil {
		return err
	}
	if s.indexer != nil {
		s.indexer.IndexNode(search.NodeRecord{
			ID:          nodeID,
			WorkspaceID: d.ID(),
			Title:       detail.Title,
			TaskID:      detail.TaskID,
			Category:    detail.Category,
			Status:      detail.Status,
			Priority:    detail.Priority,
			Note:        detail.Note,
			Assignee:    detail.Assignee,
		})
	}
	return nil
}

func (s *Service) ResetPreview(ctx context.Context, workspaceID, previewID string) error {
	d, release, err := s.document(ctx, workspaceID)
	if err != nil {
		return err
	}
	defer release()
	return s.previews.ResetPending(d, nil, previewID)
}

// ConfirmDelete removes a node the system of record already deleted.
func (s *Service) ConfirmDelete(ctx context.Context, workspaceID, nodeID string) error {
	d, release, err := s.document(ctx, workspaceID)
	if err != nil {
		return err
	}
	defer release()
	removed, err := d.RemoveNode(nil, nodeID)
	if err != nil {
		return err
	}
	if !removed {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Node not found", nil)
	}
	if s.indexer != nil {
		s.indexer.DeleteNode(nodeID)
	}
	return nil
}

func (s *Service) ReplaceCandidates(ctx context.Context, workspaceID, nodeID string, candidates []workspace.Candidate) error {
	d, release, err := s.document(ctx, workspaceID)
	if err != nil {
		return err
	}
	defer release()
	return d.ReplaceCandidates(nil, nodeID, candidates)
}

func (s *Service) ReplaceTechs(ctx context.Context, workspaceID, nodeID string, techs []workspace.TechRecommendation) error {
	d, release, err := s.document(ctx, workspaceID)
	if err != nil {
		return err
	}
	defer release()
	return d.ReplaceTechRecommendations(nil, nodeID, techs)
}

func (s *Service) AppendTech(ctx context.Context, workspaceID, nodeID string, tech workspace.TechRecommendation) error {
	d, release, err := s.document(ctx, workspaceID)
	if err != nil {
		return err
	}
	defer release()
	return d.AppendTechRecommendation(nil, nodeID, tech)
}

// Broadcast relays an AI message to the sockets of a workspace and
// reports how many local sockets received it.
func (s *Service) Broadcast(ctx context.Context, workspaceID string, msg rooms.AIMessage) (int, error) {
	if s.broadcaster == nil {
		return 0, domainError(http.StatusServiceUnavailable, "BROADCAST_UNAVAILABLE", "Broadcast is not configured", nil)
	}
	return s.broadcaster.Broadcast(ctx, strings.TrimSpace(workspaceID), msg)
}

// NodeRecord is a node as the system of record holds it.
type NodeRecord struct {
	Node           store.NodeRow    `json:"node"`
	Detail         *store.DetailRow `json:"detail,omitempty"`
	SelectedTechID *int64           `json:"selectedTechId,omitempty"`
}

// NodeRecord reads a live node of the workspace from the system of
// record, with its detail and tech selection when present.
func (s *Service) NodeRecord(ctx context.Context, workspaceID, nodeID string) (NodeRecord, error) {
	if s.store == nil {
		return NodeRecord{}, domainError(http.StatusServiceUnavailable, "RECORDS_UNAVAILABLE", "System of record is not configured", nil)
	}
	id, err := store.ParseNodeID(nodeID)
	if err != nil {
		return NodeRecord{}, err
	}
	row, err := s.store.GetNode(ctx, id)
	if err != nil {
		return NodeRecord{}, err
	}
	if row.WorkspaceID != strings.TrimSpace(workspaceID) || row.DeletedAt != nil {
		return NodeRecord{}, fmt.Errorf("node %d: %w", id, store.ErrNotFound)
	}
	out := NodeRecord{Node: row}
	detail, err := s.store.GetNodeDetail(ctx, id)
	switch {
	case err == nil:
		out.Detail = &detail
	case !errors.Is(err, store.ErrNotFound):
		return NodeRecord{}, err
	}
	selection, err := s.store.GetTechSelection(ctx, id)
	switch {
	case err == nil:
		out.SelectedTechID = &selection.TechID
	case !errors.Is(err, store.ErrNotFound):
		return NodeRecord{}, err
	}
	return out, nil
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}}
	}
	return s.search.Search(ctx, q)
}

func (s *Service) Rooms() []rooms.RoomInfo {
	if s.rooms == nil {
		return []rooms.RoomInfo{}
	}
	return s.rooms.Rooms()
}
