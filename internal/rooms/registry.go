// Package rooms tracks which sockets are connected to which workspace and
// fans out-of-band messages to them.
package rooms

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Socket is the part of a client connection rooms need.
type Socket interface {
	ID() string
	UserID() string
	SendText(ctx context.Context, data []byte) error
}

type RoomInfo struct {
	WorkspaceID string `json:"workspaceId"`
	Members     int    `json:"members"`
}

// Registry maps workspace ids to connected sockets. A socket belongs to
// at most one room.
type Registry struct {
	logger *zap.Logger

	mu         sync.RWMutex
	rooms      map[string]map[string]Socket
	membership map[string]string
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:     logger.Named("rooms"),
		rooms:      make(map[string]map[string]Socket),
		membership: make(map[string]string),
	}
}

// Join registers s in the workspace room, creating the room if needed. A
// socket already in another room is moved.
func (r *Registry) Join(workspaceID string, s Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if previous, ok := r.membership[s.ID()]; ok && previous != workspaceID {
		r.removeLocked(previous, s.ID())
		if len(r.rooms[previous]) == 0 {
			delete(r.rooms, previous)
		}
	}
	room, ok := r.rooms[workspaceID]
	if !ok {
		room = make(map[string]Socket)
		r.rooms[workspaceID] = room
		r.logger.Debug("room created", zap.String("workspace_id", workspaceID))
	}
	room[s.ID()] = s
	r.membership[s.ID()] = workspaceID
}

// Leave removes s from its room and returns the room and how many members
// remain. The empty room itself is kept until RemoveIfEmpty so teardown
// work can finish first.
func (r *Registry) Leave(s Socket) (workspaceID string, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	workspaceID, ok := r.membership[s.ID()]
	if !ok {
		return "", 0
	}
	r.removeLocked(workspaceID, s.ID())
	return workspaceID, len(r.rooms[workspaceID])
}

func (r *Registry) removeLocked(workspaceID, socketID string) {
	delete(r.rooms[workspaceID], socketID)
	delete(r.membership, socketID)
}

// RemoveIfEmpty deletes the room when nobody joined it in the meantime.
func (r *Registry) RemoveIfEmpty(workspaceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[workspaceID]
	if !ok || len(room) > 0 {
		return false
	}
	delete(r.rooms, workspaceID)
	r.logger.Debug("room removed", zap.String("workspace_id", workspaceID))
	return true
}

// Members returns the sockets currently in a room.
func (r *Registry) Members(workspaceID string) []Socket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.rooms[workspaceID]
	out := make([]Socket, 0, len(room))
	for _, s := range room {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) roomOf(socketID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	workspaceID, ok := r.membership[socketID]
	return workspaceID, ok
}

func (r *Registry) Rooms() []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoomInfo, 0, len(r.rooms))
	for id, room := range r.rooms {
		out = append(out, RoomInfo{WorkspaceID: id, Members: len(room)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkspaceID < out[j].WorkspaceID })
	return out
}
