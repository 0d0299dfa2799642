package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidNodeID = errors.New("invalid node id")
)

// NodeRow is a node as recorded in the system of record.
type NodeRow struct {
	ID          int64      `json:"id"`
	WorkspaceID string     `json:"workspaceId"`
	Type        string     `json:"type"`
	ParentID    *int64     `json:"parentId,omitempty"`
	PosX        float64    `json:"x"`
	PosY        float64    `json:"y"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

// DetailRow is the persisted editable detail of a node.
type DetailRow struct {
	NodeID      int64     `json:"nodeId"`
	WorkspaceID string    `json:"workspaceId"`
	Title       string    `json:"title"`
	TaskID      string    `json:"taskId"`
	Category    string    `json:"category"`
	Status      string    `json:"status"`
	Priority    string    `json:"priority"`
	Difficulty  int       `json:"difficulty"`
	Note        string    `json:"note"`
	Assignee    string    `json:"assignee"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type TechSelection struct {
	NodeID     int64     `json:"nodeId"`
	TechID     int64     `json:"techId"`
	SelectedAt time.Time `json:"selectedAt"`
}
