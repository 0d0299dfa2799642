package workspace

import (
	"fmt"
	"math"
	"strings"
)

type NodeType string

const (
	NodeProject NodeType = "PROJECT"
	NodeEpic    NodeType = "EPIC"
	NodeStory   NodeType = "STORY"
	NodeTask    NodeType = "TASK"
	NodeAdvance NodeType = "ADVANCE"
)

var allowedNodeTypes = map[NodeType]struct{}{
	NodeProject: {},
	NodeEpic:    {},
	NodeStory:   {},
	NodeTask:    {},
	NodeAdvance: {},
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Position) Validate() error {
	if math.IsNaN(p.X) || math.IsInf(p.X, 0) || math.IsNaN(p.Y) || math.IsInf(p.Y, 0) {
		return fmt.Errorf("%w: position must be finite", ErrInvalidValue)
	}
	return nil
}

type NodeData struct {
	Title      string `json:"title"`
	TaskID     string `json:"taskId,omitempty"`
	Category   string `json:"category,omitempty"`
	Status     string `json:"status,omitempty"`
	Priority   string `json:"priority,omitempty"`
	Difficulty int    `json:"difficulty,omitempty"`
}

type Node struct {
	Type     NodeType `json:"type"`
	ParentID string   `json:"parentId,omitempty"`
	Position Position `json:"position"`
	Data     NodeData `json:"data"`
}

func (n Node) Validate() error {
	if _, ok := allowedNodeTypes[NodeType(strings.ToUpper(string(n.Type)))]; !ok {
		return fmt.Errorf("%w: unknown node type %q", ErrInvalidValue, n.Type)
	}
	return n.Position.Validate()
}

// NodeDetail is the editable projection of a node.
type NodeDetail struct {
	Title      string `json:"title"`
	TaskID     string `json:"taskId,omitempty"`
	Category   string `json:"category,omitempty"`
	Status     string `json:"status,omitempty"`
	Priority   string `json:"priority,omitempty"`
	Difficulty int    `json:"difficulty,omitempty"`
	Note       string `json:"note,omitempty"`
	Assignee   string `json:"assignee,omitempty"`
}

// DetailFromNode projects node data into a fresh detail record.
func DetailFromNode(n Node) NodeDetail {
	return NodeDetail{
		Title:      n.Data.Title,
		TaskID:     n.Data.TaskID,
		Category:   n.Data.Category,
		Status:     n.Data.Status,
		Priority:   n.Data.Priority,
		Difficulty: n.Data.Difficulty,
	}
}

type PreviewNode struct {
	Position Position `json:"position"`
	LockedBy string   `json:"lockedBy,omitempty"`
}

func (p PreviewNode) Validate() error {
	return p.Position.Validate()
}

type Candidate struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	TaskType    string `json:"taskType,omitempty"`
	Selected    bool   `json:"selected"`
	Summary     string `json:"summary,omitempty"`
}

type TechRecommendation struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	Advantage      string  `json:"advantage,omitempty"`
	Disadvantage   string  `json:"disadvantage,omitempty"`
	Description    string  `json:"description,omitempty"`
	Ref            string  `json:"ref,omitempty"`
	RecommendScore float64 `json:"recommendScore"`
	Selected       bool    `json:"selected"`
}

// PositionEntry is one buffered position change awaiting a batch write.
type PositionEntry struct {
	NodeID    string   `json:"nodeId"`
	Position  Position `json:"position"`
	RequestID string   `json:"requestId,omitempty"`
}
