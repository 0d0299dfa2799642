package search

import "context"

// Result is a single node hit returned to the caller.
type Result struct {
	NodeID      string `json:"nodeId"`
	WorkspaceID string `json:"workspaceId"`
	Title       string `json:"title"`
	Snippet     string `json:"snippet"`
	Category    string `json:"category,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Query describes a search request. WorkspaceID is required; results
// never cross workspaces.
type Query struct {
	WorkspaceID string
	Text        string
	Category    string
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// NodeRecord is the data indexed for a node.
type NodeRecord struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Title       string `json:"title"`
	TaskID      string `json:"taskId"`
	Category    string `json:"category"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	Note        string `json:"note"`
	Assignee    string `json:"assignee"`
}
