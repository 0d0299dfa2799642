package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks live node details of one workspace with plainto_tsquery
// and ts_rank, using ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || strings.TrimSpace(q.WorkspaceID) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "nd.fts @@ plainto_tsquery('english', $1) AND nd.workspace_id = $2 AND n.deleted_at IS NULL"
	args := []any{q.Text, q.WorkspaceID}
	if q.Category != "" {
		where += " AND nd.category = $3"
		args = append(args, q.Category)
	}
	from := `FROM node_details nd JOIN nodes n ON n.id = nd.node_id WHERE ` + where

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) "+from, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT nd.node_id::text, nd.workspace_id, nd.title,
			ts_headline('english', coalesce(nd.note, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30'),
			nd.category, nd.status
		%s
		ORDER BY ts_rank(nd.fts, plainto_tsquery('english', $1)) DESC, nd.node_id
		LIMIT %d OFFSET %d`, from, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.NodeID, &r.WorkspaceID, &r.Title, &r.Snippet, &r.Category, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every live node detail for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]NodeRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT nd.node_id::text, nd.workspace_id, nd.title, nd.task_id, nd.category, nd.status, nd.priority, nd.note, nd.assignee
		FROM node_details nd
		JOIN nodes n ON n.id = nd.node_id
		WHERE n.deleted_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("load node details: %w", err)
	}
	defer rows.Close()

	records := make([]NodeRecord, 0)
	for rows.Next() {
		var r NodeRecord
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.Title, &r.TaskID, &r.Category, &r.Status, &r.Priority, &r.Note, &r.Assignee); err != nil {
			return nil, fmt.Errorf("scan node detail: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node details: %w", err)
	}
	return records, nil
}
