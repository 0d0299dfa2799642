package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"planboard/collab/internal/workspace"
)

// PostgresStore is the system of record for nodes, their details and tech
// selections.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// ParseNodeID converts a document node key into a record id.
func ParseNodeID(value string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNodeID, value)
	}
	return id, nil
}

// UpsertNode records a created node together with its detail.
func (s *PostgresStore) UpsertNode(ctx context.Context, workspaceID string, nodeID int64, node workspace.Node, detail workspace.NodeDetail) error {
	var parentID *int64
	if strings.TrimSpace(node.ParentID) != "" {
		parsed, err := ParseNodeID(node.ParentID)
		if err != nil {
			return err
		}
		parentID = &parsed
	}
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO nodes (id, workspace_id, type, parent_id, pos_x, pos_y)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE
			SET type=EXCLUDED.type, parent_id=EXCLUDED.parent_id, pos_x=EXCLUDED.pos_x, pos_y=EXCLUDED.pos_y,
				deleted_at=NULL, updated_at=NOW()
			WHERE nodes.workspace_id = EXCLUDED.workspace_id
		`, nodeID, workspaceID, string(node.Type), parentID, node.Position.X, node.Position.Y)
		if err != nil {
			return fmt.Errorf("upsert node %d: %w", nodeID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("upsert node %d: %w", nodeID, err)
		}
		if affected == 0 {
			return fmt.Errorf("node %d in workspace %s: %w", nodeID, workspaceID, ErrNotFound)
		}
		return upsertDetail(ctx, tx, workspaceID, nodeID, detail)
	})
}

// SaveNodeDetail stores the detail of a live node of the workspace.
func (s *PostgresStore) SaveNodeDetail(ctx context.Context, workspaceID string, nodeID int64, detail workspace.NodeDetail) error {
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := lockLiveNode(ctx, tx, workspaceID, nodeID); err != nil {
			return err
		}
		return upsertDetail(ctx, tx, workspaceID, nodeID, detail)
	})
}

func lockLiveNode(ctx context.Context, tx *sql.Tx, workspaceID string, nodeID int64) error {
	var id int64
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM nodes
		WHERE id=$1 AND workspace_id=$2 AND deleted_at IS NULL
		FOR UPDATE
	`, nodeID, workspaceID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("node %d: %w", nodeID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock node %d: %w", nodeID, err)
	}
	return nil
}

func upsertDetail(ctx context.Context, tx *sql.Tx, workspaceID string, nodeID int64, detail workspace.NodeDetail) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO node_details (node_id, workspace_id, title, task_id, category, status, priority, difficulty, note, assignee)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (node_id) DO UPDATE
		SET title=EXCLUDED.title, task_id=EXCLUDED.task_id, category=EXCLUDED.category, status=EXCLUDED.status,
			priority=EXCLUDED.priority, difficulty=EXCLUDED.difficulty, note=EXCLUDED.note,
			assignee=EXCLUDED.assignee, updated_at=NOW()
		WHERE node_details.workspace_id = EXCLUDED.workspace_id
	`, nodeID, workspaceID, detail.Title, detail.TaskID, detail.Category, detail.Status, detail.Priority,
		detail.Difficulty, detail.Note, detail.Assignee)
	if err != nil {
		return fmt.Errorf("save node detail %d: %w", nodeID, err)
	}
	return nil
}

// SaveTechSelection records the tech chosen for a node.
func (s *PostgresStore) SaveTechSelection(ctx context.Context, workspaceID string, nodeID, techID int64) error {
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := lockLiveNode(ctx, tx, workspaceID, nodeID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO node_tech_selections (node_id, tech_id)
			VALUES ($1, $2)
			ON CONFLICT (node_id) DO UPDATE SET tech_id=EXCLUDED.tech_id, selected_at=NOW()
		`, nodeID, techID); err != nil {
			return fmt.Errorf("save tech selection %d: %w", nodeID, err)
		}
		return nil
	})
}

type positionRow struct {
	id  int64
	pos workspace.Position
}

// SavePositions writes a position batch in one transaction. Any failing
// row fails the whole batch; rows with a non-numeric node id and nodes
// deleted in the meantime are skipped.
func (s *PostgresStore) SavePositions(ctx context.Context, workspaceID string, entries []workspace.PositionEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]positionRow, 0, len(entries))
	for _, entry := range entries {
		id, err := ParseNodeID(entry.NodeID)
		if err != nil {
			continue
		}
		rows = append(rows, positionRow{id: id, pos: entry.Position})
	}
	if len(rows) == 0 {
		return nil
	}
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE nodes SET pos_x=$3, pos_y=$4, updated_at=NOW()
			WHERE id=$1 AND workspace_id=$2 AND deleted_at IS NULL
		`)
		if err != nil {
			return fmt.Errorf("prepare position update: %w", err)
		}
		defer stmt.Close()
		for _, row := range rows {
			if _, err := stmt.ExecContext(ctx, row.id, workspaceID, row.pos.X, row.pos.Y); err != nil {
				return fmt.Errorf("save position of node %d: %w", row.id, err)
			}
		}
		return nil
	})
}

// DeleteNode soft-deletes a node and its descendants.
func (s *PostgresStore) DeleteNode(ctx context.Context, workspaceID string, nodeID int64) error {
	res, err := s.db.ExecContext(ctx, `
		WITH RECURSIVE subtree AS (
			SELECT id FROM nodes WHERE id=$1 AND workspace_id=$2 AND deleted_at IS NULL
			UNION ALL
			SELECT n.id FROM nodes n JOIN subtree st ON n.parent_id = st.id WHERE n.deleted_at IS NULL
		)
		UPDATE nodes SET deleted_at=NOW(), updated_at=NOW()
		WHERE id IN (SELECT id FROM subtree)
	`, nodeID, workspaceID)
	if err != nil {
		return fmt.Errorf("delete node %d: %w", nodeID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete node %d: %w", nodeID, err)
	}
	if affected == 0 {
		return fmt.Errorf("node %d: %w", nodeID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetNode(ctx context.Context, nodeID int64) (NodeRow, error) {
	var row NodeRow
	var parentID sql.NullInt64
	var deletedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, type, parent_id, pos_x, pos_y, created_at, updated_at, deleted_at
		FROM nodes WHERE id=$1
	`, nodeID).Scan(&row.ID, &row.WorkspaceID, &row.Type, &parentID, &row.PosX, &row.PosY, &row.CreatedAt, &row.UpdatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return NodeRow{}, fmt.Errorf("node %d: %w", nodeID, ErrNotFound)
	}
	if err != nil {
		return NodeRow{}, fmt.Errorf("get node %d: %w", nodeID, err)
	}
	if parentID.Valid {
		row.ParentID = &parentID.Int64
	}
	if deletedAt.Valid {
		row.DeletedAt = &deletedAt.Time
	}
	return row, nil
}

func (s *PostgresStore) GetNodeDetail(ctx context.Context, nodeID int64) (DetailRow, error) {
	var row DetailRow
	err := s.db.QueryRowContext(ctx, `
		SELECT node_id, workspace_id, title, task_id, category, status, priority, difficulty, note, assignee, updated_at
		FROM node_details WHERE node_id=$1
	`, nodeID).Scan(&row.NodeID, &row.WorkspaceID, &row.Title, &row.TaskID, &row.Category, &row.Status,
		&row.Priority, &row.Difficulty, &row.Note, &row.Assignee, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DetailRow{}, fmt.Errorf("node detail %d: %w", nodeID, ErrNotFound)
	}
	if err != nil {
		return DetailRow{}, fmt.Errorf("get node detail %d: %w", nodeID, err)
	}
	return row, nil
}

func (s *PostgresStore) GetTechSelection(ctx context.Context, nodeID int64) (TechSelection, error) {
	var row TechSelection
	err := s.db.QueryRowContext(ctx, `
		SELECT node_id, tech_id, selected_at FROM node_tech_selections WHERE node_id=$1
	`, nodeID).Scan(&row.NodeID, &row.TechID, &row.SelectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TechSelection{}, fmt.Errorf("tech selection %d: %w", nodeID, ErrNotFound)
	}
	if err != nil {
		return TechSelection{}, fmt.Errorf("get tech selection %d: %w", nodeID, err)
	}
	return row, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
