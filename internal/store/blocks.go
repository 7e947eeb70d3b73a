package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AddBlock inserts or replaces a block row. This is the write path used by
// the ingestion side and by tests; the pipeline itself never calls it.
func (s *Store) AddBlock(b *Block) error {
	if b.ID == "" {
		return fmt.Errorf("block ID is required")
	}
	if b.LastEditedAt.IsZero() {
		b.LastEditedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO blocks (id, parent_id, page_id, text, is_leaf, last_edited_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			page_id = excluded.page_id,
			text = excluded.text,
			is_leaf = excluded.is_leaf,
			last_edited_at = excluded.last_edited_at
	`, b.ID, nullableString(b.ParentID), b.PageID, b.Text, b.IsLeaf, b.LastEditedAt)
	if err != nil {
		return fmt.Errorf("failed to insert block: %w", err)
	}

	// Leaf classification: a block with a text-bearing child is not a leaf.
	// Recompute for the parent whenever children change.
	if b.ParentID != "" && b.Text != "" {
		_, err = s.db.Exec(`UPDATE blocks SET is_leaf = FALSE WHERE id = ?`, b.ParentID)
		if err != nil {
			return fmt.Errorf("failed to reclassify parent: %w", err)
		}
	}

	return nil
}

// RecordEdit appends an edit event and raises the block's last_edited_at so
// it never falls below the newest recorded event.
func (s *Store) RecordEdit(blockID string, editedAt time.Time) error {
	if editedAt.IsZero() {
		editedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO block_edits (block_id, edited_at) VALUES (?, ?)`, blockID, editedAt)
	if err != nil {
		return fmt.Errorf("failed to record edit: %w", err)
	}
	_, err = s.db.Exec(`UPDATE blocks SET last_edited_at = ? WHERE id = ? AND last_edited_at < ?`,
		editedAt, blockID, editedAt)
	if err != nil {
		return fmt.Errorf("failed to raise last_edited_at: %w", err)
	}
	return nil
}

// GetBlock retrieves a block by ID. Returns nil when not found.
func (s *Store) GetBlock(id string) (*Block, error) {
	row := s.db.QueryRow(`
		SELECT id, parent_id, page_id, text, is_leaf, last_edited_at
		FROM blocks WHERE id = ?
	`, id)
	return scanBlock(row)
}

// GetChildren retrieves the direct children of a block
func (s *Store) GetChildren(blockID string) ([]*Block, error) {
	rows, err := s.db.Query(`
		SELECT id, parent_id, page_id, text, is_leaf, last_edited_at
		FROM blocks WHERE parent_id = ?
		ORDER BY id ASC
	`, blockID)
	if err != nil {
		return nil, fmt.Errorf("failed to query children: %w", err)
	}
	defer rows.Close()

	return scanBlockRows(rows)
}

// GetBlocksEditedBetween returns blocks with a recorded edit event in the
// half-open window [start, end). Each block appears once even when edited
// repeatedly inside the window.
func (s *Store) GetBlocksEditedBetween(start, end time.Time) ([]*Block, error) {
	rows, err := s.db.Query(`
		SELECT b.id, b.parent_id, b.page_id, b.text, b.is_leaf, b.last_edited_at
		FROM blocks b
		WHERE b.id IN (
			SELECT block_id FROM block_edits WHERE edited_at >= ? AND edited_at < ?
		)
		ORDER BY b.last_edited_at DESC
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query edited blocks: %w", err)
	}
	defer rows.Close()

	return scanBlockRows(rows)
}

func scanBlock(row *sql.Row) (*Block, error) {
	var b Block
	var parentID sql.NullString

	err := row.Scan(&b.ID, &parentID, &b.PageID, &b.Text, &b.IsLeaf, &b.LastEditedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	b.ParentID = parentID.String
	return &b, nil
}

func scanBlockRows(rows *sql.Rows) ([]*Block, error) {
	var blocks []*Block
	for rows.Next() {
		var b Block
		var parentID sql.NullString
		if err := rows.Scan(&b.ID, &parentID, &b.PageID, &b.Text, &b.IsLeaf, &b.LastEditedAt); err != nil {
			continue
		}
		b.ParentID = parentID.String
		blocks = append(blocks, &b)
	}
	return blocks, rows.Err()
}

func nullableString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
