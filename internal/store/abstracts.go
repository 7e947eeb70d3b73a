package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/vthunder/daytag/internal/logging"
)

// UpsertAbstract inserts or replaces the abstract for a block. block_id is
// the natural key, so regeneration overwrites in place. The vec index is
// kept in sync when available.
func (s *Store) UpsertAbstract(a *Abstract) error {
	if a.BlockID == "" {
		return fmt.Errorf("abstract block ID is required")
	}
	if a.GeneratedAt.IsZero() {
		a.GeneratedAt = time.Now()
	}

	embeddingBytes, err := json.Marshal(a.Embedding)
	if err != nil {
		embeddingBytes = nil
	}

	_, err = s.db.Exec(`
		INSERT INTO abstracts (block_id, text, embedding, generated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(block_id) DO UPDATE SET
			text = excluded.text,
			embedding = excluded.embedding,
			generated_at = excluded.generated_at
	`, a.BlockID, a.Text, embeddingBytes, a.GeneratedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert abstract: %w", err)
	}

	s.indexAbstractVec(a.BlockID, a.Embedding)
	return nil
}

// indexAbstractVec mirrors an abstract's embedding into the vec0 index.
// Failures degrade retrieval to the scan path, never the upsert itself.
func (s *Store) indexAbstractVec(blockID string, embedding []float64) {
	if !s.vecAvailable || len(embedding) == 0 {
		return
	}
	if s.vecDim == 0 {
		if err := s.ensureVecTable(len(embedding)); err != nil {
			logging.Warn("store", "vec table setup: %v", err)
			return
		}
	}
	if len(embedding) != s.vecDim {
		logging.Warn("store", "abstract %s embedding dim %d != vec dim %d, skipping index", blockID, len(embedding), s.vecDim)
		return
	}

	var rowid int64
	if err := s.db.QueryRow(`SELECT rowid FROM abstracts WHERE block_id = ?`, blockID).Scan(&rowid); err != nil {
		return
	}
	emb32 := normalizeFloat32(float64ToFloat32(embedding))
	serialized, err := sqlite_vec.SerializeFloat32(emb32)
	if err != nil {
		return
	}
	s.db.Exec(`DELETE FROM abstract_vec WHERE rowid = ?`, rowid)
	if _, err := s.db.Exec(`INSERT INTO abstract_vec(rowid, embedding, block_id) VALUES (?, ?, ?)`, rowid, serialized, blockID); err != nil {
		logging.Warn("store", "vec index for %s: %v", blockID, err)
	}
}

// GetAbstract retrieves the abstract for a block. Returns nil when absent.
func (s *Store) GetAbstract(blockID string) (*Abstract, error) {
	rows, err := s.db.Query(`
		SELECT a.block_id, a.text, a.embedding, a.generated_at, b.last_edited_at
		FROM abstracts a JOIN blocks b ON b.id = a.block_id
		WHERE a.block_id = ?
	`, blockID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	abstracts, err := scanAbstractRows(rows)
	if err != nil || len(abstracts) == 0 {
		return nil, err
	}
	return abstracts[0], nil
}

// GetAbstractsEditedBetween returns abstracts whose block was last edited in
// the inclusive window [start, end], newest block edit first.
func (s *Store) GetAbstractsEditedBetween(start, end time.Time) ([]*Abstract, error) {
	rows, err := s.db.Query(`
		SELECT a.block_id, a.text, a.embedding, a.generated_at, b.last_edited_at
		FROM abstracts a JOIN blocks b ON b.id = a.block_id
		WHERE b.last_edited_at >= ? AND b.last_edited_at <= ?
		ORDER BY b.last_edited_at DESC
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query abstracts: %w", err)
	}
	defer rows.Close()

	return scanAbstractRows(rows)
}

// NearestAbstracts returns up to k abstracts closest to the query embedding
// using the vec0 KNN index, with cosine similarity recovered from L2
// distance on unit vectors. Returns (nil, false, nil) when the index cannot
// serve the query and the caller should fall back to a full scan.
func (s *Store) NearestAbstracts(query []float64, k int) ([]*Abstract, []float64, bool, error) {
	if !s.vecAvailable || s.vecDim == 0 || len(query) != s.vecDim || k <= 0 {
		return nil, nil, false, nil
	}

	q32 := normalizeFloat32(float64ToFloat32(query))
	serialized, err := sqlite_vec.SerializeFloat32(q32)
	if err != nil {
		return nil, nil, false, nil
	}

	rows, err := s.db.Query(`
		SELECT v.block_id, v.distance, a.text, a.embedding, a.generated_at, b.last_edited_at
		FROM (
			SELECT block_id, distance FROM abstract_vec
			WHERE embedding MATCH ? AND k = ?
		) v
		JOIN abstracts a ON a.block_id = v.block_id
		JOIN blocks b ON b.id = v.block_id
	`, serialized, k)
	if err != nil {
		logging.Debug("store", "vec KNN failed, falling back to scan: %v", err)
		return nil, nil, false, nil
	}
	defer rows.Close()

	var abstracts []*Abstract
	var scores []float64
	for rows.Next() {
		var a Abstract
		var dist float64
		var embBytes []byte
		if err := rows.Scan(&a.BlockID, &dist, &a.Text, &embBytes, &a.GeneratedAt, &a.BlockEditedAt); err != nil {
			continue
		}
		if len(embBytes) > 0 {
			json.Unmarshal(embBytes, &a.Embedding)
		}
		abstracts = append(abstracts, &a)
		scores = append(scores, l2ToCosineSim(dist))
	}
	return abstracts, scores, true, rows.Err()
}

func scanAbstractRows(rows *sql.Rows) ([]*Abstract, error) {
	var abstracts []*Abstract
	for rows.Next() {
		var a Abstract
		var embBytes []byte
		if err := rows.Scan(&a.BlockID, &a.Text, &embBytes, &a.GeneratedAt, &a.BlockEditedAt); err != nil {
			continue
		}
		if len(embBytes) > 0 {
			json.Unmarshal(embBytes, &a.Embedding)
		}
		abstracts = append(abstracts, &a)
	}
	return abstracts, rows.Err()
}
