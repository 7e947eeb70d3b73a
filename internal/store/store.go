// Package store persists note blocks, edit events, abstracts, activities,
// and tags in SQLite. It is the single relational backing for the tagging
// pipeline; all writes produced by a processing run go through WithTx.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vthunder/daytag/internal/logging"
)

func init() {
	sqlite_vec.Auto() // registers the vec0 virtual table with go-sqlite3
}

// Store wraps the SQLite database connection
type Store struct {
	db           *sql.DB
	path         string
	vecAvailable bool
	vecDim       int // embedding dimension used in abstract_vec (0 = not yet determined)
}

// Open opens or creates the pipeline database under statePath
func Open(statePath string) (*Store, error) {
	dbPath := filepath.Join(statePath, "daytag.db")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, path: dbPath}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	// Check if sqlite-vec extension is available
	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		logging.Info("store", "sqlite-vec not available (%v), retrieval falls back to full scan", err)
	} else {
		logging.Info("store", "sqlite-vec %s loaded", vecVersion)
		s.vecAvailable = true
		if s.vecDim == 0 {
			if err := s.initVecTableFromAbstracts(); err != nil {
				logging.Warn("store", "vec init: %v", err)
			}
		}
	}

	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the path of the underlying database file
func (s *Store) Path() string {
	return s.path
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error or panic. This is the idempotence boundary for range reprocessing.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// migrate runs database migrations
func (s *Store) migrate() error {
	schema := `
	-- Schema version tracking
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Note blocks (written by ingestion, read-only to the pipeline)
	CREATE TABLE IF NOT EXISTS blocks (
		id TEXT PRIMARY KEY,
		parent_id TEXT,
		page_id TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		is_leaf BOOLEAN NOT NULL DEFAULT TRUE,
		last_edited_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_blocks_parent ON blocks(parent_id);
	CREATE INDEX IF NOT EXISTS idx_blocks_page ON blocks(page_id);
	CREATE INDEX IF NOT EXISTS idx_blocks_edited ON blocks(last_edited_at);

	-- Append-only edit events
	CREATE TABLE IF NOT EXISTS block_edits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		block_id TEXT NOT NULL,
		edited_at DATETIME NOT NULL,
		FOREIGN KEY (block_id) REFERENCES blocks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_block_edits_time ON block_edits(edited_at);
	CREATE INDEX IF NOT EXISTS idx_block_edits_block ON block_edits(block_id);

	-- Generated abstracts, at most one per block
	CREATE TABLE IF NOT EXISTS abstracts (
		block_id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		embedding BLOB,
		generated_at DATETIME NOT NULL,
		FOREIGN KEY (block_id) REFERENCES blocks(id) ON DELETE CASCADE
	);

	-- Source-observed events (calendar or notion)
	CREATE TABLE IF NOT EXISTS raw_activities (
		id TEXT PRIMARY KEY,
		date TEXT NOT NULL,
		time TEXT,
		duration_minutes INTEGER NOT NULL DEFAULT 0,
		details TEXT NOT NULL,
		source TEXT NOT NULL CHECK (source IN ('calendar', 'notion')),
		external_ref TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_raw_activities_date ON raw_activities(date);

	-- Pipeline output
	CREATE TABLE IF NOT EXISTS processed_activities (
		id TEXT PRIMARY KEY,
		date TEXT NOT NULL,
		time TEXT,
		raw_activity_ids TEXT NOT NULL,
		combined_details TEXT NOT NULL,
		is_review_needed BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_processed_activities_date ON processed_activities(date);
	CREATE INDEX IF NOT EXISTS idx_processed_activities_review ON processed_activities(is_review_needed);

	CREATE TABLE IF NOT EXISTS tags (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		usage_count INTEGER NOT NULL DEFAULT 0,
		color TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS activity_tags (
		processed_activity_id TEXT NOT NULL,
		tag_id INTEGER NOT NULL,
		confidence REAL NOT NULL,
		PRIMARY KEY (processed_activity_id, tag_id),
		FOREIGN KEY (processed_activity_id) REFERENCES processed_activities(id) ON DELETE CASCADE,
		FOREIGN KEY (tag_id) REFERENCES tags(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_activity_tags_tag ON activity_tags(tag_id);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return s.runMigrations()
}

// runMigrations applies incremental schema changes
func (s *Store) runMigrations() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		version = 1 // Assume v1 if can't read
	}

	// Migration v2: sqlite-vec ANN index for abstract embeddings. Backfilled
	// from the abstracts table; skipped gracefully when the extension is not
	// compiled in or no embeddings exist yet. The vec table dimension is
	// determined from existing abstract embeddings.
	if version < 2 {
		if err := s.initVecTableFromAbstracts(); err != nil {
			logging.Warn("store", "migration v2: %v, vec index deferred to first UpsertAbstract", err)
		}
		s.db.Exec("INSERT INTO schema_version (version) VALUES (2)")
	}

	return nil
}

// initVecTableFromAbstracts reads the embedding dimension from existing
// abstracts, creates the abstract_vec virtual table with that dimension,
// and backfills existing embeddings. No-ops if no embeddings exist yet.
func (s *Store) initVecTableFromAbstracts() error {
	var embBytes []byte
	err := s.db.QueryRow(`SELECT embedding FROM abstracts WHERE embedding IS NOT NULL AND LENGTH(embedding) > 4 LIMIT 1`).Scan(&embBytes)
	if err != nil {
		return nil // no abstracts with embeddings yet; defer to first UpsertAbstract
	}
	var emb64 []float64
	if err := json.Unmarshal(embBytes, &emb64); err != nil || len(emb64) == 0 {
		return nil
	}
	return s.ensureVecTable(len(emb64))
}

// ensureVecTable creates the abstract_vec virtual table for the given
// embedding dimension (if not yet created) and backfills existing abstracts.
// Idempotent for the same dim.
//
// Schema uses integer rowid (from the abstracts table) + auxiliary +block_id
// column, avoiding vec0's TEXT PRIMARY KEY partitioning behaviour which
// breaks KNN queries.
func (s *Store) ensureVecTable(dim int) error {
	if s.vecDim == dim {
		return nil
	}
	if s.vecDim != 0 && s.vecDim != dim {
		return fmt.Errorf("embedding dim %d doesn't match vec table dim %d", dim, s.vecDim)
	}

	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS abstract_vec USING vec0(
			embedding float[%d],
			+block_id TEXT
		)
	`, dim))
	if err != nil {
		return fmt.Errorf("failed to create abstract_vec(float[%d]): %w", dim, err)
	}
	s.vecDim = dim

	rows, err := s.db.Query(`SELECT rowid, block_id, embedding FROM abstracts WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil // backfill failure is non-fatal
	}
	defer rows.Close()

	tx, err := s.db.Begin()
	if err != nil {
		return nil
	}

	var count int
	for rows.Next() {
		var rowid int64
		var blockID string
		var emb []byte
		if err := rows.Scan(&rowid, &blockID, &emb); err != nil {
			continue
		}
		var emb64 []float64
		if err := json.Unmarshal(emb, &emb64); err != nil || len(emb64) != dim {
			continue
		}
		emb32 := normalizeFloat32(float64ToFloat32(emb64)) // unit-normalized for cosine-compatible L2
		serialized, serErr := sqlite_vec.SerializeFloat32(emb32)
		if serErr != nil {
			continue
		}
		// vec0 does not reliably support INSERT OR REPLACE; use DELETE + INSERT.
		tx.Exec(`DELETE FROM abstract_vec WHERE rowid = ?`, rowid)
		if _, err := tx.Exec(`INSERT INTO abstract_vec(rowid, embedding, block_id) VALUES (?, ?, ?)`, rowid, serialized, blockID); err != nil {
			logging.Warn("store", "vec backfill failed for %s: %v", blockID, err)
			continue
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return nil
	}
	if count > 0 {
		logging.Info("store", "vec backfill: indexed %d abstracts (dim=%d)", count, dim)
	}
	return nil
}

// float64ToFloat32 converts a float64 slice to float32
func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// normalizeFloat32 returns a unit-length copy of the vector.
// Normalizing before storing in vec0 makes L2 distance equivalent to cosine
// distance:
//   cosine_dist = L2_dist² / 2   (for unit vectors)
func normalizeFloat32(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// l2ToCosineSim converts an L2 distance (on normalized vectors) to cosine
// similarity: cosine_sim = 1 - L2²/2
func l2ToCosineSim(l2dist float64) float64 {
	return 1.0 - (l2dist*l2dist)/2.0
}

// Stats returns per-table row counts
func (s *Store) Stats() (map[string]int, error) {
	stats := make(map[string]int)

	tables := []string{"blocks", "block_edits", "abstracts", "raw_activities", "processed_activities", "tags", "activity_tags"}
	for _, table := range tables {
		var count int
		err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			return nil, err
		}
		stats[table] = count
	}

	return stats, nil
}

// Clear removes all data (for testing/reset)
func (s *Store) Clear() error {
	tables := []string{
		"activity_tags", "tags", "processed_activities", "raw_activities",
		"abstracts", "block_edits", "blocks",
	}

	for _, table := range tables {
		if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if s.vecDim > 0 {
		s.db.Exec("DELETE FROM abstract_vec")
	}

	return nil
}
