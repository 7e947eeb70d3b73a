package store

import "time"

// Block is a node in a note's hierarchical structure. Blocks are created and
// updated by the ingestion side; the tagging pipeline only reads them.
type Block struct {
	ID           string    `json:"id"`
	ParentID     string    `json:"parent_id,omitempty"` // empty = page root
	PageID       string    `json:"page_id"`
	Text         string    `json:"text"`
	IsLeaf       bool      `json:"is_leaf"`
	LastEditedAt time.Time `json:"last_edited_at"`
}

// EditEvent is an append-only record of "this block changed at time T"
type EditEvent struct {
	ID       int64     `json:"id"`
	BlockID  string    `json:"block_id"`
	EditedAt time.Time `json:"edited_at"`
}

// Abstract is a generated summary for a leaf block, with its embedding.
// BlockEditedAt is joined in from the block row so retrieval can apply its
// date window without a second lookup.
type Abstract struct {
	BlockID       string    `json:"block_id"`
	Text          string    `json:"text"`
	Embedding     []float64 `json:"embedding,omitempty"`
	GeneratedAt   time.Time `json:"generated_at"`
	BlockEditedAt time.Time `json:"block_edited_at,omitempty"`
}

// RawActivity is a single source-observed event. Immutable once ingested.
type RawActivity struct {
	ID              string `json:"id"`
	Date            string `json:"date"` // YYYY-MM-DD
	Time            string `json:"time,omitempty"`
	DurationMinutes int    `json:"duration_minutes"`
	Details         string `json:"details"`
	Source          string `json:"source"` // calendar | notion
	ExternalRef     string `json:"external_ref,omitempty"`
}

// ProcessedActivity is the unit the tagging pipeline produces
type ProcessedActivity struct {
	ID              string   `json:"id"`
	Date            string   `json:"date"`
	Time            string   `json:"time,omitempty"`
	RawActivityIDs  []string `json:"raw_activity_ids"`
	CombinedDetails string   `json:"combined_details"`
	IsReviewNeeded  bool     `json:"is_review_needed"`
}

// Tag is a reusable label. Name is canonicalized before uniqueness is checked.
type Tag struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	UsageCount int    `json:"usage_count"`
	Color      string `json:"color"`
}

// ActivityTag joins a processed activity to a tag with a confidence score
type ActivityTag struct {
	ProcessedActivityID string  `json:"processed_activity_id"`
	TagID               int64   `json:"tag_id"`
	Confidence          float64 `json:"confidence"`
}
