package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// tagPalette is the set of display colors assigned to new tags. Assignment
// is a stable hash of the canonical name so re-created tags keep their color.
var tagPalette = []string{
	"#4e79a7", "#f28e2b", "#e15759", "#76b7b5", "#59a14f",
	"#edc948", "#b07aa1", "#ff9da7", "#9c755f", "#bab0ac",
}

// AddRawActivity inserts a raw activity row (ingestion/test write path)
func (s *Store) AddRawActivity(ra *RawActivity) error {
	if ra.ID == "" {
		return fmt.Errorf("raw activity ID is required")
	}
	if ra.Source != "calendar" && ra.Source != "notion" {
		return fmt.Errorf("invalid raw activity source: %q", ra.Source)
	}

	_, err := s.db.Exec(`
		INSERT INTO raw_activities (id, date, time, duration_minutes, details, source, external_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ra.ID, ra.Date, nullableString(ra.Time), ra.DurationMinutes, ra.Details, ra.Source, nullableString(ra.ExternalRef))
	if err != nil {
		return fmt.Errorf("failed to insert raw activity: %w", err)
	}
	return nil
}

// GetRawActivitiesBetween returns raw activities with date in [start, end],
// ordered by date then time. Dates are YYYY-MM-DD strings.
func (s *Store) GetRawActivitiesBetween(startDate, endDate string) ([]*RawActivity, error) {
	rows, err := s.db.Query(`
		SELECT id, date, time, duration_minutes, details, source, external_ref
		FROM raw_activities
		WHERE date >= ? AND date <= ?
		ORDER BY date ASC, time ASC, id ASC
	`, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query raw activities: %w", err)
	}
	defer rows.Close()

	var activities []*RawActivity
	for rows.Next() {
		var ra RawActivity
		var t, ref sql.NullString
		if err := rows.Scan(&ra.ID, &ra.Date, &t, &ra.DurationMinutes, &ra.Details, &ra.Source, &ref); err != nil {
			continue
		}
		ra.Time = t.String
		ra.ExternalRef = ref.String
		activities = append(activities, &ra)
	}
	return activities, rows.Err()
}

// DeleteProcessedRange deletes processed activities (and their tag links)
// with date in [start, end], decrementing tag usage counts for each removed
// link. Runs inside the caller's transaction.
func (s *Store) DeleteProcessedRange(tx *sql.Tx, startDate, endDate string) error {
	_, err := tx.Exec(`
		UPDATE tags SET usage_count = usage_count - (
			SELECT COUNT(*) FROM activity_tags at
			JOIN processed_activities pa ON pa.id = at.processed_activity_id
			WHERE at.tag_id = tags.id AND pa.date >= ? AND pa.date <= ?
		)
		WHERE id IN (
			SELECT at.tag_id FROM activity_tags at
			JOIN processed_activities pa ON pa.id = at.processed_activity_id
			WHERE pa.date >= ? AND pa.date <= ?
		)
	`, startDate, endDate, startDate, endDate)
	if err != nil {
		return fmt.Errorf("failed to decrement tag usage: %w", err)
	}

	_, err = tx.Exec(`
		DELETE FROM activity_tags WHERE processed_activity_id IN (
			SELECT id FROM processed_activities WHERE date >= ? AND date <= ?
		)
	`, startDate, endDate)
	if err != nil {
		return fmt.Errorf("failed to delete activity tags: %w", err)
	}

	_, err = tx.Exec(`DELETE FROM processed_activities WHERE date >= ? AND date <= ?`, startDate, endDate)
	if err != nil {
		return fmt.Errorf("failed to delete processed activities: %w", err)
	}
	return nil
}

// InsertProcessedActivity inserts a processed activity inside tx
func (s *Store) InsertProcessedActivity(tx *sql.Tx, pa *ProcessedActivity) error {
	if pa.ID == "" {
		return fmt.Errorf("processed activity ID is required")
	}
	rawIDs, err := json.Marshal(pa.RawActivityIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal raw activity IDs: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO processed_activities (id, date, time, raw_activity_ids, combined_details, is_review_needed)
		VALUES (?, ?, ?, ?, ?, ?)
	`, pa.ID, pa.Date, nullableString(pa.Time), string(rawIDs), pa.CombinedDetails, pa.IsReviewNeeded)
	if err != nil {
		return fmt.Errorf("failed to insert processed activity: %w", err)
	}
	return nil
}

// EnsureTag returns the ID of the tag with the given canonical name inside
// tx, creating it (with a palette color) when absent. Callers canonicalize
// the name first; EnsureTag never resolves synonyms itself.
func (s *Store) EnsureTag(tx *sql.Tx, name string) (int64, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM tags WHERE name = ?`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to look up tag: %w", err)
	}

	res, err := tx.Exec(`INSERT INTO tags (name, usage_count, color) VALUES (?, 0, ?)`, name, colorFor(name))
	if err != nil {
		return 0, fmt.Errorf("failed to insert tag: %w", err)
	}
	return res.LastInsertId()
}

// InsertActivityTag links a processed activity to a tag inside tx and bumps
// the tag's usage count in the same transaction.
func (s *Store) InsertActivityTag(tx *sql.Tx, at *ActivityTag) error {
	_, err := tx.Exec(`
		INSERT INTO activity_tags (processed_activity_id, tag_id, confidence)
		VALUES (?, ?, ?)
	`, at.ProcessedActivityID, at.TagID, at.Confidence)
	if err != nil {
		return fmt.Errorf("failed to insert activity tag: %w", err)
	}

	_, err = tx.Exec(`UPDATE tags SET usage_count = usage_count + 1 WHERE id = ?`, at.TagID)
	if err != nil {
		return fmt.Errorf("failed to increment tag usage: %w", err)
	}
	return nil
}

// TagVocabulary returns a snapshot of all existing tag names. Passed into
// the tag generator once per processing run so a run's decisions stay
// consistent even if other writers insert tags concurrently.
func (s *Store) TagVocabulary() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM tags ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tag vocabulary: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if rows.Scan(&name) == nil {
			names = append(names, name)
		}
	}
	return names, rows.Err()
}

// TagActivityRatio returns distinct tags per distinct processed activity
// across the whole database. Zero activities yields a ratio of 0.
func (s *Store) TagActivityRatio() (float64, error) {
	var tags, activities int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tags`).Scan(&tags); err != nil {
		return 0, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM processed_activities`).Scan(&activities); err != nil {
		return 0, err
	}
	if activities == 0 {
		return 0, nil
	}
	return float64(tags) / float64(activities), nil
}

// GetProcessedActivitiesBetween returns processed activities with date in
// [start, end], ordered by date then time.
func (s *Store) GetProcessedActivitiesBetween(startDate, endDate string) ([]*ProcessedActivity, error) {
	rows, err := s.db.Query(`
		SELECT id, date, time, raw_activity_ids, combined_details, is_review_needed
		FROM processed_activities
		WHERE date >= ? AND date <= ?
		ORDER BY date ASC, time ASC, id ASC
	`, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query processed activities: %w", err)
	}
	defer rows.Close()

	var activities []*ProcessedActivity
	for rows.Next() {
		var pa ProcessedActivity
		var t sql.NullString
		var rawIDs string
		if err := rows.Scan(&pa.ID, &pa.Date, &t, &rawIDs, &pa.CombinedDetails, &pa.IsReviewNeeded); err != nil {
			continue
		}
		pa.Time = t.String
		json.Unmarshal([]byte(rawIDs), &pa.RawActivityIDs)
		activities = append(activities, &pa)
	}
	return activities, rows.Err()
}

// GetActivityTags returns the tag links for a processed activity with their
// resolved tag names, highest confidence first.
func (s *Store) GetActivityTags(processedActivityID string) ([]*ActivityTag, []string, error) {
	rows, err := s.db.Query(`
		SELECT at.processed_activity_id, at.tag_id, at.confidence, t.name
		FROM activity_tags at JOIN tags t ON t.id = at.tag_id
		WHERE at.processed_activity_id = ?
		ORDER BY at.confidence DESC, t.name ASC
	`, processedActivityID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query activity tags: %w", err)
	}
	defer rows.Close()

	var links []*ActivityTag
	var names []string
	for rows.Next() {
		var at ActivityTag
		var name string
		if err := rows.Scan(&at.ProcessedActivityID, &at.TagID, &at.Confidence, &name); err != nil {
			continue
		}
		links = append(links, &at)
		names = append(names, name)
	}
	return links, names, rows.Err()
}

// GetTag retrieves a tag by canonical name. Returns nil when absent.
func (s *Store) GetTag(name string) (*Tag, error) {
	var t Tag
	err := s.db.QueryRow(`SELECT id, name, usage_count, color FROM tags WHERE name = ?`, name).
		Scan(&t.ID, &t.Name, &t.UsageCount, &t.Color)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func colorFor(name string) string {
	h := fnv.New32a()
	h.Write([]byte(name))
	return tagPalette[int(h.Sum32())%len(tagPalette)]
}
