// Package retrieval finds the note abstracts most relevant to a calendar
// event: cosine similarity between the event's query embedding and abstracts
// whose block was edited within a day-window around the event date. This is
// not corpus search; only abstracts produced by prior indexing runs are
// reachable, so recall is scoped to recent edits.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/vthunder/daytag/internal/logging"
	"github.com/vthunder/daytag/internal/store"
)

// vecScanThreshold is the candidate count above which the vec0 KNN index is
// preferred over an exact scan
const vecScanThreshold = 256

// AbstractSource is the read interface the retriever needs from the store
type AbstractSource interface {
	GetAbstractsEditedBetween(start, end time.Time) ([]*store.Abstract, error)
	NearestAbstracts(query []float64, k int) ([]*store.Abstract, []float64, bool, error)
}

// Embedder produces an embedding vector for the query text
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Match is one retrieved abstract with its similarity score
type Match struct {
	Abstract *store.Abstract
	Score    float64
}

// Retriever scores abstracts against query text
type Retriever struct {
	source   AbstractSource
	embedder Embedder
}

// NewRetriever creates a retriever over the given abstract source
func NewRetriever(source AbstractSource, embedder Embedder) *Retriever {
	return &Retriever{source: source, embedder: embedder}
}

// Retrieve returns the top-k abstracts for the query, restricted to blocks
// last edited within [targetDate - windowDays, targetDate + windowDays]
// (inclusive both directions: diary notes often predate or postdate the
// event). Ordering is score descending with more-recent block edits breaking
// ties. An empty candidate set returns an empty result, not an error.
func (r *Retriever) Retrieve(ctx context.Context, query string, targetDate time.Time, windowDays, k int) ([]Match, error) {
	if windowDays < 0 {
		return nil, fmt.Errorf("windowDays must not be negative, got %d", windowDays)
	}
	if k <= 0 {
		k = 5
	}

	day := startOfDay(targetDate)
	windowStart := day.AddDate(0, 0, -windowDays)
	windowEnd := day.AddDate(0, 0, windowDays+1).Add(-time.Nanosecond) // end of the last included day

	candidates, err := r.source.GetAbstractsEditedBetween(windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to load candidate abstracts: %w", err)
	}
	if len(candidates) == 0 {
		logging.Debug("retrieval", "no abstracts in window %s..%s", windowStart.Format("2006-01-02"), windowEnd.Format("2006-01-02"))
		return nil, nil
	}

	queryEmb, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	if len(candidates) > vecScanThreshold {
		if matches, ok := r.retrieveVec(queryEmb, windowStart, windowEnd, k); ok {
			return matches, nil
		}
	}

	matches := make([]Match, 0, len(candidates))
	for _, a := range candidates {
		matches = append(matches, Match{Abstract: a, Score: CosineSimilarity(queryEmb, a.Embedding)})
	}
	sortMatches(matches)

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// retrieveVec serves the query from the vec0 KNN index, over-fetching and
// filtering to the window. Returns ok=false when the index cannot serve the
// query (unavailable, dimension mismatch, too few in-window hits), in which
// case the caller falls back to the exact scan.
func (r *Retriever) retrieveVec(queryEmb []float64, windowStart, windowEnd time.Time, k int) ([]Match, bool) {
	// Over-fetch: out-of-window neighbors are discarded below
	abstracts, scores, ok, err := r.source.NearestAbstracts(queryEmb, k*8)
	if err != nil || !ok {
		return nil, false
	}

	var matches []Match
	for i, a := range abstracts {
		if a.BlockEditedAt.Before(windowStart) || a.BlockEditedAt.After(windowEnd) {
			continue
		}
		matches = append(matches, Match{Abstract: a, Score: scores[i]})
	}
	if len(matches) < k {
		// Not enough in-window neighbors survived the over-fetch; the exact
		// scan is authoritative
		return nil, false
	}
	sortMatches(matches)
	return matches[:k], true
}

func sortMatches(matches []Match) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		// Recency as tiebreak, not a scoring factor
		if !matches[i].Abstract.BlockEditedAt.Equal(matches[j].Abstract.BlockEditedAt) {
			return matches[i].Abstract.BlockEditedAt.After(matches[j].Abstract.BlockEditedAt)
		}
		return matches[i].Abstract.BlockID < matches[j].Abstract.BlockID
	})
}

// CosineSimilarity computes similarity between two embeddings. Mismatched
// lengths or zero vectors score 0 rather than dividing by zero.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
