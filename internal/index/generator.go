// Package index generates abstracts for the leaf blocks of active trees:
// a short natural-language summary folding in ancestor context, plus an
// embedding of that summary. One bad block never aborts a tree; failures
// are skipped and reported.
package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vthunder/daytag/internal/logging"
	"github.com/vthunder/daytag/internal/notetree"
	"github.com/vthunder/daytag/internal/store"
)

// Per-job failure classes, matchable with errors.Is
var (
	ErrSummarize = errors.New("summarization failed")
	ErrEmbed     = errors.New("embedding failed")
)

// Summarizer produces a summary within a target word range
type Summarizer interface {
	Summarize(ctx context.Context, text string, minWords, maxWords int) (string, error)
}

// Embedder produces an embedding vector for text
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// AbstractSink receives generated abstracts
type AbstractSink interface {
	UpsertAbstract(a *store.Abstract) error
}

// Skip records one block that failed abstract generation
type Skip struct {
	BlockID string
	Err     error
}

// Result summarizes one generation pass
type Result struct {
	Generated int
	Skips     []Skip
}

// Generator builds abstracts for active-tree leaves
type Generator struct {
	summarizer Summarizer
	embedder   Embedder
	sink       AbstractSink

	// MinWords/MaxWords bound the summary length requested from the provider
	MinWords int
	MaxWords int

	// MaxInputChars truncates the assembled ancestor+leaf text to a
	// provider-safe size
	MaxInputChars int
}

// NewGenerator creates an abstract generator with default length bounds
func NewGenerator(summarizer Summarizer, embedder Embedder, sink AbstractSink) *Generator {
	return &Generator{
		summarizer:    summarizer,
		embedder:      embedder,
		sink:          sink,
		MinWords:      30,
		MaxWords:      100,
		MaxInputChars: 8000,
	}
}

// GenerateAbstracts produces an abstract for every leaf in the given trees.
// Idempotent: regenerating a block overwrites its previous abstract in
// place. Provider failures skip the block and continue; sink (store)
// failures abort, since persistence being down is fatal for the run.
func (g *Generator) GenerateAbstracts(ctx context.Context, trees map[string]*notetree.ActiveTree) (*Result, error) {
	result := &Result{}

	// Deterministic page order
	pageIDs := make([]string, 0, len(trees))
	for id := range trees {
		pageIDs = append(pageIDs, id)
	}
	sort.Strings(pageIDs)

	for _, pageID := range pageIDs {
		tree := trees[pageID]
		for _, leaf := range tree.Leaves() {
			if err := ctx.Err(); err != nil {
				return result, err
			}

			abstract, err := g.generateOne(ctx, leaf)
			if err != nil {
				logging.Warn("index", "skipping block %s: %v", leaf.Node.Block.ID, err)
				result.Skips = append(result.Skips, Skip{BlockID: leaf.Node.Block.ID, Err: err})
				continue
			}

			if err := g.sink.UpsertAbstract(abstract); err != nil {
				return result, fmt.Errorf("failed to store abstract for %s: %w", leaf.Node.Block.ID, err)
			}
			result.Generated++
			logging.Debug("index", "abstract for %s: %s", leaf.Node.Block.ID, logging.Truncate(abstract.Text, 80))
		}
	}

	return result, nil
}

// generateOne summarizes and embeds a single leaf
func (g *Generator) generateOne(ctx context.Context, leaf notetree.Leaf) (*store.Abstract, error) {
	input := g.assembleInput(leaf)

	summary, err := g.summarizer.Summarize(ctx, input, g.MinWords, g.MaxWords)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSummarize, err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, fmt.Errorf("%w: provider returned empty text", ErrSummarize)
	}

	embedding, err := g.embedder.Embed(ctx, summary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbed, err)
	}

	return &store.Abstract{
		BlockID:     leaf.Node.Block.ID,
		Text:        summary,
		Embedding:   embedding,
		GeneratedAt: time.Now(),
	}, nil
}

// assembleInput concatenates ancestor texts in root→leaf order followed by
// the leaf's own text, truncated to the provider-safe size. Ancestors are
// context only; they never receive abstracts of their own.
func (g *Generator) assembleInput(leaf notetree.Leaf) string {
	var parts []string
	for _, a := range leaf.Ancestors {
		if t := strings.TrimSpace(a.Block.Text); t != "" {
			parts = append(parts, t)
		}
	}
	parts = append(parts, strings.TrimSpace(leaf.Node.Block.Text))

	input := strings.Join(parts, "\n")
	if len(input) > g.MaxInputChars {
		// Keep the tail: the leaf text matters more than distant ancestors
		input = input[len(input)-g.MaxInputChars:]
	}
	return input
}
