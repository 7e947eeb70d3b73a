// Package tagging turns a calendar event plus retrieved note abstracts into
// a ranked, thresholded, deduplicated set of activity tags with confidence
// scores, governed by the taxonomy calibration config.
package tagging

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/vthunder/daytag/internal/logging"
	"github.com/vthunder/daytag/internal/retrieval"
	"github.com/vthunder/daytag/internal/taxonomy"
)

// ErrPropose is the failure class for tag-proposal provider calls,
// matchable with errors.Is
var ErrPropose = errors.New("tag proposal failed")

// proposalEvidence is the floor raw score granted to provider-proposed tag
// names whose tokens do not literally appear in the basis text: the model
// proposed them from that text, so they carry more evidence than a zero
// overlap suggests.
const proposalEvidence = 0.65

// TagProposer asks the language model for new tag name candidates
type TagProposer interface {
	ProposeTags(ctx context.Context, basisText string, categories []string) ([]string, error)
}

// EntityExtractor harvests named entities from text as tag candidates
// (projects, people, products mentioned in the notes)
type EntityExtractor interface {
	Entities(text string) []string
}

// ScoredTag is one selected tag with its final confidence
type ScoredTag struct {
	Name       string
	Confidence float64
}

// Result is the outcome of one tagging call
type Result struct {
	Tags []ScoredTag

	// Degraded is set when provider calls exhausted retries and the call
	// fell back to vocabulary-only matching under the reduced ceiling
	Degraded bool

	// NewNamesSuppressed is set when the vocabulary growth ceiling forced
	// existing-vocabulary-only resolution
	NewNamesSuppressed bool
}

// Options tune a single tagging call
type Options struct {
	// VocabularyRatio is the database-wide distinct-tags : distinct-
	// activities ratio, snapshot once per processing run
	VocabularyRatio float64

	// ForceFullEvaluation bypasses the cheap existing-vocabulary
	// short-circuit and always asks the provider, even for events that
	// previously matched cheaply
	ForceFullEvaluation bool
}

// Generator scores candidate tags against basis text
type Generator struct {
	proposer  TagProposer
	extractor EntityExtractor

	// Retry policy for provider calls
	MaxAttempts int
	Backoff     time.Duration

	sleep func(time.Duration) // replaceable in tests
}

// NewGenerator creates a tag generator. extractor may be nil to disable
// entity harvesting.
func NewGenerator(proposer TagProposer, extractor EntityExtractor) *Generator {
	return &Generator{
		proposer:    proposer,
		extractor:   extractor,
		MaxAttempts: 3,
		Backoff:     500 * time.Millisecond,
		sleep:       time.Sleep,
	}
}

// weightedFragment is one piece of basis text with its contribution weight
type weightedFragment struct {
	tokens map[string]bool
	weight float64
}

// GenerateTags runs the tagging pipeline for one activity:
// basis assembly → candidate generation → scoring → threshold → synonym
// dedupe → cap, with the vocabulary growth ceiling and degraded fallback
// applied as configured. An empty result is valid output, never an error.
func (g *Generator) GenerateTags(ctx context.Context, eventText string, retrieved []retrieval.Match, vocabulary []string, cfg *taxonomy.Config, opts Options) (*Result, error) {
	result := &Result{}

	// Step 1: basis assembly. The event text carries full weight; each
	// abstract contributes proportionally to its retrieval score, so
	// higher-similarity abstracts influence candidate generation more.
	fragments := []weightedFragment{{tokens: tokenize(eventText), weight: 1.0}}
	var basisParts []string
	basisParts = append(basisParts, eventText)
	for _, m := range retrieved {
		if m.Score <= 0 {
			continue
		}
		fragments = append(fragments, weightedFragment{tokens: tokenize(m.Abstract.Text), weight: m.Score})
		basisParts = append(basisParts, m.Abstract.Text)
	}
	basisText := strings.Join(basisParts, "\n")

	// Canonical vocabulary set for membership checks
	vocabSet := make(map[string]bool, len(vocabulary))
	for _, v := range vocabulary {
		vocabSet[cfg.Canonicalize(v)] = true
	}

	// Step 7 gate, checked up front: a sprawling tag space suppresses
	// brand-new names for this whole call
	suppressNew := cfg.Thresholds.VocabularyCeiling > 0 && opts.VocabularyRatio > cfg.Thresholds.VocabularyCeiling
	result.NewNamesSuppressed = suppressNew

	// Step 2a: synonym-normalized vocabulary matching
	candidates := make(map[string]float64) // canonical name -> raw score
	for canonical := range vocabSet {
		if raw := evidenceScore(canonical, fragments); raw > 0 {
			candidates[canonical] = raw
		}
	}

	// Entity harvesting: names literally present in the basis text
	// (projects, people) become candidates; new names only when permitted
	if g.extractor != nil {
		for _, ent := range g.extractor.Entities(basisText) {
			canonical := cfg.Canonicalize(ent)
			if canonical == "" {
				continue
			}
			if suppressNew && !vocabSet[canonical] {
				continue
			}
			if raw := evidenceScore(canonical, fragments); raw > candidates[canonical] {
				candidates[canonical] = raw
			}
		}
	}

	// Step 2b: provider proposal when no confident vocabulary match exists
	// (or a full re-evaluation is forced), unless new names are suppressed
	confident := false
	for _, raw := range candidates {
		if raw >= cfg.Thresholds.Selection {
			confident = true
			break
		}
	}
	degradedCeiling := 1.0
	if !suppressNew && (!confident || opts.ForceFullEvaluation) {
		proposals, err := g.proposeWithRetry(ctx, basisText, cfg.CategoryNames())
		if err != nil {
			// Degrade to vocabulary-only matching at reduced confidence
			// rather than failing the whole activity
			logging.Warn("tagging", "provider exhausted retries, degrading to vocabulary-only: %v", err)
			result.Degraded = true
			degradedCeiling = cfg.Thresholds.DegradedCeiling
		} else {
			for _, p := range proposals {
				canonical := cfg.Canonicalize(p)
				if canonical == "" {
					continue
				}
				raw := evidenceScore(canonical, fragments)
				if raw < proposalEvidence {
					raw = proposalEvidence
				}
				if raw > candidates[canonical] {
					candidates[canonical] = raw
				}
			}
		}
	}

	// Step 3: calibration. adjusted = raw*weight + bias, clamped to [0,1],
	// then capped by the degraded ceiling when applicable.
	// Step 4: threshold. Step 5 is implicit: candidates are keyed by
	// canonical name, so synonyms already collapsed to the higher score.
	var scored []ScoredTag
	for name, raw := range candidates {
		adjusted := clamp01(raw*cfg.Weight(name) + cfg.Bias(name))
		if adjusted > degradedCeiling {
			adjusted = degradedCeiling
		}
		if adjusted < cfg.Thresholds.Selection {
			continue
		}
		scored = append(scored, ScoredTag{Name: name, Confidence: adjusted})
	}

	// Step 6: cap, highest score first (name as deterministic tiebreak)
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Confidence != scored[j].Confidence {
			return scored[i].Confidence > scored[j].Confidence
		}
		return scored[i].Name < scored[j].Name
	})
	if len(scored) > cfg.Thresholds.MaxTagsPerActivity {
		scored = scored[:cfg.Thresholds.MaxTagsPerActivity]
	}

	result.Tags = scored
	return result, nil
}

// proposeWithRetry calls the provider with bounded attempts and backoff
func (g *Generator) proposeWithRetry(ctx context.Context, basisText string, categories []string) ([]string, error) {
	attempts := g.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	backoff := g.Backoff
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		proposals, err := g.proposer.ProposeTags(ctx, basisText, categories)
		if err == nil {
			return proposals, nil
		}
		lastErr = err
		logging.Debug("tagging", "propose attempt %d/%d failed: %v", i+1, attempts, err)
		if i < attempts-1 && backoff > 0 {
			g.sleep(backoff)
			backoff *= 2
		}
	}
	return nil, errors.Join(ErrPropose, lastErr)
}

// evidenceScore measures how strongly the basis text supports a tag name:
// per fragment, the fraction of the tag's tokens present (with a short
// prefix tolerance so "debug" supports "debugging"), weighted by the
// fragment's weight, summed and clamped to [0,1].
func evidenceScore(tag string, fragments []weightedFragment) float64 {
	tagTokens := tokenizeList(tag)
	if len(tagTokens) == 0 {
		return 0
	}

	var total float64
	for _, f := range fragments {
		matched := 0
		for _, tt := range tagTokens {
			if fragmentHasToken(f.tokens, tt) {
				matched++
			}
		}
		if matched > 0 {
			total += f.weight * float64(matched) / float64(len(tagTokens))
		}
	}
	return clamp01(total)
}

// fragmentHasToken checks token membership with prefix tolerance: tokens of
// length ≥ 4 match when either is a prefix of the other
func fragmentHasToken(tokens map[string]bool, t string) bool {
	if tokens[t] {
		return true
	}
	if len(t) < 4 {
		return false
	}
	for tok := range tokens {
		if len(tok) < 4 {
			continue
		}
		if strings.HasPrefix(tok, t) || strings.HasPrefix(t, tok) {
			return true
		}
	}
	return false
}

func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, t := range tokenizeList(text) {
		tokens[t] = true
	}
	return tokens
}

func tokenizeList(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	var out []string
	for _, f := range fields {
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
