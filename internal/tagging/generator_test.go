package tagging

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vthunder/daytag/internal/retrieval"
	"github.com/vthunder/daytag/internal/store"
	"github.com/vthunder/daytag/internal/taxonomy"
)

// mockProposer scripts provider behavior
type mockProposer struct {
	proposals []string
	failUntil int // first N calls fail
	calls     int
}

func (m *mockProposer) ProposeTags(ctx context.Context, basisText string, categories []string) ([]string, error) {
	m.calls++
	if m.calls <= m.failUntil {
		return nil, fmt.Errorf("model overloaded")
	}
	return m.proposals, nil
}

// staticExtractor returns a fixed entity list
type staticExtractor struct {
	entities []string
}

func (s *staticExtractor) Entities(text string) []string {
	return s.entities
}

func newTestGenerator(proposer TagProposer) *Generator {
	g := NewGenerator(proposer, nil)
	g.sleep = func(time.Duration) {} // no real backoff in tests
	return g
}

func match(text string, score float64) retrieval.Match {
	return retrieval.Match{Abstract: &store.Abstract{BlockID: "b-" + text[:3], Text: text}, Score: score}
}

func tagNames(tags []ScoredTag) []string {
	names := make([]string, len(tags))
	for i, t := range tags {
		names[i] = t.Name
	}
	return names
}

func TestVocabularyMatchSkipsProvider(t *testing.T) {
	proposer := &mockProposer{proposals: []string{"should-not-appear"}}
	g := newTestGenerator(proposer)

	result, err := g.GenerateTags(context.Background(), "long debugging session on the parser",
		nil, []string{"debugging"}, taxonomy.Default(), Options{})
	if err != nil {
		t.Fatalf("GenerateTags failed: %v", err)
	}
	if proposer.calls != 0 {
		t.Errorf("Confident vocabulary match should not call the provider, called %d times", proposer.calls)
	}
	if len(result.Tags) != 1 || result.Tags[0].Name != "debugging" {
		t.Fatalf("Tags = %v, want [debugging]", tagNames(result.Tags))
	}
	if result.Tags[0].Confidence < taxonomy.Default().Thresholds.Selection {
		t.Errorf("Selected tag below threshold: %v", result.Tags[0].Confidence)
	}
}

func TestPrefixToleranceMatchesInflections(t *testing.T) {
	g := newTestGenerator(&mockProposer{})

	// Vocabulary "debug" must be supported by "debugging" in the event text
	result, err := g.GenerateTags(context.Background(), "spent the morning debugging the importer",
		nil, []string{"debug"}, taxonomy.Default(), Options{})
	if err != nil {
		t.Fatalf("GenerateTags failed: %v", err)
	}
	if len(result.Tags) != 1 || result.Tags[0].Name != "debug" {
		t.Fatalf("Tags = %v, want [debug] via prefix tolerance", tagNames(result.Tags))
	}
}

func TestProviderProposalsGetEvidenceFloor(t *testing.T) {
	proposer := &mockProposer{proposals: []string{"Deep Work"}}
	g := newTestGenerator(proposer)

	// Nothing in the vocabulary matches, so the provider is consulted; its
	// proposal does not literally appear in the text but still carries the
	// evidence floor
	result, err := g.GenerateTags(context.Background(), "focused afternoon block",
		nil, []string{"meetings"}, taxonomy.Default(), Options{})
	if err != nil {
		t.Fatalf("GenerateTags failed: %v", err)
	}
	if proposer.calls == 0 {
		t.Fatal("Provider should be consulted when no vocabulary match is confident")
	}
	if len(result.Tags) != 1 || result.Tags[0].Name != "deep work" {
		t.Fatalf("Tags = %v, want [deep work]", tagNames(result.Tags))
	}
	if result.Tags[0].Confidence < proposalEvidence {
		t.Errorf("Proposal confidence %v below the evidence floor", result.Tags[0].Confidence)
	}
}

func TestSynonymsCollapseToCanonical(t *testing.T) {
	cfg := taxonomy.Default()
	cfg.Synonyms = map[string]string{"dev": "coding", "programming": "coding"}

	proposer := &mockProposer{proposals: []string{"dev", "programming", "coding"}}
	g := newTestGenerator(proposer)

	result, err := g.GenerateTags(context.Background(), "quiet afternoon",
		nil, nil, cfg, Options{})
	if err != nil {
		t.Fatalf("GenerateTags failed: %v", err)
	}
	if len(result.Tags) != 1 || result.Tags[0].Name != "coding" {
		t.Fatalf("Synonyms should collapse to one canonical tag, got %v", tagNames(result.Tags))
	}
}

func TestSelectionThresholdFiltersWeakTags(t *testing.T) {
	cfg := taxonomy.Default()
	cfg.Weights = map[string]taxonomy.Calibration{
		"meetings": {Weight: 0.3}, // calibrated down below the threshold
	}
	g := newTestGenerator(&mockProposer{})

	result, err := g.GenerateTags(context.Background(), "meetings all day, then coding",
		nil, []string{"meetings", "coding"}, cfg, Options{})
	if err != nil {
		t.Fatalf("GenerateTags failed: %v", err)
	}
	if len(result.Tags) != 1 || result.Tags[0].Name != "coding" {
		t.Fatalf("Tags = %v, want only [coding] after calibration", tagNames(result.Tags))
	}
}

func TestMaxTagsCapKeepsHighestScores(t *testing.T) {
	cfg := taxonomy.Default()
	cfg.Thresholds.MaxTagsPerActivity = 2
	cfg.Weights = map[string]taxonomy.Calibration{
		"alpha": {Weight: 1.0, Bias: 0.0},
		"beta":  {Weight: 0.9},
		"gamma": {Weight: 0.8},
	}
	g := newTestGenerator(&mockProposer{})

	result, err := g.GenerateTags(context.Background(), "alpha beta gamma",
		nil, []string{"alpha", "beta", "gamma"}, cfg, Options{})
	if err != nil {
		t.Fatalf("GenerateTags failed: %v", err)
	}
	names := tagNames(result.Tags)
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("Cap should keep the top scores, got %v", names)
	}
}

func TestAbstractsWeightedByRetrievalScore(t *testing.T) {
	g := newTestGenerator(&mockProposer{})

	// The tag appears only in a retrieved abstract; its evidence scales
	// with the retrieval score
	strong, err := g.GenerateTags(context.Background(), "afternoon slot",
		[]retrieval.Match{match("sprint planning with the team", 0.9)},
		[]string{"planning"}, taxonomy.Default(), Options{})
	if err != nil {
		t.Fatalf("GenerateTags failed: %v", err)
	}
	if len(strong.Tags) != 1 || strong.Tags[0].Name != "planning" {
		t.Fatalf("High-score abstract should support the tag, got %v", tagNames(strong.Tags))
	}

	weak, err := g.GenerateTags(context.Background(), "afternoon slot",
		[]retrieval.Match{match("sprint planning with the team", 0.2)},
		[]string{"planning"}, taxonomy.Default(), Options{})
	if err != nil {
		t.Fatalf("GenerateTags failed: %v", err)
	}
	for _, tag := range weak.Tags {
		if tag.Name == "planning" && tag.Confidence >= strong.Tags[0].Confidence {
			t.Errorf("Low-score abstract should carry less evidence: weak=%v strong=%v",
				tag.Confidence, strong.Tags[0].Confidence)
		}
	}
}

func TestGrowthCeilingSuppressesNewNames(t *testing.T) {
	cfg := taxonomy.Default()
	proposer := &mockProposer{proposals: []string{"brand-new-tag"}}
	g := NewGenerator(proposer, &staticExtractor{entities: []string{"Atlas"}})
	g.sleep = func(time.Duration) {}

	result, err := g.GenerateTags(context.Background(), "worked on atlas migration",
		nil, []string{"migration"}, cfg, Options{VocabularyRatio: 3.0})
	if err != nil {
		t.Fatalf("GenerateTags failed: %v", err)
	}
	if !result.NewNamesSuppressed {
		t.Error("Ratio above the ceiling should set NewNamesSuppressed")
	}
	if proposer.calls != 0 {
		t.Error("Provider must not be asked for new names under suppression")
	}
	for _, name := range tagNames(result.Tags) {
		if name == "atlas" || name == "brand-new-tag" {
			t.Errorf("New name %q assigned despite suppression", name)
		}
	}
	// Existing vocabulary still matches
	if len(result.Tags) != 1 || result.Tags[0].Name != "migration" {
		t.Errorf("Existing vocabulary should still resolve, got %v", tagNames(result.Tags))
	}
}

func TestEntityInVocabularyAllowedUnderSuppression(t *testing.T) {
	g := NewGenerator(&mockProposer{}, &staticExtractor{entities: []string{"Atlas"}})
	g.sleep = func(time.Duration) {}

	result, err := g.GenerateTags(context.Background(), "atlas launch review",
		nil, []string{"atlas"}, taxonomy.Default(), Options{VocabularyRatio: 5.0})
	if err != nil {
		t.Fatalf("GenerateTags failed: %v", err)
	}
	found := false
	for _, name := range tagNames(result.Tags) {
		if name == "atlas" {
			found = true
		}
	}
	if !found {
		t.Errorf("Vocabulary member harvested as entity should survive suppression, got %v", tagNames(result.Tags))
	}
}

func TestDegradedFallbackCapsConfidence(t *testing.T) {
	cfg := taxonomy.Default()
	proposer := &mockProposer{failUntil: 100} // never recovers
	g := newTestGenerator(proposer)

	// Forced evaluation consults the provider even though the vocabulary
	// already matches; when it stays down the call degrades instead of failing
	result, err := g.GenerateTags(context.Background(), "debugging the importer",
		nil, []string{"debugging"}, cfg, Options{ForceFullEvaluation: true})
	if err != nil {
		t.Fatalf("Degraded call must not fail: %v", err)
	}
	if !result.Degraded {
		t.Fatal("Result should be marked degraded")
	}
	if proposer.calls != g.MaxAttempts {
		t.Errorf("Provider calls = %d, want %d attempts", proposer.calls, g.MaxAttempts)
	}
	if len(result.Tags) != 1 || result.Tags[0].Name != "debugging" {
		t.Fatalf("Vocabulary fallback should still tag, got %v", tagNames(result.Tags))
	}
	if result.Tags[0].Confidence > cfg.Thresholds.DegradedCeiling {
		t.Errorf("Degraded confidence %v exceeds ceiling %v",
			result.Tags[0].Confidence, cfg.Thresholds.DegradedCeiling)
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	proposer := &mockProposer{proposals: []string{"yoga"}, failUntil: 2}
	g := NewGenerator(proposer, nil)

	var slept []time.Duration
	g.sleep = func(d time.Duration) { slept = append(slept, d) }

	result, err := g.GenerateTags(context.Background(), "morning class",
		nil, nil, taxonomy.Default(), Options{})
	if err != nil {
		t.Fatalf("GenerateTags failed: %v", err)
	}
	if result.Degraded {
		t.Error("Recovery within the retry limit must not degrade")
	}
	if proposer.calls != 3 {
		t.Errorf("Provider calls = %d, want 3", proposer.calls)
	}
	if len(slept) != 2 || slept[0] != 500*time.Millisecond || slept[1] != time.Second {
		t.Errorf("Backoff schedule = %v, want [500ms 1s]", slept)
	}
	if len(result.Tags) != 1 || result.Tags[0].Name != "yoga" {
		t.Errorf("Tags = %v, want [yoga]", tagNames(result.Tags))
	}
}

func TestProposeErrorClass(t *testing.T) {
	g := newTestGenerator(&mockProposer{failUntil: 100})
	_, err := g.proposeWithRetry(context.Background(), "text", nil)
	if !errors.Is(err, ErrPropose) {
		t.Errorf("Exhausted retries should wrap ErrPropose: %v", err)
	}
}

func TestCancellationAbortsRetryLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := newTestGenerator(&mockProposer{proposals: []string{"x"}})
	if _, err := g.proposeWithRetry(ctx, "text", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestEmptyResultIsValid(t *testing.T) {
	// Provider returns nothing and the vocabulary does not match: an
	// untaggable activity produces an empty result, not an error
	g := newTestGenerator(&mockProposer{})

	result, err := g.GenerateTags(context.Background(), "zzz",
		nil, []string{"meetings"}, taxonomy.Default(), Options{})
	if err != nil {
		t.Fatalf("GenerateTags failed: %v", err)
	}
	if len(result.Tags) != 0 {
		t.Errorf("Expected no tags, got %v", tagNames(result.Tags))
	}
}
