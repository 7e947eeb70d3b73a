package tagging

import "testing"

// Note: prose's classification isn't always accurate; these cases only check
// that obvious names are extracted and noise is filtered.
func TestProseExtractorFindsNames(t *testing.T) {
	e := NewProseExtractor()

	entities := e.Entities("I talked to Microsoft about an Azure deployment on Monday.")
	t.Logf("Extracted: %v", entities)

	found := map[string]bool{}
	for _, name := range entities {
		found[name] = true
	}
	if !found["microsoft"] {
		t.Errorf("Expected to find 'microsoft' in %v", entities)
	}
	if found["monday"] || found["i"] {
		t.Errorf("Noise entities should be filtered: %v", entities)
	}
}

func TestProseExtractorDeduplicates(t *testing.T) {
	e := NewProseExtractor()

	entities := e.Entities("Atlas kickoff. Atlas review. ATLAS retro.")
	count := 0
	for _, name := range entities {
		if name == "atlas" {
			count++
		}
	}
	if count > 1 {
		t.Errorf("Entity 'atlas' appears %d times, want at most once", count)
	}
}

func TestProseExtractorEmptyText(t *testing.T) {
	e := NewProseExtractor()
	if got := e.Entities(""); len(got) != 0 {
		t.Errorf("Empty text yielded entities: %v", got)
	}
}
