package tagging

import (
	"strings"

	"github.com/tsawler/prose/v3"
)

// noiseEntities are extraction artifacts that never make useful tags
var noiseEntities = map[string]bool{
	"i": true, "me": true, "my": true, "you": true, "your": true,
	"today": true, "tomorrow": true, "yesterday": true,
	"am": true, "pm": true, "ok": true, "okay": true,
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
}

// ProseExtractor harvests named entities from basis text using the prose
// NLP library. Entities like project or product names mentioned in notes
// make good activity tags without a provider round trip.
type ProseExtractor struct{}

// NewProseExtractor creates a prose-based entity extractor
func NewProseExtractor() *ProseExtractor {
	return &ProseExtractor{}
}

// Entities returns deduplicated lowercase entity names found in the text
func (e *ProseExtractor) Entities(text string) []string {
	doc, err := prose.NewDocument(text)
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var names []string
	for _, ent := range doc.Entities() {
		name := strings.ToLower(strings.TrimSpace(ent.Text))
		if name == "" || len(name) > 40 || noiseEntities[name] || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}
