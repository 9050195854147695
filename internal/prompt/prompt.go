// Package prompt assembles generation prompts from opaque template documents
// and extracts structured metadata from model output.
//
// Templates are plain text with {{key}} placeholders. Substitution is pure
// string replacement: no conditionals, no escaping, no I/O. Model responses
// may carry at most one fenced ```json block of structured metadata; parsing
// it is best-effort and never fails the surrounding request.
package prompt

import (
	"embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Template names available through Template. Each corresponds to one file
// under templates/.
const (
	TemplateSystem             = "system"
	TemplateHint               = "hint"
	TemplateCodeAnalysis       = "code_analysis"
	TemplateProblemAnalysis    = "problem_analysis"
	TemplateInterviewQuestion  = "interview_question"
	TemplateInterviewEvaluate  = "interview_evaluate"
	TemplateInterviewReport    = "interview_report"
	TemplateConceptExplanation = "concept_explanation"
	TemplateRecommendations    = "recommendations"
)

// Template returns the raw template document with the given name.
func Template(name string) (string, error) {
	data, err := templatesFS.ReadFile("templates/" + name + ".tmpl")
	if err != nil {
		return "", fmt.Errorf("loading template %q: %w", name, err)
	}
	return string(data), nil
}

// Build replaces every {{key}} placeholder in template with the mapped value.
// Placeholders without a mapping are left verbatim: an unresolved {{...}} in
// the output signals a caller bug, not a runtime fault, and leaving it
// visible makes the bug findable.
func Build(template string, vars map[string]string) string {
	out := template
	for key, value := range vars {
		out = strings.ReplaceAll(out, "{{"+key+"}}", value)
	}
	return out
}

// metadataBlockRe matches a fenced ```json block. Only the first match is
// recognized; anything after it is treated as prose.
var metadataBlockRe = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")

// MetadataBlock returns the raw JSON payload of the first fenced metadata
// block in text, or ok=false when none is present. No parsing is attempted.
func MetadataBlock(text string) (raw []byte, ok bool) {
	m := metadataBlockRe.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	return []byte(m[1]), true
}

// ExtractMetadata parses the first fenced metadata block into a generic
// object. It returns nil when no block exists or when the block does not
// parse; the raw response text remains usable as the human-readable answer
// either way.
func ExtractMetadata(text string) map[string]any {
	raw, ok := MetadataBlock(text)
	if !ok {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil
	}
	return meta
}

// StripMetadataBlock returns text with the first fenced metadata block
// removed, trimmed for display.
func StripMetadataBlock(text string) string {
	loc := metadataBlockRe.FindStringIndex(text)
	if loc == nil {
		return text
	}
	return strings.TrimSpace(text[:loc[0]] + text[loc[1]:])
}
