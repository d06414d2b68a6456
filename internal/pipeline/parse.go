package pipeline

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/jddunn/safeos/internal/models"
)

// triageLadder orders keyword groups most-severe first so a response naming
// several levels resolves to the worst one. Missing a real concern costs more
// than a spurious detailed pass.
var triageLadder = []struct {
	level    models.ConcernLevel
	keywords []string
}{
	{models.ConcernCritical, []string{"critical", "emergency"}},
	{models.ConcernHigh, []string{"high", "urgent", "danger"}},
	{models.ConcernMedium, []string{"medium", "moderate"}},
	{models.ConcernLow, []string{"low", "minor"}},
	{models.ConcernNone, []string{"none", "normal", "safe"}},
}

// ParseTriage maps a triage model's free-text answer onto a concern level.
// A bare one-word answer is high confidence; a keyword buried in prose less
// so; no recognizable keyword defaults to low at low confidence so the frame
// still reaches detailed analysis.
func ParseTriage(text string) (models.ConcernLevel, float64) {
	tokens := wordSet(text)
	if len(tokens) == 0 {
		return models.ConcernLow, 0.3
	}
	for _, group := range triageLadder {
		for _, keyword := range group.keywords {
			if !tokens[keyword] {
				continue
			}
			if len(tokens) == 1 {
				return group.level, 0.9
			}
			return group.level, 0.7
		}
	}
	return models.ConcernLow, 0.3
}

func wordSet(text string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

// Detailed is the structured outcome of parsing a detailed-analysis response.
// FromJSON distinguishes the strict JSON path from the keyword fallback; the
// cloud chain only accepts responses where it is true.
type Detailed struct {
	Concern           models.ConcernLevel
	Confidence        float64
	Description       string
	DetectedIssues    []string
	RecommendedAction string
	FromJSON          bool
}

// Providers answer with either "concern_level" (the documented key) or the
// shorthand "concern"; both are accepted, the long form winning when present.
type detailedWire struct {
	Concern           string   `json:"concern"`
	ConcernLevel      string   `json:"concern_level"`
	Confidence        float64  `json:"confidence"`
	Description       string   `json:"description"`
	DetectedIssues    []string `json:"detected_issues"`
	RecommendedAction string   `json:"recommended_action"`
}

func (w detailedWire) concern() string {
	if w.ConcernLevel != "" {
		return w.ConcernLevel
	}
	return w.Concern
}

// ParseDetailed extracts a structured analysis from a model response. The
// first JSON object in the text wins, markdown fences included; responses
// with no JSON fall back to the triage keyword mapping with the raw text as
// description.
func ParseDetailed(text string) Detailed {
	if raw, ok := extractJSON(text); ok {
		var wire detailedWire
		if err := json.Unmarshal(raw, &wire); err == nil {
			return Detailed{
				Concern:           concernFrom(wire.concern()),
				Confidence:        normalizeConfidence(wire.Confidence),
				Description:       strings.TrimSpace(wire.Description),
				DetectedIssues:    normalizeIssues(wire.DetectedIssues),
				RecommendedAction: strings.TrimSpace(wire.RecommendedAction),
				FromJSON:          true,
			}
		}
	}

	concern, confidence := ParseTriage(text)
	return Detailed{
		Concern:     concern,
		Confidence:  confidence,
		Description: clip(strings.TrimSpace(text), 500),
	}
}

// extractJSON returns the first decodable JSON object in the text. Handles
// responses wrapped in markdown fences or prose, braces in prose included.
func extractJSON(text string) ([]byte, bool) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		var raw json.RawMessage
		if err := json.NewDecoder(strings.NewReader(text[start:])).Decode(&raw); err == nil {
			return raw, true
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			return nil, false
		}
		start += 1 + next
	}
	return nil, false
}

func concernFrom(s string) models.ConcernLevel {
	level := models.ConcernLevel(strings.ToLower(strings.TrimSpace(s)))
	switch level {
	case models.ConcernNone, models.ConcernLow, models.ConcernMedium,
		models.ConcernHigh, models.ConcernCritical:
		return level
	}
	return models.ConcernLow
}

// normalizeConfidence clamps into (0,1]; a missing or nonsensical value
// becomes 0.5 rather than pretending certainty either way.
func normalizeConfidence(c float64) float64 {
	if c > 0 && c <= 1 {
		return c
	}
	return 0.5
}

func normalizeIssues(issues []string) []string {
	out := issues[:0]
	for _, issue := range issues {
		issue = strings.ToLower(strings.TrimSpace(issue))
		if issue != "" {
			out = append(out, issue)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
