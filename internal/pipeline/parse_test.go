package pipeline

import (
	"strings"
	"testing"

	"github.com/jddunn/safeos/internal/models"
)

func TestParseTriageKeywordMapping(t *testing.T) {
	cases := []struct {
		text string
		want models.ConcernLevel
	}{
		{"critical", models.ConcernCritical},
		{"EMERGENCY", models.ConcernCritical},
		{"high", models.ConcernHigh},
		{"urgent", models.ConcernHigh},
		{"danger", models.ConcernHigh},
		{"medium", models.ConcernMedium},
		{"moderate", models.ConcernMedium},
		{"low", models.ConcernLow},
		{"minor", models.ConcernLow},
		{"none", models.ConcernNone},
		{"normal", models.ConcernNone},
		{"safe", models.ConcernNone},
		{"Everything looks safe.", models.ConcernNone},
		{"The scene is normal, nothing unusual", models.ConcernNone},
	}
	for _, tc := range cases {
		got, _ := ParseTriage(tc.text)
		if got != tc.want {
			t.Errorf("ParseTriage(%q) = %s, want %s", tc.text, got, tc.want)
		}
	}
}

func TestParseTriageMostSevereKeywordWins(t *testing.T) {
	got, _ := ParseTriage("mostly normal but one critical issue")
	if got != models.ConcernCritical {
		t.Fatalf("mixed response = %s, want critical", got)
	}
}

func TestParseTriageConfidence(t *testing.T) {
	if _, conf := ParseTriage("high"); conf != 0.9 {
		t.Fatalf("one-word answer confidence = %v, want 0.9", conf)
	}
	if _, conf := ParseTriage("the risk here is high"); conf != 0.7 {
		t.Fatalf("prose answer confidence = %v, want 0.7", conf)
	}
	level, conf := ParseTriage("gibberish response")
	if level != models.ConcernLow || conf != 0.3 {
		t.Fatalf("unknown answer = %s/%v, want low/0.3", level, conf)
	}
}

func TestParseTriageDoesNotMatchSubstrings(t *testing.T) {
	// "flower" contains "low" but is not the keyword.
	level, conf := ParseTriage("a flower pot")
	if level != models.ConcernLow || conf != 0.3 {
		t.Fatalf("substring should not match: got %s/%v", level, conf)
	}
}

func TestParseDetailedJSON(t *testing.T) {
	text := `{"concern":"high","confidence":0.85,"description":"Person on the floor, not moving",` +
		`"detected_issues":["Fall","no movement"],"recommended_action":"Check on them immediately"}`

	d := ParseDetailed(text)
	if !d.FromJSON {
		t.Fatal("expected JSON parse")
	}
	if d.Concern != models.ConcernHigh || d.Confidence != 0.85 {
		t.Fatalf("concern/confidence = %s/%v", d.Concern, d.Confidence)
	}
	if d.Description != "Person on the floor, not moving" {
		t.Fatalf("description = %q", d.Description)
	}
	if len(d.DetectedIssues) != 2 || d.DetectedIssues[0] != "fall" {
		t.Fatalf("issues = %v, want lowercased labels", d.DetectedIssues)
	}
	if d.RecommendedAction == "" {
		t.Fatal("recommended action lost")
	}
}

func TestParseDetailedFencedJSON(t *testing.T) {
	text := "Here is my analysis:\n```json\n" +
		`{"concern":"medium","confidence":0.6,"description":"dog chewing furniture","detected_issues":[]}` +
		"\n```\nLet me know if you need more."

	d := ParseDetailed(text)
	if !d.FromJSON {
		t.Fatal("fenced JSON should parse")
	}
	if d.Concern != models.ConcernMedium || d.Confidence != 0.6 {
		t.Fatalf("got %s/%v", d.Concern, d.Confidence)
	}
}

func TestParseDetailedConcernLevelKey(t *testing.T) {
	d := ParseDetailed(`{"concern_level":"medium"}`)
	if !d.FromJSON {
		t.Fatal("expected JSON parse")
	}
	if d.Concern != models.ConcernMedium {
		t.Fatalf("concern = %s, want medium", d.Concern)
	}

	// The long form wins when both keys appear.
	d = ParseDetailed(`{"concern":"low","concern_level":"high","confidence":0.8,"description":"x"}`)
	if d.Concern != models.ConcernHigh {
		t.Fatalf("concern = %s, want high from concern_level", d.Concern)
	}
}

func TestParseDetailedUnknownConcernDefaultsLow(t *testing.T) {
	d := ParseDetailed(`{"concern":"catastrophic","confidence":0.9,"description":"x"}`)
	if d.Concern != models.ConcernLow {
		t.Fatalf("unknown concern = %s, want low", d.Concern)
	}
}

func TestParseDetailedConfidenceNormalized(t *testing.T) {
	if d := ParseDetailed(`{"concern":"low","confidence":7.5,"description":"x"}`); d.Confidence != 0.5 {
		t.Fatalf("out-of-range confidence = %v, want 0.5", d.Confidence)
	}
	if d := ParseDetailed(`{"concern":"low","description":"x"}`); d.Confidence != 0.5 {
		t.Fatalf("missing confidence = %v, want 0.5", d.Confidence)
	}
}

func TestParseDetailedKeywordFallback(t *testing.T) {
	d := ParseDetailed("The baby appears to be in danger near the stairs")
	if d.FromJSON {
		t.Fatal("prose should not count as JSON")
	}
	if d.Concern != models.ConcernHigh {
		t.Fatalf("concern = %s, want high from the danger keyword", d.Concern)
	}
	if !strings.Contains(d.Description, "baby") {
		t.Fatalf("description should carry the raw text, got %q", d.Description)
	}
}

func TestParseDetailedClipsLongFallbackText(t *testing.T) {
	d := ParseDetailed(strings.Repeat("rambling output ", 100))
	if got := len([]rune(d.Description)); got > 500 {
		t.Fatalf("description length = %d, want <= 500", got)
	}
}

func TestExtractJSONIgnoresBracesInProse(t *testing.T) {
	text := "notes {not json} more text " + `{"concern":"none","confidence":1,"description":"ok"}`
	raw, ok := extractJSON(text)
	if !ok {
		t.Fatal("trailing JSON object should be found")
	}
	if !strings.Contains(string(raw), `"concern"`) {
		t.Fatalf("extracted %q", raw)
	}
}
