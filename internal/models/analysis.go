package models

// ConcernLevel is the five-valued ordinal severity produced by vision
// analysis.
type ConcernLevel string

const (
	ConcernNone     ConcernLevel = "none"
	ConcernLow      ConcernLevel = "low"
	ConcernMedium   ConcernLevel = "medium"
	ConcernHigh     ConcernLevel = "high"
	ConcernCritical ConcernLevel = "critical"
)

var concernRanks = map[ConcernLevel]int{
	ConcernNone:     0,
	ConcernLow:      1,
	ConcernMedium:   2,
	ConcernHigh:     3,
	ConcernCritical: 4,
}

// Rank returns the ordinal position of the concern level, with unknown
// values ranking alongside low.
func (c ConcernLevel) Rank() int {
	if r, ok := concernRanks[c]; ok {
		return r
	}
	return concernRanks[ConcernLow]
}

// AtLeast reports whether c ranks at or above other.
func (c ConcernLevel) AtLeast(other ConcernLevel) bool {
	return c.Rank() >= other.Rank()
}

// Severity maps a concern level onto the alert severity scale.
func (c ConcernLevel) Severity() AlertSeverity {
	switch c {
	case ConcernMedium:
		return SeverityWarning
	case ConcernHigh:
		return SeverityUrgent
	case ConcernCritical:
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// AnalysisResult is the outcome of the triage/analysis ladder for one frame.
type AnalysisResult struct {
	ID                string       `json:"id"`
	StreamID          string       `json:"stream_id"`
	FrameID           string       `json:"frame_id"`
	Concern           ConcernLevel `json:"concern"`
	Confidence        float64      `json:"confidence"`
	Description       string       `json:"description"`
	DetectedIssues    []string     `json:"detected_issues,omitempty"`
	RecommendedAction string       `json:"recommended_action,omitempty"`
	ProcessingMs      int64        `json:"processing_ms"`
	ModelName         string       `json:"model_name"`
	UsedCloudFallback bool         `json:"used_cloud_fallback"`
	TriageResult      ConcernLevel `json:"triage_result,omitempty"`
}
