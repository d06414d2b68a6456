// Package vision abstracts image-analysis backends behind a single Provider
// interface: a local inference server for routine triage plus remote
// providers used as a fallback chain when local analysis is unavailable or
// needs verification.
package vision

import (
	"context"
	"encoding/base64"
	"fmt"
)

// AnalysisRequest carries one encoded camera frame and its prompt to a
// provider.
type AnalysisRequest struct {
	Prompt    string
	Model     string // overrides the provider's configured model when set
	Image     []byte // encoded image bytes (JPEG unless MimeType says otherwise)
	MimeType  string
	MaxTokens int
}

func (r AnalysisRequest) mimeType() string {
	if r.MimeType != "" {
		return r.MimeType
	}
	return "image/jpeg"
}

// dataURL renders the frame as an inline data URL for OpenAI-wire image
// content parts.
func (r AnalysisRequest) dataURL() string {
	return fmt.Sprintf("data:%s;base64,%s", r.mimeType(), base64.StdEncoding.EncodeToString(r.Image))
}

// AnalysisResponse is a provider's raw answer before any concern parsing.
type AnalysisResponse struct {
	Text     string
	Model    string // model that actually answered
	Provider string
}

// Provider is one vision backend.
type Provider interface {
	Name() string
	Healthy(ctx context.Context) error
	Analyze(ctx context.Context, req AnalysisRequest) (*AnalysisResponse, error)
}
