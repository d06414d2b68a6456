package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// LocalProvider talks to a self-hosted inference server (Ollama wire
// protocol). It is the primary backend for both triage and detailed
// analysis; callers control retries, so no retry executor is attached here.
type LocalProvider struct {
	client  *http.Client
	baseURL string
	model   string
}

func NewLocalProvider(cfg Config) *LocalProvider {
	baseURL := strings.TrimRight(cfg.APIURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &LocalProvider{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		model:   cfg.Model,
	}
}

func (p *LocalProvider) Name() string {
	return "local"
}

// Healthy probes the server's version endpoint.
func (p *LocalProvider) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("local: create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("local: health probe failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("local: health probe returned status %d", resp.StatusCode)
	}
	return nil
}

type localModelList struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Models lists the model names the inference server has loaded.
func (p *LocalProvider) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("local: create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("local: list models: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<14))
		return nil, fmt.Errorf("local: list models returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var list localModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("local: decode model list: %w", err)
	}
	names := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

type localGenerateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images,omitempty"`
	Stream bool     `json:"stream"`
}

type localGenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Analyze sends one frame plus its prompt to the generate endpoint and
// returns the model's full answer.
func (p *LocalProvider) Analyze(ctx context.Context, req AnalysisRequest) (*AnalysisResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	if model == "" {
		return nil, fmt.Errorf("local: model is required")
	}

	body := localGenerateRequest{
		Model:  model,
		Prompt: req.Prompt,
		Stream: false,
	}
	if len(req.Image) > 0 {
		body.Images = []string{base64.StdEncoding.EncodeToString(req.Image)}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("local: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("local: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("local: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<14))
		return nil, fmt.Errorf("local: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed localGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("local: decode response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("local: inference error: %s", parsed.Error)
	}

	answeredBy := parsed.Model
	if answeredBy == "" {
		answeredBy = model
	}
	return &AnalysisResponse{
		Text:     parsed.Response,
		Model:    answeredBy,
		Provider: p.Name(),
	}, nil
}
