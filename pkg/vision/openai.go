package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"github.com/jddunn/safeos/pkg/clients"
)

const defaultOpenAIMaxTokens = 1024

// OpenAIProvider analyzes frames through the chat completions API with an
// inline image content part. Any OpenAI-wire compatible endpoint works via
// Config.APIURL.
type OpenAIProvider struct {
	client       *http.Client
	apiKey       string
	apiURL       string
	model        string
	maxTokens    int
	httpExecutor failsafe.Executor[*http.Response]
}

func NewOpenAIProvider(cfg Config) *OpenAIProvider {
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.openai.com/v1"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultOpenAIMaxTokens
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	// One local retry on transient failures before the caller moves on to
	// the next provider in the chain.
	execCfg := clients.DefaultHTTPExecutorConfig()
	execCfg.MaxRetries = 1

	return &OpenAIProvider{
		client:       &http.Client{Timeout: timeout},
		apiKey:       cfg.APIKey,
		apiURL:       apiURL,
		model:        cfg.Model,
		maxTokens:    maxTokens,
		httpExecutor: clients.NewHTTPExecutor(execCfg),
	}
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) Healthy(ctx context.Context) error {
	if p.apiKey == "" {
		return errors.New("openai: api key not configured")
	}
	return nil
}

type openAIChatRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type openAIMessage struct {
	Role    string              `json:"role"`
	Content []openAIContentPart `json:"content"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *OpenAIProvider) Analyze(ctx context.Context, req AnalysisRequest) (*AnalysisResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	if model == "" {
		return nil, errors.New("openai: model is required")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	parts := []openAIContentPart{{Type: "text", Text: req.Prompt}}
	if len(req.Image) > 0 {
		parts = append(parts, openAIContentPart{
			Type:     "image_url",
			ImageURL: &openAIImageURL{URL: req.dataURL()},
		})
	}
	payload, err := json.Marshal(openAIChatRequest{
		Model:     model,
		Messages:  []openAIMessage{{Role: "user", Content: parts}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	resp, err := clients.ExecuteHTTP(ctx, p.httpExecutor, func() (*http.Response, error) {
		httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL+"/chat/completions", bytes.NewReader(payload))
		if reqErr != nil {
			return nil, fmt.Errorf("openai: create request: %w", reqErr)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if p.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
		}
		return p.client.Do(httpReq)
	})
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("openai: read response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("openai: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed openAIChatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("openai: api error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.New("openai: response contained no choices")
	}

	answeredBy := parsed.Model
	if answeredBy == "" {
		answeredBy = model
	}
	return &AnalysisResponse{
		Text:     parsed.Choices[0].Message.Content,
		Model:    answeredBy,
		Provider: p.Name(),
	}, nil
}
