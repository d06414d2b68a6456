// Package smsgw sends text messages through a Twilio-protocol SMS gateway.
// The REST surface (Basic auth with account SID and token, form-encoded
// message create) is implemented directly so any protocol-compatible
// gateway works.
package smsgw

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"github.com/jddunn/safeos/pkg/clients"
)

const defaultBaseURL = "https://api.twilio.com"

type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("sms gateway returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("sms gateway returned status: %d", e.StatusCode)
}

type Client struct {
	baseURL      string
	accountSID   string
	authToken    string
	from         string
	client       *http.Client
	httpExecutor failsafe.Executor[*http.Response]
	shouldRetry  func(resp *http.Response, err error) bool
}

type Option func(*Client)

// NewClient builds an SMS sender from gateway credentials and the sending
// phone number (E.164).
func NewClient(accountSID, authToken, from string, opts ...Option) *Client {
	defaultConfig := clients.DefaultHTTPExecutorConfig()
	c := &Client{
		baseURL:      defaultBaseURL,
		accountSID:   accountSID,
		authToken:    authToken,
		from:         from,
		client:       &http.Client{Timeout: 10 * time.Second},
		httpExecutor: clients.NewHTTPExecutor(defaultConfig),
		shouldRetry:  defaultConfig.ShouldRetry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.client = httpClient
		}
	}
}

func WithHTTPExecutorConfig(cfg clients.HTTPExecutorConfig) Option {
	return func(c *Client) {
		c.httpExecutor = clients.NewHTTPExecutor(cfg)
		c.shouldRetry = cfg.ShouldRetry
	}
}

func (c *Client) doRequest(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	if c.httpExecutor == nil {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		return c.client.Do(req)
	}

	return clients.ExecuteHTTP(ctx, c.httpExecutor, func() (*http.Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if c.shouldRetry != nil && c.shouldRetry(resp, err) {
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
		}
		return resp, err
	})
}

type messageResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SendSMS delivers one text message to an E.164 phone number and returns
// the gateway's message SID.
func (c *Client) SendSMS(ctx context.Context, to, body string) (string, error) {
	if c.accountSID == "" || c.authToken == "" {
		return "", fmt.Errorf("sms gateway credentials not configured")
	}
	if to == "" {
		return "", fmt.Errorf("recipient phone number is required")
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, c.accountSID)
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.from)
	form.Set("Body", body)
	encoded := form.Encode()

	resp, err := c.doRequest(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(c.accountSID, c.authToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var parsed messageResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode >= 400 {
		return "", &APIError{StatusCode: resp.StatusCode, Code: parsed.Code, Message: parsed.Message}
	}

	return parsed.SID, nil
}
