// Package webpush delivers notifications to browser push services using the
// aes128gcm content coding (RFC 8291) with VAPID authorization (RFC 8292).
// It speaks directly to the push endpoints handed out by browsers, so it works
// against Mozilla autopush, FCM and any other compliant push service.
package webpush

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"github.com/jddunn/safeos/pkg/clients"
)

// ErrSubscriptionGone indicates the push service no longer knows the
// subscription (404/410). Callers should drop the subscription from storage.
var ErrSubscriptionGone = errors.New("webpush: subscription no longer valid")

// ErrPayloadTooLarge indicates the plaintext exceeds what fits in a single
// 4 KiB push record after encryption overhead.
var ErrPayloadTooLarge = errors.New("webpush: payload exceeds push service limit")

type APIError struct {
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("push service returned status: %d", e.StatusCode)
}

// Subscription mirrors the JSON produced by PushSubscription.toJSON() in the
// browser: the service endpoint plus the subscriber's key material.
type Subscription struct {
	Endpoint string           `json:"endpoint"`
	Keys     SubscriptionKeys `json:"keys"`
}

type SubscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Message is one push delivery. Zero values fall back to the client defaults.
type Message struct {
	Payload []byte
	TTL     int    // seconds the push service may queue the message
	Urgency string // very-low, low, normal, high
	Topic   string // coalesces queued messages carrying the same topic
}

type Client struct {
	vapid        *vapidKey
	subject      string
	tokens       *tokenCache
	defaultTTL   int
	client       *http.Client
	httpExecutor failsafe.Executor[*http.Response]
	shouldRetry  func(resp *http.Response, err error) bool
}

type Option func(*Client)

// NewClient builds a push sender from a VAPID private key (base64url raw P-256
// scalar) and a contact subject (mailto: or https: URI).
func NewClient(vapidPrivateKey, subject string, opts ...Option) (*Client, error) {
	key, err := parseVAPIDKey(vapidPrivateKey)
	if err != nil {
		return nil, err
	}
	if subject == "" {
		return nil, errors.New("webpush: subject is required")
	}

	defaultConfig := clients.DefaultHTTPExecutorConfig()
	c := &Client{
		vapid:        key,
		subject:      normalizeSubject(subject),
		tokens:       newTokenCache(),
		defaultTTL:   86400,
		client:       &http.Client{Timeout: 10 * time.Second, Transport: clients.DefaultTransport()},
		httpExecutor: clients.NewHTTPExecutor(defaultConfig),
		shouldRetry:  defaultConfig.ShouldRetry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
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

func WithDefaultTTL(seconds int) Option {
	return func(c *Client) {
		if seconds > 0 {
			c.defaultTTL = seconds
		}
	}
}

// PublicKey returns the base64url application server key that browsers need
// as the applicationServerKey when subscribing.
func (c *Client) PublicKey() string {
	return c.vapid.public
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

// Send encrypts and posts one message to the subscription's push service.
// A 404 or 410 response maps to ErrSubscriptionGone so callers can prune
// dead subscriptions.
func (c *Client) Send(ctx context.Context, sub Subscription, msg Message) error {
	uaPublic, err := decodeKey(sub.Keys.P256dh)
	if err != nil {
		return fmt.Errorf("webpush: invalid p256dh key: %w", err)
	}
	authSecret, err := decodeKey(sub.Keys.Auth)
	if err != nil {
		return fmt.Errorf("webpush: invalid auth secret: %w", err)
	}

	body, err := encryptPayload(msg.Payload, uaPublic, authSecret)
	if err != nil {
		return err
	}

	audience, err := endpointAudience(sub.Endpoint)
	if err != nil {
		return err
	}
	token, err := c.tokens.get(audience, c.vapid, c.subject)
	if err != nil {
		return err
	}

	ttl := msg.TTL
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	resp, err := c.doRequest(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "POST", sub.Endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("Content-Encoding", "aes128gcm")
		req.Header.Set("TTL", strconv.Itoa(ttl))
		if msg.Urgency != "" {
			req.Header.Set("Urgency", msg.Urgency)
		}
		if msg.Topic != "" {
			req.Header.Set("Topic", msg.Topic)
		}
		req.Header.Set("Authorization", fmt.Sprintf("vapid t=%s, k=%s", token, c.vapid.public))
		return req, nil
	})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrSubscriptionGone
	case resp.StatusCode >= 400:
		return &APIError{StatusCode: resp.StatusCode}
	}

	return nil
}

func normalizeSubject(subject string) string {
	if len(subject) >= 7 && (subject[:7] == "mailto:" || subject[:7] == "https:/") {
		return subject
	}
	return "mailto:" + subject
}
