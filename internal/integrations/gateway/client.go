package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const defaultBaseURL = "https://ai.gateway.lovable.dev/v1"

var (
	// ErrMissingCredential reports that no gateway API key is configured.
	ErrMissingCredential = errors.New("gateway: API key is not configured")
	// ErrNoBody reports a successful response that carried no stream.
	ErrNoBody = errors.New("gateway: no stream body in response")
)

// KeySource yields the gateway API key.
type KeySource interface {
	APIKey(ctx context.Context) (string, error)
}

// StaticKey is a KeySource backed by a fixed value, typically from the environment.
type StaticKey string

func (k StaticKey) APIKey(_ context.Context) (string, error) {
	key := strings.TrimSpace(string(k))
	if key == "" {
		return "", ErrMissingCredential
	}
	return key, nil
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("gateway: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client streams chat completions from an OpenAI-compatible gateway.
type Client struct {
	baseURL    string
	httpClient *http.Client
	keys       KeySource

	keyMu  sync.Mutex
	apiKey string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if u := strings.TrimSpace(baseURL); u != "" {
			c.baseURL = u
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client. The API key is resolved from keys on the first
// call to Ready or Stream and reused for the lifetime of the process; a failed
// lookup is retried on the next call.
func NewClient(keys KeySource, opts ...Option) (*Client, error) {
	if keys == nil {
		return nil, errors.New("gateway: key source must not be nil")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: newStreamingHTTPClient(),
		keys:       keys,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// newStreamingHTTPClient bounds connection setup and time to first byte but
// not the body, which stays open for as long as the completion streams.
func newStreamingHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   16,
			ForceAttemptHTTP2:     true,
		},
	}
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	key, err := c.keys.APIKey(ctx)
	if err != nil {
		return "", err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrMissingCredential
	}
	c.apiKey = key
	return key, nil
}

// Ready reports whether the gateway credential is available.
func (c *Client) Ready(ctx context.Context) error {
	_, err := c.resolveAPIKey(ctx)
	return err
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Stream opens a streaming chat completion and returns the raw event-stream
// body. The caller owns the body and must close it.
func (c *Client) Stream(ctx context.Context, model string, messages []openai.ChatCompletionMessage) (io.ReadCloser, error) {
	if model == "" {
		return nil, errors.New("gateway: model must not be empty")
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal request: %w", err)
	}

	url := chatURL(c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gateway: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: request failed: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer func() { _ = res.Body.Close() }()
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}
	if res.Body == nil || res.Body == http.NoBody || res.ContentLength == 0 {
		if res.Body != nil {
			_ = res.Body.Close()
		}
		return nil, ErrNoBody
	}
	return res.Body, nil
}
