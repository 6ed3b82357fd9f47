// Package llm provides a small client for Ollama's generate API plus
// tolerant parsing for model output that is supposed to be JSON.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	qerrors "github.com/quarry-kb/quarry/internal/errors"
)

const (
	// DefaultHost is where a local Ollama daemon listens.
	DefaultHost = "http://localhost:11434"

	// DefaultTimeout bounds a single generation request.
	DefaultTimeout = 60 * time.Second
)

// Client calls Ollama's /api/generate endpoint.
type Client struct {
	httpClient *http.Client
	transport  *http.Transport
	host       string
	timeout    time.Duration

	mu     sync.Mutex
	closed bool
}

// Config configures the LLM client.
type Config struct {
	Host    string
	Timeout time.Duration
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// NewClient creates an Ollama generation client.
func NewClient(cfg Config) *Client {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	transport := &http.Transport{
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     10 * time.Second,
	}
	return &Client{
		httpClient: &http.Client{Transport: transport},
		transport:  transport,
		host:       cfg.Host,
		timeout:    cfg.Timeout,
	}
}

// Generate runs a non-streaming completion and returns the raw response
// text. Timeouts surface as transient errors so callers can retry.
func (c *Client) Generate(ctx context.Context, model, prompt string) (string, error) {
	return c.generate(ctx, model, prompt, "")
}

// GenerateJSON runs a completion with Ollama's JSON format constraint.
// The model still occasionally wraps or truncates output, so callers
// should parse the result with ExtractJSON.
func (c *Client) GenerateJSON(ctx context.Context, model, prompt string) (string, error) {
	return c.generate(ctx, model, prompt, "json")
}

func (c *Client) generate(ctx context.Context, model, prompt, format string) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", fmt.Errorf("llm client is closed")
	}
	c.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(generateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: false,
		Format: format,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return "", qerrors.New(qerrors.ErrCodeLLMTimeout, "llm generation timed out", err)
		}
		return "", qerrors.New(qerrors.ErrCodeServerError, "llm request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", qerrors.New(qerrors.ErrCodeServerError,
			fmt.Sprintf("llm returned status %d: %s", resp.StatusCode, truncate(string(respBody), 200)), nil)
	}

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	return result.Response, nil
}

// Available checks if the daemon is reachable.
func (c *Client) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.transport.CloseIdleConnections()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
