// Package openrouter provides the chat completion client for the OpenRouter API.
package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/treechat/treechat/internal/config"
	"github.com/treechat/treechat/internal/port/chat"
	"github.com/treechat/treechat/internal/resilience"
)

const (
	systemPrompt = "你是一个有用的AI助手"
	temperature  = 0.7
	maxTokens    = 8000
)

// APIError is a non-2xx response from the OpenRouter API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openrouter API error %d: %s", e.Status, e.Message)
}

// Client talks to the OpenRouter chat completions API.
type Client struct {
	baseURL    string
	apiKey     string
	keyFunc    func() string
	referer    string
	appTitle   string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

var _ chat.Client = (*Client)(nil)

// NewClient creates an OpenRouter client from config.
func NewClient(cfg config.OpenRouter) *Client {
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		referer:  cfg.Referer,
		appTitle: cfg.AppTitle,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// SetKeyFunc installs a dynamic API key source, taking precedence over the
// key from config. Used for hot key rotation without a restart.
func (c *Client) SetKeyFunc(f func() string) {
	c.keyFunc = f
}

func (c *Client) key() string {
	if c.keyFunc != nil {
		if k := c.keyFunc(); k != "" {
			return k
		}
	}
	return c.apiKey
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Complete returns the full completion for a single user message.
func (c *Client) Complete(ctx context.Context, msg, model string) (string, error) {
	var content string
	call := func() error {
		resp, err := c.send(ctx, msg, model, false)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		var result completionResponse
		if err := json.Unmarshal(data, &result); err != nil {
			return fmt.Errorf("unmarshal completion: %w", err)
		}
		if len(result.Choices) == 0 {
			return fmt.Errorf("completion has no choices")
		}
		content = result.Choices[0].Message.Content
		return nil
	}

	if err := c.execute(call); err != nil {
		return "", err
	}
	return content, nil
}

// Stream delivers the completion as SSE deltas. onFragment is called once
// per content fragment, in order. The returned string concatenates every
// fragment that arrived, including before a mid-stream failure.
func (c *Client) Stream(ctx context.Context, msg, model string, onFragment func(string)) (string, error) {
	var full strings.Builder
	call := func() error {
		resp, err := c.send(ctx, msg, model, true)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		reader := bufio.NewReader(resp.Body)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					return nil
				}
				return fmt.Errorf("read stream: %w", err)
			}

			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				return nil
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				// Malformed frames are skipped, not fatal.
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				full.WriteString(delta)
				if onFragment != nil {
					onFragment(delta)
				}
			}
		}
	}

	err := c.execute(call)
	return full.String(), err
}

func (c *Client) execute(call func() error) error {
	if c.breaker != nil {
		return c.breaker.Execute(call)
	}
	return call()
}

// send issues the completions request. The caller owns the response body.
func (c *Client) send(ctx context.Context, msg, model string, stream bool) (*http.Response, error) {
	body, err := json.Marshal(completionRequest{
		Model: model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: msg},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.key())
	if c.referer != "" {
		req.Header.Set("HTTP-Referer", c.referer)
	}
	if c.appTitle != "" {
		req.Header.Set("X-Title", c.appTitle)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		return nil, parseAPIError(resp)
	}
	return resp, nil
}

// parseAPIError extracts the error message from a failed response body.
func parseAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Message: "Unknown error"}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apiErr
	}

	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error.Message != "" {
		apiErr.Message = body.Error.Message
	}
	return apiErr
}
