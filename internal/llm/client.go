// Package llm talks to chat completion models.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// DefaultSocketBaseURL is the Docker Model Runner engine path reached through its unix socket.
const DefaultSocketBaseURL = "http://localhost/exp/vDD4.40/engines/llama.cpp/v1"

// Config holds LLM client configuration.
type Config struct {
	SocketPath string        // Unix socket path for Docker Model Runner
	BaseURL    string        // OpenAI-compatible base URL, used when SocketPath is empty
	APIKey     string        // optional bearer token
	Model      string        // Model name (e.g., "ai/gemma3")
	Timeout    time.Duration // per request; 0 means none
}

// Request is one completion call.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int     // 0 means the model default
	Temperature float64 // 0 is passed through as deterministic sampling
}

// Generator produces a completion for one request.
type Generator interface {
	Generate(ctx context.Context, r Request) (string, error)
}

// Client talks to an OpenAI-compatible chat completions API.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	model      string
}

// New creates a new LLM client.
func New(config Config) (*Client, error) {
	if config.SocketPath == "" && config.BaseURL == "" {
		return nil, fmt.Errorf("socket path or base URL is required")
	}
	if config.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	httpClient := &http.Client{Timeout: config.Timeout}
	baseURL := config.BaseURL
	if config.SocketPath != "" {
		httpClient.Transport = &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", config.SocketPath)
			},
		}
		if baseURL == "" {
			baseURL = DefaultSocketBaseURL
		}
	}

	return &Client{
		httpClient: httpClient,
		endpoint:   strings.TrimRight(baseURL, "/") + "/chat/completions",
		apiKey:     config.APIKey,
		model:      config.Model,
	}, nil
}

// chatRequest is the request payload for the chat completions API.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"` // Limit response length
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the response from the chat completions API.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate runs one chat completion. The system text, if any, goes first.
func (c *Client) Generate(ctx context.Context, r Request) (string, error) {
	var messages []chatMessage
	if r.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: r.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: r.Prompt})

	req := chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	slog.Debug("requesting completion", "model", c.model, "prompt_len", len(r.Prompt))
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if chatResp.Error != nil {
		return "", fmt.Errorf("API error: %s", chatResp.Error.Message)
	}

	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no response returned")
	}

	return strings.TrimSpace(chatResp.Choices[0].Message.Content), nil
}
