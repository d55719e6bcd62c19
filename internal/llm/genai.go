package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GenAIConfig configures the Gemini completion provider.
type GenAIConfig struct {
	APIKey string
	Model  string // defaults to gemini-2.5-flash
}

// GenAIClient generates completions with the Gemini API.
type GenAIClient struct {
	models *genai.Models
	model  string
}

// NewGenAI creates a Gemini completion client.
func NewGenAI(ctx context.Context, config GenAIConfig) (*GenAIClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	model := config.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIClient{models: client.Models, model: model}, nil
}

// Generate runs one completion.
func (c *GenAIClient) Generate(ctx context.Context, r Request) (string, error) {
	temperature := float32(r.Temperature)
	cfg := &genai.GenerateContentConfig{Temperature: &temperature}
	if r.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(r.System, genai.RoleUser)
	}
	if r.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(r.MaxTokens)
	}

	resp, err := c.models.GenerateContent(ctx, c.model, genai.Text(r.Prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("GenAI generate failed: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("no response returned")
	}
	return text, nil
}
