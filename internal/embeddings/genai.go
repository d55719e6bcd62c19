package embeddings

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAIConfig configures the Gemini embeddings provider.
type GenAIConfig struct {
	APIKey        string
	BaseURL       string // optional API endpoint override
	Model         string // defaults to gemini-embedding-001
	Dimensions    int    // output size; defaults to the model's native size
	TaskType      string // for indexed chunks, defaults to RETRIEVAL_DOCUMENT
	QueryTaskType string // for questions, defaults to RETRIEVAL_QUERY
}

// GenAIClient embeds text with the Gemini API.
type GenAIClient struct {
	models        *genai.Models
	model         string
	taskType      string
	queryTaskType string
	dims          int32
}

// NewGenAI creates a Gemini embeddings client.
func NewGenAI(ctx context.Context, config GenAIConfig) (*GenAIClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	model := config.Model
	if model == "" {
		model = "gemini-embedding-001"
	}
	taskType := config.TaskType
	if taskType == "" {
		taskType = "RETRIEVAL_DOCUMENT"
	}
	queryTaskType := config.QueryTaskType
	if queryTaskType == "" {
		queryTaskType = "RETRIEVAL_QUERY"
	}
	dims := config.Dimensions
	if dims <= 0 {
		dims = Dimensions(model)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      config.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: config.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIClient{
		models:        client.Models,
		model:         model,
		taskType:      taskType,
		queryTaskType: queryTaskType,
		dims:          int32(dims),
	}, nil
}

// Dimensions returns the requested vector size.
func (c *GenAIClient) Dimensions() int {
	return int(c.dims)
}

// EmbedBatch embeds document texts in one request. Gemini batches natively.
func (c *GenAIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return c.embed(ctx, texts, c.taskType)
}

// EmbedQuery embeds a question with the query task type.
func (c *GenAIClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.embed(ctx, []string{text}, c.queryTaskType)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *GenAIClient) embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(truncate(text, MaxInputChars), genai.RoleUser)
	}

	dims := c.dims
	result, err := c.models.EmbedContent(ctx, c.model, contents, &genai.EmbedContentConfig{
		TaskType:             taskType,
		OutputDimensionality: &dims,
	})
	if err != nil {
		return nil, fmt.Errorf("GenAI embed failed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}

	vectors := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vectors[i] = emb.Values
	}
	return vectors, nil
}

// Name identifies the provider in logs.
func (c *GenAIClient) Name() string {
	return "genai:" + c.model
}
