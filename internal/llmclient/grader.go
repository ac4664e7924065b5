package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// GraderRequest is a single-shot, schema-constrained completion — used by
// the result evaluator, which needs a structured grade, not a tool-calling
// agent loop.
type GraderRequest struct {
	SystemPrompt string
	UserPrompt   string
	SchemaName   string
	Schema       any
	MaxTokens    int
	Temperature  *float64
}

// GraderResponse carries token usage for observability; the decoded result
// is written into the `result` pointer passed to Grade.
type GraderResponse struct {
	PromptTokens     int
	CompletionTokens int
}

// GraderClient performs schema-constrained completions.
type GraderClient interface {
	Grade(ctx context.Context, req GraderRequest, result any) (*GraderResponse, error)
	Model() string
}

type graderClient struct {
	openai openai.Client
	model  string
}

var _ GraderClient = &graderClient{}

func NewGraderClient(cfg Config) (GraderClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &graderClient{openai: openai.NewClient(opts...), model: model}, nil
}

func (c *graderClient) Grade(ctx context.Context, req GraderRequest, result any) (*GraderResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1000
	}

	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.SystemPrompt),
			openai.UserMessage(req.UserPrompt),
		},
		MaxTokens: openai.Int(int64(maxTokens)),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        req.SchemaName,
					Description: openai.String("structured evaluation response"),
					Schema:      req.Schema,
					Strict:      openai.Bool(true),
				},
			},
		},
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	start := time.Now()
	resp, err := c.openai.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("llm grade: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm returned no choices")
	}

	slog.DebugContext(ctx, "llm grade completed",
		"model", c.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)

	content := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), result); err != nil {
		return nil, fmt.Errorf("unmarshal grade response: %w", err)
	}

	return &GraderResponse{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}, nil
}

func (c *graderClient) Model() string { return c.model }
