// Package llmclient wraps the external LLM HTTP endpoint (§6.3) behind two
// narrow interfaces: AgentClient for the planner's tool-calling loop, and
// GraderClient for the evaluator's single-shot structured grade.
package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Config configures both clients. BaseURL lets the same client target any
// OpenAI-compatible completion endpoint, matching the "HTTP POST {model,
// messages, temperature, max_tokens, stream:false}" contract in §6.3.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Message mirrors one entry of the wire contract's messages array.
type Message struct {
	Role       string // system | user | assistant | tool
	Name       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// Tool describes one callable the planner may invoke (the explore/read/
// submit_actions-equivalent tools for this domain).
type Tool struct {
	Name        string
	Description string
	Parameters  any
}

// ToolCall is one invocation the model requested.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// AgentRequest is one turn of the planning tool-calling loop.
type AgentRequest struct {
	Messages    []Message
	Tools       []Tool
	MaxTokens   int
	Temperature *float64
}

// AgentResponse is the model's reply for one turn.
type AgentResponse struct {
	Content          string
	ToolCalls        []ToolCall
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// AgentClient is the tool-calling transport used by the step planner.
type AgentClient interface {
	ChatWithTools(ctx context.Context, req AgentRequest) (*AgentResponse, error)
	Model() string
}

type agentClient struct {
	openai openai.Client
	model  string
}

var _ AgentClient = &agentClient{}

// NewAgentClient builds an AgentClient. If cfg.Model is empty, a sensible
// planning-grade default is used.
func NewAgentClient(cfg Config) (AgentClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm api key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}

	return &agentClient{openai: openai.NewClient(opts...), model: model}, nil
}

func (c *agentClient) ChatWithTools(ctx context.Context, req AgentRequest) (*AgentResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	params := openai.ChatCompletionNewParams{
		Model:               c.model,
		Messages:            convertMessages(req.Messages),
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	if tools := convertTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	start := time.Now()
	resp, err := c.openai.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("llm chat with tools: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm returned no choices")
	}

	choice := resp.Choices[0]
	slog.DebugContext(ctx, "agent chat completed",
		"model", c.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"finish_reason", choice.FinishReason)

	result := &AgentResponse{
		Content:          choice.Message.Content,
		FinishReason:     string(choice.FinishReason),
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

func (c *agentClient) Model() string { return c.model }

func convertMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case "system":
			result = append(result, openai.SystemMessage(msg.Content))
		case "user":
			result = append(result, openai.UserMessage(msg.Content))
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				toolCalls := make([]openai.ChatCompletionMessageToolCallParam, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					toolCalls[i] = openai.ChatCompletionMessageToolCallParam{
						ID:   tc.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					}
				}
				result = append(result, openai.ChatCompletionMessageParamUnion{
					OfAssistant: &openai.ChatCompletionAssistantMessageParam{
						Content:   openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(msg.Content)},
						ToolCalls: toolCalls,
					},
				})
			} else {
				result = append(result, openai.AssistantMessage(msg.Content))
			}
		case "tool":
			result = append(result, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}
	return result
}

func convertTools(tools []Tool) []openai.ChatCompletionToolParam {
	result := make([]openai.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		var params map[string]any
		if t.Parameters != nil {
			data, _ := json.Marshal(t.Parameters)
			_ = json.Unmarshal(data, &params)
		}
		result[i] = openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  params,
			},
		}
	}
	return result
}

// ParseToolArguments decodes a tool call's raw JSON arguments into T.
func ParseToolArguments[T any](arguments string) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(arguments), &v); err != nil {
		return v, fmt.Errorf("parse tool arguments: %w", err)
	}
	return v, nil
}

// GenerateSchema reflects T into a JSON schema for tool parameter
// declarations, disallowing additional properties for stricter decoding.
func GenerateSchema[T any]() any {
	reflector := jsonschema.Reflector{AllowAdditionalProperties: false, DoNotReference: true}
	var v T
	return reflector.Reflect(v)
}

var nameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeName adapts an arbitrary client-supplied identity string into the
// character set OpenAI's message "name" field accepts, truncated to 64
// characters.
func SanitizeName(name string) string {
	sanitized := nameSanitizer.ReplaceAllString(name, "_")
	if len(sanitized) > 64 {
		sanitized = sanitized[:64]
	}
	return sanitized
}
