package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
)

var (
	// ErrRateLimited marks a 429 from the generation service. Callers report
	// the credential back to the key pool.
	ErrRateLimited = errors.New("ai: rate limited")
	// ErrMalformedResponse is returned when a completion carries no choices.
	ErrMalformedResponse = errors.New("ai: malformed response")
)

const (
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
)

// Message is one entry of the conversation history sent with a request.
type Message struct {
	Role    string
	Content string
}

// Tool describes a function the model may call.
type Tool struct {
	Name        string
	Description string
	Parameters  jsonschema.Definition
}

// ToolCall is a raw function invocation returned by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

type Request struct {
	System    string
	History   []Message
	Tools     []Tool
	MaxTokens int
}

type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// Generator produces a completion using the given credential secret.
type Generator interface {
	Generate(ctx context.Context, secret string, req Request) (Response, error)
}

// LLMConfig holds configuration for LLM interactions
type LLMConfig struct {
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature float32
}

// DefaultLLMConfig returns standard LLM configuration
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Model:       openai.GPT4oMini,
		MaxTokens:   400,
		Temperature: 0.8,
	}
}

// OpenAIGenerator talks to an OpenAI compatible chat completion endpoint. One
// client is kept per credential.
type OpenAIGenerator struct {
	config  LLMConfig
	mu      sync.Mutex
	clients map[string]*openai.Client
}

func NewOpenAIGenerator(config LLMConfig) *OpenAIGenerator {
	return &OpenAIGenerator{config: config, clients: make(map[string]*openai.Client)}
}

func (g *OpenAIGenerator) client(secret string) *openai.Client {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.clients[secret]; ok {
		return c
	}
	cfg := openai.DefaultConfig(secret)
	if g.config.BaseURL != "" {
		cfg.BaseURL = g.config.BaseURL
	}
	c := openai.NewClientWithConfig(cfg)
	g.clients[secret] = c
	return c
}

func (g *OpenAIGenerator) Generate(ctx context.Context, secret string, req Request) (Response, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = g.config.MaxTokens
	}
	creq := openai.ChatCompletionRequest{
		Model:       g.config.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: g.config.Temperature,
	}
	for _, t := range req.Tools {
		params := t.Parameters
		creq.Tools = append(creq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  &params,
			},
		})
	}

	resp, err := g.client(secret).CreateChatCompletion(ctx, creq)
	if err != nil {
		return Response{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, ErrMalformedResponse
	}

	msg := resp.Choices[0].Message
	out := Response{Text: strings.TrimSpace(msg.Content)}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// classify maps transport errors onto the package sentinels.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return fmt.Errorf("generation failed: %w", err)
}

// IsRateLimited reports whether err came from a 429.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
