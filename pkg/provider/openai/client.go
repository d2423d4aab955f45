// Package openai implements the llm.Provider interface against the OpenAI Responses API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	llm "storyroom/pkg/provider"
	"storyroom/pkg/provider/providererrors"
)

const defaultModel = "gpt-5"

// Client wraps the official OpenAI Go client to implement llm.Provider.
type Client struct {
	sdk   openai.Client
	model string
}

// New creates an OpenAI-backed Provider using the default model.
func New(apiKey string) llm.Provider {
	return NewWithModel(apiKey, defaultModel)
}

// NewWithModel creates an OpenAI-backed Provider pinned to a specific model.
func NewWithModel(apiKey, model string) llm.Provider {
	return &Client{
		sdk:   openai.NewClient(option.WithAPIKey(apiKey)),
		model: model,
	}
}

func (c *Client) Name() string { return "openai" }

func (c *Client) GenerateStory(ctx context.Context, storyContext, userPrompt string) (llm.Result, error) {
	messages := []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: storyGenerationSystemPrompt},
		{Role: llm.RoleUser, Content: composeStoryPrompt(storyContext, userPrompt)},
	}
	return c.Chat(ctx, messages, llm.ChatOptions{Temperature: 0.9, MaxTokens: 1200})
}

func (c *Client) Summarize(ctx context.Context, text string) (llm.Result, error) {
	messages := []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: "Summarize the following narrative passage in 3-5 sentences, preserving key events and character decisions."},
		{Role: llm.RoleUser, Content: text},
	}
	return c.Chat(ctx, messages, llm.ChatOptions{Temperature: 0.3, MaxTokens: 400})
}

func (c *Client) Chat(ctx context.Context, messages []llm.ChatMessage, opts llm.ChatOptions) (llm.Result, error) {
	var input strings.Builder
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			fmt.Fprintf(&input, "System: %s\n\n", m.Content)
		case llm.RoleAssistant:
			fmt.Fprintf(&input, "Assistant: %s\n\n", m.Content)
		default:
			input.WriteString(m.Content)
			input.WriteString("\n")
		}
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(input.String())},
	}

	resp, err := c.sdk.Responses.New(ctx, params)
	if err != nil {
		return llm.Result{}, classifyError(err)
	}
	if resp == nil {
		return llm.Result{}, providererrors.NewError(providererrors.ErrorTypeEmptyResponse, "received empty response from OpenAI")
	}

	content := resp.OutputText()
	if content == "" {
		return llm.Result{}, providererrors.NewError(providererrors.ErrorTypeEmptyResponse, "no text output in OpenAI response")
	}

	return llm.Result{
		Content: content,
		Model:   c.model,
		Tokens:  int(resp.Usage.TotalTokens),
	}, nil
}

func (c *Client) HealthCheck(ctx context.Context) (llm.HealthStatus, error) {
	_, err := c.sdk.Responses.New(ctx, responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(1),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String("ping")},
	})
	if err != nil {
		classified := classifyError(err)
		if classified.Type == providererrors.ErrorTypeAuth {
			return llm.HealthStatus{}, classified
		}
		return llm.HealthStatus{Available: false, Reason: classified.Error()}, nil
	}
	return llm.HealthStatus{Available: true}, nil
}

func classifyError(err error) *providererrors.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return providererrors.NewErrorWithCause(providererrors.ErrorTypeTransient, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return providererrors.NewErrorWithCause(providererrors.ErrorTypeTransient, err, "request canceled")
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return providererrors.NewErrorWithStatus(providererrors.ErrorTypeAuth, apiErr.StatusCode, "authentication failed - check API key")
		case 429:
			return providererrors.NewErrorWithStatus(providererrors.ErrorTypeRateLimit, apiErr.StatusCode, "rate limit exceeded")
		case 400:
			return providererrors.NewErrorWithStatus(providererrors.ErrorTypeBadPrompt, apiErr.StatusCode, "bad request")
		case 500, 502, 503, 504:
			return providererrors.NewErrorWithStatus(providererrors.ErrorTypeTransient, apiErr.StatusCode, "server error")
		}
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "connection"), strings.Contains(errStr, "eof"):
		return providererrors.NewErrorWithCause(providererrors.ErrorTypeTransient, err, "network or connection error")
	case strings.Contains(errStr, "rate"), strings.Contains(errStr, "quota"):
		return providererrors.NewErrorWithCause(providererrors.ErrorTypeRateLimit, err, "rate limiting detected")
	case strings.Contains(errStr, "auth"), strings.Contains(errStr, "unauthorized"):
		return providererrors.NewErrorWithCause(providererrors.ErrorTypeAuth, err, "authentication error")
	default:
		return providererrors.NewErrorWithCause(providererrors.ErrorTypeUnknown, err, "unclassified error")
	}
}

const storyGenerationSystemPrompt = `You are narrating a collaborative mystery for a group of players. ` +
	`Continue the story from the given context, responding to the players' latest action, and end on a ` +
	`moment that invites further choices. Keep the tone consistent with prior chapters.`

func composeStoryPrompt(storyContext, userPrompt string) string {
	var b strings.Builder
	if storyContext != "" {
		b.WriteString("Story so far:\n")
		b.WriteString(storyContext)
		b.WriteString("\n\n")
	}
	b.WriteString("Latest player action:\n")
	b.WriteString(userPrompt)
	return b.String()
}
