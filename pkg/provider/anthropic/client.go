// Package anthropic implements the llm.Provider interface against Claude.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	llm "storyroom/pkg/provider"
	"storyroom/pkg/provider/providererrors"
)

const defaultModel = anthropic.ModelClaudeSonnet4_20250514

// Client wraps the Anthropic SDK to implement llm.Provider.
type Client struct {
	sdk   anthropic.Client
	model anthropic.Model
}

// New creates a Claude-backed Provider using the default model.
func New(apiKey string) llm.Provider {
	return NewWithModel(apiKey, string(defaultModel))
}

// NewWithModel creates a Claude-backed Provider pinned to a specific model.
func NewWithModel(apiKey, model string) llm.Provider {
	return &Client{
		sdk: anthropic.NewClient(
			option.WithAPIKey(apiKey),
			option.WithMaxRetries(0), // retries handled by pkg/queue
		),
		model: anthropic.Model(model),
	}
}

func (c *Client) Name() string { return "anthropic" }

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
	systemPrompt, alternating, err := ensureAlternation(messages)
	if err != nil {
		return llm.Result{}, providererrors.NewError(providererrors.ErrorTypeBadPrompt, fmt.Sprintf("message alternation error: %v", err))
	}

	msgParams := make([]anthropic.MessageParam, 0, len(alternating))
	for _, m := range alternating {
		role := anthropic.MessageParamRole(m.Role)
		msgParams = append(msgParams, anthropic.MessageParam{
			Role:    role,
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)},
		})
	}

	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    msgParams,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(float64(opts.Temperature)),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt, Type: "text"}}
	}

	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return llm.Result{}, classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.Result{}, providererrors.NewError(providererrors.ErrorTypeEmptyResponse, "received empty response from Claude")
	}

	var content strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			content.WriteString(block.AsText().Text)
		}
	}

	return llm.Result{
		Content: content.String(),
		Model:   string(c.model),
		Tokens:  int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}, nil
}

func (c *Client) HealthCheck(ctx context.Context) (llm.HealthStatus, error) {
	_, err := c.sdk.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("ping"))},
		MaxTokens: 1,
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

// ensureAlternation extracts system messages and merges consecutive
// non-assistant turns so the remainder strictly alternates user/assistant,
// as Claude's Messages API requires.
func ensureAlternation(messages []llm.ChatMessage) (systemPrompt string, alternating []llm.ChatMessage, err error) {
	if len(messages) == 0 {
		return "", nil, fmt.Errorf("message list cannot be empty")
	}

	var systemParts []string
	var rest []llm.ChatMessage
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			systemParts = append(systemParts, m.Content)
		} else {
			rest = append(rest, m)
		}
	}
	systemPrompt = strings.Join(systemParts, "\n\n")
	if len(rest) == 0 {
		return "", nil, fmt.Errorf("must have at least one non-system message")
	}

	var merged []llm.ChatMessage
	var buf []string
	flush := func() {
		if len(buf) > 0 {
			merged = append(merged, llm.ChatMessage{Role: llm.RoleUser, Content: strings.Join(buf, "\n\n")})
			buf = nil
		}
	}
	for _, m := range rest {
		if m.Role == llm.RoleAssistant {
			flush()
			merged = append(merged, m)
		} else {
			buf = append(buf, m.Content)
		}
	}
	flush()

	for i := 1; i < len(merged); i++ {
		if merged[i].Role == merged[i-1].Role {
			return "", nil, fmt.Errorf("alternation violation at index %d: consecutive %s messages", i, merged[i].Role)
		}
	}
	if merged[0].Role != llm.RoleUser {
		return "", nil, fmt.Errorf("first message must be user role, got: %s", merged[0].Role)
	}

	return systemPrompt, merged, nil
}

// classifyError maps Anthropic SDK errors to the shared provider error
// taxonomy (spec §7: transient/rate-limit/auth/bad-input/unknown).
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

	var apiErr *anthropic.Error
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
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "connection"),
		strings.Contains(errStr, "eof"), strings.Contains(errStr, "reset"):
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
