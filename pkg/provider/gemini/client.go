// Package gemini implements the llm.Provider interface against Google's Gemini API.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	llm "storyroom/pkg/provider"
	"storyroom/pkg/provider/providererrors"
)

// Client wraps the Google GenAI client to implement llm.Provider. The
// underlying *genai.Client is created lazily since its constructor needs a
// context, which Provider methods have but NewWithModel does not.
type Client struct {
	sdk    *genai.Client
	apiKey string
	model  string
}

// NewWithModel creates a Gemini-backed Provider pinned to a specific model.
func NewWithModel(apiKey, model string) llm.Provider {
	return &Client{apiKey: apiKey, model: model}
}

func (c *Client) Name() string { return "gemini" }

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
	if err := c.ensureClient(ctx); err != nil {
		return llm.Result{}, err
	}

	contents, systemInstruction, err := convertMessages(messages)
	if err != nil {
		return llm.Result{}, providererrors.NewErrorWithCause(providererrors.ErrorTypeBadPrompt, err, "message conversion error")
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	temperature := opts.Temperature
	//nolint:gosec // MaxTokens validated at higher layer
	genConfig := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(maxTokens),
	}
	if systemInstruction != "" {
		genConfig.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemInstruction}}}
	}

	result, err := c.sdk.Models.GenerateContent(ctx, c.model, contents, genConfig)
	if err != nil {
		return llm.Result{}, classifyError(err)
	}
	if result == nil {
		return llm.Result{}, providererrors.NewError(providererrors.ErrorTypeEmptyResponse, "received empty response from Gemini")
	}

	content := result.Text()
	if content == "" {
		return llm.Result{}, providererrors.NewError(providererrors.ErrorTypeEmptyResponse, "no text output in Gemini response")
	}

	tokens := 0
	if result.UsageMetadata != nil {
		tokens = int(result.UsageMetadata.TotalTokenCount)
	}

	return llm.Result{Content: content, Model: c.model, Tokens: tokens}, nil
}

func (c *Client) HealthCheck(ctx context.Context) (llm.HealthStatus, error) {
	if err := c.ensureClient(ctx); err != nil {
		return llm.HealthStatus{}, err
	}
	_, err := c.sdk.Models.GenerateContent(ctx, c.model,
		[]*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: "ping"}}}},
		&genai.GenerateContentConfig{MaxOutputTokens: 1})
	if err != nil {
		classified := classifyError(err)
		if classified.Type == providererrors.ErrorTypeAuth {
			return llm.HealthStatus{}, classified
		}
		return llm.HealthStatus{Available: false, Reason: classified.Error()}, nil
	}
	return llm.HealthStatus{Available: true}, nil
}

func (c *Client) ensureClient(ctx context.Context) error {
	if c.sdk != nil {
		return nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: c.apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return providererrors.NewErrorWithCause(providererrors.ErrorTypeTransient, err, "failed to create Gemini client")
	}
	c.sdk = client
	return nil
}

// convertMessages converts chat messages into Gemini's Content format,
// extracting system messages into a single system instruction string.
func convertMessages(messages []llm.ChatMessage) ([]*genai.Content, string, error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("message list cannot be empty")
	}

	var systemInstruction string
	var contents []*genai.Content

	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			if systemInstruction != "" {
				systemInstruction += "\n\n" + m.Content
			} else {
				systemInstruction = m.Content
			}
			continue
		}

		var role string
		switch m.Role {
		case llm.RoleUser:
			role = "user"
		case llm.RoleAssistant:
			role = "model" // Gemini uses "model" instead of "assistant"
		default:
			return nil, "", fmt.Errorf("unsupported message role: %s", m.Role)
		}

		if m.Content == "" {
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: m.Content}}})
	}

	return contents, systemInstruction, nil
}

func classifyError(err error) *providererrors.Error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "401"), strings.Contains(errStr, "403"), strings.Contains(errStr, "API key"):
		return providererrors.NewErrorWithCause(providererrors.ErrorTypeAuth, err, "authentication failed - check API key")
	case strings.Contains(errStr, "429"), strings.Contains(errStr, "quota"), strings.Contains(errStr, "rate"):
		return providererrors.NewErrorWithCause(providererrors.ErrorTypeRateLimit, err, "rate limit exceeded")
	case strings.Contains(errStr, "400"), strings.Contains(errStr, "invalid"):
		return providererrors.NewErrorWithCause(providererrors.ErrorTypeBadPrompt, err, "bad request")
	case strings.Contains(errStr, "500"), strings.Contains(errStr, "502"), strings.Contains(errStr, "503"), strings.Contains(errStr, "504"):
		return providererrors.NewErrorWithCause(providererrors.ErrorTypeTransient, err, "server error")
	default:
		return providererrors.NewErrorWithCause(providererrors.ErrorTypeUnknown, err, "Gemini API call failed")
	}
}

const storyGenerationSystemPrompt = `You are narrating a collaborative mystery for a group of players. ` +
	`Continue the story from the given context, responding to the players' latest action, and end on a ` +
	`moment that invites further choices. Keep the tone consistent with prior chapters.`

func composeStoryPrompt(storyContext, userPrompt string) string {
	if storyContext == "" {
		return "Latest player action:\n" + userPrompt
	}
	return "Story so far:\n" + storyContext + "\n\nLatest player action:\n" + userPrompt
}
