// Package ollama implements the llm.Provider interface against a local Ollama runtime.
package ollama

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	llm "storyroom/pkg/provider"
	"storyroom/pkg/provider/providererrors"
)

// Client wraps the Ollama API client to implement llm.Provider.
type Client struct {
	sdk     *api.Client
	model   string
	hostURL string
}

// NewWithModel creates an Ollama-backed Provider. hostURL is the Ollama
// server address, e.g. "http://localhost:11434".
func NewWithModel(hostURL, model string) llm.Provider {
	parsed, err := url.Parse(hostURL)
	if err != nil {
		parsed, _ = url.Parse("http://localhost:11434")
	}
	return &Client{
		sdk:     api.NewClient(parsed, http.DefaultClient),
		model:   model,
		hostURL: hostURL,
	}
}

func (c *Client) Name() string { return "ollama" }

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
	if len(messages) == 0 {
		return llm.Result{}, providererrors.NewError(providererrors.ErrorTypeBadPrompt, "message list cannot be empty")
	}

	ollamaMessages := make([]api.Message, 0, len(messages))
	for _, m := range messages {
		ollamaMessages = append(ollamaMessages, api.Message{Role: string(m.Role), Content: m.Content})
	}

	stream := false
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: ollamaMessages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": opts.Temperature,
			"num_predict": opts.MaxTokens,
		},
	}

	var resp api.ChatResponse
	err := c.sdk.Chat(ctx, req, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	if err != nil {
		return llm.Result{}, classifyError(err)
	}
	if resp.Message.Content == "" {
		return llm.Result{}, providererrors.NewError(providererrors.ErrorTypeEmptyResponse, "received empty response from Ollama")
	}

	return llm.Result{
		Content: resp.Message.Content,
		Model:   c.model,
		Tokens:  resp.PromptEvalCount + resp.EvalCount,
	}, nil
}

func (c *Client) HealthCheck(ctx context.Context) (llm.HealthStatus, error) {
	if _, err := c.sdk.Version(ctx); err != nil {
		return llm.HealthStatus{Available: false, Reason: err.Error()}, nil
	}
	return llm.HealthStatus{Available: true}, nil
}

// classifyError converts Ollama errors to the shared provider error taxonomy.
func classifyError(err error) *providererrors.Error {
	if err == nil {
		return nil
	}

	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "connection refused"):
		return providererrors.NewErrorWithCause(providererrors.ErrorTypeTransient, err, "Ollama server not reachable")
	case strings.Contains(errStr, "model") && strings.Contains(errStr, "not found"):
		return providererrors.NewErrorWithCause(providererrors.ErrorTypeBadPrompt, err, "Ollama model not found")
	case strings.Contains(errStr, "context canceled"):
		return providererrors.NewErrorWithCause(providererrors.ErrorTypeTransient, err, "request canceled")
	case strings.Contains(errStr, "timeout"):
		return providererrors.NewErrorWithCause(providererrors.ErrorTypeTransient, err, "request timeout")
	default:
		return providererrors.NewErrorWithCause(providererrors.ErrorTypeUnknown, err, "Ollama API error")
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
