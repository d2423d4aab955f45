// Package timeout provides timeout middleware for LLM providers.
package timeout

import (
	"context"
	"time"

	llm "storyroom/pkg/provider"
)

// Middleware returns a middleware function that wraps a provider with per-call timeout logic.
// Each call gets its own timeout context derived from the caller's context, so a single slow
// provider call cannot hang a queued request indefinitely.
func Middleware(duration time.Duration) llm.Middleware {
	return func(next llm.Provider) llm.Provider {
		return llm.WrapProvider(next.Name(),
			func(ctx context.Context, storyContext, userPrompt string) (llm.Result, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()
				return next.GenerateStory(timeoutCtx, storyContext, userPrompt)
			},
			func(ctx context.Context, text string) (llm.Result, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()
				return next.Summarize(timeoutCtx, text)
			},
			func(ctx context.Context, messages []llm.ChatMessage, opts llm.ChatOptions) (llm.Result, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()
				return next.Chat(timeoutCtx, messages, opts)
			},
			func(ctx context.Context) (llm.HealthStatus, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()
				return next.HealthCheck(timeoutCtx)
			},
		)
	}
}
