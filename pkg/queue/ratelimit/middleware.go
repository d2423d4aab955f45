// Package ratelimit (middleware.go) wraps a provider so every call first
// passes through its paced Limiter.
package ratelimit

import (
	"context"

	llm "storyroom/pkg/provider"
)

// Middleware returns a middleware function that paces calls to next through
// the registry's limiter for next's provider name.
func Middleware(registry *Registry) llm.Middleware {
	return func(next llm.Provider) llm.Provider {
		limiter := registry.For(next.Name())
		return llm.WrapProvider(next.Name(),
			func(ctx context.Context, storyContext, userPrompt string) (llm.Result, error) {
				release, err := limiter.Acquire(ctx)
				if err != nil {
					return llm.Result{}, err //nolint:wrapcheck // Middleware should pass through errors unchanged
				}
				defer release()
				return next.GenerateStory(ctx, storyContext, userPrompt)
			},
			func(ctx context.Context, text string) (llm.Result, error) {
				release, err := limiter.Acquire(ctx)
				if err != nil {
					return llm.Result{}, err //nolint:wrapcheck // Middleware should pass through errors unchanged
				}
				defer release()
				return next.Summarize(ctx, text)
			},
			func(ctx context.Context, messages []llm.ChatMessage, opts llm.ChatOptions) (llm.Result, error) {
				release, err := limiter.Acquire(ctx)
				if err != nil {
					return llm.Result{}, err //nolint:wrapcheck // Middleware should pass through errors unchanged
				}
				defer release()
				return next.Chat(ctx, messages, opts)
			},
			func(ctx context.Context) (llm.HealthStatus, error) {
				return next.HealthCheck(ctx)
			},
		)
	}
}
