// Package circuit provides circuit breaker middleware for LLM providers.
package circuit

import (
	"context"

	llm "storyroom/pkg/provider"
)

// Middleware returns a middleware function that wraps a provider with circuit breaker logic.
// If the circuit is OPEN, requests are rejected immediately without calling the underlying provider.
// This prevents cascading failures and gives the downstream service time to recover.
func Middleware(breaker Breaker) llm.Middleware {
	return func(next llm.Provider) llm.Provider {
		return llm.WrapProvider(next.Name(),
			func(ctx context.Context, storyContext, userPrompt string) (llm.Result, error) {
				if !breaker.Allow() {
					return llm.Result{}, &Error{State: breaker.GetState()}
				}
				resp, err := next.GenerateStory(ctx, storyContext, userPrompt)
				breaker.Record(err == nil)
				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			func(ctx context.Context, text string) (llm.Result, error) {
				if !breaker.Allow() {
					return llm.Result{}, &Error{State: breaker.GetState()}
				}
				resp, err := next.Summarize(ctx, text)
				breaker.Record(err == nil)
				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			func(ctx context.Context, messages []llm.ChatMessage, opts llm.ChatOptions) (llm.Result, error) {
				if !breaker.Allow() {
					return llm.Result{}, &Error{State: breaker.GetState()}
				}
				resp, err := next.Chat(ctx, messages, opts)
				breaker.Record(err == nil)
				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			func(ctx context.Context) (llm.HealthStatus, error) {
				// Health checks bypass the breaker so availability polling can
				// detect recovery even while the circuit is open.
				return next.HealthCheck(ctx)
			},
		)
	}
}
