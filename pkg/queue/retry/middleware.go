// Package retry provides retry middleware for LLM providers.
package retry

import (
	"context"
	"fmt"
	"time"

	llm "storyroom/pkg/provider"
	"storyroom/pkg/provider/providererrors"

	"storyroom/pkg/logx"
)

// Middleware returns a middleware function that wraps a provider with retry logic.
// It will retry failed requests according to the configured policy, with exponential backoff.
func Middleware(policy *Policy, logger *logx.Logger) llm.Middleware {
	return func(next llm.Provider) llm.Provider {
		return llm.WrapProvider(next.Name(),
			func(ctx context.Context, storyContext, userPrompt string) (llm.Result, error) {
				return withRetry(ctx, policy, logger, func() (llm.Result, error) {
					return next.GenerateStory(ctx, storyContext, userPrompt)
				})
			},
			func(ctx context.Context, text string) (llm.Result, error) {
				return withRetry(ctx, policy, logger, func() (llm.Result, error) {
					return next.Summarize(ctx, text)
				})
			},
			func(ctx context.Context, messages []llm.ChatMessage, opts llm.ChatOptions) (llm.Result, error) {
				return withRetry(ctx, policy, logger, func() (llm.Result, error) {
					return next.Chat(ctx, messages, opts)
				})
			},
			func(ctx context.Context) (llm.HealthStatus, error) {
				return next.HealthCheck(ctx)
			},
		)
	}
}

// withRetry executes call, retrying according to policy with exponential backoff
// between attempts. Once retries are exhausted on a retryable error, it escalates
// to a ServiceUnavailable error so upstream callers can react accordingly.
func withRetry(ctx context.Context, policy *Policy, logger *logx.Logger, call func() (llm.Result, error)) (llm.Result, error) {
	var lastErr error
	for attempt := 1; attempt <= policy.Config.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := policy.CalculateDelay(attempt)
			logger.Warn("provider retry %d/%d (backoff %v): %v", attempt, policy.Config.MaxAttempts, delay, lastErr)
			if delay > 0 {
				select {
				case <-ctx.Done():
					return llm.Result{}, fmt.Errorf("retry cancelled: %w", ctx.Err())
				case <-time.After(delay):
				}
			}
		}

		resp, err := call()
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !policy.ShouldRetry(err) {
			break
		}
		if attempt >= policy.Config.MaxAttempts {
			break
		}
	}

	if policy.ShouldRetry(lastErr) {
		logger.Error("provider retries exhausted (%d attempts): %v", policy.Config.MaxAttempts, lastErr)
		return llm.Result{}, providererrors.NewServiceUnavailableError(lastErr, policy.Config.MaxAttempts)
	}
	return llm.Result{}, lastErr
}
