package metrics

import (
	"context"
	"errors"
	"time"

	llm "storyroom/pkg/provider"
	"storyroom/pkg/provider/providererrors"
	"storyroom/pkg/queue/circuit"
)

// Middleware returns a middleware function that records a Recorder
// observation for every GenerateStory, Summarize, and Chat call. HealthCheck
// is left unrecorded: it runs on a timer independent of request volume and
// would otherwise dominate the request-count metric.
func Middleware(recorder Recorder) llm.Middleware {
	return func(next llm.Provider) llm.Provider {
		provider := next.Name()
		return llm.WrapProvider(provider,
			func(ctx context.Context, storyContext, userPrompt string) (llm.Result, error) {
				start := time.Now()
				resp, err := next.GenerateStory(ctx, storyContext, userPrompt)
				observe(recorder, provider, "generate_story", resp, err, time.Since(start))
				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			func(ctx context.Context, text string) (llm.Result, error) {
				start := time.Now()
				resp, err := next.Summarize(ctx, text)
				observe(recorder, provider, "summarize", resp, err, time.Since(start))
				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			func(ctx context.Context, messages []llm.ChatMessage, opts llm.ChatOptions) (llm.Result, error) {
				start := time.Now()
				resp, err := next.Chat(ctx, messages, opts)
				observe(recorder, provider, "chat", resp, err, time.Since(start))
				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			func(ctx context.Context) (llm.HealthStatus, error) {
				return next.HealthCheck(ctx)
			},
		)
	}
}

func observe(recorder Recorder, provider, kind string, resp llm.Result, err error, duration time.Duration) {
	errorType := ""
	if err != nil {
		errorType = classifyError(err)
	}
	recorder.ObserveRequest(provider, kind, resp.Tokens, err == nil, errorType, duration)
}

// classifyError buckets provider, circuit-breaker, and context failures into
// a small, stable label set so the error_type cardinality stays bounded
// regardless of the underlying error text.
func classifyError(err error) string {
	var provErr *providererrors.Error
	if errors.As(err, &provErr) {
		return provErr.Type.String()
	}

	var breakerErr *circuit.Error
	if errors.As(err, &breakerErr) {
		return "circuit_breaker"
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unknown"
	}
}
