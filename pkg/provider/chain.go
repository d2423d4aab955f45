package llm

import "context"

// Middleware wraps a Provider with additional behavior (retry, circuit
// breaking, timeouts, rate limiting — see pkg/queue). Middlewares compose
// with Chain.
type Middleware func(next Provider) Provider

// providerFunc adapts plain functions into a Provider, letting middleware
// implementations wrap only the methods they care about.
type providerFunc struct {
	name          string
	generateStory func(context.Context, string, string) (Result, error)
	summarize     func(context.Context, string) (Result, error)
	chat          func(context.Context, []ChatMessage, ChatOptions) (Result, error)
	healthCheck   func(context.Context) (HealthStatus, error)
}

func (f providerFunc) Name() string { return f.name }

func (f providerFunc) GenerateStory(ctx context.Context, storyContext, userPrompt string) (Result, error) {
	return f.generateStory(ctx, storyContext, userPrompt)
}

func (f providerFunc) Summarize(ctx context.Context, text string) (Result, error) {
	return f.summarize(ctx, text)
}

func (f providerFunc) Chat(ctx context.Context, messages []ChatMessage, opts ChatOptions) (Result, error) {
	return f.chat(ctx, messages, opts)
}

func (f providerFunc) HealthCheck(ctx context.Context) (HealthStatus, error) {
	return f.healthCheck(ctx)
}

// WrapProvider builds a Provider from plain function implementations. Useful
// for middleware that only needs to intercept a subset of calls — pass the
// wrapped provider's own methods through for everything else.
func WrapProvider(
	name string,
	generateStory func(context.Context, string, string) (Result, error),
	summarize func(context.Context, string) (Result, error),
	chat func(context.Context, []ChatMessage, ChatOptions) (Result, error),
	healthCheck func(context.Context) (HealthStatus, error),
) Provider {
	return providerFunc{
		name:          name,
		generateStory: generateStory,
		summarize:     summarize,
		chat:          chat,
		healthCheck:   healthCheck,
	}
}

// Chain composes middlewares around a base Provider. Chain(base, mw1, mw2)
// produces the call stack mw1 -> mw2 -> base: mw1 runs first and may modify
// or short-circuit the call before it reaches mw2 and finally base.
func Chain(base Provider, middlewares ...Middleware) Provider {
	p := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		p = middlewares[i](p)
	}
	return p
}
