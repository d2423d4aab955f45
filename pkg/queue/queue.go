// Package queue implements a cooperative request scheduler in front of a
// provider.Provider: bounded concurrency, priority dispatch with FIFO
// tiebreak, per-call timeout bounded by a cumulative caller deadline, and a
// cached provider availability check.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	llm "storyroom/pkg/provider"
	"storyroom/pkg/provider/providererrors"

	"storyroom/pkg/logx"
	"storyroom/pkg/metrics"
	"storyroom/pkg/queue/circuit"
	"storyroom/pkg/queue/ratelimit"
	"storyroom/pkg/queue/retry"
	"storyroom/pkg/queue/timeout"
)

// Config controls scheduling and resilience behavior of a Queue.
type Config struct {
	MaxConcurrent int           // Maximum tasks running at once (default 3)
	MaxRetries    int           // Maximum attempts per task (default 3)
	RetryDelay    time.Duration // Delay before each retry; the same for every attempt, it does not grow (default 1s)
	Timeout       time.Duration // Per-call timeout (default 30s)

	// Recorder receives per-call and per-scheduling-event metrics. Nil
	// disables metrics recording (equivalent to metrics.Nop()).
	Recorder metrics.Recorder
}

// DefaultConfig mirrors the spec-named defaults for request queue behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern, matches retry/circuit package convention
var DefaultConfig = Config{
	MaxConcurrent: 3,
	MaxRetries:    3,
	RetryDelay:    time.Second,
	Timeout:       30 * time.Second,
}

// Code is a stable, machine-checkable failure reason for queue-level errors,
// distinct from provider error classification.
type Code string

const (
	CodeTimeout             Code = "TIMEOUT"
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
)

// Error is returned for queue-level failures (deadline exceeded, provider
// reported unavailable) as opposed to provider call failures, which are
// returned unwrapped from the underlying provider/retry/circuit stack.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Call is the unit of work submitted to the queue: a closure over the
// provider call to perform (GenerateStory/Summarize/Chat), invoked with the
// queue's resilience-wrapped provider.
type Call func(ctx context.Context, provider llm.Provider) (llm.Result, error)

type task struct {
	priority   int
	seq        int64 // FIFO tiebreak among equal priorities
	deadline   time.Time
	call       Call
	resultCh   chan taskResult
	enqueuedAt time.Time
}

type taskResult struct {
	result llm.Result
	err    error
}

// taskHeap is a max-heap on priority, min-heap on seq for ties (so equal
// priority tasks come out in submission order).
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue schedules Calls over a resilience-wrapped provider with bounded
// concurrency and priority dispatch.
type Queue struct {
	cfg      Config
	provider llm.Provider

	mu       sync.Mutex
	pending  taskHeap
	nextSeq  int64
	inFlight int
	notifyCh chan struct{}

	availMu      sync.Mutex
	availTTL     time.Duration
	availChecked time.Time
	availOK      bool
	availReason  string

	recorder metrics.Recorder
	logger   *logx.Logger
	cancel   context.CancelFunc
}

// New builds a Queue over provider, wrapping it with retry, circuit-breaker,
// timeout, rate-limit, and metrics middleware using cfg and the supplied
// resilience dependencies. availTTL controls how long a HealthCheck result
// is cached before being refreshed.
func New(cfg Config, provider llm.Provider, breaker circuit.Breaker, limiterRegistry *ratelimit.Registry, availTTL time.Duration, logger *logx.Logger) *Queue {
	policy := retry.NewPolicy(retry.Config{
		MaxAttempts:   cfg.MaxRetries,
		InitialDelay:  cfg.RetryDelay,
		MaxDelay:      cfg.RetryDelay * time.Duration(cfg.MaxRetries),
		BackoffFactor: 1.0, // flat: every retry waits RetryDelay; the delay does not grow with the attempt number
		Jitter:        false,
	}, nil)

	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Nop()
	}

	// retry is outermost so each attempt re-enters timeout/circuit/ratelimit
	// in full: every attempt gets its own timeout, is gated by the circuit
	// breaker, and is paced by the rate limiter. metrics sits innermost,
	// right around the base provider, so every individual attempt (not just
	// the call as a whole) is observed.
	wrapped := llm.Chain(provider,
		retry.Middleware(policy, logger),
		timeout.Middleware(cfg.Timeout),
		circuit.Middleware(breaker),
		ratelimit.Middleware(limiterRegistry),
		metrics.Middleware(recorder),
	)

	runCtx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:      cfg,
		provider: wrapped,
		availTTL: availTTL,
		notifyCh: make(chan struct{}, 1),
		recorder: recorder,
		logger:   logger,
		cancel:   cancel,
	}
	heap.Init(&q.pending)
	go q.run(runCtx)
	return q
}

// Stop halts the dispatch loop. In-flight tasks are allowed to finish;
// pending tasks never start and their Submit callers remain blocked until
// their own ctx is cancelled.
func (q *Queue) Stop() {
	q.cancel()
}

// Submit enqueues call with the given priority and deadline, blocking until
// it runs, fails, or ctx/deadline is exceeded. A zero deadline means no
// cumulative deadline beyond ctx's own cancellation.
func (q *Queue) Submit(ctx context.Context, priority int, deadline time.Time, call Call) (llm.Result, error) {
	if ok, reason := q.checkAvailability(ctx); !ok {
		return llm.Result{}, &Error{Code: CodeProviderUnavailable, Err: errors.New(reason)}
	}

	t := &task{priority: priority, deadline: deadline, call: call, resultCh: make(chan taskResult, 1), enqueuedAt: time.Now()}

	q.mu.Lock()
	q.nextSeq++
	t.seq = q.nextSeq
	heap.Push(&q.pending, t)
	if q.inFlight >= q.cfg.MaxConcurrent {
		q.recorder.IncThrottle(q.provider.Name(), "concurrency_limit")
	}
	q.mu.Unlock()
	q.wake()

	select {
	case res := <-t.resultCh:
		return res.result, res.err
	case <-ctx.Done():
		return llm.Result{}, &Error{Code: CodeTimeout, Err: ctx.Err()}
	}
}

func (q *Queue) wake() {
	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

// run is the dispatch loop: it pulls the highest-priority ready task and
// starts it in a goroutine whenever a concurrency slot is free.
func (q *Queue) run(ctx context.Context) {
	for {
		q.mu.Lock()
		for q.pending.Len() > 0 && q.inFlight < q.cfg.MaxConcurrent {
			t := heap.Pop(&q.pending).(*task)
			q.inFlight++
			go q.execute(t)
		}
		q.mu.Unlock()

		select {
		case <-q.notifyCh:
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) execute(t *task) {
	q.recorder.ObserveQueueWait(q.provider.Name(), time.Since(t.enqueuedAt))

	defer func() {
		q.mu.Lock()
		q.inFlight--
		q.mu.Unlock()
		q.wake()
	}()

	callCtx := context.Background()
	var cancel context.CancelFunc
	if !t.deadline.IsZero() {
		callCtx, cancel = context.WithDeadline(callCtx, t.deadline)
	} else {
		callCtx, cancel = context.WithTimeout(callCtx, q.cfg.Timeout*time.Duration(q.cfg.MaxRetries+1))
	}
	defer cancel()

	result, err := t.call(callCtx, q.provider)
	if errors.Is(err, context.DeadlineExceeded) {
		err = &Error{Code: CodeTimeout, Err: err}
	}
	t.resultCh <- taskResult{result: result, err: err}
}

// Available reports whether the provider is currently considered reachable,
// using the same cached health-check result Submit itself consults. Callers
// that must not take an action doomed to fail (e.g. persisting a message
// before a reply that can never come) should check this before doing that
// work instead of discovering PROVIDER_UNAVAILABLE only after a Submit.
func (q *Queue) Available(ctx context.Context) (ok bool, reason string) {
	return q.checkAvailability(ctx)
}

// checkAvailability consults a cached HealthCheck result, refreshing it once
// it has exceeded availTTL.
func (q *Queue) checkAvailability(ctx context.Context) (ok bool, reason string) {
	q.availMu.Lock()
	defer q.availMu.Unlock()

	if time.Since(q.availChecked) < q.availTTL && !q.availChecked.IsZero() {
		return q.availOK, q.availReason
	}

	status, err := q.provider.HealthCheck(ctx)
	q.availChecked = time.Now()
	if err != nil {
		var provErr *providererrors.Error
		if errors.As(err, &provErr) && provErr.Type == providererrors.ErrorTypeAuth {
			q.availOK = false
			q.availReason = provErr.Error()
			return false, q.availReason
		}
		// Transient health-check failures don't block submission; let the
		// call itself retry and surface a concrete failure.
		q.availOK = true
		q.availReason = ""
		return true, ""
	}

	q.availOK = status.Available
	q.availReason = status.Reason
	return status.Available, status.Reason
}
