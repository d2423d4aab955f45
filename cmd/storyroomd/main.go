// Command storyroomd runs the room coordination server: it loads
// configuration, wires the request queue, memory, chapter, and feedback
// subsystems around a repository and an LLM provider, and serves the
// resulting Engine over HTTP and WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storyroom/pkg/chapter"
	"storyroom/pkg/config"
	"storyroom/pkg/egress"
	"storyroom/pkg/feedback"
	"storyroom/pkg/logx"
	"storyroom/pkg/memory"
	"storyroom/pkg/metrics"
	"storyroom/pkg/persistence"
	llm "storyroom/pkg/provider"
	"storyroom/pkg/provider/anthropic"
	"storyroom/pkg/provider/gemini"
	"storyroom/pkg/provider/ollama"
	"storyroom/pkg/provider/openai"
	"storyroom/pkg/queue"
	"storyroom/pkg/queue/circuit"
	"storyroom/pkg/queue/ratelimit"
	"storyroom/pkg/room"
	"storyroom/pkg/utils"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var projectDir string
	var addr string
	flag.StringVar(&projectDir, "dir", ".", "Project directory (holds storyroom.yaml and the sqlite database)")
	flag.StringVar(&addr, "addr", envOr("STORYROOMD_ADDR", ":8080"), "HTTP listen address")
	flag.Parse()

	logger := logx.NewLogger("storyroomd")

	if config.FindConfigFile(projectDir) == "" {
		path, err := config.WriteDefault(projectDir)
		if err != nil {
			log.Fatalf("storyroomd: failed to write default config: %v", err)
		}
		logger.Info("no config found, wrote defaults to %s", path)
	}
	cfg, err := config.Load(projectDir)
	if err != nil {
		log.Fatalf("storyroomd: failed to load config: %v", err)
	}

	provider, err := buildProvider(cfg.ActiveProvider)
	if err != nil {
		log.Fatalf("storyroomd: failed to build provider: %v", err)
	}

	dbPath := envOr("STORYROOMD_DB_PATH", projectDir+"/storyroom.db")
	if err := persistence.Initialize(dbPath); err != nil {
		log.Fatalf("storyroomd: failed to initialize database: %v", err)
	}
	defer func() {
		if err := persistence.Close(); err != nil {
			logger.Error("storyroomd: failed to close database cleanly: %v", err)
		}
	}()
	repo := persistence.Repo()

	tokenCounter, err := utils.NewTokenCounter(cfg.ActiveProvider)
	if err != nil {
		log.Fatalf("storyroomd: failed to build token counter: %v", err)
	}

	breaker := circuit.New(circuit.DefaultConfig)
	limiters := ratelimit.NewRegistry(ratelimit.Config{
		RequestsPerSecond: 2,
		Burst:             4,
		MaxConcurrency:    cfg.RequestQueue.MaxConcurrent,
	})
	recorder := metrics.NewPrometheusRecorder()

	q := queue.New(queue.Config{
		MaxConcurrent: cfg.RequestQueue.MaxConcurrent,
		MaxRetries:    cfg.RequestQueue.MaxRetries,
		RetryDelay:    cfg.RequestQueue.RetryDelay,
		Timeout:       cfg.RequestQueue.Timeout,
		Recorder:      recorder,
	}, provider, breaker, limiters, cfg.ProviderAvailabilityTTL, logx.NewLogger("queue"))
	defer q.Stop()

	memStore := memory.NewStore(repo, tokenCounter)
	chapterMgr := chapter.NewManager(q, memStore)
	history := chapter.NewHistory()
	feedbackEval := feedback.NewEvaluator(q, repo)
	bus := egress.NewInProcessBus()

	engine := room.New(repo, q, memStore, chapterMgr, history, feedbackEval, bus)
	ws := egress.NewWebSocketAdapter(bus)

	srv := newAPIServer(engine, ws, q, logger)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening on %s (provider=%s)", addr, cfg.ActiveProvider)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal %v, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed: %v", err)
	}
	if err := ws.Shutdown(); err != nil {
		logger.Error("websocket adapter shutdown failed: %v", err)
	}
}

// buildProvider constructs the active LLM backend from environment-supplied
// credentials. The config schema carries no secrets or model names (spec
// §6 scopes Config to recognized, non-secret options), so those come
// straight from the process environment, the same way the orchestrator
// this was adapted from reads its own access tokens.
func buildProvider(active string) (llm.Provider, error) {
	switch active {
	case "anthropic":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY must be set for activeProvider=anthropic")
		}
		if model := os.Getenv("ANTHROPIC_MODEL"); model != "" {
			return anthropic.NewWithModel(apiKey, model), nil
		}
		return anthropic.New(apiKey), nil
	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY must be set for activeProvider=openai")
		}
		if model := os.Getenv("OPENAI_MODEL"); model != "" {
			return openai.NewWithModel(apiKey, model), nil
		}
		return openai.New(apiKey), nil
	case "ollama":
		host := envOr("OLLAMA_HOST", "http://localhost:11434")
		model := envOr("OLLAMA_MODEL", "llama3")
		return ollama.NewWithModel(host, model), nil
	case "gemini":
		apiKey := os.Getenv("GEMINI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY must be set for activeProvider=gemini")
		}
		model := envOr("GEMINI_MODEL", "gemini-1.5-flash")
		return gemini.NewWithModel(apiKey, model), nil
	default:
		return nil, fmt.Errorf("unrecognized activeProvider %q", active)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
