// Command orchestrator runs the Alice request orchestrator HTTP server.
//
// The orchestrator routes each chat request to the cheapest model tier that
// can answer it, guarded by the health oracle, the semantic cache and
// per-dependency circuit breakers.
//
// # Configuration
//
// Environment variables:
//
//	ORCHESTRATOR_ADDR        - HTTP listen address (default: ":18000")
//	OLLAMA_BASE_URL          - Model runtime URL (default: "http://127.0.0.1:11434")
//	LLM_MICRO                - Micro tier model (default: "qwen2.5:1.5b")
//	LLM_PLANNER              - Planner tier model (default: "qwen2.5:7b")
//	LLM_DEEP                 - Deep tier model (default: "llama3.1:8b")
//	LLM_TIMEOUT_MS           - Model call timeout (default: 10000)
//	LLM_KEEP_ALIVE           - Runtime keep-alive, e.g. "10m" (default: "10m")
//	NLU_URL                  - NLU service URL (optional; keyword fallback without it)
//	NLU_TIMEOUT_MS           - NLU parse budget (default: 80)
//	GUARDIAN_URL             - Health oracle URL (optional; fails open without it)
//	REDIS_URL                - Redis address (default: "localhost:6379")
//	CACHE_SEMANTIC_THRESHOLD - L2 similarity threshold (default: 0.85)
//	MICRO_MAX_SHARE          - Micro routing share cap (default: 0.2)
//	PLANNER_TIMEOUT_MS       - Planner tier timeout (default: 10000)
//	LOG_DIR                  - Turn event directory (default: "./logs")
//	SECURITY_ENFORCE         - Enforce confirmation for risky STRICT requests (default: false)
//	OPENAI_API_KEY           - Enables the cloud planner tier (optional)
//	MEMORY_URL               - Memory service URL (optional)
//	BANDIT_BASE_URL          - Bandit server URL (optional)
//	BANDIT_TIMEOUT_MS        - Bandit decide budget (default: 40)
//	CANARY_SHARE             - Exploring session fraction (default: 0.05)
//	ENERGY_BASE_WATTS        - Idle wattage for energy telemetry (default: 12)
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/DanielWarg/AliceV2-sub000/bandit"
	"github.com/DanielWarg/AliceV2-sub000/breaker"
	"github.com/DanielWarg/AliceV2-sub000/cache"
	"github.com/DanielWarg/AliceV2-sub000/guardian"
	"github.com/DanielWarg/AliceV2-sub000/memoryapi"
	"github.com/DanielWarg/AliceV2-sub000/model"
	"github.com/DanielWarg/AliceV2-sub000/nlu"
	"github.com/DanielWarg/AliceV2-sub000/orchestrator"
	"github.com/DanielWarg/AliceV2-sub000/router"
	"github.com/DanielWarg/AliceV2-sub000/tools"
	"github.com/DanielWarg/AliceV2-sub000/turnlog"
)

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatJSON))
	if err := run(ctx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "orchestrator exited"})
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := envOr("ORCHESTRATOR_ADDR", ":18000")
	logDir := envOr("LOG_DIR", "./logs")
	llmTimeout := time.Duration(envIntOr("LLM_TIMEOUT_MS", 10000)) * time.Millisecond
	plannerTimeout := time.Duration(envIntOr("PLANNER_TIMEOUT_MS", 10000)) * time.Millisecond

	// Redis backs both the cache and the turn-event stream mirror.
	rdb := redis.NewClient(&redis.Options{Addr: envOr("REDIS_URL", "localhost:6379")})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	breakers := breaker.NewRegistry(breaker.DefaultConfig)

	runtime, err := model.NewOllama(model.OllamaOptions{
		BaseURL:   envOr("OLLAMA_BASE_URL", "http://127.0.0.1:11434"),
		Timeout:   llmTimeout,
		KeepAlive: envOr("LLM_KEEP_ALIVE", "10m"),
	})
	if err != nil {
		return fmt.Errorf("create model runtime client: %w", err)
	}
	deep := model.NewDeep(runtime, envOr("LLM_DEEP", "llama3.1:8b"), 10*time.Minute)
	deep.StartIdleReaper(ctx, time.Minute)

	var cloud model.Driver
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cp, err := model.NewCloudPlanner(model.CloudPlannerOptions{APIKey: key, Timeout: plannerTimeout})
		if err != nil {
			return fmt.Errorf("create cloud planner: %w", err)
		}
		cloud = cp
		log.Info(ctx, log.KV{K: "msg", V: "cloud planner enabled"}, log.KV{K: "model", V: cp.ModelID()})
	}
	models, err := model.NewManager(model.ManagerOptions{
		Micro:          model.NewMicro(runtime, envOr("LLM_MICRO", "qwen2.5:1.5b")),
		Planner:        model.NewPlanner(runtime, envOr("LLM_PLANNER", "qwen2.5:7b")),
		Deep:           deep,
		Cloud:          cloud,
		Breakers:       breakers,
		PlannerTimeout: plannerTimeout,
		DeepTimeout:    3 * llmTimeout,
	})
	if err != nil {
		return fmt.Errorf("create model manager: %w", err)
	}

	oracle := guardian.New(guardian.Options{BaseURL: os.Getenv("GUARDIAN_URL")})

	memory := memoryapi.New(memoryapi.Options{BaseURL: os.Getenv("MEMORY_URL")})
	registry := tools.NewRegistry()
	deps := tools.BuiltinDeps{Weather: localWeather}
	if memory.Enabled() {
		deps.Memory = memory
	}
	if err := tools.RegisterBuiltins(registry, deps); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	sink, err := turnlog.NewSink(ctx, turnlog.Options{Dir: logDir, Redis: rdb})
	if err != nil {
		return fmt.Errorf("open turn log: %w", err)
	}
	defer sink.Close()

	oracleSink, err := turnlog.NewOracleSink(logDir)
	if err != nil {
		return fmt.Errorf("open oracle log: %w", err)
	}
	defer oracleSink.Close()
	go pollOracle(ctx, oracle, oracleSink)

	orch, err := orchestrator.New(orchestrator.Options{
		Guardian: oracle,
		NLU: nlu.NewClient(nlu.Options{
			BaseURL: os.Getenv("NLU_URL"),
			Timeout: time.Duration(envIntOr("NLU_TIMEOUT_MS", 80)) * time.Millisecond,
			Breaker: breakers.Get("nlu_service"),
		}),
		Policy:   router.NewPolicy(router.PolicyConfig{}),
		Quota:    router.NewQuota(0, 0),
		Cache:    cache.New(rdb, cache.Config{SemanticThreshold: envFloatOr("CACHE_SEMANTIC_THRESHOLD", 0.85)}),
		Models:   models,
		Tools:    registry,
		Executor: tools.NewExecutor(registry, breakers, tools.ExecutorConfig{}),
		Breakers: breakers,
		Bandit: bandit.New(bandit.Options{
			BaseURL:     os.Getenv("BANDIT_BASE_URL"),
			Timeout:     time.Duration(envIntOr("BANDIT_TIMEOUT_MS", 40)) * time.Millisecond,
			CanaryShare: envFloatOr("CANARY_SHARE", 0.05),
		}),
		Memory:          memory,
		Turns:           sink,
		MicroMaxShare:   envFloatOr("MICRO_MAX_SHARE", 0.2),
		SecurityEnforce: envBoolOr("SECURITY_ENFORCE", false),
		EnergyBaseWatts: envFloatOr("ENERGY_BASE_WATTS", 12),
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           orch.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, log.KV{K: "msg", V: "orchestrator listening"}, log.KV{K: "addr", V: addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}
	log.Info(ctx, log.KV{K: "msg", V: "shutting down"})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// pollOracle samples the oracle state once per second for the telemetry log.
func pollOracle(ctx context.Context, oracle *guardian.Client, sink *turnlog.OracleSink) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sink.Record(oracle.Current(ctx)); err != nil {
				log.Warn(ctx, log.KV{K: "msg", V: "oracle sample write failed"}, log.KV{K: "err", V: err.Error()})
			}
		}
	}
}

// localWeather is the built-in forecast provider. A deployment with a real
// weather service replaces this through tools.BuiltinDeps.
func localWeather(_ context.Context, location, _ string) (string, error) {
	if location == "" {
		location = "Stockholm"
	}
	return "Prognosen för " + location + " är inte tillgänglig utan vädertjänst.", nil
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envFloatOr returns the environment variable as float or a default.
func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// envBoolOr returns the environment variable as bool or a default.
func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
