// Command workerd runs one worker process (C15): it registers with the
// orchestrator, listens for pushed dispatch, and drives workflow, tool, and
// agent executions to completion.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"goa.design/clue/log"
	"github.com/redis/go-redis/v9"

	"github.com/polos-dev/polos-sub001/internal/config"
	"github.com/polos-dev/polos-sub001/internal/dispatch"
	"github.com/polos-dev/polos-sub001/internal/llm"
	"github.com/polos-dev/polos-sub001/internal/llm/anthropic"
	"github.com/polos-dev/polos-sub001/internal/llm/bedrock"
	"github.com/polos-dev/polos-sub001/internal/llm/openai"
	"github.com/polos-dev/polos-sub001/internal/logging"
	"github.com/polos-dev/polos-sub001/internal/orchestrator"
	"github.com/polos-dev/polos-sub001/internal/registry"
	"github.com/polos-dev/polos-sub001/internal/worker"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

func main() {
	var (
		configPathF = flag.String("config", "", "path to a worker.yaml config file (optional; POLOS_* env vars always override)")
		debugF      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debugF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg, err := config.Load(*configPathF)
	if err != nil {
		log.Printf(ctx, "ERROR: %s", err.Error())
		os.Exit(1)
	}
	if cfg.API.URL == "" {
		log.Printf(ctx, "ERROR: POLOS_API_URL (or config api.url) is required")
		os.Exit(1)
	}

	logger := logging.New()

	client := orchestrator.New(cfg.API.URL, cfg.API.Key)

	reg := registry.Global()
	registerLLMProviders(ctx, logger)

	var dedup dispatch.Dedup
	if cfg.Redis.Addr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		dedup = dispatch.NewRedisDedup(rc, "polos:dispatch:")
	}

	w := worker.New(worker.Config{
		DeploymentID:           cfg.DeploymentID,
		Port:                   cfg.Port,
		LocalMode:              cfg.LocalMode,
		MaxConcurrentWorkflows: cfg.MaxConcurrentWorkflows,
	}, client, reg, logger, dedup)

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigc
		log.Printf(ctx, "received signal %v, shutting down", sig)
		cancel()
	}()

	log.Printf(ctx, "starting worker: deployment=%s port=%d", cfg.DeploymentID, cfg.Port)
	if err := w.Start(runCtx); err != nil {
		log.Printf(ctx, "ERROR: %s", err.Error())
		os.Exit(1)
	}
}

// registerLLMProviders populates the process-wide llm.Registry from
// whichever provider credentials are present in the environment. Missing
// credentials for a given provider are not fatal: a deployment only using
// Anthropic models, say, need not configure AWS or OpenAI.
func registerLLMProviders(ctx context.Context, logger logging.Logger) {
	reg := llm.NewRegistry()

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		reg.Register("anthropic", anthropic.New(key))
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		reg.Register("openai", openai.New(key))
	}
	if awsCfg, err := awsconfig.LoadDefaultConfig(ctx); err == nil {
		reg.Register("bedrock", bedrock.New(awsCfg))
	} else {
		logger.Debug(ctx, "bedrock provider not registered", "error", err.Error())
	}

	llm.SetGlobalRegistry(reg)
}
