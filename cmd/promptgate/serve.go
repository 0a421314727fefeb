package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/promptgate/promptgate/pkg/apiserver"
	"github.com/promptgate/promptgate/pkg/batch"
	"github.com/promptgate/promptgate/pkg/cache"
	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/detector/builtin"
	"github.com/promptgate/promptgate/pkg/engine"
	"github.com/promptgate/promptgate/pkg/match"
	"github.com/promptgate/promptgate/pkg/observability/logging"
	"github.com/promptgate/promptgate/pkg/ratelimit"
)

func newServeCmd() *cobra.Command {
	var port int
	var warmupFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the compliance API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			logLevel, _ := cmd.Flags().GetString("log-level")
			return runServe(configPath, logLevel, port, warmupFile)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Override configured listen port")
	cmd.Flags().StringVar(&warmupFile, "warmup", "", "File of newline-separated texts to prime the cache with")
	return cmd
}

func runServe(configPath, logLevel string, port int, warmupFile string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port != 0 {
		cfg.Listen.Port = port
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	if err := logging.Init(level, cfg.Logging.Development); err != nil {
		return err
	}
	defer logging.Sync()

	eng, executor, guard, err := buildPipeline(cfg)
	if err != nil {
		return err
	}

	if warmupFile != "" {
		go warmUpFromFile(eng, warmupFile)
	}

	server := apiserver.New(eng, executor, cfg.Listen, configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go guard.Janitor(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logging.Infof("Shutdown signal received, draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// buildPipeline wires the engine from config: matcher, cache tiers, abuse
// guard and the builtin detectors.
func buildPipeline(cfg *config.Config) (*engine.Engine, *batch.Executor, *ratelimit.Guard, error) {
	matcher, err := match.New(cfg.Rules, cfg.Matcher)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to build rule matcher: %w", err)
	}

	var tiered *cache.TieredCache
	if cfg.Cache.Enabled {
		var shared cache.SharedTier
		if cfg.Cache.Redis.Enabled {
			redisTier, err := cache.NewRedisTier(cfg.Cache.Redis)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("failed to build redis tier: %w", err)
			}
			shared = redisTier
		}
		policy, err := cache.NewEvictionPolicy(cfg.Cache.EvictionPolicy)
		if err != nil {
			return nil, nil, nil, err
		}
		tiered = cache.New(cfg.Cache.LocalMaxEntries, policy, shared)
	}

	guard := ratelimit.NewGuard(cfg.RateLimit)

	registry, err := builtin.NewRegistry(cfg.Detectors)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to build detectors: %w", err)
	}

	eng := engine.New(cfg, matcher, tiered, guard, registry)
	executor := batch.New(eng, cfg.Batch)
	return eng, executor, guard, nil
}

func warmUpFromFile(eng *engine.Engine, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		logging.Warnf("Cache warm-up file unreadable: %v", err)
		return
	}
	var texts []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			texts = append(texts, line)
		}
	}
	eng.WarmUp(context.Background(), texts)
}
