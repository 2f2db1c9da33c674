package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/varejotech/insights/api/handlers"
	"github.com/varejotech/insights/api/metrics"
	"github.com/varejotech/insights/pkg/cache"
	"github.com/varejotech/insights/pkg/catalog"
	"github.com/varejotech/insights/pkg/codegen"
	"github.com/varejotech/insights/pkg/config"
	"github.com/varejotech/insights/pkg/direct"
	"github.com/varejotech/insights/pkg/graph"
	"github.com/varejotech/insights/pkg/llm"
	"github.com/varejotech/insights/pkg/prompts"
	"github.com/varejotech/insights/pkg/resolver"
	"github.com/varejotech/insights/pkg/sandbox"
	"github.com/varejotech/insights/pkg/store"
	"github.com/varejotech/insights/pkg/telemetry"
	"github.com/varejotech/insights/pkg/vecindex"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		showVersion = flag.Bool("version", false, "show version and exit")
		verbose     = flag.Bool("verbose", false, "verbose mode - show debug logs")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(*verbose)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	res, recorder, cleanup, err := buildResolver(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	h, err := handlers.New(&handlers.Config{Logger: log, Resolver: res, Telemetry: recorder})
	if err != nil {
		return err
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Post("/api/query", h.Query)
	r.Get("/api/stats", h.Stats)
	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Info("API server starting", "address", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	log.Info("server stopped")
	return nil
}

// buildResolver wires the full pipeline: store, cache, direct engine and,
// when configured, the LLM tier with its sandbox, code-gen agent and
// retrieval context.
func buildResolver(ctx context.Context, log *slog.Logger, cfg *config.Config) (*resolver.Resolver, *telemetry.Recorder, func(), error) {
	s, err := store.New(store.Config{Logger: log, ParquetPath: cfg.ParquetPath})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := s.Connect(ctx); err != nil {
		log.Warn("data store unavailable at startup; queries will report it", "error", err)
	}

	envCache, err := cache.New(&cache.Config{Logger: log, Dir: cfg.CacheDir})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create cache: %w", err)
	}

	engine, err := direct.New(&direct.Config{Logger: log, Store: s})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create direct engine: %w", err)
	}

	recorder, err := telemetry.New(&telemetry.Config{Logger: log, Dir: cfg.LogDir})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create telemetry recorder: %w", err)
	}

	resolverCfg := &resolver.Config{
		Logger:           log,
		Cache:            envCache,
		Direct:           engine,
		BudgetPath:       filepath.Join(cfg.CacheDir, "llm_budget.json"),
		DailyTokenBudget: cfg.DailyTokenBudget,
	}

	if cfg.LLMEnabled {
		client, err := llm.New(&llm.Config{
			Logger:      log,
			APIKey:      cfg.AnthropicAPIKey,
			MaxTokens:   int64(cfg.MaxTokens),
			Temperature: cfg.Temperature,
			CacheDir:    filepath.Join(cfg.CacheDir, "llm"),
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create llm client: %w", err)
		}

		p, err := prompts.Load()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to load prompts: %w", err)
		}

		index, err := vecindex.New(&vecindex.Config{Logger: log, Dir: cfg.ArtifactsDir})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to load vector index: %w", err)
		}

		cat, err := catalog.Load(log, cfg.CatalogPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to load catalog: %w", err)
		}

		sb, err := sandbox.New(&sandbox.Config{Logger: log, Querier: s})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create sandbox: %w", err)
		}

		agent, err := codegen.New(&codegen.Config{
			Logger:  log,
			LLM:     client,
			Sandbox: sb,
			Store:   s,
			Index:   index,
			Catalog: cat,
			Prompts: p,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create codegen agent: %w", err)
		}

		g, err := graph.New(&graph.Config{
			Logger:  log,
			LLM:     client,
			Store:   s,
			CodeGen: agent,
			Index:   index,
			Catalog: cat,
			Prompts: p,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create graph: %w", err)
		}
		resolverCfg.Graph = g
		resolverCfg.LLM = client
	}

	res, err := resolver.New(resolverCfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	cleanup := func() {
		envCache.Close()
		_ = recorder.Close()
		_ = s.Disconnect()
	}
	return res, recorder, cleanup, nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(t.Format("2006-01-02T15:04:05.000Z"))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}
