package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ent0n29/webpilot/internal/agent"
	"github.com/ent0n29/webpilot/internal/broadcast"
	"github.com/ent0n29/webpilot/internal/browser"
	"github.com/ent0n29/webpilot/internal/config"
	"github.com/ent0n29/webpilot/internal/controller"
	"github.com/ent0n29/webpilot/internal/httpapi"
	"github.com/ent0n29/webpilot/internal/llm"
	"github.com/ent0n29/webpilot/internal/observability"
	"github.com/ent0n29/webpilot/internal/review"
	"github.com/ent0n29/webpilot/internal/runlog"
	"github.com/ent0n29/webpilot/internal/transcript"
	"github.com/ent0n29/webpilot/internal/watchdog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := runlog.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("run summary store init failed: %v", err)
	}
	defer store.Close()

	completer, err := llm.New(llm.Config{
		Mode:    cfg.ReasoningMode,
		APIKey:  cfg.ReasoningAPIKey,
		BaseURL: cfg.ReasoningBaseURL,
		Model:   cfg.ReasoningModel,
		Timeout: cfg.ReasoningTimeout,
	})
	if err != nil {
		log.Fatalf("reasoning client init failed: %v", err)
	}
	if _, ok := completer.(*llm.MockCompleter); ok {
		log.Printf("reasoning client: mock (no API key configured)")
	} else {
		log.Printf("reasoning client: openai")
	}

	session := browser.NewManager(browser.Config{
		Resolver: browser.ResolverConfig{
			Candidates:   cfg.BrowserCandidates,
			ProbeTimeout: cfg.BrowserProbeTime,
			Retries:      cfg.BrowserRetries,
		},
		HealthTimeout: cfg.BrowserHealthTime,
	})

	broadcaster := broadcast.New()
	transcripts := transcript.NewLog(broadcaster)
	analyzer := review.NewAnalyzer(completer)
	registry := watchdog.DefaultRegistry(cfg.GrantedPermissions)

	ctrl := controller.New(controller.Config{
		MaxSteps:    cfg.MaxSteps,
		StepTimeout: cfg.StepTimeout,
		StartURL:    cfg.StartURL,
	}, controller.Deps{
		Session:     session,
		Registry:    registry,
		Executor:    agent.NewLLMFactory(completer),
		Broadcaster: broadcaster,
		Transcript:  transcripts,
		Store:       store,
		Metrics:     metrics,
	})

	// Best effort: a browser that is still starting up is not fatal here,
	// the first submit resolves again.
	warmupCtx, warmupCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := ctrl.EnsureStartPageReady(warmupCtx); err != nil {
		log.Printf("start page warmup skipped: %v", err)
	}
	warmupCancel()

	api := httpapi.New(cfg, ctrl, session, broadcaster, transcripts, analyzer, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		log.Printf("controller shutdown failed: %v", err)
	}

	log.Printf("shutdown complete")
}
