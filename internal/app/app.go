package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"corpusd/internal/config"
	"corpusd/internal/embed"
	"corpusd/internal/scheduler"
	"corpusd/internal/source"
	"corpusd/internal/staging"
	"corpusd/internal/worker"
)

// Narrow probe interfaces so the HTTP surface is testable without live
// backends.
type pinger interface {
	PingContext(ctx context.Context) error
}

type vectorProbe interface {
	HealthCheck(ctx context.Context) ([]string, error)
}

type kbProbe interface {
	HealthCheck(ctx context.Context) error
}

type statsStore interface {
	Stats(ctx context.Context) (staging.Stats, error)
	KBStats(ctx context.Context, maxRetries int) (staging.KBStats, error)
}

// App wires the scheduler, the embedding worker, the publisher and the
// operational HTTP surface on top of bootstrapped dependencies.
type App struct {
	cfg       *config.Config
	scheduler *scheduler.Scheduler
	embedder  *worker.EmbedWorker
	publisher *worker.Publisher
	Handler   http.Handler

	db          pinger
	vectors     vectorProbe
	kb          kbProbe
	stats       statsStore
	dedupSize   func() int
	embedHealth func() embed.Health
}

func New(cfg *config.Config, deps *Dependencies, sources []source.Source) (*App, error) {
	sched := scheduler.New(sources, deps.Meta, deps.Dedup, deps.Staging, cfg.StageBatchSize)

	embedWorker, err := worker.NewEmbedWorker(
		deps.Staging, deps.Embed, deps.Vectors,
		cfg.EmbedConcurrency, cfg.EmbedBatchSize, cfg.EmbedMaxRetries,
		time.Duration(cfg.EmbedPollSeconds)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("embed worker error: %w", err)
	}

	a := &App{
		cfg:         cfg,
		scheduler:   sched,
		embedder:    embedWorker,
		db:          deps.DB,
		vectors:     deps.Vectors,
		stats:       deps.Staging,
		dedupSize:   deps.Dedup.Size,
		embedHealth: deps.Embed.Health,
	}
	if deps.KB != nil {
		a.kb = deps.KB
		a.publisher = worker.NewPublisher(
			deps.Staging, deps.KB,
			cfg.KBPublishBatchSize, cfg.KBPublishMaxRetries,
			time.Duration(cfg.KBPollSeconds)*time.Second)
	}

	a.Handler = a.routes()
	return a, nil
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /stats", a.handleStats)
	return mux
}

// Run blocks until ctx is cancelled, then drains the HTTP server.
func (a *App) Run(ctx context.Context) error {
	go a.scheduler.Run(ctx)
	go a.embedder.Run(ctx)
	if a.publisher != nil {
		go a.publisher.Run(ctx)
	}
	go a.reportTelemetry(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.ServerPort),
		Handler: a.Handler,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "port", a.cfg.ServerPort)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// reportTelemetry logs embedding client counters hourly so throughput
// and retry pressure show up without a metrics stack.
func (a *App) reportTelemetry(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := a.embedHealth()
			avg := time.Duration(0)
			if h.Requests > 0 {
				avg = h.TotalLatency / time.Duration(h.Requests)
			}
			slog.InfoContext(ctx, "embedding telemetry",
				"requests", h.Requests, "retries", h.Retries, "avg_latency", avg)
		}
	}
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"db": "ok", "vectors": "ok"}
	code := http.StatusOK

	if err := a.db.PingContext(r.Context()); err != nil {
		status["db"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if _, err := a.vectors.HealthCheck(r.Context()); err != nil {
		status["vectors"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if a.kb != nil {
		status["kb"] = "ok"
		if err := a.kb.HealthCheck(r.Context()); err != nil {
			status["kb"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		slog.Error("failed to encode health response", "error", err)
	}
}

func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.stats.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := map[string]any{
		"staging":   stats,
		"dedup":     map[string]int{"entries": a.dedupSize()},
		"embedding": a.embedHealth(),
	}
	if a.kb != nil {
		kbStats, err := a.stats.KBStats(r.Context(), a.cfg.KBPublishMaxRetries)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out["knowledge_base"] = kbStats
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		slog.Error("failed to encode stats response", "error", err)
	}
}
