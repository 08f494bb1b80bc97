package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"corpusd/internal/app"
	"corpusd/internal/config"
	"corpusd/internal/logger"
	"corpusd/internal/source"
	"corpusd/internal/tokens"
)

func main() {
	log := slog.New(logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	collections := collectionsFor(cfg)
	if len(collections) == 0 {
		slog.Error("no sources configured; set FEED_URLS, ADVISORY_URL or LISTING_URL")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Bootstrap(ctx, cfg, collections)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer deps.Close()

	sources := buildSources(cfg, deps.Chunker)

	a, err := app.New(cfg, deps, sources)
	if err != nil {
		slog.Error("app init failed", "error", err)
		os.Exit(1)
	}

	slog.Info("corpusd starting", "sources", len(sources), "collections", collections)
	if err := a.Run(ctx); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("corpusd stopped")
}

func collectionsFor(cfg *config.Config) []string {
	var names []string
	if len(cfg.FeedURLs) > 0 {
		names = append(names, "rss_aggregation")
	}
	if cfg.AdvisoryURL != "" {
		names = append(names, "vuln_db")
	}
	if cfg.ListingURL != "" {
		names = append(names, "market_listings")
	}
	return names
}

func buildSources(cfg *config.Config, chunker *tokens.Chunker) []source.Source {
	var sources []source.Source
	if len(cfg.FeedURLs) > 0 {
		sources = append(sources, source.NewFeedSource(
			"feeds", "rss_aggregation", cfg.FeedURLs, cfg.FeedBackfillDays))
	}
	if cfg.AdvisoryURL != "" {
		sources = append(sources, source.NewAdvisorySource(
			"advisories", "vuln_db", cfg.AdvisoryURL, chunker, cfg.AdvisoryBackfillRows))
	}
	if cfg.ListingURL != "" {
		sources = append(sources, source.NewListingSource(
			"listings", "market_listings", cfg.ListingURL))
	}
	return sources
}
