package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/qdrant/go-client/qdrant"

	"corpusd/internal/config"
	"corpusd/internal/dedup"
	"corpusd/internal/embed"
	"corpusd/internal/kb"
	"corpusd/internal/sourcemeta"
	"corpusd/internal/staging"
	"corpusd/internal/tokens"
	"corpusd/internal/vecstore"
)

// Dependencies holds every long-lived resource the pipeline runs on.
// KB is nil when no knowledge base is configured.
type Dependencies struct {
	DB      *sql.DB
	Vectors *vecstore.Store
	Embed   *embed.Client
	KB      *kb.Client
	Staging *staging.Store
	Meta    *sourcemeta.Store
	Dedup   *dedup.Store
	Counter *tokens.Counter
	Chunker *tokens.Chunker
}

func Bootstrap(ctx context.Context, cfg *config.Config, collections []string) (*Dependencies, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPass, cfg.DBName)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)

	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	for i := 0; i < cfg.BootstrapRetryAttempts; i++ {
		if err := db.PingContext(ctx); err == nil {
			break
		}
		slog.Warn("failed to ping db, retrying...", "attempt", i+1)
		time.Sleep(retryDelay)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationPath, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("migration up error: %w", err)
	}
	slog.Info("migrations applied")

	qc, err := qdrant.NewClient(&qdrant.Config{Host: cfg.QdrantHost, Port: cfg.QdrantPort})
	if err != nil {
		return nil, fmt.Errorf("qdrant client error: %w", err)
	}
	vectors := vecstore.NewStore(qc)
	for _, name := range collections {
		if err := ensureCollectionWithRetry(ctx, vectors, name, cfg.VectorDim,
			cfg.BootstrapRetryAttempts, retryDelay); err != nil {
			return nil, fmt.Errorf("qdrant collection %s: %w", name, err)
		}
	}

	counter, err := tokens.NewCounter()
	if err != nil {
		return nil, fmt.Errorf("tokenizer error: %w", err)
	}
	chunker, err := tokens.ChunkerForBudget(counter, cfg.EmbedContextSize)
	if err != nil {
		return nil, fmt.Errorf("chunker error: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("data dir error: %w", err)
	}
	dedupStore, err := dedup.New(filepath.Join(cfg.DataDir, "dedup.tsv"), cfg.DedupCapacity)
	if err != nil {
		return nil, fmt.Errorf("dedup store error: %w", err)
	}
	metaStore, err := sourcemeta.NewStore(filepath.Join(cfg.DataDir, "sources"))
	if err != nil {
		return nil, fmt.Errorf("source metadata store error: %w", err)
	}

	embedClient := embed.NewClient(embed.Config{
		BaseURL:     cfg.EmbedServiceURL,
		TokenBudget: cfg.EmbedTokenBudget,
	}, counter)

	var kbClient *kb.Client
	if cfg.KBEnabled() {
		kbClient = kb.NewClient(kb.Config{
			BaseURL:     cfg.KBBaseURL,
			TokenID:     cfg.KBTokenID,
			TokenSecret: cfg.KBTokenSecret,
		})
	}

	return &Dependencies{
		DB:      db,
		Vectors: vectors,
		Embed:   embedClient,
		KB:      kbClient,
		Staging: staging.NewStore(db),
		Meta:    metaStore,
		Dedup:   dedupStore,
		Counter: counter,
		Chunker: chunker,
	}, nil
}

func ensureCollectionWithRetry(ctx context.Context, vectors *vecstore.Store, name string, dim, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = vectors.EnsureCollection(ctx, name, dim); err == nil {
			return nil
		}
		slog.Warn("failed to ensure collection, retrying...", "collection", name, "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// Close flushes local state and releases connections.
func (d *Dependencies) Close() {
	if err := d.Dedup.Flush(); err != nil {
		slog.Warn("dedup flush on shutdown failed", "error", err)
	}
	if err := d.DB.Close(); err != nil {
		slog.Warn("db close failed", "error", err)
	}
}
