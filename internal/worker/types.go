package worker

import (
	"context"

	"corpusd/internal/kb"
	"corpusd/internal/staging"
	"corpusd/internal/vecstore"
)

// EmbedQueue is the slice of the staging store the embedding worker
// consumes.
type EmbedQueue interface {
	ClaimPendingBatch(ctx context.Context, limit int) ([]staging.Document, error)
	UpdateStatus(ctx context.Context, id string, status staging.Status, errMsg string, incrementRetry bool) error
	RequeueFailed(ctx context.Context, maxRetries int) (int64, error)
}

// PublishQueue is the slice the knowledge-base publisher consumes.
type PublishQueue interface {
	PendingForKB(ctx context.Context, limit, maxRetries int) ([]staging.Document, error)
	MarkKBComplete(ctx context.Context, id, url string) error
	MarkKBFailed(ctx context.Context, id, errMsg string) error
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type VectorWriter interface {
	Upsert(ctx context.Context, collection string, docs []vecstore.Document) error
}

type PageWriter interface {
	Write(ctx context.Context, p kb.Page) (string, error)
}
