package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"corpusd/internal/staging"
	"corpusd/internal/vecstore"
)

// EmbedWorker drains PENDING documents from the staging store: embed each
// document concurrently, then write the batch's vectors per collection in
// a single upsert. Failures are recorded per document; the batch never
// aborts as a whole.
type EmbedWorker struct {
	queue      EmbedQueue
	embedder   Embedder
	vectors    VectorWriter
	pool       *ants.Pool
	batchSize  int
	maxRetries int
	poll       time.Duration
}

func NewEmbedWorker(queue EmbedQueue, embedder Embedder, vectors VectorWriter, concurrency, batchSize, maxRetries int, poll time.Duration) (*EmbedWorker, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	pool, err := ants.NewPool(concurrency)
	if err != nil {
		return nil, err
	}
	return &EmbedWorker{
		queue:      queue,
		embedder:   embedder,
		vectors:    vectors,
		pool:       pool,
		batchSize:  batchSize,
		maxRetries: maxRetries,
		poll:       poll,
	}, nil
}

// Run loops until ctx is cancelled, sleeping the poll interval whenever
// the queue is empty.
func (w *EmbedWorker) Run(ctx context.Context) {
	defer w.pool.Release()
	for {
		n, err := w.RunOnce(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "embed batch failed", "error", err)
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.poll):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// RunOnce requeues eligible failed documents, claims one batch, and
// processes it. Returns the number of documents claimed.
func (w *EmbedWorker) RunOnce(ctx context.Context) (int, error) {
	if n, err := w.queue.RequeueFailed(ctx, w.maxRetries); err != nil {
		slog.WarnContext(ctx, "requeue failed documents", "error", err)
	} else if n > 0 {
		slog.InfoContext(ctx, "requeued failed documents", "count", n)
	}

	batch, err := w.queue.ClaimPendingBatch(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}
	w.processBatch(ctx, batch)
	return len(batch), nil
}

type embedded struct {
	doc    staging.Document
	vector []float32
}

func (w *EmbedWorker) processBatch(ctx context.Context, batch []staging.Document) {
	results := make([]embedded, len(batch))
	var wg sync.WaitGroup
	for i, doc := range batch {
		wg.Add(1)
		i, doc := i, doc
		submit := func() {
			defer wg.Done()
			vec, err := w.embedder.Embed(ctx, doc.Text)
			if err != nil {
				w.markFailed(ctx, doc, err)
				return
			}
			results[i] = embedded{doc: doc, vector: vec}
		}
		if err := w.pool.Submit(submit); err != nil {
			// Pool closing during shutdown; fall back to inline.
			submit()
		}
	}
	wg.Wait()

	// One upsert round-trip per target collection.
	byCollection := make(map[string][]embedded)
	for _, r := range results {
		if r.vector == nil {
			continue
		}
		byCollection[r.doc.Collection] = append(byCollection[r.doc.Collection], r)
	}

	for collection, items := range byCollection {
		docs := make([]vecstore.Document, len(items))
		for i, it := range items {
			docs[i] = vecstore.Document{ID: it.doc.ID, Vector: it.vector, Metadata: it.doc.Metadata}
		}
		if err := w.vectors.Upsert(ctx, collection, docs); err != nil {
			slog.ErrorContext(ctx, "vector upsert failed", "collection", collection, "count", len(docs), "error", err)
			for _, it := range items {
				w.markFailed(ctx, it.doc, err)
			}
			continue
		}
		for _, it := range items {
			if err := w.queue.UpdateStatus(ctx, it.doc.ID, staging.StatusCompleted, "", false); err != nil {
				slog.ErrorContext(ctx, "mark completed failed", "id", it.doc.ID, "error", err)
			}
		}
		slog.InfoContext(ctx, "batch embedded", "collection", collection, "count", len(docs))
	}
}

func (w *EmbedWorker) markFailed(ctx context.Context, doc staging.Document, cause error) {
	if err := w.queue.UpdateStatus(ctx, doc.ID, staging.StatusFailed, cause.Error(), true); err != nil {
		slog.ErrorContext(ctx, "mark failed failed", "id", doc.ID, "error", err)
		return
	}
	if doc.RetryCount+1 >= w.maxRetries {
		slog.ErrorContext(ctx, "document stuck, retry ceiling reached",
			"id", doc.ID, "source", doc.Source, "retries", doc.RetryCount+1, "error", cause)
	}
}
