// Package scheduler drives every registered source on its own cadence:
// one goroutine per source runs an initial backfill, then resyncs per
// the source's declared strategy. Each run deduplicates, chunks, and
// stages what the source emits; checkpoints are persisted only after
// the whole run succeeds.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"corpusd/internal/logger"
	"corpusd/internal/source"
	"corpusd/internal/sourcemeta"
	"corpusd/internal/staging"
)

// Stager is the slice of the staging store the scheduler writes through.
type Stager interface {
	StageBatch(ctx context.Context, docs []staging.Document) error
}

// MetaStore persists per-source run history between restarts.
type MetaStore interface {
	Load(name string) (sourcemeta.Metadata, error)
	RecordSuccess(name string, processed, failed int64, checkpoint map[string]string) error
	RecordFailure(name string) error
}

// Deduper filters re-emitted content before it reaches staging. The
// scheduler checks and marks as separate steps: a hash becomes visible
// only after its batch has landed, so a failed stage never loses
// documents to the filter.
type Deduper interface {
	Seen(hash string) bool
	Mark(hash, metadata string)
	Flush() error
}

type Scheduler struct {
	sources   []source.Source
	meta      MetaStore
	dedup     Deduper
	stager    Stager
	batchSize int
	now       func() time.Time
}

func New(sources []source.Source, meta MetaStore, dedup Deduper, stager Stager, batchSize int) *Scheduler {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Scheduler{
		sources:   sources,
		meta:      meta,
		dedup:     dedup,
		stager:    stager,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Run blocks until ctx is cancelled, driving all sources concurrently.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, src := range s.sources {
		wg.Add(1)
		go func(src source.Source) {
			defer wg.Done()
			s.runSource(ctx, src)
		}(src)
	}
	wg.Wait()
}

func (s *Scheduler) runSource(ctx context.Context, src source.Source) {
	ctx = logger.WithSource(ctx, src.Name())
	for {
		if _, _, err := s.RunSourceOnce(ctx, src); err != nil {
			slog.ErrorContext(ctx, "source run failed", "error", err)
		}
		next := src.ResyncStrategy().Next(s.now())
		slog.InfoContext(ctx, "source scheduled", "next_run", next)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(s.now())):
		}
	}
}

// RunSourceOnce performs a single fetch cycle for one source and returns
// how many documents were staged and how many items failed. The run kind
// depends only on whether the source has ever succeeded, so a source
// whose first backfill keeps failing retries the full backfill rather
// than a narrow resync.
func (s *Scheduler) RunSourceOnce(ctx context.Context, src source.Source) (processed, failed int64, err error) {
	ctx = logger.WithRun(ctx, uuid.NewString())

	meta, err := s.meta.Load(src.Name())
	if err != nil {
		return 0, 0, fmt.Errorf("load source metadata: %w", err)
	}

	run := source.RunMeta{
		Kind:        source.Resync,
		Checkpoint:  meta.Checkpoint,
		LastSuccess: meta.LastSuccess,
	}
	if !meta.HasSucceeded() {
		run.Kind = source.InitialPull
	}
	slog.InfoContext(ctx, "source run started", "kind", run.Kind.String())

	it, err := src.FetchForRun(ctx, run)
	if err != nil {
		s.recordFailure(ctx, src.Name())
		return 0, 0, fmt.Errorf("fetch %s: %w", src.Name(), err)
	}

	type pendingMark struct {
		hash string
		id   string
	}
	var (
		pending    []staging.Document
		marks      []pendingMark
		duplicates int64
	)
	seenThisRun := make(map[string]bool)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := s.stager.StageBatch(ctx, pending); err != nil {
			return fmt.Errorf("stage batch: %w", err)
		}
		// Hashes enter the dedup store only once their batch landed, so
		// a retried run re-stages whatever a failed batch lost.
		for _, m := range marks {
			s.dedup.Mark(m.hash, m.id)
		}
		pending = pending[:0]
		marks = marks[:0]
		return nil
	}

	for it.Next(ctx) {
		item := it.Item()
		hash := contentHash(item.Text())
		if seenThisRun[hash] || s.dedup.Seen(hash) {
			duplicates++
			continue
		}
		seenThisRun[hash] = true
		docs, derr := s.documentsFor(src, item)
		if derr != nil {
			failed++
			slog.WarnContext(ctx, "item rejected", "id", item.ID(), "error", derr)
			continue
		}
		pending = append(pending, docs...)
		marks = append(marks, pendingMark{hash: hash, id: item.ID()})
		processed += int64(len(docs))
		if len(pending) >= s.batchSize {
			if err := flush(); err != nil {
				s.recordFailure(ctx, src.Name())
				return processed, failed, err
			}
		}
	}
	if err := it.Err(); err != nil {
		s.recordFailure(ctx, src.Name())
		return processed, failed, fmt.Errorf("iterate %s: %w", src.Name(), err)
	}
	if err := flush(); err != nil {
		s.recordFailure(ctx, src.Name())
		return processed, failed, err
	}

	// Cursor advances only after everything above landed.
	checkpoint := meta.Checkpoint
	if cp, ok := it.(source.Checkpointer); ok {
		checkpoint = cp.Checkpoint()
	}
	if err := s.meta.RecordSuccess(src.Name(), processed, failed, checkpoint); err != nil {
		return processed, failed, fmt.Errorf("record success: %w", err)
	}
	if err := s.dedup.Flush(); err != nil {
		slog.WarnContext(ctx, "dedup checkpoint flush failed", "error", err)
	}

	slog.InfoContext(ctx, "source run finished",
		"staged", processed, "failed", failed, "duplicates", duplicates)
	return processed, failed, nil
}

// documentsFor turns one source item into its staged form: a single
// document, or one document per chunk when the text exceeds the
// embedding context window.
func (s *Scheduler) documentsFor(src source.Source, item source.Chunkable) ([]staging.Document, error) {
	base := staging.Document{
		ID:         item.ID(),
		Source:     src.Name(),
		Collection: src.Collection(),
		Text:       item.Text(),
		Metadata:   item.Metadata(),
	}
	if !src.NeedsChunking() || src.Chunker().Fits(item.Text()) {
		return []staging.Document{base}, nil
	}

	chunks, err := src.Chunker().Chunk(item.Text())
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", item.ID(), err)
	}
	docs := make([]staging.Document, len(chunks))
	for i, ch := range chunks {
		meta := make(map[string]string, len(base.Metadata)+1)
		for k, v := range base.Metadata {
			meta[k] = v
		}
		meta["chunk"] = "(" + ch.Position() + ")"
		idx, total := ch.Index, ch.Total
		docs[i] = staging.Document{
			ID:         fmt.Sprintf("%s#%d", base.ID, ch.Index),
			Source:     base.Source,
			Collection: base.Collection,
			Text:       ch.Text,
			Metadata:   meta,
			ChunkIndex: &idx,
			ChunkTotal: &total,
		}
	}
	return docs, nil
}

func (s *Scheduler) recordFailure(ctx context.Context, name string) {
	if err := s.meta.RecordFailure(name); err != nil {
		slog.ErrorContext(ctx, "record source failure", "error", err)
	}
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
