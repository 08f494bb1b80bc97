package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/russross/blackfriday/v2"

	"corpusd/internal/kb"
	"corpusd/internal/staging"
)

// Publisher walks embedding-completed documents and mirrors them into the
// knowledge base. Publication retries are tracked independently from
// embedding retries: a document stays searchable even when its page write
// keeps failing.
type Publisher struct {
	queue      PublishQueue
	writer     PageWriter
	limit      int
	maxRetries int
	poll       time.Duration
}

func NewPublisher(queue PublishQueue, writer PageWriter, limit, maxRetries int, poll time.Duration) *Publisher {
	return &Publisher{
		queue:      queue,
		writer:     writer,
		limit:      limit,
		maxRetries: maxRetries,
		poll:       poll,
	}
}

func (p *Publisher) Run(ctx context.Context) {
	for {
		n, err := p.RunOnce(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "publish batch failed", "error", err)
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.poll):
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

// RunOnce publishes one batch sequentially and returns how many
// documents it attempted.
func (p *Publisher) RunOnce(ctx context.Context) (int, error) {
	batch, err := p.queue.PendingForKB(ctx, p.limit, p.maxRetries)
	if err != nil {
		return 0, err
	}
	for _, doc := range batch {
		url, err := p.writer.Write(ctx, pageFor(doc))
		if err != nil {
			slog.WarnContext(ctx, "page write failed", "id", doc.ID, "kb_retries", doc.KBRetries+1, "error", err)
			if markErr := p.queue.MarkKBFailed(ctx, doc.ID, err.Error()); markErr != nil {
				slog.ErrorContext(ctx, "mark kb failed failed", "id", doc.ID, "error", markErr)
			}
			continue
		}
		if err := p.queue.MarkKBComplete(ctx, doc.ID, url); err != nil {
			slog.ErrorContext(ctx, "mark kb complete failed", "id", doc.ID, "error", err)
			continue
		}
		slog.InfoContext(ctx, "page published", "id", doc.ID, "url", url)
	}
	return len(batch), nil
}

// pageFor maps a staged document onto the book > chapter > page
// hierarchy: book per source, chapter from metadata when present, page
// title from metadata with the chunk position appended for split
// documents.
func pageFor(doc staging.Document) kb.Page {
	title := doc.Metadata["title"]
	if title == "" {
		title = doc.ID
	}
	if doc.ChunkIndex != nil && doc.ChunkTotal != nil && *doc.ChunkTotal > 1 {
		title = title + " " + doc.Metadata["chunk"]
	}

	tags := map[string]string{
		"source": doc.Source,
		"doc_id": doc.ID,
	}
	for _, k := range []string{"severity", "category", "published"} {
		if v := doc.Metadata[k]; v != "" {
			tags[k] = v
		}
	}

	book := doc.Metadata["kb_book"]
	if book == "" {
		book = doc.Source
	}

	return kb.Page{
		Book:    book,
		Chapter: doc.Metadata["kb_chapter"],
		Title:   title,
		HTML:    string(blackfriday.Run([]byte(doc.Text))),
		Tags:    tags,
	}
}
