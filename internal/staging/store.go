package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Re-staging an existing id returns it to PENDING and clears both
// embedding and publication state, so changed content re-embeds and its
// knowledge-base page is rewritten rather than left stale.
const upsertQuery = `INSERT INTO staged_documents
	(id, source, collection, content, metadata, chunk_index, chunk_total, status)
	VALUES ($1, $2, $3, $4, $5, $6, $7, 'PENDING')
	ON CONFLICT (id) DO UPDATE SET
		source = EXCLUDED.source,
		collection = EXCLUDED.collection,
		content = EXCLUDED.content,
		metadata = EXCLUDED.metadata,
		chunk_index = EXCLUDED.chunk_index,
		chunk_total = EXCLUDED.chunk_total,
		status = 'PENDING',
		retry_count = 0,
		last_error = NULL,
		kb_url = NULL,
		kb_retry_count = 0,
		kb_error = NULL,
		updated_at = now()`

// Stage upserts a single document as PENDING.
func (s *Store) Stage(ctx context.Context, doc Document) error {
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata for %s: %w", doc.ID, err)
	}
	_, err = s.db.ExecContext(ctx, upsertQuery,
		doc.ID, doc.Source, doc.Collection, doc.Text, meta, doc.ChunkIndex, doc.ChunkTotal)
	if err != nil {
		return fmt.Errorf("stage %s: %w", doc.ID, err)
	}
	return nil
}

// StageBatch upserts docs in one transaction so a crashed source run
// leaves either the whole batch or none of it staged.
func (s *Store) StageBatch(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin stage batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertQuery)
	if err != nil {
		return fmt.Errorf("prepare stage batch: %w", err)
	}
	defer stmt.Close()

	for _, doc := range docs {
		meta, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata for %s: %w", doc.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			doc.ID, doc.Source, doc.Collection, doc.Text, meta, doc.ChunkIndex, doc.ChunkTotal); err != nil {
			return fmt.Errorf("stage %s: %w", doc.ID, err)
		}
	}
	return tx.Commit()
}

const claimQuery = `WITH claimed AS (
		UPDATE staged_documents SET status = 'IN_PROGRESS', updated_at = now()
		WHERE id IN (
			SELECT id FROM staged_documents WHERE status = 'PENDING'
			ORDER BY created_at LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, source, collection, content, metadata, chunk_index, chunk_total, status, retry_count, last_error, kb_retry_count, kb_error, kb_url, created_at, updated_at
	)
	SELECT id, source, collection, content, metadata, chunk_index, chunk_total, status, retry_count, COALESCE(last_error, ''), kb_retry_count, COALESCE(kb_error, ''), COALESCE(kb_url, ''), created_at, updated_at
	FROM claimed ORDER BY created_at`

// ClaimPendingBatch moves up to limit of the oldest PENDING documents to
// IN_PROGRESS and returns them oldest-first. SKIP LOCKED keeps concurrent
// embedding workers from claiming the same rows; RETURNING carries no
// order of its own, so the outer select re-sorts the claimed rows.
func (s *Store) ClaimPendingBatch(ctx context.Context, limit int) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, claimQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending batch: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// UpdateStatus transitions a document's embedding status, optionally
// recording an error message and bumping the retry counter.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, errMsg string, incrementRetry bool) error {
	query := `UPDATE staged_documents SET status = $2, last_error = NULLIF($3, ''), updated_at = now()`
	if incrementRetry {
		query += `, retry_count = retry_count + 1`
	}
	query += ` WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, id, status, errMsg)
	if err != nil {
		return fmt.Errorf("update status %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update status %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// RequeueFailed returns FAILED documents under the retry ceiling to
// PENDING and reports how many rows moved. Documents at the ceiling stay
// FAILED for operators to inspect.
func (s *Store) RequeueFailed(ctx context.Context, maxRetries int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE staged_documents SET status = 'PENDING', updated_at = now()
		 WHERE status = 'FAILED' AND retry_count < $1`, maxRetries)
	if err != nil {
		return 0, fmt.Errorf("requeue failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue failed: %w", err)
	}
	return n, nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	return s.stats(ctx, `SELECT status, COUNT(*) FROM staged_documents GROUP BY status`)
}

func (s *Store) StatsBySource(ctx context.Context, source string) (Stats, error) {
	return s.stats(ctx, `SELECT status, COUNT(*) FROM staged_documents WHERE source = $1 GROUP BY status`, source)
}

func (s *Store) stats(ctx context.Context, query string, args ...any) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("stats scan: %w", err)
		}
		switch status {
		case StatusPending:
			st.Pending = count
		case StatusInProgress:
			st.InProgress = count
		case StatusCompleted:
			st.Completed = count
		case StatusFailed:
			st.Failed = count
		}
	}
	return st, rows.Err()
}

const pendingForKBQuery = `SELECT id, source, collection, content, metadata, chunk_index, chunk_total, status, retry_count, COALESCE(last_error, ''), kb_retry_count, COALESCE(kb_error, ''), COALESCE(kb_url, ''), created_at, updated_at
	FROM staged_documents
	WHERE status = 'COMPLETED' AND kb_url IS NULL AND kb_retry_count < $1
	ORDER BY created_at LIMIT $2`

// PendingForKB returns embedding-completed documents still awaiting
// knowledge-base publication, oldest first, skipping those past the
// publication retry ceiling.
func (s *Store) PendingForKB(ctx context.Context, limit, maxRetries int) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, pendingForKBQuery, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("pending for kb: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// MarkKBComplete records the published page URL. Publication state is
// independent of embedding status.
func (s *Store) MarkKBComplete(ctx context.Context, id, url string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE staged_documents SET kb_url = $2, kb_error = NULL, updated_at = now() WHERE id = $1`, id, url)
	if err != nil {
		return fmt.Errorf("mark kb complete %s: %w", id, err)
	}
	return nil
}

// MarkKBFailed bumps the publication retry counter without touching the
// embedding status.
func (s *Store) MarkKBFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE staged_documents SET kb_retry_count = kb_retry_count + 1, kb_error = $2, updated_at = now() WHERE id = $1`, id, errMsg)
	if err != nil {
		return fmt.Errorf("mark kb failed %s: %w", id, err)
	}
	return nil
}

const kbStatsQuery = `SELECT
	COUNT(*) FILTER (WHERE kb_url IS NOT NULL),
	COUNT(*) FILTER (WHERE kb_url IS NULL AND kb_retry_count >= $1),
	COUNT(*) FILTER (WHERE kb_url IS NULL AND kb_retry_count < $1)
	FROM staged_documents WHERE status = 'COMPLETED'`

func (s *Store) KBStats(ctx context.Context, maxRetries int) (KBStats, error) {
	var st KBStats
	err := s.db.QueryRowContext(ctx, kbStatsQuery, maxRetries).
		Scan(&st.Completed, &st.Failed, &st.Pending)
	if err != nil {
		return KBStats{}, fmt.Errorf("kb stats: %w", err)
	}
	return st, nil
}

func scanDocuments(rows *sql.Rows) ([]Document, error) {
	var docs []Document
	for rows.Next() {
		var d Document
		var meta []byte
		var chunkIndex, chunkTotal sql.NullInt64
		if err := rows.Scan(&d.ID, &d.Source, &d.Collection, &d.Text, &meta,
			&chunkIndex, &chunkTotal, &d.Status, &d.RetryCount, &d.LastError,
			&d.KBRetries, &d.KBError, &d.KBURL, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &d.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", d.ID, err)
			}
		}
		if chunkIndex.Valid {
			v := int(chunkIndex.Int64)
			d.ChunkIndex = &v
		}
		if chunkTotal.Valid {
			v := int(chunkTotal.Int64)
			d.ChunkTotal = &v
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
