// Package staging tracks every candidate document through its embedding
// lifecycle and, independently, its knowledge-base publication lifecycle.
// The table is the pipeline's durability backbone: any worker can crash
// and resume from the statuses recorded here without duplicating work.
package staging

import "time"

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Document is one candidate unit of content awaiting embedding. ID is
// stable across re-fetches of the same logical document; staging the same
// ID twice overwrites lifecycle fields rather than inserting a new row.
type Document struct {
	ID         string
	Source     string
	Collection string
	Text       string
	Metadata   map[string]string
	ChunkIndex *int
	ChunkTotal *int
	Status     Status
	RetryCount int
	LastError  string
	KBRetries  int
	KBError    string
	KBURL      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Stats are per-status row counts, the operator-facing progress surface.
type Stats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// KBStats describe publication progress, derived from embedding-completed
// rows: done have a page URL, failed have exhausted their publication
// retries, pending is the remainder.
type KBStats struct {
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Completed int `json:"completed"`
}
