// Package source defines the contract every ingestion source implements
// and the declarative scheduling policies the scheduler interprets. The
// variety of upstream systems (feeds, advisory APIs, listing snapshots)
// all reduce to one capability: emit Chunkable items in order.
package source

import (
	"context"
	"time"

	"corpusd/internal/tokens"
)

// Chunkable is the minimal capability a source item must expose to enter
// the pipeline: stable identity, text, and string metadata.
type Chunkable interface {
	ID() string
	Text() string
	Metadata() map[string]string
}

// Item is a plain Chunkable most sources can emit directly.
type Item struct {
	DocID string
	Body  string
	Meta  map[string]string
}

func (i Item) ID() string                  { return i.DocID }
func (i Item) Text() string                { return i.Body }
func (i Item) Metadata() map[string]string { return i.Meta }

// RunKind distinguishes a source's first-ever run from the recurring
// narrower follow-ups.
type RunKind int

const (
	InitialPull RunKind = iota
	Resync
)

func (k RunKind) String() string {
	if k == InitialPull {
		return "initial_pull"
	}
	return "resync"
}

// RunMeta is passed into FetchForRun so one implementation can branch its
// fetch window. Checkpoint carries the cursor persisted after the last
// successful run; it is nil on the very first run.
type RunMeta struct {
	Kind        RunKind
	Checkpoint  map[string]string
	LastSuccess time.Time
}

// Iterator is a pull-based lazy sequence: the consumer controls
// backpressure by not calling Next until it is ready for the next item.
// The sql.Rows shape keeps error handling out of the happy path.
type Iterator interface {
	Next(ctx context.Context) bool
	Item() Chunkable
	Err() error
}

// Checkpointer is implemented by iterators that track a resumption cursor
// while draining. The scheduler persists it after a successful run.
type Checkpointer interface {
	Checkpoint() map[string]string
}

// Source is the uniform contract the scheduler drives.
type Source interface {
	Name() string
	Collection() string
	FetchForRun(ctx context.Context, run RunMeta) (Iterator, error)
	ResyncStrategy() ResyncStrategy
	BackfillStrategy() BackfillStrategy
	NeedsChunking() bool
	Chunker() *tokens.Chunker
}

// sliceIterator adapts an eagerly fetched batch to the Iterator contract.
type sliceIterator struct {
	items      []Chunkable
	pos        int
	checkpoint map[string]string
}

func newSliceIterator(items []Chunkable, checkpoint map[string]string) *sliceIterator {
	return &sliceIterator{items: items, pos: -1, checkpoint: checkpoint}
}

func (it *sliceIterator) Next(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	it.pos++
	return it.pos < len(it.items)
}

func (it *sliceIterator) Item() Chunkable { return it.items[it.pos] }

func (it *sliceIterator) Err() error { return nil }

func (it *sliceIterator) Checkpoint() map[string]string { return it.checkpoint }
