package scheduler_test

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"corpusd/internal/dedup"
	"corpusd/internal/scheduler"
	"corpusd/internal/source"
	"corpusd/internal/sourcemeta"
	"corpusd/internal/staging"
	"corpusd/internal/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockMetaStore struct{ mock.Mock }

func (m *MockMetaStore) Load(name string) (sourcemeta.Metadata, error) {
	args := m.Called(name)
	return args.Get(0).(sourcemeta.Metadata), args.Error(1)
}

func (m *MockMetaStore) RecordSuccess(name string, processed, failed int64, checkpoint map[string]string) error {
	args := m.Called(name, processed, failed, checkpoint)
	return args.Error(0)
}

func (m *MockMetaStore) RecordFailure(name string) error {
	args := m.Called(name)
	return args.Error(0)
}

type MockStager struct{ mock.Mock }

func (m *MockStager) StageBatch(ctx context.Context, docs []staging.Document) error {
	args := m.Called(ctx, docs)
	return args.Error(0)
}

// fakeDedup mirrors the dedup store contract: Seen is true for marked
// hashes, Mark records them.
type fakeDedup struct{ seen map[string]bool }

func newFakeDedup() *fakeDedup {
	return &fakeDedup{seen: map[string]bool{}}
}

func (d *fakeDedup) Seen(hash string) bool      { return d.seen[hash] }
func (d *fakeDedup) Mark(hash, metadata string) { d.seen[hash] = true }
func (d *fakeDedup) Flush() error               { return nil }

// fakeSource emits a fixed item slice through the real iterator shapes.
type fakeSource struct {
	name       string
	collection string
	items      []source.Chunkable
	chunker    *tokens.Chunker
	fetchErr   error
	lastRun    source.RunMeta
	checkpoint map[string]string
}

func (f *fakeSource) Name() string                              { return f.name }
func (f *fakeSource) Collection() string                        { return f.collection }
func (f *fakeSource) ResyncStrategy() source.ResyncStrategy     { return source.HourlyAt(0) }
func (f *fakeSource) BackfillStrategy() source.BackfillStrategy { return source.FullScan() }
func (f *fakeSource) NeedsChunking() bool                       { return f.chunker != nil }
func (f *fakeSource) Chunker() *tokens.Chunker                  { return f.chunker }

func (f *fakeSource) FetchForRun(ctx context.Context, run source.RunMeta) (source.Iterator, error) {
	f.lastRun = run
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return &fakeIterator{items: f.items, pos: -1, checkpoint: f.checkpoint}, nil
}

type fakeIterator struct {
	items      []source.Chunkable
	pos        int
	err        error
	checkpoint map[string]string
}

func (it *fakeIterator) Next(ctx context.Context) bool {
	it.pos++
	return it.pos < len(it.items)
}

func (it *fakeIterator) Item() source.Chunkable        { return it.items[it.pos] }
func (it *fakeIterator) Err() error                    { return it.err }
func (it *fakeIterator) Checkpoint() map[string]string { return it.checkpoint }

func item(id, text string) source.Item {
	return source.Item{DocID: id, Body: text, Meta: map[string]string{"title": id}}
}

func TestRunSourceOnce_InitialPullStagesEverything(t *testing.T) {
	meta := new(MockMetaStore)
	stager := new(MockStager)

	src := &fakeSource{
		name:       "feeds",
		collection: "rss_aggregation",
		items:      []source.Chunkable{item("feed:1", "alpha"), item("feed:2", "beta")},
		checkpoint: map[string]string{"last_published": "2026-08-30T00:00:00Z"},
	}

	meta.On("Load", "feeds").Return(sourcemeta.Metadata{Name: "feeds"}, nil)
	stager.On("StageBatch", mock.Anything, mock.MatchedBy(func(docs []staging.Document) bool {
		return len(docs) == 2 && docs[0].ID == "feed:1" && docs[0].Collection == "rss_aggregation"
	})).Return(nil)
	meta.On("RecordSuccess", "feeds", int64(2), int64(0), src.checkpoint).Return(nil)

	s := scheduler.New(nil, meta, newFakeDedup(), stager, 100)
	processed, failed, err := s.RunSourceOnce(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, int64(2), processed)
	assert.Equal(t, int64(0), failed)
	assert.Equal(t, source.InitialPull, src.lastRun.Kind)
	meta.AssertExpectations(t)
	stager.AssertExpectations(t)
}

func TestRunSourceOnce_ResyncPassesCheckpoint(t *testing.T) {
	meta := new(MockMetaStore)
	stager := new(MockStager)

	prior := sourcemeta.Metadata{
		Name:        "feeds",
		Checkpoint:  map[string]string{"last_published": "2026-08-01T00:00:00Z"},
		LastSuccess: mustTime(t, "2026-08-01T06:00:00Z"),
	}
	src := &fakeSource{name: "feeds", collection: "rss_aggregation"}

	meta.On("Load", "feeds").Return(prior, nil)
	// No new items: the cursor is carried forward unchanged by the
	// iterator's own checkpoint.
	meta.On("RecordSuccess", "feeds", int64(0), int64(0), mock.Anything).Return(nil)

	s := scheduler.New(nil, meta, newFakeDedup(), stager, 100)
	_, _, err := s.RunSourceOnce(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, source.Resync, src.lastRun.Kind)
	assert.Equal(t, prior.Checkpoint, src.lastRun.Checkpoint)
	stager.AssertNotCalled(t, "StageBatch", mock.Anything, mock.Anything)
}

func TestRunSourceOnce_DuplicatesSkipped(t *testing.T) {
	meta := new(MockMetaStore)
	stager := new(MockStager)

	src := &fakeSource{
		name:       "feeds",
		collection: "rss_aggregation",
		items: []source.Chunkable{
			item("feed:1", "same text"),
			item("feed:2", "same text"),
			item("feed:3", "other text"),
		},
	}

	meta.On("Load", "feeds").Return(sourcemeta.Metadata{Name: "feeds"}, nil)
	stager.On("StageBatch", mock.Anything, mock.MatchedBy(func(docs []staging.Document) bool {
		return len(docs) == 2
	})).Return(nil)
	meta.On("RecordSuccess", "feeds", int64(2), int64(0), mock.Anything).Return(nil)

	s := scheduler.New(nil, meta, newFakeDedup(), stager, 100)
	processed, _, err := s.RunSourceOnce(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, int64(2), processed)
	stager.AssertExpectations(t)
}

func TestRunSourceOnce_ChunksOversizedItems(t *testing.T) {
	counter, err := tokens.NewCounter()
	require.NoError(t, err)
	chunker, err := tokens.ChunkerForBudget(counter, 20)
	require.NoError(t, err)

	long := strings.Repeat("vulnerability disclosure report ", 40)
	src := &fakeSource{
		name:       "advisories",
		collection: "vuln_db",
		chunker:    chunker,
		items:      []source.Chunkable{item("advisory:9", long)},
	}

	meta := new(MockMetaStore)
	stager := new(MockStager)
	meta.On("Load", "advisories").Return(sourcemeta.Metadata{Name: "advisories"}, nil)

	var staged []staging.Document
	stager.On("StageBatch", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		staged = append(staged, args.Get(1).([]staging.Document)...)
	}).Return(nil)
	meta.On("RecordSuccess", "advisories", mock.Anything, int64(0), mock.Anything).Return(nil)

	s := scheduler.New(nil, meta, newFakeDedup(), stager, 100)
	_, _, err = s.RunSourceOnce(context.Background(), src)
	require.NoError(t, err)

	require.Greater(t, len(staged), 1)
	assert.Equal(t, "advisory:9#0", staged[0].ID)
	require.NotNil(t, staged[0].ChunkTotal)
	assert.Equal(t, len(staged), *staged[0].ChunkTotal)
	assert.Equal(t, "(part 1 of "+strconv.Itoa(len(staged))+")", staged[0].Metadata["chunk"])
	// The item's own metadata map must not absorb chunk annotations.
	assert.NotContains(t, src.items[0].Metadata(), "chunk")
}

func TestRunSourceOnce_FetchFailureRecordsFailure(t *testing.T) {
	meta := new(MockMetaStore)
	src := &fakeSource{name: "feeds", fetchErr: errors.New("upstream down")}

	meta.On("Load", "feeds").Return(sourcemeta.Metadata{Name: "feeds"}, nil)
	meta.On("RecordFailure", "feeds").Return(nil)

	s := scheduler.New(nil, meta, newFakeDedup(), new(MockStager), 100)
	_, _, err := s.RunSourceOnce(context.Background(), src)
	assert.Error(t, err)
	meta.AssertExpectations(t)
}

func TestRunSourceOnce_StageFailureKeepsCheckpoint(t *testing.T) {
	meta := new(MockMetaStore)
	stager := new(MockStager)

	src := &fakeSource{
		name:       "feeds",
		collection: "rss_aggregation",
		items:      []source.Chunkable{item("feed:1", "alpha")},
	}

	meta.On("Load", "feeds").Return(sourcemeta.Metadata{Name: "feeds"}, nil)
	stager.On("StageBatch", mock.Anything, mock.Anything).Return(errors.New("db down"))
	meta.On("RecordFailure", "feeds").Return(nil)

	s := scheduler.New(nil, meta, newFakeDedup(), stager, 100)
	_, _, err := s.RunSourceOnce(context.Background(), src)
	assert.Error(t, err)
	meta.AssertNotCalled(t, "RecordSuccess", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunSourceOnce_BatchesLargeRuns(t *testing.T) {
	meta := new(MockMetaStore)
	stager := new(MockStager)

	items := make([]source.Chunkable, 5)
	for i := range items {
		items[i] = item("feed:"+strconv.Itoa(i), "text number "+strconv.Itoa(i))
	}
	src := &fakeSource{name: "feeds", collection: "rss_aggregation", items: items}

	meta.On("Load", "feeds").Return(sourcemeta.Metadata{Name: "feeds"}, nil)
	stager.On("StageBatch", mock.Anything, mock.Anything).Return(nil)
	meta.On("RecordSuccess", "feeds", int64(5), int64(0), mock.Anything).Return(nil)

	s := scheduler.New(nil, meta, newFakeDedup(), stager, 2)
	_, _, err := s.RunSourceOnce(context.Background(), src)
	require.NoError(t, err)
	// 5 docs with a batch size of 2: two full batches plus the tail.
	stager.AssertNumberOfCalls(t, "StageBatch", 3)
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

func TestRunSourceOnce_NovelDocumentsPassDedup(t *testing.T) {
	store, err := dedup.New(filepath.Join(t.TempDir(), "dedup.tsv"), 100)
	require.NoError(t, err)

	src := &fakeSource{
		name:       "feeds",
		collection: "rss_aggregation",
		items:      []source.Chunkable{item("feed:1", "alpha"), item("feed:2", "beta")},
	}

	meta := new(MockMetaStore)
	stager := new(MockStager)
	meta.On("Load", "feeds").Return(sourcemeta.Metadata{Name: "feeds"}, nil)
	stager.On("StageBatch", mock.Anything, mock.MatchedBy(func(docs []staging.Document) bool {
		return len(docs) == 2
	})).Return(nil).Once()
	meta.On("RecordSuccess", "feeds", mock.Anything, int64(0), mock.Anything).Return(nil)

	s := scheduler.New(nil, meta, store, stager, 100)
	processed, _, err := s.RunSourceOnce(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, int64(2), processed)

	// The same content on the next cycle is filtered, not re-staged.
	processed, _, err = s.RunSourceOnce(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, int64(0), processed)
	stager.AssertNumberOfCalls(t, "StageBatch", 1)
}

func TestRunSourceOnce_FailedBatchRestagedOnRetry(t *testing.T) {
	store, err := dedup.New(filepath.Join(t.TempDir(), "dedup.tsv"), 100)
	require.NoError(t, err)

	src := &fakeSource{
		name:       "feeds",
		collection: "rss_aggregation",
		items:      []source.Chunkable{item("feed:1", "alpha"), item("feed:2", "beta")},
	}

	meta := new(MockMetaStore)
	stager := new(MockStager)
	meta.On("Load", "feeds").Return(sourcemeta.Metadata{Name: "feeds"}, nil)
	stager.On("StageBatch", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()
	stager.On("StageBatch", mock.Anything, mock.Anything).Return(nil).Once()
	meta.On("RecordFailure", "feeds").Return(nil)
	meta.On("RecordSuccess", "feeds", int64(2), int64(0), mock.Anything).Return(nil)

	s := scheduler.New(nil, meta, store, stager, 100)
	_, _, err = s.RunSourceOnce(context.Background(), src)
	require.Error(t, err)

	// A failed batch leaves no dedup marks behind, so the retried run
	// stages the same documents instead of dropping them.
	processed, _, err := s.RunSourceOnce(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, int64(2), processed)
	stager.AssertExpectations(t)
	meta.AssertExpectations(t)
}
