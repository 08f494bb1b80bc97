package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"corpusd/internal/retry"
	"corpusd/internal/tokens"
)

const advisoryCheckpointKey = "modified_since"

// AdvisorySource pulls vulnerability advisories from a paginated JSON
// API. Advisories carry long prose descriptions, so this source chunks.
// The initial pull is capped to the first N rows of the corpus; resyncs
// fetch only records modified since the checkpoint.
type AdvisorySource struct {
	name       string
	collection string
	baseURL    string
	client     *http.Client
	chunker    *tokens.Chunker
	backfill   BackfillStrategy
	pageSize   int
}

func NewAdvisorySource(name, collection, baseURL string, chunker *tokens.Chunker, backfillRows int) *AdvisorySource {
	return &AdvisorySource{
		name:       name,
		collection: collection,
		baseURL:    baseURL,
		client:     &http.Client{Timeout: 30 * time.Second},
		chunker:    chunker,
		backfill:   FirstNRows(backfillRows),
		pageSize:   100,
	}
}

func (a *AdvisorySource) Name() string                       { return a.name }
func (a *AdvisorySource) Collection() string                 { return a.collection }
func (a *AdvisorySource) ResyncStrategy() ResyncStrategy     { return DailyAt(3, 30) }
func (a *AdvisorySource) BackfillStrategy() BackfillStrategy { return a.backfill }
func (a *AdvisorySource) NeedsChunking() bool                { return true }
func (a *AdvisorySource) Chunker() *tokens.Chunker           { return a.chunker }

type advisory struct {
	ID          string `json:"id"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Published   string `json:"published"`
	Modified    string `json:"modified"`
}

type advisoryPage struct {
	Advisories []advisory `json:"advisories"`
	NextPage   int        `json:"next_page"`
}

func (a *AdvisorySource) FetchForRun(ctx context.Context, run RunMeta) (Iterator, error) {
	since := ""
	if run.Kind == Resync {
		since = run.Checkpoint[advisoryCheckpointKey]
	}
	limit := 0
	if run.Kind == InitialPull {
		limit = a.backfill.Rows
	}
	return &advisoryIterator{src: a, page: 1, since: since, limit: limit}, nil
}

// advisoryIterator fetches pages lazily: the next page is requested only
// once the consumer has drained the current one.
type advisoryIterator struct {
	src     *AdvisorySource
	page    int
	since   string
	limit   int
	emitted int
	buf     []advisory
	pos     int
	done    bool
	err     error
	latest  string
	current Chunkable
}

func (it *advisoryIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if it.limit > 0 && it.emitted >= it.limit {
		return false
	}
	for it.pos >= len(it.buf) {
		if it.done {
			return false
		}
		if err := it.fetchPage(ctx); err != nil {
			it.err = err
			return false
		}
	}

	adv := it.buf[it.pos]
	it.pos++
	it.emitted++
	if adv.Modified > it.latest {
		it.latest = adv.Modified
	}
	it.current = Item{
		DocID: fmt.Sprintf("advisory:%s", adv.ID),
		Body:  fmt.Sprintf("%s\n\n%s", adv.Summary, adv.Description),
		Meta: map[string]string{
			"advisory_id": adv.ID,
			"severity":    adv.Severity,
			"published":   adv.Published,
			"modified":    adv.Modified,
		},
	}
	return true
}

func (it *advisoryIterator) Item() Chunkable { return it.current }

func (it *advisoryIterator) Err() error { return it.err }

func (it *advisoryIterator) Checkpoint() map[string]string {
	if it.latest == "" {
		if it.since == "" {
			return nil
		}
		return map[string]string{advisoryCheckpointKey: it.since}
	}
	return map[string]string{advisoryCheckpointKey: it.latest}
}

func (it *advisoryIterator) fetchPage(ctx context.Context) error {
	q := url.Values{}
	q.Set("page", strconv.Itoa(it.page))
	q.Set("per_page", strconv.Itoa(it.src.pageSize))
	if it.since != "" {
		q.Set("modified_since", it.since)
	}
	endpoint := fmt.Sprintf("%s/advisories?%s", it.src.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := it.src.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch advisories page %d: %w", it.page, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("fetch advisories page %d: %w", it.page, &retry.HTTPError{Status: resp.StatusCode, Body: string(body)})
	}

	var page advisoryPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return fmt.Errorf("decode advisories page %d: %w", it.page, err)
	}

	it.buf = page.Advisories
	it.pos = 0
	if page.NextPage > it.page {
		it.page = page.NextPage
	} else {
		it.done = true
	}
	if len(page.Advisories) == 0 {
		it.done = true
	}
	return nil
}
