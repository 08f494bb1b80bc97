package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"corpusd/internal/retry"
	"corpusd/internal/tokens"
)

const listingCheckpointKey = "version"

// ListingSource ingests a market-listing snapshot endpoint that versions
// its dumps. A resync only re-ingests when upstream reports a version
// newer than the checkpoint, so unchanged dumps cost one probe request.
type ListingSource struct {
	name       string
	collection string
	baseURL    string
	client     *http.Client
}

func NewListingSource(name, collection, baseURL string) *ListingSource {
	return &ListingSource{
		name:       name,
		collection: collection,
		baseURL:    baseURL,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (l *ListingSource) Name() string                       { return l.name }
func (l *ListingSource) Collection() string                 { return l.collection }
func (l *ListingSource) ResyncStrategy() ResyncStrategy     { return WhenUpstreamNewer(6 * time.Hour) }
func (l *ListingSource) BackfillStrategy() BackfillStrategy { return FullScan() }
func (l *ListingSource) NeedsChunking() bool                { return false }
func (l *ListingSource) Chunker() *tokens.Chunker           { return nil }

type listingDump struct {
	Version  string `json:"version"`
	Listings []struct {
		Symbol      string `json:"symbol"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Category    string `json:"category"`
	} `json:"listings"`
}

func (l *ListingSource) FetchForRun(ctx context.Context, run RunMeta) (Iterator, error) {
	dump, err := l.fetchDump(ctx)
	if err != nil {
		return nil, err
	}

	if run.Kind == Resync && run.Checkpoint[listingCheckpointKey] == dump.Version {
		// Upstream has nothing newer; keep the checkpoint as-is.
		return newSliceIterator(nil, map[string]string{listingCheckpointKey: dump.Version}), nil
	}

	items := make([]Chunkable, 0, len(dump.Listings))
	for _, ls := range dump.Listings {
		items = append(items, Item{
			DocID: fmt.Sprintf("listing:%s", ls.Symbol),
			Body:  fmt.Sprintf("%s (%s)\n\n%s", ls.Name, ls.Symbol, ls.Description),
			Meta: map[string]string{
				"symbol":   ls.Symbol,
				"name":     ls.Name,
				"category": ls.Category,
				"version":  dump.Version,
			},
		})
	}
	return newSliceIterator(items, map[string]string{listingCheckpointKey: dump.Version}), nil
}

func (l *ListingSource) fetchDump(ctx context.Context) (*listingDump, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/listings", nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch listings: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch listings: %w", &retry.HTTPError{Status: resp.StatusCode, Body: string(body)})
	}

	var dump listingDump
	if err := json.NewDecoder(resp.Body).Decode(&dump); err != nil {
		return nil, fmt.Errorf("decode listings: %w", err)
	}
	return &dump, nil
}
