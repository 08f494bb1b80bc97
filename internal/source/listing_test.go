package source_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"corpusd/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listingServer(version string, symbols ...string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		listings := make([]map[string]string, 0, len(symbols))
		for _, s := range symbols {
			listings = append(listings, map[string]string{
				"symbol":      s,
				"name":        "Asset " + s,
				"description": "Long form description of " + s,
				"category":    "spot",
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"version": version, "listings": listings})
	}))
}

func TestListingSource_InitialPullFullScan(t *testing.T) {
	srv := listingServer("v7", "BTC", "ETH")
	defer srv.Close()

	src := source.NewListingSource("listings", "market_data", srv.URL)
	it, err := src.FetchForRun(context.Background(), source.RunMeta{Kind: source.InitialPull})
	require.NoError(t, err)

	items := drain(t, it)
	require.Len(t, items, 2)
	assert.Equal(t, "listing:BTC", items[0].ID())
	assert.Equal(t, "v7", items[0].Metadata()["version"])

	cp := it.(source.Checkpointer).Checkpoint()
	assert.Equal(t, "v7", cp["version"])
}

func TestListingSource_ResyncSkipsSameVersion(t *testing.T) {
	srv := listingServer("v7", "BTC", "ETH")
	defer srv.Close()

	src := source.NewListingSource("listings", "market_data", srv.URL)
	it, err := src.FetchForRun(context.Background(), source.RunMeta{
		Kind:       source.Resync,
		Checkpoint: map[string]string{"version": "v7"},
	})
	require.NoError(t, err)

	items := drain(t, it)
	assert.Empty(t, items)
}

func TestListingSource_ResyncIngestsNewerVersion(t *testing.T) {
	srv := listingServer("v8", "BTC")
	defer srv.Close()

	src := source.NewListingSource("listings", "market_data", srv.URL)
	it, err := src.FetchForRun(context.Background(), source.RunMeta{
		Kind:       source.Resync,
		Checkpoint: map[string]string{"version": "v7"},
	})
	require.NoError(t, err)

	items := drain(t, it)
	require.Len(t, items, 1)
	cp := it.(source.Checkpointer).Checkpoint()
	assert.Equal(t, "v8", cp["version"])
}
