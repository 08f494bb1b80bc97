package vecstore_test

import (
	"testing"

	"corpusd/internal/vecstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestPointID_Deterministic(t *testing.T) {
	a := vecstore.PointID("feed:https://example.com/post/1")
	b := vecstore.PointID("feed:https://example.com/post/1")
	assert.Equal(t, a, b, "same logical document must map to the same point")
}

func TestPointID_DistinctInputs(t *testing.T) {
	ids := map[string]bool{}
	for _, doc := range []string{"a", "b", "advisory:CVE-2026-0001", "advisory:CVE-2026-0001#1"} {
		ids[vecstore.PointID(doc)] = true
	}
	assert.Len(t, ids, 4)
}

func TestPointID_IsValidUUID(t *testing.T) {
	id := vecstore.PointID("listing:BTC")
	parsed, err := uuid.Parse(id)
	assert.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, parsed)
}
