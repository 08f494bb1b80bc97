// Package vecstore writes embedding vectors into qdrant. Point IDs are
// deterministic UUIDs derived from the document's logical id, so
// re-processing a document always updates the same point instead of
// inserting a duplicate.
package vecstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrTimeout marks calls that exceeded the per-call deadline; operators
// treat these differently from generic write failures.
var ErrTimeout = errors.New("vecstore: operation timed out")

// pointNamespace seeds the deterministic point UUIDs. Changing it
// re-keys every point, so it is fixed for the lifetime of a deployment.
var pointNamespace = uuid.MustParse("9f2c1a54-7e0b-4d3a-8c6f-2b1e9d4a7c35")

// Document is the unit written to the store. Identity is the ID alone:
// writing the same ID with a different vector or payload updates the
// existing point.
type Document struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
}

type Store struct {
	client  *qdrant.Client
	timeout time.Duration
}

func NewStore(client *qdrant.Client) *Store {
	return &Store{client: client, timeout: 30 * time.Second}
}

// PointID maps a logical document id into qdrant's UUID space. The full
// 128 bits of the name hash are kept; no folding.
func PointID(docID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(docID)).String()
}

// EnsureCollection provisions a cosine-distance collection of the given
// dimensionality. A collection that already exists is success, not an
// error.
func (s *Store) EnsureCollection(ctx context.Context, name string, dim int) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return s.wrap(fmt.Errorf("check collection %s: %w", name, err))
	}
	if exists {
		slog.DebugContext(ctx, "collection exists", "collection", name)
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return nil
		}
		return s.wrap(fmt.Errorf("create collection %s: %w", name, err))
	}
	slog.InfoContext(ctx, "collection created", "collection", name, "dim", dim)
	return nil
}

// Upsert writes docs in one round-trip. Writes wait for quorum so a
// returned nil error means the points are durable.
func (s *Store) Upsert(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	points := make([]*qdrant.PointStruct, len(docs))
	for i, doc := range docs {
		payload := make(map[string]any, len(doc.Metadata)+1)
		for k, v := range doc.Metadata {
			payload[k] = v
		}
		payload["doc_id"] = doc.ID
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(PointID(doc.ID)),
			Vectors: qdrant.NewVectors(doc.Vector...),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return s.wrap(fmt.Errorf("upsert %d points into %s: %w", len(points), collection, err))
	}
	return nil
}

// HealthCheck lists collections as a liveness probe. It is used by
// monitoring, never by the write path.
func (s *Store) HealthCheck(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	names, err := s.client.ListCollections(ctx)
	if err != nil {
		return nil, s.wrap(fmt.Errorf("list collections: %w", err))
	}
	return names, nil
}

func (s *Store) wrap(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || status.Code(err) == codes.DeadlineExceeded {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
