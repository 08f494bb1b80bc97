package worker_test

import (
	"context"

	"corpusd/internal/kb"
	"corpusd/internal/staging"
	"corpusd/internal/vecstore"
	"github.com/stretchr/testify/mock"
)

// Mocks

type MockEmbedQueue struct{ mock.Mock }

func (m *MockEmbedQueue) ClaimPendingBatch(ctx context.Context, limit int) ([]staging.Document, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]staging.Document), args.Error(1)
}

func (m *MockEmbedQueue) UpdateStatus(ctx context.Context, id string, status staging.Status, errMsg string, incrementRetry bool) error {
	args := m.Called(ctx, id, status, errMsg, incrementRetry)
	return args.Error(0)
}

func (m *MockEmbedQueue) RequeueFailed(ctx context.Context, maxRetries int) (int64, error) {
	args := m.Called(ctx, maxRetries)
	return args.Get(0).(int64), args.Error(1)
}

type MockPublishQueue struct{ mock.Mock }

func (m *MockPublishQueue) PendingForKB(ctx context.Context, limit, maxRetries int) ([]staging.Document, error) {
	args := m.Called(ctx, limit, maxRetries)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]staging.Document), args.Error(1)
}

func (m *MockPublishQueue) MarkKBComplete(ctx context.Context, id, url string) error {
	args := m.Called(ctx, id, url)
	return args.Error(0)
}

func (m *MockPublishQueue) MarkKBFailed(ctx context.Context, id, errMsg string) error {
	args := m.Called(ctx, id, errMsg)
	return args.Error(0)
}

type MockEmbedder struct{ mock.Mock }

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

type MockVectorWriter struct{ mock.Mock }

func (m *MockVectorWriter) Upsert(ctx context.Context, collection string, docs []vecstore.Document) error {
	args := m.Called(ctx, collection, docs)
	return args.Error(0)
}

type MockPageWriter struct{ mock.Mock }

func (m *MockPageWriter) Write(ctx context.Context, p kb.Page) (string, error) {
	args := m.Called(ctx, p)
	return args.String(0), args.Error(1)
}
