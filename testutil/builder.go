package testutil

import (
	"context"
	"sync/atomic"

	"github.com/hupe1980/rtpart/document"
	"github.com/hupe1980/rtpart/model"
	"github.com/hupe1980/rtpart/schema"
	"github.com/stretchr/testify/mock"
)

// MockBuilder is a testify mock of engine.TableBuilder.
// Close, NeedCommit and Locator need no expectations.
type MockBuilder struct {
	mock.Mock

	Loc   model.Locator
	Dirty atomic.Bool
}

func (m *MockBuilder) Build(ctx context.Context, batch *document.Batch) error {
	return m.Called(ctx, batch).Error(0)
}

func (m *MockBuilder) AlterTable(ctx context.Context, s *schema.Schema, configPath string, loc model.Locator) error {
	return m.Called(ctx, s, configPath, loc).Error(0)
}

func (m *MockBuilder) ImportExternalFiles(ctx context.Context, req *document.Bulkload) error {
	return m.Called(ctx, req).Error(0)
}

func (m *MockBuilder) NeedCommit() bool { return m.Dirty.Load() }

func (m *MockBuilder) Commit(ctx context.Context) (model.TableVersion, error) {
	args := m.Called(ctx)
	return args.Get(0).(model.TableVersion), args.Error(1)
}

func (m *MockBuilder) Locator() model.Locator { return m.Loc }

func (m *MockBuilder) Close() error { return nil }
