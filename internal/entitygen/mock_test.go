package entitygen

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/erc721-indexer/internal/model"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Get(ctx context.Context, kind model.Kind, id string) (model.Entity, error) {
	args := m.Called(ctx, kind, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(model.Entity), args.Error(1)
}

func (m *mockStore) Insert(ctx context.Context, kind model.Kind, entities []model.Entity) error {
	return m.Called(ctx, kind, entities).Error(0)
}

func (m *mockStore) Save(ctx context.Context, kind model.Kind, entities []model.Entity) error {
	return m.Called(ctx, kind, entities).Error(0)
}

func (m *mockStore) Migrate(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *mockStore) Close() error                      { return m.Called().Error(0) }
