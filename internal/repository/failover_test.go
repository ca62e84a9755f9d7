package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"fieldsync/internal/engine"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) SaveStatus(ctx context.Context, s engine.Status) error {
	return m.Called(ctx, s).Error(0)
}

func (m *mockRepo) LoadStatus(ctx context.Context) (*engine.Status, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.Status), args.Error(1)
}

func TestFailoverStatusRepository(t *testing.T) {
	primary := new(mockRepo)
	fallback := NewMemoryStatusRepository()
	logger := zerolog.New(io.Discard)
	repo := NewFailoverStatusRepository(primary, fallback, &logger)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }
	ctx := context.Background()

	t.Run("PrimarySuccess", func(t *testing.T) {
		s := engine.Status{Online: true, Pending: 2}
		primary.On("SaveStatus", ctx, s).Return(nil).Once()

		require.NoError(t, repo.SaveStatus(ctx, s))
		primary.AssertExpectations(t)

		mirrored, err := fallback.LoadStatus(ctx)
		require.NoError(t, err)
		require.NotNil(t, mirrored)
		assert.Equal(t, 2, mirrored.Pending)
	})

	t.Run("PrimaryFailFallbackSuccess", func(t *testing.T) {
		s := engine.Status{Online: false, Pending: 3}
		primary.On("SaveStatus", ctx, s).Return(errors.New("fail")).Once()

		require.NoError(t, repo.SaveStatus(ctx, s))
		assert.True(t, repo.isDown.Load())

		got, err := repo.LoadStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, got.Pending)
		primary.AssertExpectations(t)
	})

	t.Run("StaysOnFallbackWithinWindow", func(t *testing.T) {
		now = now.Add(30 * time.Second)
		require.NoError(t, repo.SaveStatus(ctx, engine.Status{Pending: 4}))
		primary.AssertNotCalled(t, "SaveStatus", ctx, engine.Status{Pending: 4})
	})

	t.Run("RecoversAfterWindow", func(t *testing.T) {
		now = now.Add(2 * time.Minute)
		want := &engine.Status{Online: true, Pending: 5}
		primary.On("LoadStatus", ctx).Return(want, nil).Once()

		got, err := repo.LoadStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.False(t, repo.isDown.Load())
		primary.AssertExpectations(t)
	})
}
