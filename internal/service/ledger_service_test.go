package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

type mockHedgeStore struct{ mock.Mock }

func (m *mockHedgeStore) Upsert(ctx context.Context, h domain.HedgePosition) error {
	return m.Called(ctx, h).Error(0)
}

func (m *mockHedgeStore) GetByID(ctx context.Context, id string) (domain.HedgePosition, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.HedgePosition), args.Error(1)
}

func (m *mockHedgeStore) ListOpen(ctx context.Context) ([]domain.HedgePosition, error) {
	args := m.Called(ctx)
	return args.Get(0).([]domain.HedgePosition), args.Error(1)
}

func (m *mockHedgeStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.HedgePosition, error) {
	args := m.Called(ctx, opts)
	return args.Get(0).([]domain.HedgePosition), args.Error(1)
}

type mockAudit struct{ mock.Mock }

func (m *mockAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	return m.Called(ctx, event, detail).Error(0)
}

func (m *mockAudit) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	args := m.Called(ctx, opts)
	return args.Get(0).([]domain.AuditEntry), args.Error(1)
}

type memBus struct {
	published map[string]int
	streamed  map[string]int
	fail      bool
}

func (b *memBus) Publish(_ context.Context, channel string, _ []byte) error {
	if b.fail {
		return errors.New("bus down")
	}
	if b.published == nil {
		b.published = make(map[string]int)
	}
	b.published[channel]++
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *memBus) StreamAppend(_ context.Context, stream string, _ []byte) error {
	if b.streamed == nil {
		b.streamed = make(map[string]int)
	}
	b.streamed[stream]++
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestLedgerRecord(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	t.Run("pending transition is stored and published, not audited", func(t *testing.T) {
		store := &mockHedgeStore{}
		audit := &mockAudit{}
		bus := &memBus{}
		h := domain.HedgePosition{ID: "h1", Pair: "ETH", Status: domain.HedgeLegAPending}
		store.On("Upsert", ctx, h).Return(nil)

		require.NoError(t, NewLedgerService(store, bus, audit, logger).Record(ctx, h))
		store.AssertExpectations(t)
		audit.AssertNotCalled(t, "Log", mock.Anything, mock.Anything, mock.Anything)
		assert.Equal(t, 1, bus.published[domain.ChannelHedge])
		assert.Zero(t, bus.streamed[domain.StreamHedges])
	})

	t.Run("manual intervention is audited under its own event", func(t *testing.T) {
		store := &mockHedgeStore{}
		audit := &mockAudit{}
		bus := &memBus{}
		h := domain.HedgePosition{ID: "h2", Pair: "ETH", Status: domain.HedgeFailed, ManualIntervention: true}
		store.On("Upsert", ctx, h).Return(nil)
		audit.On("Log", ctx, domain.EventManualIntervention, mock.Anything).Return(nil)

		require.NoError(t, NewLedgerService(store, bus, audit, logger).Record(ctx, h))
		audit.AssertExpectations(t)
		assert.Equal(t, 1, bus.streamed[domain.StreamHedges])
	})

	t.Run("store failure is returned, bus failure is not", func(t *testing.T) {
		store := &mockHedgeStore{}
		h := domain.HedgePosition{ID: "h3", Status: domain.HedgeBalanced}
		store.On("Upsert", ctx, h).Return(errors.New("db down")).Once()
		store.On("Upsert", ctx, h).Return(nil)

		svc := NewLedgerService(store, &memBus{fail: true}, nil, logger)
		assert.Error(t, svc.Record(ctx, h))
		assert.NoError(t, svc.Record(ctx, h))
	})

	t.Run("no dependencies is a no-op", func(t *testing.T) {
		svc := NewLedgerService(nil, nil, nil, logger)
		assert.NoError(t, svc.Record(ctx, domain.HedgePosition{ID: "h4"}))
		open, err := svc.LoadOpen(ctx)
		assert.NoError(t, err)
		assert.Empty(t, open)
		_, err = svc.ListRecent(ctx, domain.ListOpts{Limit: 10})
		assert.ErrorIs(t, err, domain.ErrNotAvailable)
		_, err = svc.Get(ctx, "h4")
		assert.ErrorIs(t, err, domain.ErrNotAvailable)
	})
}

func TestLedgerReadsStore(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &mockHedgeStore{}
	opts := domain.ListOpts{Limit: 2}
	store.On("ListRecent", ctx, opts).Return([]domain.HedgePosition{{ID: "h9"}, {ID: "h8"}}, nil)
	store.On("GetByID", ctx, "h8").Return(domain.HedgePosition{ID: "h8", Status: domain.HedgeClosed}, nil)
	store.On("GetByID", ctx, "gone").Return(domain.HedgePosition{}, domain.ErrNotFound)

	svc := NewLedgerService(store, nil, nil, logger)
	hs, err := svc.ListRecent(ctx, opts)
	require.NoError(t, err)
	require.Len(t, hs, 2)
	assert.Equal(t, "h9", hs[0].ID)

	h, err := svc.Get(ctx, "h8")
	require.NoError(t, err)
	assert.Equal(t, domain.HedgeClosed, h.Status)

	_, err = svc.Get(ctx, "gone")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	store.AssertExpectations(t)
}
