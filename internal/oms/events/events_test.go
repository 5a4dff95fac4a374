package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rspadim/oms-position/internal/model"
	"github.com/rspadim/oms-position/internal/store/storetest"
)

func TestPublishThenPullReturnsOnlyNewer(t *testing.T) {
	ms := new(storetest.MockStore)
	ms.On("InsertEvent", mock.Anything, mock.Anything, int64(1), model.EventNamespacePosition, mock.Anything, mock.Anything).Return(int64(1), nil)
	bus := NewBus(ms, 10)
	tx := &storetest.FakeTx{}

	require.NoError(t, bus.Publish(context.Background(), tx, 1, model.EventNamespacePosition, "order_submitted", map[string]any{"order_id": 1}))
	require.NoError(t, bus.Publish(context.Background(), tx, 1, model.EventNamespacePosition, "order_filled", map[string]any{"order_id": 1}))

	all := bus.Pull(1, 0, 0)
	require.Len(t, all, 2)
	require.Equal(t, int64(1), all[0].Seq)
	require.Equal(t, int64(2), all[1].Seq)

	onlyNew := bus.Pull(1, 1, 0)
	require.Len(t, onlyNew, 1)
	require.Equal(t, "order_filled", onlyNew[0].Type)
	require.Equal(t, int64(2), bus.TailID(1))
}

func TestTrimEvictsOldest(t *testing.T) {
	ms := new(storetest.MockStore)
	ms.On("InsertEvent", mock.Anything, mock.Anything, int64(2), model.EventNamespaceRisk, mock.Anything, mock.Anything).Return(int64(1), nil)
	bus := NewBus(ms, 2)
	tx := &storetest.FakeTx{}

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), tx, 2, model.EventNamespaceRisk, "risk_changed", map[string]any{"i": i}))
	}
	bus.Trim()
	remaining := bus.Pull(2, 0, 0)
	require.Len(t, remaining, 2)
	require.Equal(t, int64(4), remaining[0].Seq)
	require.Equal(t, int64(5), remaining[1].Seq)
}
