package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rspadim/oms-position/internal/store/storetest"
)

func testLog() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

func TestResolveWorkerUsesPersistedHintThenCaches(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	hint := 2
	ms.On("FetchAccountDispatcherWorkerHint", mock.Anything, mock.Anything, int64(7), "ccxt").Return(&hint, nil)

	pool := NewPool(ms, testLog(), []string{"ccxt"}, 4)
	got, err := pool.ResolveWorker(context.Background(), 7, "ccxt")
	require.NoError(t, err)
	require.Equal(t, 2, got)

	// Second call must hit the in-memory cache, not the store again.
	got2, err := pool.ResolveWorker(context.Background(), 7, "ccxt")
	require.NoError(t, err)
	require.Equal(t, 2, got2)
	ms.AssertNumberOfCalls(t, "FetchAccountDispatcherWorkerHint", 1)
}

func TestResolveWorkerPicksLeastLoadedWhenNoHint(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	ms.On("FetchAccountDispatcherWorkerHint", mock.Anything, mock.Anything, int64(9), "ccxt").Return((*int)(nil), nil)
	ms.On("SetAccountDispatcherWorkerHint", mock.Anything, mock.Anything, int64(9), "ccxt", 0).Return(nil)

	pool := NewPool(ms, testLog(), []string{"ccxt"}, 3)
	got, err := pool.ResolveWorker(context.Background(), 9, "ccxt")
	require.NoError(t, err)
	require.Equal(t, 0, got) // all workers tied, lowest id wins
}

func TestDispatchSerializesSameAccountAcrossConcurrentCalls(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	hint := 0
	ms.On("FetchAccountDispatcherWorkerHint", mock.Anything, mock.Anything, int64(1), "ccxt").Return(&hint, nil)

	pool := NewPool(ms, testLog(), []string{"ccxt"}, 2)

	var running int32
	var overlapped bool
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Dispatch(context.Background(), 1, "ccxt", func(ctx context.Context) error {
				if atomic.AddInt32(&running, 1) > 1 {
					mu.Lock()
					overlapped = true
					mu.Unlock()
				}
				defer atomic.AddInt32(&running, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	require.False(t, overlapped, "jobs for the same account must never run concurrently")
}

func TestReassignOverridesCache(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	ms.On("SetAccountDispatcherWorkerHint", mock.Anything, mock.Anything, int64(3), "ccxt", 1).Return(nil)

	pool := NewPool(ms, testLog(), []string{"ccxt"}, 2)
	require.NoError(t, pool.Reassign(context.Background(), 3, "ccxt", 1))

	got, err := pool.ResolveWorker(context.Background(), 3, "ccxt")
	require.NoError(t, err)
	require.Equal(t, 1, got)
	ms.AssertNotCalled(t, "FetchAccountDispatcherWorkerHint", mock.Anything, mock.Anything, int64(3), "ccxt")
}
