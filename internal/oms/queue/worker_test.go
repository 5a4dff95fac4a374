package queue

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rspadim/oms-position/internal/model"
	"github.com/rspadim/oms-position/internal/oms/executor"
	"github.com/rspadim/oms-position/internal/store"
	"github.com/rspadim/oms-position/internal/store/storetest"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type fakeExecutor struct {
	err func(commandID, accountID int64) error
}

func (f *fakeExecutor) Execute(ctx context.Context, commandID, accountID int64) error {
	if f.err == nil {
		return nil
	}
	return f.err(commandID, accountID)
}

func TestClaimAndRunMarksDoneOnSuccess(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	item := &model.QueueItem{ID: 1, AccountID: 5, CommandID: 10, Attempts: 1}
	ms.On("ClaimNextQueueItem", mock.Anything, 7, "w1").Return(item, nil)
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	ms.On("MarkQueueDone", mock.Anything, mock.Anything, int64(1)).Return(nil)

	w := New(ms, &fakeExecutor{}, testLog(), 7, "w1")
	processed, err := w.claimAndRun(context.Background())
	require.NoError(t, err)
	require.True(t, processed)
	ms.AssertCalled(t, "MarkQueueDone", mock.Anything, mock.Anything, int64(1))
}

func TestClaimAndRunDeadLettersPermanentError(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	item := &model.QueueItem{ID: 2, AccountID: 5, CommandID: 11, Attempts: 1}
	ms.On("ClaimNextQueueItem", mock.Anything, 7, "w1").Return(item, nil)
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	ms.On("MarkQueueDead", mock.Anything, mock.Anything, int64(2)).Return(nil)

	exec := &fakeExecutor{err: func(commandID, accountID int64) error {
		return &executor.PermanentCommandError{Reason: "bad symbol"}
	}}
	w := New(ms, exec, testLog(), 7, "w1")
	processed, err := w.claimAndRun(context.Background())
	require.NoError(t, err)
	require.True(t, processed)
	ms.AssertCalled(t, "MarkQueueDead", mock.Anything, mock.Anything, int64(2))
	ms.AssertNotCalled(t, "MarkQueueFailed", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestClaimAndRunDeadLettersAfterMaxAttempts(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	item := &model.QueueItem{ID: 3, AccountID: 5, CommandID: 12, Attempts: 8}
	ms.On("ClaimNextQueueItem", mock.Anything, 7, "w1").Return(item, nil)
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	ms.On("MarkQueueDead", mock.Anything, mock.Anything, int64(3)).Return(nil)

	exec := &fakeExecutor{err: func(commandID, accountID int64) error {
		return errors.New("transient network error")
	}}
	w := New(ms, exec, testLog(), 7, "w1")
	processed, err := w.claimAndRun(context.Background())
	require.NoError(t, err)
	require.True(t, processed)
	ms.AssertCalled(t, "MarkQueueDead", mock.Anything, mock.Anything, int64(3))
}

func TestClaimAndRunReschedulesTransientErrorWithBackoff(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	item := &model.QueueItem{ID: 4, AccountID: 5, CommandID: 13, Attempts: 3}
	ms.On("ClaimNextQueueItem", mock.Anything, 7, "w1").Return(item, nil)
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	ms.On("MarkQueueFailed", mock.Anything, mock.Anything, int64(4), 120*time.Second).Return(nil)

	exec := &fakeExecutor{err: func(commandID, accountID int64) error {
		return errors.New("transient network error")
	}}
	w := New(ms, exec, testLog(), 7, "w1")
	processed, err := w.claimAndRun(context.Background())
	require.NoError(t, err)
	require.True(t, processed)
	ms.AssertCalled(t, "MarkQueueFailed", mock.Anything, mock.Anything, int64(4), 120*time.Second)
}

func TestClaimAndRunNoWorkAvailable(t *testing.T) {
	ms := new(storetest.MockStore)
	ms.On("ClaimNextQueueItem", mock.Anything, 7, "w1").Return(nil, store.ErrNoQueueItemAvailable)

	w := New(ms, &fakeExecutor{}, testLog(), 7, "w1")
	processed, err := w.claimAndRun(context.Background())
	require.ErrorIs(t, err, store.ErrNoQueueItemAvailable)
	require.False(t, processed)
}

func TestBackoffDelayCapsAtMax(t *testing.T) {
	require.Equal(t, 30*time.Second, backoffDelay(1))
	require.Equal(t, 60*time.Second, backoffDelay(2))
	require.Equal(t, 120*time.Second, backoffDelay(3))
	require.Equal(t, maxBackoff, backoffDelay(20))
}
