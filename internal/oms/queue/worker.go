// Package queue implements the Queue Worker of SPEC_FULL.md §4.8: a polling
// loop that claims queued commands for one dispatcher pool and runs them
// through the executor, rescheduling failures with bounded backoff.
// Grounded on repository_mysql.py's claim_next_queue_item/mark_queue_done/
// mark_queue_failed/mark_queue_dead and original_source's worker loop
// shape (poll interval, max attempts).
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rspadim/oms-position/internal/oms/executor"
	"github.com/rspadim/oms-position/internal/store"
)

// baseBackoff and maxBackoff implement SPEC_FULL.md's Open Question
// resolution: 30s * 2^(attempts-1), capped at 600s.
const (
	baseBackoff = 30 * time.Second
	maxBackoff  = 600 * time.Second
)

// DefaultPollInterval is how often an idle worker checks for new work.
const DefaultPollInterval = 2 * time.Second

// DefaultMaxAttempts is how many claims a queue item gets before it is
// moved to the dead state instead of rescheduled.
const DefaultMaxAttempts = 8

// Executor is the command-execution seam, satisfied by *executor.Executor.
type Executor interface {
	Execute(ctx context.Context, commandID, accountID int64) error
}

// Worker polls one dispatcher pool for queued commands and runs them.
type Worker struct {
	store    store.Store
	executor Executor
	log      *logrus.Entry

	poolID       int
	workerID     string
	pollInterval time.Duration
	maxAttempts  int
}

// New builds a Worker scoped to poolID, identifying itself as workerID in
// claimed rows (per repository_mysql.py's locked_by column).
func New(s store.Store, exec Executor, log *logrus.Entry, poolID int, workerID string) *Worker {
	return &Worker{
		store: s, executor: exec, log: log,
		poolID: poolID, workerID: workerID,
		pollInterval: DefaultPollInterval, maxAttempts: DefaultMaxAttempts,
	}
}

// WithPollInterval overrides the idle poll cadence.
func (w *Worker) WithPollInterval(d time.Duration) *Worker {
	if d > 0 {
		w.pollInterval = d
	}
	return w
}

// WithMaxAttempts overrides the dead-letter threshold.
func (w *Worker) WithMaxAttempts(n int) *Worker {
	if n > 0 {
		w.maxAttempts = n
	}
	return w
}

// Run claims and processes queue items until ctx is cancelled, sleeping
// pollInterval whenever the pool is empty.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		processed, err := w.claimAndRun(ctx)
		if err != nil {
			if errors.Is(err, store.ErrNoQueueItemAvailable) {
				w.sleep(ctx)
				continue
			}
			w.log.WithError(err).Warn("queue claim failed")
			w.sleep(ctx)
			continue
		}
		if !processed {
			w.sleep(ctx)
		}
	}
}

func (w *Worker) sleep(ctx context.Context) {
	t := time.NewTimer(w.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// claimAndRun claims one item for w.poolID and runs it to completion,
// returning (false, store.ErrNoQueueItemAvailable) when there was nothing
// to process.
func (w *Worker) claimAndRun(ctx context.Context) (bool, error) {
	item, err := w.store.ClaimNextQueueItem(ctx, w.poolID, w.workerID)
	if errors.Is(err, store.ErrNoQueueItemAvailable) {
		return false, store.ErrNoQueueItemAvailable
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim queue item: %w", err)
	}

	log := w.log.WithFields(logrus.Fields{
		"queue_id": item.ID, "account_id": item.AccountID, "command_id": item.CommandID, "attempts": item.Attempts,
	})

	runErr := w.executor.Execute(ctx, item.CommandID, item.AccountID)
	tx, err := w.store.BeginTx(ctx)
	if err != nil {
		log.WithError(err).Error("failed to open transaction to settle queue item")
		return true, nil
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if runErr == nil {
		if err := w.store.MarkQueueDone(ctx, tx, item.ID); err != nil {
			log.WithError(err).Error("failed to mark queue item done")
			return true, nil
		}
		if err := tx.Commit(); err != nil {
			log.WithError(err).Error("failed to commit queue completion")
			return true, nil
		}
		committed = true
		log.Info("queue item completed")
		return true, nil
	}

	var permanent *executor.PermanentCommandError
	isPermanent := errors.As(runErr, &permanent)
	if isPermanent || item.Attempts >= w.maxAttempts {
		if err := w.store.MarkQueueDead(ctx, tx, item.ID); err != nil {
			log.WithError(err).Error("failed to mark queue item dead")
			return true, nil
		}
		if err := tx.Commit(); err != nil {
			log.WithError(err).Error("failed to commit queue dead-lettering")
			return true, nil
		}
		committed = true
		log.WithError(runErr).Warn("queue item moved to dead letter")
		return true, nil
	}

	delay := backoffDelay(item.Attempts)
	if err := w.store.MarkQueueFailed(ctx, tx, item.ID, delay); err != nil {
		log.WithError(err).Error("failed to reschedule queue item")
		return true, nil
	}
	if err := tx.Commit(); err != nil {
		log.WithError(err).Error("failed to commit queue reschedule")
		return true, nil
	}
	committed = true
	log.WithError(runErr).WithField("retry_delay", delay).Warn("queue item rescheduled")
	return true, nil
}

// backoffDelay implements SPEC_FULL.md's Open Question resolution:
// 30s * 2^(attempts-1), capped at 600s.
func backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(baseBackoff) * math.Pow(2, float64(attempts-1))
	if delay > float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(delay)
}
