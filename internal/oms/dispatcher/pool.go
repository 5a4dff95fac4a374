// Package dispatcher implements the worker-pool dispatcher and TCP
// line-delimited JSON-RPC server of SPEC_FULL.md §4.4/§6. Grounded on
// original_source/apps/api/dispatcher_server.py: per-engine worker pools,
// cache->hint->least-loaded account pinning, and per-account serialization
// inside each worker.
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/rspadim/oms-position/internal/store"
)

type accountEngineKey struct {
	accountID int64
	engine    string
}

// worker runs jobs for one (engine, worker_id) slot on the submitting
// caller's goroutine, each guarded by a per-account mutex so two jobs for
// the same account never race but jobs for different accounts on the same
// worker run concurrently — mirroring
// dispatcher_server.py's asyncio per-account lock inside _worker_loop.
type worker struct {
	id      int
	engine  string
	inflight int32

	mu           sync.Mutex
	accountLocks map[int64]*sync.Mutex
	activeAccounts map[int64]int
}

func newWorker(id int, engine string) *worker {
	return &worker{id: id, engine: engine, accountLocks: make(map[int64]*sync.Mutex), activeAccounts: make(map[int64]int)}
}

func (w *worker) lockFor(accountID int64) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.accountLocks[accountID]
	if !ok {
		l = &sync.Mutex{}
		w.accountLocks[accountID] = l
	}
	return l
}

// run executes fn synchronously on the caller's goroutine while holding the
// per-account lock, so it is serialized against any other job for accountID
// on this worker; run returns when fn returns.
func (w *worker) run(accountID int64, fn func()) {
	atomic.AddInt32(&w.inflight, 1)
	w.mu.Lock()
	w.activeAccounts[accountID]++
	w.mu.Unlock()
	lock := w.lockFor(accountID)
	lock.Lock()
	defer func() {
		lock.Unlock()
		w.mu.Lock()
		w.activeAccounts[accountID]--
		if w.activeAccounts[accountID] <= 0 {
			delete(w.activeAccounts, accountID)
		}
		w.mu.Unlock()
		atomic.AddInt32(&w.inflight, -1)
	}()
	fn()
}

func (w *worker) activeAccountCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.activeAccounts)
}

// Pool resolves the worker an account's engine family should pin to and
// dispatches jobs onto it. One Pool instance serves every engine family;
// workers are partitioned per engine so a ccxtpro-heavy account never
// starves a ccxt-only one.
type Pool struct {
	store  store.Store
	log    *logrus.Entry
	poolsByEngine map[string][]*worker

	cacheMu sync.RWMutex
	cache   map[accountEngineKey]int
}

// NewPool builds a Pool with workersPerEngine workers for each of the
// given engine family names (typically "ccxt" and "ccxtpro").
func NewPool(s store.Store, log *logrus.Entry, engines []string, workersPerEngine int) *Pool {
	if workersPerEngine < 1 {
		workersPerEngine = 1
	}
	pools := make(map[string][]*worker, len(engines))
	for _, engine := range engines {
		workers := make([]*worker, workersPerEngine)
		for i := range workers {
			workers[i] = newWorker(i, engine)
		}
		pools[engine] = workers
	}
	return &Pool{store: s, log: log, poolsByEngine: pools, cache: make(map[accountEngineKey]int)}
}

// ResolveWorker implements intake.WorkerResolver: cache -> persisted hint
// -> least-loaded-by-(inflight,active_accounts,worker_id), persisting
// whichever choice it lands on so future calls (including from other
// dispatcher processes sharing the store) agree, per
// _resolve_worker_for_account.
func (p *Pool) ResolveWorker(ctx context.Context, accountID int64, engine string) (int, error) {
	key := accountEngineKey{accountID, engine}
	p.cacheMu.RLock()
	if poolID, ok := p.cache[key]; ok {
		p.cacheMu.RUnlock()
		return poolID, nil
	}
	p.cacheMu.RUnlock()

	workers, ok := p.poolsByEngine[engine]
	if !ok || len(workers) == 0 {
		return 0, fmt.Errorf("no worker pool registered for engine %q", engine)
	}

	tx, err := p.store.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin worker-hint transaction: %w", err)
	}
	defer tx.Rollback()

	if hint, err := p.store.FetchAccountDispatcherWorkerHint(ctx, tx, accountID, engine); err == nil && hint != nil && *hint < len(workers) {
		p.setCache(key, *hint)
		return *hint, nil
	}

	poolID := leastLoaded(workers)
	if err := p.store.SetAccountDispatcherWorkerHint(ctx, tx, accountID, engine, poolID); err != nil {
		return 0, fmt.Errorf("failed to persist worker hint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit worker hint: %w", err)
	}
	p.setCache(key, poolID)
	if p.log != nil {
		p.log.WithFields(logrus.Fields{"account_id": accountID, "engine": engine, "worker_id": poolID}).
			Info("pinned account to dispatcher worker")
	}
	return poolID, nil
}

func (p *Pool) setCache(key accountEngineKey, poolID int) {
	p.cacheMu.Lock()
	p.cache[key] = poolID
	p.cacheMu.Unlock()
}

// leastLoaded picks the worker with the fewest inflight jobs, breaking
// ties by fewest active accounts, then by lowest worker id — matching
// _resolve_worker_for_account's sort key exactly.
func leastLoaded(workers []*worker) int {
	type candidate struct {
		id, inflight, active int
	}
	candidates := make([]candidate, len(workers))
	for i, w := range workers {
		candidates[i] = candidate{id: w.id, inflight: int(atomic.LoadInt32(&w.inflight)), active: w.activeAccountCount()}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].inflight != candidates[j].inflight {
			return candidates[i].inflight < candidates[j].inflight
		}
		if candidates[i].active != candidates[j].active {
			return candidates[i].active < candidates[j].active
		}
		return candidates[i].id < candidates[j].id
	})
	return candidates[0].id
}

// Dispatch runs fn on accountID's pinned worker for engine, serialized
// against any other in-flight job for the same account. fn runs
// synchronously from the caller's point of view (Dispatch blocks until it
// completes), matching the one-request-one-response TCP framing of
// SPEC_FULL.md §6.
func (p *Pool) Dispatch(ctx context.Context, accountID int64, engine string, fn func(context.Context) error) error {
	poolID, err := p.ResolveWorker(ctx, accountID, engine)
	if err != nil {
		return err
	}
	workers := p.poolsByEngine[engine]
	if poolID >= len(workers) {
		poolID = 0
	}
	w := workers[poolID]

	done := make(chan error, 1)
	w.run(accountID, func() {
		done <- fn(ctx)
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reassign force-pins accountID to workerID for engine, overriding both the
// in-memory cache and the persisted hint, for the admin-only oms_reassign
// RPC op.
func (p *Pool) Reassign(ctx context.Context, accountID int64, engine string, workerID int) error {
	workers, ok := p.poolsByEngine[engine]
	if !ok || workerID < 0 || workerID >= len(workers) {
		return fmt.Errorf("invalid worker_id %d for engine %q", workerID, engine)
	}
	tx, err := p.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin reassign transaction: %w", err)
	}
	defer tx.Rollback()
	if err := p.store.SetAccountDispatcherWorkerHint(ctx, tx, accountID, engine, workerID); err != nil {
		return fmt.Errorf("failed to persist worker reassignment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit worker reassignment: %w", err)
	}
	p.setCache(accountEngineKey{accountID, engine}, workerID)
	return nil
}

// Status summarizes one worker's load for the `status` RPC op.
type Status struct {
	Engine         string `json:"engine"`
	WorkerID       int    `json:"worker_id"`
	Inflight       int32  `json:"inflight"`
	ActiveAccounts int    `json:"active_accounts"`
}

// Status reports per-worker load across every engine pool.
func (p *Pool) Status() []Status {
	var out []Status
	for engine, workers := range p.poolsByEngine {
		for _, w := range workers {
			out = append(out, Status{
				Engine: engine, WorkerID: w.id,
				Inflight: atomic.LoadInt32(&w.inflight), ActiveAccounts: w.activeAccountCount(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Engine != out[j].Engine {
			return out[i].Engine < out[j].Engine
		}
		return out[i].WorkerID < out[j].WorkerID
	})
	return out
}
