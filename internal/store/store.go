// Package store defines the relational store contracts used by the OMS
// (SPEC_FULL.md §4.1) and a gorm/MySQL-backed implementation. Every method
// participates in the caller's transaction: callers obtain a Tx via
// BeginTx and pass it through.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rspadim/oms-position/internal/model"
)

// Sentinel errors returned by store methods. Callers translate these into
// the RPC error codes of SPEC_FULL.md §6/§7.
var (
	ErrAccountNotFound       = errors.New("account_not_found")
	ErrOrderNotFound         = errors.New("order_not_found")
	ErrPositionNotFound      = errors.New("position_not_found")
	ErrCloseLockHeld         = errors.New("close_lock_held")
	ErrNoQueueItemAvailable  = errors.New("no_queue_item_available")
	ErrDealAlreadyExists     = errors.New("deal_already_exists")
	ErrStrategyNotFound      = errors.New("strategy_not_found")
	ErrAPIKeyNotFound        = errors.New("api_key_not_found")
)

// Tx is an opaque handle to an in-flight transaction. Implementations type
// assert it back to their concrete transaction type.
type Tx interface {
	// Commit commits the transaction.
	Commit() error
	// Rollback aborts the transaction. Safe to call after Commit (no-op).
	Rollback() error
}

// Store is the full set of transactionally-consistent primitives the OMS
// needs, per SPEC_FULL.md §4.1.
type Store interface {
	// BeginTx opens a new transaction.
	BeginTx(ctx context.Context) (Tx, error)

	CommandStore
	OrderStore
	PositionStore
	DealStore
	CloseLockStore
	ReconciliationStore
	EventStore
	AuthStore
	StrategyStore
}

// CommandStore covers command & queue primitives.
type CommandStore interface {
	InsertPositionCommand(ctx context.Context, tx Tx, cmd *model.PositionCommand) (int64, error)
	EnqueueCommand(ctx context.Context, tx Tx, accountID int64, poolID int, commandID int64) (int64, error)
	// ClaimNextQueueItem atomically selects the oldest queued row whose
	// available_at <= now for poolID, marks it processing, records the
	// claimer, and returns it. Returns ErrNoQueueItemAvailable if none.
	ClaimNextQueueItem(ctx context.Context, poolID int, workerID string) (*model.QueueItem, error)
	MarkQueueDone(ctx context.Context, tx Tx, queueID int64) error
	// MarkQueueFailed re-queues the item with the given backoff delay.
	MarkQueueFailed(ctx context.Context, tx Tx, queueID int64, delay time.Duration) error
	MarkQueueDead(ctx context.Context, tx Tx, queueID int64) error
	MarkCommandCompleted(ctx context.Context, tx Tx, commandID int64) error
	MarkCommandFailed(ctx context.Context, tx Tx, commandID int64) error
	FetchCommandByID(ctx context.Context, tx Tx, commandID int64) (*model.PositionCommand, error)
}

// OrderStore covers order primitives.
type OrderStore interface {
	InsertPositionOrderPendingSubmit(ctx context.Context, tx Tx, o *model.Order) (int64, error)
	FetchOrderByID(ctx context.Context, tx Tx, orderID int64) (*model.Order, error)
	FetchOrderForCommandSend(ctx context.Context, tx Tx, commandID int64) (*model.Order, error)
	MarkOrderSubmittedExchange(ctx context.Context, tx Tx, orderID int64, exchangeOrderID string) error
	MarkOrderSubmittedExchangeWithValues(ctx context.Context, tx Tx, orderID int64, exchangeOrderID string, filledQty, avgFillPrice *string) error
	MarkOrderRejected(ctx context.Context, tx Tx, orderID int64, reason string) error
	MarkOrderCanceled(ctx context.Context, tx Tx, orderID int64) error
	MarkOrderCanceledEditPending(ctx context.Context, tx Tx, orderID int64) error
	MarkOrderConsolidatedToOrphan(ctx context.Context, tx Tx, orderID int64, orphanOrderID int64) error
	ListCancelableOrders(ctx context.Context, tx Tx, accountID int64, strategyIDs []int64) ([]*model.Order, error)
	FindExternalOrphanOrderForReplace(ctx context.Context, tx Tx, accountID int64, exchangeOrderID, clientOrderID *string) (*model.Order, error)
	AdoptExternalOrphanOrder(ctx context.Context, tx Tx, orphanOrderID int64, strategyID int64, reason string, comment *string) error
	UpdateOrderPositionLink(ctx context.Context, tx Tx, orderID int64, positionID int64) error
	// FetchOrderLink finds the order a reconciled trade belongs to, by
	// exchange_order_id first, falling back to client_order_id, matching
	// any order regardless of reason (unlike FindExternalOrphanOrderForReplace,
	// which only ever matches orphans). Returns nil, nil if neither id is
	// set or neither matches.
	FetchOrderLink(ctx context.Context, tx Tx, accountID int64, exchangeOrderID, clientOrderID *string) (*model.Order, error)
	// GetOrCreateExternalUnmatchedOrder finds the reason='external' order
	// already tracking exchangeOrderID/clientOrderID for accountID, or
	// creates a new FILLED, strategy_id=0 placeholder order row for a trade
	// the OMS never submitted itself.
	GetOrCreateExternalUnmatchedOrder(ctx context.Context, tx Tx, accountID int64, symbol string, side model.OrderSide, exchangeOrderID, clientOrderID *string, qty, price string) (*model.Order, error)
	// ListRecentSymbolsForAccount returns up to limit symbols the account has
	// recently traded, used to chunk a fetch-my-trades retry per-symbol when
	// an exchange rejects the unscoped call.
	ListRecentSymbolsForAccount(ctx context.Context, tx Tx, accountID int64, limit int) ([]string, error)
	// ListOrders backs oms_query's orders_open/orders_history sub-queries.
	// openOnly selects non-terminal orders ordered newest-first and capped
	// at limit; otherwise dateFrom/dateTo (either may be nil) bound
	// created_at with no cap, mirroring original_source's repo.list_orders.
	ListOrders(ctx context.Context, tx Tx, accountID int64, strategyID *int64, openOnly bool, dateFrom, dateTo *time.Time, limit int) ([]*model.Order, error)
}

// PositionStore covers position primitives.
type PositionStore interface {
	FetchOpenPosition(ctx context.Context, tx Tx, positionID int64) (*model.Position, error)
	FetchOpenPositionForSymbol(ctx context.Context, tx Tx, accountID int64, symbol string, side model.OrderSide) (*model.Position, error)
	FetchOpenNetPositionBySymbol(ctx context.Context, tx Tx, accountID int64, symbol string) (*model.Position, error)
	// FetchOpenNetPositionBySymbolStrategy is FetchOpenNetPositionBySymbol
	// scoped to one strategy, backing strategy_netting mode's one-container-
	// per-(account,symbol,strategy) invariant.
	FetchOpenNetPositionBySymbolStrategy(ctx context.Context, tx Tx, accountID int64, symbol string, strategyID int64) (*model.Position, error)
	CreatePositionOpen(ctx context.Context, tx Tx, p *model.Position) (int64, error)
	UpdatePositionOpenQtyPrice(ctx context.Context, tx Tx, positionID int64, qty, avgPrice string) error
	ClosePosition(ctx context.Context, tx Tx, positionID int64, closedAt time.Time) error
	// ClosePositionMerged closes a position as a merge source, with the same
	// effect as ClosePosition; moving its open orders and deals is done
	// separately via ReassignOpenOrdersPosition/ReassignDealsPosition.
	ClosePositionMerged(ctx context.Context, tx Tx, sourcePositionID int64, closedAt time.Time) error
	ReassignOpenOrdersPosition(ctx context.Context, tx Tx, fromPositionID, toPositionID int64) (int64, error)
	ReassignDealsPosition(ctx context.Context, tx Tx, fromPositionID, toPositionID int64) (int64, error)
	UpdatePositionTargetsComment(ctx context.Context, tx Tx, positionID int64, stopLoss, stopGain *string) error
	// ReopenPositionIfCloseRequested undoes a close when a close_position
	// command fails permanently after the lock was acquired but before the
	// exchange call succeeded.
	ReopenPositionIfCloseRequested(ctx context.Context, tx Tx, positionID int64) error
	// ListPositions backs oms_query's positions_open/positions_history
	// sub-queries, mirroring ListOrders' openOnly/date-range split.
	ListPositions(ctx context.Context, tx Tx, accountID int64, strategyID *int64, openOnly bool, dateFrom, dateTo *time.Time, limit int) ([]*model.Position, error)
}

// DealStore covers deal primitives.
type DealStore interface {
	InsertPositionDeal(ctx context.Context, tx Tx, d *model.Deal) (int64, error)
	DealExistsByExchangeTradeID(ctx context.Context, tx Tx, accountID int64, exchangeTradeID string) (bool, error)
	// ListDeals backs oms_query's deals sub-query: strategyID narrows to one
	// strategy when non-nil, dateFrom/dateTo (either may be nil) bound
	// created_at.
	ListDeals(ctx context.Context, tx Tx, accountID int64, strategyID *int64, dateFrom, dateTo *time.Time) ([]*model.Deal, error)
}

// CloseLockStore covers close-position lock primitives.
type CloseLockStore interface {
	CleanupExpiredCloseLocks(ctx context.Context, tx Tx) (int64, error)
	// AcquireClosePositionLock inserts a lock row, or returns
	// ErrCloseLockHeld on unique-key conflict with a still-live lock.
	AcquireClosePositionLock(ctx context.Context, tx Tx, accountID, positionID int64, requestID *string, ttl time.Duration) error
	ReleaseClosePositionLock(ctx context.Context, tx Tx, positionID int64) error
}

// ReconciliationStore covers the monotonic per-account cursor.
type ReconciliationStore interface {
	FetchReconciliationCursor(ctx context.Context, tx Tx, accountID int64, entity string) (*model.ReconciliationCursor, error)
	// UpdateReconciliationCursor upserts the cursor; implementations must
	// never move it backwards.
	UpdateReconciliationCursor(ctx context.Context, tx Tx, accountID int64, entity string, cursorValue string) error
}

// EventStore covers the event outbox and raw ccxt row dedup tables.
type EventStore interface {
	InsertEvent(ctx context.Context, tx Tx, accountID int64, namespace model.EventNamespace, eventType string, payload []byte) (int64, error)
	InsertCcxtOrderRaw(ctx context.Context, tx Tx, accountID int64, fingerprint string, payload []byte) (bool, error)
	InsertCcxtTradeRaw(ctx context.Context, tx Tx, accountID int64, fingerprint string, payload []byte) (bool, error)
	// ListCcxtOrdersRaw/ListCcxtTradesRaw back ccxt_raw_query's single-account
	// orders_raw/trades_raw sub-queries, ordered oldest-first over
	// [dateFrom, dateTo].
	ListCcxtOrdersRaw(ctx context.Context, tx Tx, accountID int64, dateFrom, dateTo time.Time) ([]*model.RawCcxtOrder, error)
	ListCcxtTradesRaw(ctx context.Context, tx Tx, accountID int64, dateFrom, dateTo time.Time) ([]*model.RawCcxtTrade, error)
	// CountCcxtOrdersRawMulti/ListCcxtOrdersRawMulti and their trade
	// equivalents back ccxt_raw_query_multi's paginated multi-account rows.
	CountCcxtOrdersRawMulti(ctx context.Context, tx Tx, accountIDs []int64, dateFrom, dateTo time.Time) (int64, error)
	ListCcxtOrdersRawMulti(ctx context.Context, tx Tx, accountIDs []int64, dateFrom, dateTo time.Time, limit, offset int) ([]*model.RawCcxtOrder, error)
	CountCcxtTradesRawMulti(ctx context.Context, tx Tx, accountIDs []int64, dateFrom, dateTo time.Time) (int64, error)
	ListCcxtTradesRawMulti(ctx context.Context, tx Tx, accountIDs []int64, dateFrom, dateTo time.Time, limit, offset int) ([]*model.RawCcxtTrade, error)
}

// AuthStore covers api-key permission and dispatcher-hint lookups.
type AuthStore interface {
	FetchAPIKeyAccountPermissions(ctx context.Context, tx Tx, apiKeyID int64, accountID int64) (*AccountPermission, error)
	APIKeyStrategyAllowed(ctx context.Context, tx Tx, apiKeyID int64, strategyID int64, wantTrade bool) (bool, error)
	FetchOrderAccountID(ctx context.Context, tx Tx, orderID int64) (int64, error)
	FetchPositionAccountID(ctx context.Context, tx Tx, positionID int64) (int64, error)
	FetchPositionStrategyID(ctx context.Context, tx Tx, positionID int64) (int64, error)
	FetchOrderStrategyID(ctx context.Context, tx Tx, orderID int64) (int64, error)
	FetchAccountDispatcherWorkerHint(ctx context.Context, tx Tx, accountID int64, engine string) (*int, error)
	SetAccountDispatcherWorkerHint(ctx context.Context, tx Tx, accountID int64, engine string, workerID int) error
	FetchAccount(ctx context.Context, tx Tx, accountID int64) (*model.Account, error)
	// ListAccounts returns every account, for the dispatcher's accounts_list
	// RPC op.
	ListAccounts(ctx context.Context, tx Tx) ([]*model.Account, error)
	// SetAccountAllowNewPositions flips an account's new-position risk gate,
	// backing the risk_set_allow_new_positions RPC op.
	SetAccountAllowNewPositions(ctx context.Context, tx Tx, accountID int64, allow bool) error
	// SetAccountStatus activates or blocks an account, backing the
	// risk_set_account_status RPC op.
	SetAccountStatus(ctx context.Context, tx Tx, accountID int64, status model.AccountStatus) error
	// FetchAccountCredentials loads an account's (possibly ciphertext)
	// exchange credentials, for decoding via internal/credentials.Codec
	// at the dispatcher/executor/reconciler call boundary.
	FetchAccountCredentials(ctx context.Context, tx Tx, accountID int64) (*model.Credentials, error)
	// ResolveAPIKeyHash looks up an active user_api_keys row by hash, then
	// falls back to an active auth_tokens row, joined to its user, mirroring
	// original_source/apps/api/app/auth.py's validate_api_key. Returns nil,
	// nil if no active key or token matches.
	ResolveAPIKeyHash(ctx context.Context, tx Tx, keyHash string) (*APIKeyIdentity, error)

	// FetchUserByUsername backs auth_login_password's lookup. Returns nil,
	// nil if no such user exists.
	FetchUserByUsername(ctx context.Context, tx Tx, username string) (*model.User, error)
	// FetchUserByID backs user_profile_get/update. Returns nil, nil if the
	// user doesn't exist.
	FetchUserByID(ctx context.Context, tx Tx, userID int64) (*model.User, error)
	// FetchUserPasswordHash returns the stored "sha256$salt$digest" hash,
	// or "" if the user has none set.
	FetchUserPasswordHash(ctx context.Context, tx Tx, userID int64) (string, error)
	SetUserPasswordHash(ctx context.Context, tx Tx, userID int64, hash string) error
	UpdateUsername(ctx context.Context, tx Tx, userID int64, username string) error
	// ListActiveAPIKeysForUser returns the user_api_keys ids auth_login_password
	// may mint a token against.
	ListActiveAPIKeysForUser(ctx context.Context, tx Tx, userID int64) ([]int64, error)
	// CreateAuthToken records a freshly minted bearer token's hash, keyed to
	// the api key it authenticates as, per auth_login_password.
	CreateAuthToken(ctx context.Context, tx Tx, userID, apiKeyID int64, tokenHash string, expiresAt time.Time) error

	// ListDistinctExchangeIDs returns every exchange_id configured across
	// accounts, sorted. Backs meta_ccxt_exchanges: this module has no
	// compiled ccxt library to introspect for its full exchange catalog
	// (unlike original_source's ccxt_async.exchanges/ccxt_pro.exchanges), so
	// it reports the exchanges this deployment actually has accounts on
	// instead of fabricating one.
	ListDistinctExchangeIDs(ctx context.Context, tx Tx) ([]string, error)

	// ListAPIKeysForUser backs user_api_keys_list.
	ListAPIKeysForUser(ctx context.Context, tx Tx, userID int64) ([]*UserAPIKeySummary, error)
	// CreateAPIKey inserts a new active user_api_keys row and returns its id,
	// for user_api_key_create.
	CreateAPIKey(ctx context.Context, tx Tx, userID int64, apiKeyHash, label string) (int64, error)
	// FetchAPIKeyOwner returns the user_id owning apiKeyID, for
	// user_api_key_update's ownership check. Returns ErrAPIKeyNotFound if no
	// such key exists.
	FetchAPIKeyOwner(ctx context.Context, tx Tx, apiKeyID int64) (int64, error)
	// SetAPIKeyStatus updates a user_api_keys row's status and returns the
	// number of rows changed, for user_api_key_update.
	SetAPIKeyStatus(ctx context.Context, tx Tx, apiKeyID int64, status string) (int64, error)
}

// UserAPIKeySummary is one row of user_api_keys_list's result, omitting the
// key hash.
type UserAPIKeySummary struct {
	ID        int64     `json:"api_key_id"`
	Label     string    `json:"label"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// StrategyStore covers per-strategy risk primitives.
type StrategyStore interface {
	// FetchStrategy returns nil, nil if strategyID doesn't exist.
	FetchStrategy(ctx context.Context, tx Tx, strategyID int64) (*model.Strategy, error)
	// SetStrategyAllowNewPositions flips a strategy's new-position risk
	// gate and returns the number of rows changed, backing
	// risk_set_strategy_allow_new_positions.
	SetStrategyAllowNewPositions(ctx context.Context, tx Tx, strategyID int64, allow bool) (int64, error)
}

// APIKeyIdentity is the resolved identity behind a valid api key or auth
// token, independent of the internal/auth package (store cannot import it
// without an import cycle).
type APIKeyIdentity struct {
	APIKeyID int64
	UserID   int64
	Role     string
}

// AccountPermission is the resolved read/trade/risk permission set for an
// api-key against an account.
type AccountPermission struct {
	CanRead      bool
	CanTrade     bool
	CanRiskManage bool
}
