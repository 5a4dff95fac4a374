// Package model holds the shared entity and enum types for the position OMS.
// Field sets follow the data model in SPEC_FULL.md and the original
// rspadim/ccxt-position schemas.py.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionMode controls how the reconciler and executor fold trades into
// positions for an account.
type PositionMode string

const (
	PositionModeHedge           PositionMode = "hedge"
	PositionModeNetting         PositionMode = "netting"
	PositionModeStrategyNetting PositionMode = "strategy_netting"
)

// ReconciliationEntityTrades is the reconciliation_cursor row name the
// trade-reconciliation pass owns, shared between internal/oms/reconciler
// (which writes it) and internal/oms/dispatcher (which reads it for
// reconcile_status_account/reconcile_status_list) to keep both sides of
// that contract from drifting apart.
const ReconciliationEntityTrades = "my_trades_since"

// AccountStatus is the activation state of an account.
type AccountStatus string

const (
	AccountStatusActive  AccountStatus = "active"
	AccountStatusBlocked AccountStatus = "blocked"
)

// OrderSide is the direction of an order or a deal.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType is the exchange order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus is the lifecycle state of an Order row.
type OrderStatus string

const (
	OrderStatusPendingSubmit       OrderStatus = "PENDING_SUBMIT"
	OrderStatusSubmitted           OrderStatus = "SUBMITTED"
	OrderStatusPartiallyFilled     OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled              OrderStatus = "FILLED"
	OrderStatusCanceled            OrderStatus = "CANCELED"
	OrderStatusRejected            OrderStatus = "REJECTED"
	OrderStatusCanceledEditPending OrderStatus = "CANCELED_EDIT_PENDING"
)

// IsTerminal reports whether the status is a terminal order state.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// PositionState is the lifecycle state of a Position row.
type PositionState string

const (
	PositionStateOpen   PositionState = "open"
	PositionStateClosed PositionState = "closed"
)

// CommandType enumerates the position-command kinds a client may submit.
type CommandType string

const (
	CommandSendOrder        CommandType = "send_order"
	CommandCancelOrder      CommandType = "cancel_order"
	CommandCancelAllOrders  CommandType = "cancel_all_orders"
	CommandChangeOrder      CommandType = "change_order"
	CommandClosePosition    CommandType = "close_position"
	CommandCloseBy          CommandType = "close_by"
	CommandMergePositions   CommandType = "merge_positions"
	CommandPositionChange   CommandType = "position_change"
)

// CommandStatus is the lifecycle state of a PositionCommand row.
type CommandStatus string

const (
	CommandStatusAccepted  CommandStatus = "accepted"
	CommandStatusCompleted CommandStatus = "completed"
	CommandStatusFailed    CommandStatus = "failed"
)

// QueueStatus is the lifecycle state of a QueueItem row.
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusDone       QueueStatus = "done"
	QueueStatusFailed     QueueStatus = "failed"
)

// EventNamespace groups event_outbox rows for WS subscriber filtering.
type EventNamespace string

const (
	EventNamespacePosition EventNamespace = "position"
	EventNamespaceRisk     EventNamespace = "risk"
	EventNamespaceCcxt     EventNamespace = "ccxt"
)

// Account is a single exchange sub-account under OMS control.
type Account struct {
	ID                     int64
	ExchangeID             string // "ccxt.<name>" or "ccxtpro.<name>"
	PositionMode           PositionMode
	Status                 AccountStatus
	IsTestnet              bool
	DispatcherEngine       string // engine family the worker hint is scoped to
	DispatcherWorkerHint   *int
	AllowNewPositions      bool
	ExtraConfig            map[string]any
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// User is a dispatcher login identity, backing the password-auth
// SUPPLEMENTED FEATURE (auth_login_password/user_profile_*/
// user_password_update) distinct from the per-account api-key/permission
// model the rest of internal/auth enforces.
type User struct {
	ID        int64
	Username  string
	Role      string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Credentials holds an account's (possibly encrypted) exchange credentials.
type Credentials struct {
	AccountID     int64
	APIKeyEnc     string
	SecretEnc     string
	PassphraseEnc string
}

// Strategy is a logical grouping of orders/positions/deals within an account.
type Strategy struct {
	ID               int64
	Name             string
	ClientStrategyID *string
	Status           string
	AccountID        int64
	AllowNewPositions bool
}

// Order is a client or exchange-originated order under OMS management.
type Order struct {
	ID               int64
	AccountID        int64
	CommandID        *int64
	StrategyID       int64
	PositionID       *int64
	Symbol           string
	Side             OrderSide
	OrderType        OrderType
	Qty              decimal.Decimal
	Price            *decimal.Decimal
	FilledQty        decimal.Decimal
	AvgFillPrice     *decimal.Decimal
	Status           OrderStatus
	ClientOrderID    *string
	ExchangeOrderID  *string
	StopLoss         *decimal.Decimal
	StopGain         *decimal.Decimal
	Reason           string
	Comment          *string
	EditReplaceState *string
	ConsolidatedIntoOrderID *int64
	CreatedAt        time.Time
	ClosedAt         *time.Time
}

// Deal is a fill or synthetic internal transfer linked to a position.
type Deal struct {
	ID              int64
	AccountID       int64
	OrderID         *int64
	PositionID      int64
	Symbol          string
	Side            OrderSide
	Qty             decimal.Decimal
	Price           decimal.Decimal
	Fee             *decimal.Decimal
	FeeCurrency     *string
	Pnl             decimal.Decimal
	StrategyID      int64
	Reason          string
	Reconciled      bool
	ExchangeTradeID *string
	CreatedAt       time.Time
}

// Position is a net or per-side accounting container for an account+symbol.
type Position struct {
	ID         int64
	AccountID  int64
	StrategyID int64
	Symbol     string
	Side       OrderSide
	Qty        decimal.Decimal
	AvgPrice   decimal.Decimal
	State      PositionState
	StopLoss   *decimal.Decimal
	StopGain   *decimal.Decimal
	Reason     string
	OpenedAt   time.Time
	ClosedAt   *time.Time
}

// IsOpen reports whether the position is currently open.
func (p *Position) IsOpen() bool { return p.State == PositionStateOpen }

// PositionCommand is the immutable record of a client-submitted command.
type PositionCommand struct {
	ID          int64
	AccountID   int64
	CommandType CommandType
	RequestID   *string
	PayloadJSON []byte
	Status      CommandStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// QueueItem is a durable command-queue row claimed by queue workers.
type QueueItem struct {
	ID          int64
	AccountID   int64
	PoolID      int
	CommandID   int64
	Status      QueueStatus
	Attempts    int
	AvailableAt time.Time
	LockedBy    *string
	LockedAt    *time.Time
}

// CloseLock is a short-lived row ensuring only one close_position runs per
// position at a time.
type CloseLock struct {
	AccountID  int64
	PositionID int64
	RequestID  *string
	ExpiresAt  time.Time
}

// ReconciliationCursor is the monotonic millisecond watermark of the last
// processed trade per account+entity.
type ReconciliationCursor struct {
	AccountID   int64
	Entity      string
	CursorValue string // decimal string of milliseconds, strictly non-decreasing
	UpdatedAt   time.Time
}

// EventOutbox is an append-only record of a state change, fed to WS
// subscribers.
type EventOutbox struct {
	ID          int64
	AccountID   int64
	Namespace   EventNamespace
	EventType   string
	PayloadJSON []byte
	CreatedAt   time.Time
}

// RawCcxtOrder is the raw exchange order payload, deduplicated by
// fingerprint.
type RawCcxtOrder struct {
	AccountID       int64
	FingerprintHash string
	PayloadJSON     []byte
	CreatedAt       time.Time
}

// RawCcxtTrade is the raw exchange trade payload, deduplicated by
// fingerprint.
type RawCcxtTrade struct {
	AccountID       int64
	FingerprintHash string
	PayloadJSON     []byte
	CreatedAt       time.Time
}

// NormalizedTrade is a trade as reported by the exchange adapter, after the
// reconciler has validated and normalized the raw ccxt payload.
type NormalizedTrade struct {
	ExchangeTradeID string
	ExchangeOrderID *string
	ClientOrderID   *string
	Symbol          string
	Side            OrderSide
	Amount          decimal.Decimal
	Price           decimal.Decimal
	FeeCost         *decimal.Decimal
	FeeCurrency     *string
	TimestampMs     int64
	Raw             map[string]any
}
