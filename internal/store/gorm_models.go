package store

import "time"

// Gorm row types mirror the tables in SPEC_FULL.md §3 / original_source's
// MySQL schema. Decimal-bearing columns are stored as strings and converted
// to/from decimal.Decimal at the package boundary (internal/model), per
// SPEC_FULL.md's decimal-arithmetic mandate.

type accountRow struct {
	ID                   int64  `gorm:"primaryKey"`
	ExchangeID           string `gorm:"column:exchange_id"`
	PositionMode         string `gorm:"column:position_mode"`
	Status               string `gorm:"column:status"`
	IsTestnet            bool   `gorm:"column:is_testnet"`
	DispatcherEngine     string `gorm:"column:dispatcher_engine"`
	DispatcherWorkerHint *int   `gorm:"column:dispatcher_worker_hint"`
	AllowNewPositions    bool   `gorm:"column:allow_new_positions"`
	ExtraConfigJSON      []byte `gorm:"column:extra_config_json"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (accountRow) TableName() string { return "accounts" }

type accountCredentialsRow struct {
	AccountID     int64  `gorm:"primaryKey;column:account_id"`
	APIKeyEnc     string `gorm:"column:api_key_enc"`
	SecretEnc     string `gorm:"column:secret_enc"`
	PassphraseEnc string `gorm:"column:passphrase_enc"`
}

func (accountCredentialsRow) TableName() string { return "account_credentials" }

type orderRow struct {
	ID                      int64  `gorm:"primaryKey"`
	AccountID               int64  `gorm:"column:account_id"`
	CommandID               *int64 `gorm:"column:command_id"`
	StrategyID              int64  `gorm:"column:strategy_id"`
	PositionID              *int64 `gorm:"column:position_id"`
	Symbol                  string `gorm:"column:symbol"`
	Side                    string `gorm:"column:side"`
	OrderType               string `gorm:"column:order_type"`
	Qty                     string `gorm:"column:qty"`
	Price                   *string `gorm:"column:price"`
	FilledQty               string `gorm:"column:filled_qty"`
	AvgFillPrice            *string `gorm:"column:avg_fill_price"`
	Status                  string `gorm:"column:status"`
	ClientOrderID           *string `gorm:"column:client_order_id"`
	ExchangeOrderID         *string `gorm:"column:exchange_order_id"`
	StopLoss                *string `gorm:"column:stop_loss"`
	StopGain                *string `gorm:"column:stop_gain"`
	Reason                  string `gorm:"column:reason"`
	Comment                 *string `gorm:"column:comment"`
	EditReplaceState        *string `gorm:"column:edit_replace_state"`
	ConsolidatedIntoOrderID *int64 `gorm:"column:consolidated_into_order_id"`
	CreatedAt               time.Time
	ClosedAt                *time.Time
}

func (orderRow) TableName() string { return "position_orders" }

type dealRow struct {
	ID              int64   `gorm:"primaryKey"`
	AccountID       int64   `gorm:"column:account_id"`
	OrderID         *int64  `gorm:"column:order_id"`
	PositionID      int64   `gorm:"column:position_id"`
	Symbol          string  `gorm:"column:symbol"`
	Side            string  `gorm:"column:side"`
	Qty             string  `gorm:"column:qty"`
	Price           string  `gorm:"column:price"`
	Fee             *string `gorm:"column:fee"`
	FeeCurrency     *string `gorm:"column:fee_currency"`
	Pnl             string  `gorm:"column:pnl"`
	StrategyID      int64   `gorm:"column:strategy_id"`
	Reason          string  `gorm:"column:reason"`
	Reconciled      bool    `gorm:"column:reconciled"`
	ExchangeTradeID *string `gorm:"column:exchange_trade_id"`
	CreatedAt       time.Time
}

func (dealRow) TableName() string { return "position_deals" }

type positionRow struct {
	ID         int64   `gorm:"primaryKey"`
	AccountID  int64   `gorm:"column:account_id"`
	StrategyID int64   `gorm:"column:strategy_id"`
	Symbol     string  `gorm:"column:symbol"`
	Side       string  `gorm:"column:side"`
	Qty        string  `gorm:"column:qty"`
	AvgPrice   string  `gorm:"column:avg_price"`
	State      string  `gorm:"column:state"`
	StopLoss   *string `gorm:"column:stop_loss"`
	StopGain   *string `gorm:"column:stop_gain"`
	Reason     string  `gorm:"column:reason"`
	OpenedAt   time.Time
	ClosedAt   *time.Time
}

func (positionRow) TableName() string { return "position_positions" }

type positionCommandRow struct {
	ID          int64  `gorm:"primaryKey"`
	AccountID   int64  `gorm:"column:account_id"`
	CommandType string `gorm:"column:command_type"`
	RequestID   *string `gorm:"column:request_id"`
	PayloadJSON []byte `gorm:"column:payload_json"`
	Status      string `gorm:"column:status"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (positionCommandRow) TableName() string { return "position_commands" }

type queueItemRow struct {
	ID          int64      `gorm:"primaryKey"`
	AccountID   int64      `gorm:"column:account_id"`
	PoolID      int        `gorm:"column:pool_id"`
	CommandID   int64      `gorm:"column:command_id"`
	Status      string     `gorm:"column:status"`
	Attempts    int        `gorm:"column:attempts"`
	AvailableAt time.Time  `gorm:"column:available_at"`
	LockedBy    *string    `gorm:"column:locked_by"`
	LockedAt    *time.Time `gorm:"column:locked_at"`
}

func (queueItemRow) TableName() string { return "command_queue" }

type closeLockRow struct {
	AccountID  int64     `gorm:"primaryKey;column:account_id"`
	PositionID int64     `gorm:"primaryKey;column:position_id"`
	RequestID  *string   `gorm:"column:request_id"`
	ExpiresAt  time.Time `gorm:"column:expires_at"`
}

func (closeLockRow) TableName() string { return "position_close_locks" }

type reconciliationCursorRow struct {
	AccountID   int64  `gorm:"primaryKey;column:account_id"`
	Entity      string `gorm:"primaryKey;column:entity"`
	CursorValue string `gorm:"column:cursor_value"`
	UpdatedAt   time.Time
}

func (reconciliationCursorRow) TableName() string { return "reconciliation_cursor" }

type eventOutboxRow struct {
	ID          int64  `gorm:"primaryKey"`
	AccountID   int64  `gorm:"column:account_id"`
	Namespace   string `gorm:"column:namespace"`
	EventType   string `gorm:"column:event_type"`
	PayloadJSON []byte `gorm:"column:payload_json"`
	CreatedAt   time.Time
}

func (eventOutboxRow) TableName() string { return "event_outbox" }

type ccxtOrderRawRow struct {
	AccountID       int64  `gorm:"primaryKey;column:account_id"`
	FingerprintHash string `gorm:"primaryKey;column:fingerprint_hash"`
	PayloadJSON     []byte `gorm:"column:payload_json"`
	CreatedAt       time.Time
}

func (ccxtOrderRawRow) TableName() string { return "ccxt_orders_raw" }

type ccxtTradeRawRow struct {
	AccountID       int64  `gorm:"primaryKey;column:account_id"`
	FingerprintHash string `gorm:"primaryKey;column:fingerprint_hash"`
	PayloadJSON     []byte `gorm:"column:payload_json"`
	CreatedAt       time.Time
}

func (ccxtTradeRawRow) TableName() string { return "ccxt_trades_raw" }

type apiKeyAccountPermissionRow struct {
	APIKeyID      int64 `gorm:"primaryKey;column:api_key_id"`
	AccountID     int64 `gorm:"primaryKey;column:account_id"`
	CanRead       bool  `gorm:"column:can_read"`
	CanTrade      bool  `gorm:"column:can_trade"`
	CanRiskManage bool  `gorm:"column:can_risk_manage"`
}

func (apiKeyAccountPermissionRow) TableName() string { return "api_key_account_permissions" }

type apiKeyStrategyPermissionRow struct {
	APIKeyID   int64 `gorm:"primaryKey;column:api_key_id"`
	StrategyID int64 `gorm:"primaryKey;column:strategy_id"`
	CanTrade   bool  `gorm:"column:can_trade"`
}

func (apiKeyStrategyPermissionRow) TableName() string { return "api_key_strategy_permissions" }

type userRow struct {
	ID           int64  `gorm:"primaryKey"`
	Role         string `gorm:"column:role"`
	Status       string `gorm:"column:status"`
	Username     string `gorm:"column:username"`
	PasswordHash string `gorm:"column:password_hash"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (userRow) TableName() string { return "users" }

type userAPIKeyRow struct {
	ID         int64  `gorm:"primaryKey"`
	UserID     int64  `gorm:"column:user_id"`
	APIKeyHash string `gorm:"column:api_key_hash"`
	Status     string `gorm:"column:status"`
	Label      string `gorm:"column:label"`
	CreatedAt  time.Time
}

func (userAPIKeyRow) TableName() string { return "user_api_keys" }

type authTokenRow struct {
	ID        int64      `gorm:"primaryKey"`
	APIKeyID  int64      `gorm:"column:api_key_id"`
	UserID    int64      `gorm:"column:user_id"`
	TokenHash string     `gorm:"column:token_hash"`
	Status    string     `gorm:"column:status"`
	ExpiresAt *time.Time `gorm:"column:expires_at"`
	CreatedAt time.Time
}

func (authTokenRow) TableName() string { return "auth_tokens" }

type strategyRow struct {
	ID                int64   `gorm:"primaryKey"`
	Name              string  `gorm:"column:name"`
	ClientStrategyID  *string `gorm:"column:client_strategy_id"`
	Status            string  `gorm:"column:status"`
	AccountID         int64   `gorm:"column:account_id"`
	AllowNewPositions bool    `gorm:"column:allow_new_positions"`
}

func (strategyRow) TableName() string { return "strategies" }
