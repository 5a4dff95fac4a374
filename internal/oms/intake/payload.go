package intake

import (
	"strconv"
	"strings"

	"github.com/rspadim/oms-position/internal/model"
)

// Payload variants mirror SPEC_FULL.md §9's tagged-union design note: a
// single validator decodes the weakly-typed JSON envelope (CommandInput)
// into one of these structs based on Command, instead of dispatching on a
// dynamically-typed dict as original_source's app/schemas.py does.

// SendOrderPayload is the body of a send_order command.
type SendOrderPayload struct {
	Symbol          string          `json:"symbol" validate:"required"`
	Side            string          `json:"side" validate:"required,oneof=buy sell"`
	OrderType       string          `json:"order_type" validate:"required,oneof=market limit"`
	Qty             string          `json:"qty" validate:"required"`
	Price           *string         `json:"price" validate:"required_if=OrderType limit"`
	StrategyID      int64           `json:"strategy_id"`
	PositionID      int64           `json:"position_id"`
	ClientOrderID   *string         `json:"client_order_id"`
	PostOnly        *bool           `json:"post_only"`
	TimeInForce     *string         `json:"time_in_force"`
	TriggerPrice    *string         `json:"trigger_price"`
	StopPrice       *string         `json:"stop_price"`
	TakeProfitPrice *string         `json:"take_profit_price"`
	TrailingAmount  *string         `json:"trailing_amount"`
	TrailingPercent *string         `json:"trailing_percent"`
	ReduceOnly      bool            `json:"reduce_only"`
	Reason          *string         `json:"reason"`
	Comment         *string         `json:"comment"`
	Params          map[string]any  `json:"params"`
}

func (p *SendOrderPayload) orderSide() model.OrderSide { return model.OrderSide(p.Side) }

// CancelOrderPayload is the body of a cancel_order command. At least one of
// OrderID or OrderIDs is required.
type CancelOrderPayload struct {
	OrderID  *int64  `json:"order_id"`
	OrderIDs []int64 `json:"order_ids"`
}

func (p *CancelOrderPayload) orderIDs() []int64 {
	if p.OrderID != nil {
		return []int64{*p.OrderID}
	}
	return p.OrderIDs
}

// CancelAllOrdersPayload is the body of a cancel_all_orders command.
type CancelAllOrdersPayload struct {
	StrategyIDs    []int64 `json:"strategy_ids"`
	StrategyIDsCsv *string `json:"strategy_ids_csv"`
}

// ResolvedStrategyIDs merges StrategyIDs with the comma-separated
// StrategyIDsCsv fallback original_source accepts from older callers.
// A nil result means no strategy filter: cancel across all strategies.
func (p *CancelAllOrdersPayload) ResolvedStrategyIDs() []int64 {
	ids := append([]int64(nil), p.StrategyIDs...)
	if p.StrategyIDsCsv != nil {
		for _, field := range strings.Split(*p.StrategyIDsCsv, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			if id, err := strconv.ParseInt(field, 10, 64); err == nil {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// ChangeOrderPayload is the body of a change_order command. At least one of
// NewPrice or NewQty is required.
type ChangeOrderPayload struct {
	OrderID  int64   `json:"order_id" validate:"required"`
	NewPrice *string `json:"new_price"`
	NewQty   *string `json:"new_qty"`
}

// ClosePositionPayload is the body of a close_position command.
type ClosePositionPayload struct {
	PositionID    int64   `json:"position_id" validate:"required"`
	OrderType     string  `json:"order_type" validate:"required,oneof=market limit"`
	Price         *string `json:"price" validate:"required_if=OrderType limit"`
	StrategyID    int64   `json:"strategy_id"`
	OriginCommand *string `json:"origin_command"`
}

// CloseByPayload is the body of a close_by command.
type CloseByPayload struct {
	PositionIDA int64   `json:"position_id_a" validate:"required"`
	PositionIDB int64   `json:"position_id_b" validate:"required"`
	Qty         *string `json:"qty"`
	StrategyID  int64   `json:"strategy_id"`
}

// MergePositionsPayload is the body of a merge_positions command.
type MergePositionsPayload struct {
	SourcePositionID int64   `json:"source_position_id" validate:"required"`
	TargetPositionID int64   `json:"target_position_id" validate:"required"`
	StopMode         string  `json:"stop_mode" validate:"omitempty,oneof=keep clear set"`
	OmsStopLoss      *string `json:"oms_stop_loss"`
	OmsStopGain      *string `json:"oms_stop_gain"`
}
