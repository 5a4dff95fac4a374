package store

import (
	"github.com/shopspring/decimal"

	"github.com/rspadim/oms-position/internal/model"
)

func decStr(d decimal.Decimal) string { return d.String() }

func decStrPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func orderFromModel(o *model.Order) orderRow {
	return orderRow{
		ID: o.ID, AccountID: o.AccountID, CommandID: o.CommandID, StrategyID: o.StrategyID,
		PositionID: o.PositionID, Symbol: o.Symbol, Side: string(o.Side), OrderType: string(o.OrderType),
		Qty: decStr(o.Qty), Price: decStrPtr(o.Price), FilledQty: decStr(o.FilledQty),
		AvgFillPrice: decStrPtr(o.AvgFillPrice), Status: string(o.Status), ClientOrderID: o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID, StopLoss: decStrPtr(o.StopLoss), StopGain: decStrPtr(o.StopGain),
		Reason: o.Reason, Comment: o.Comment, EditReplaceState: o.EditReplaceState,
		ConsolidatedIntoOrderID: o.ConsolidatedIntoOrderID, CreatedAt: o.CreatedAt, ClosedAt: o.ClosedAt,
	}
}

func orderToModel(r *orderRow) *model.Order {
	return &model.Order{
		ID: r.ID, AccountID: r.AccountID, CommandID: r.CommandID, StrategyID: r.StrategyID,
		PositionID: r.PositionID, Symbol: r.Symbol, Side: model.OrderSide(r.Side), OrderType: model.OrderType(r.OrderType),
		Qty: parseDec(r.Qty), Price: parseDecPtr(r.Price), FilledQty: parseDec(r.FilledQty),
		AvgFillPrice: parseDecPtr(r.AvgFillPrice), Status: model.OrderStatus(r.Status), ClientOrderID: r.ClientOrderID,
		ExchangeOrderID: r.ExchangeOrderID, StopLoss: parseDecPtr(r.StopLoss), StopGain: parseDecPtr(r.StopGain),
		Reason: r.Reason, Comment: r.Comment, EditReplaceState: r.EditReplaceState,
		ConsolidatedIntoOrderID: r.ConsolidatedIntoOrderID, CreatedAt: r.CreatedAt, ClosedAt: r.ClosedAt,
	}
}

func positionFromModel(p *model.Position) positionRow {
	return positionRow{
		ID: p.ID, AccountID: p.AccountID, StrategyID: p.StrategyID, Symbol: p.Symbol, Side: string(p.Side),
		Qty: decStr(p.Qty), AvgPrice: decStr(p.AvgPrice), State: string(p.State),
		StopLoss: decStrPtr(p.StopLoss), StopGain: decStrPtr(p.StopGain), Reason: p.Reason,
		OpenedAt: p.OpenedAt, ClosedAt: p.ClosedAt,
	}
}

func positionToModel(r *positionRow) *model.Position {
	return &model.Position{
		ID: r.ID, AccountID: r.AccountID, StrategyID: r.StrategyID, Symbol: r.Symbol, Side: model.OrderSide(r.Side),
		Qty: parseDec(r.Qty), AvgPrice: parseDec(r.AvgPrice), State: model.PositionState(r.State),
		StopLoss: parseDecPtr(r.StopLoss), StopGain: parseDecPtr(r.StopGain), Reason: r.Reason,
		OpenedAt: r.OpenedAt, ClosedAt: r.ClosedAt,
	}
}

func dealFromModel(d *model.Deal) dealRow {
	return dealRow{
		ID: d.ID, AccountID: d.AccountID, OrderID: d.OrderID, PositionID: d.PositionID, Symbol: d.Symbol,
		Side: string(d.Side), Qty: decStr(d.Qty), Price: decStr(d.Price), Fee: decStrPtr(d.Fee),
		FeeCurrency: d.FeeCurrency, Pnl: decStr(d.Pnl), StrategyID: d.StrategyID, Reason: d.Reason,
		Reconciled: d.Reconciled, ExchangeTradeID: d.ExchangeTradeID, CreatedAt: d.CreatedAt,
	}
}

func strategyToModel(r *strategyRow) *model.Strategy {
	return &model.Strategy{
		ID: r.ID, Name: r.Name, ClientStrategyID: r.ClientStrategyID, Status: r.Status,
		AccountID: r.AccountID, AllowNewPositions: r.AllowNewPositions,
	}
}

func dealToModel(r *dealRow) *model.Deal {
	return &model.Deal{
		ID: r.ID, AccountID: r.AccountID, OrderID: r.OrderID, PositionID: r.PositionID, Symbol: r.Symbol,
		Side: model.OrderSide(r.Side), Qty: parseDec(r.Qty), Price: parseDec(r.Price), Fee: parseDecPtr(r.Fee),
		FeeCurrency: r.FeeCurrency, Pnl: parseDec(r.Pnl), StrategyID: r.StrategyID, Reason: r.Reason,
		Reconciled: r.Reconciled, ExchangeTradeID: r.ExchangeTradeID, CreatedAt: r.CreatedAt,
	}
}
