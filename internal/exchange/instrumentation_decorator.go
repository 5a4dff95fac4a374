package exchange

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rspadim/oms-position/internal/exchange/tracing"
)

// InstrumentationDecorator wraps an ExchangeClient and traces every call
// through OpenTelemetry, in the same shape as the teacher's
// KrakenSpotRESTClientInstrumentationDecorator: one span per method, errors
// recorded and the span status set accordingly.
type InstrumentationDecorator struct {
	decorated ExchangeClient
	tracer    trace.Tracer
}

// DecorateExchangeClient wraps decorated with OpenTelemetry
// instrumentation. If tracerProvider is nil, the global tracer provider is
// used (a no-op provider when tracing isn't configured).
func DecorateExchangeClient(decorated ExchangeClient, tracerProvider trace.TracerProvider) ExchangeClient {
	if decorated == nil {
		panic("decorated cannot be nil")
	}
	if tracerProvider == nil {
		tracerProvider = otel.GetTracerProvider()
	}
	return &InstrumentationDecorator{
		decorated: decorated,
		tracer:    tracerProvider.Tracer(tracing.PackageName, trace.WithInstrumentationVersion(tracing.PackageVersion)),
	}
}

func (d *InstrumentationDecorator) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	ctx, span := d.tracer.Start(ctx, "call", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("method", method)))
	defer span.End()
	res, err := d.decorated.Call(ctx, method, args, kwargs)
	tracing.TraceErrorAndSetStatus(span, err)
	return res, err
}

func (d *InstrumentationDecorator) Has(capability string) (bool, error) {
	return d.decorated.Has(capability)
}

func (d *InstrumentationDecorator) CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderResult, error) {
	ctx, span := d.tracer.Start(ctx, "create_order", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("symbol", req.Symbol), attribute.String("side", req.Side)))
	defer span.End()
	res, err := d.decorated.CreateOrder(ctx, req)
	tracing.TraceErrorAndSetStatus(span, err)
	return res, err
}

func (d *InstrumentationDecorator) CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error {
	ctx, span := d.tracer.Start(ctx, "cancel_order", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("exchange_order_id", exchangeOrderID)))
	defer span.End()
	err := d.decorated.CancelOrder(ctx, exchangeOrderID, symbol)
	tracing.TraceErrorAndSetStatus(span, err)
	return err
}

func (d *InstrumentationDecorator) EditOrderIfSupported(ctx context.Context, exchangeOrderID string, req CreateOrderRequest) (*OrderResult, error) {
	ctx, span := d.tracer.Start(ctx, "edit_order_if_supported", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	res, err := d.decorated.EditOrderIfSupported(ctx, exchangeOrderID, req)
	tracing.TraceErrorAndSetStatus(span, err)
	return res, err
}

func (d *InstrumentationDecorator) FetchMyTrades(ctx context.Context, symbol *string, sinceMs int64, limit int) ([]Trade, error) {
	ctx, span := d.tracer.Start(ctx, "fetch_my_trades", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int64("since_ms", sinceMs)))
	defer span.End()
	res, err := d.decorated.FetchMyTrades(ctx, symbol, sinceMs, limit)
	tracing.TraceErrorAndSetStatus(span, err)
	return res, err
}

func (d *InstrumentationDecorator) LoadMarkets(ctx context.Context) error {
	ctx, span := d.tracer.Start(ctx, "load_markets", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	err := d.decorated.LoadMarkets(ctx)
	tracing.TraceErrorAndSetStatus(span, err)
	return err
}

func (d *InstrumentationDecorator) Close() error {
	return d.decorated.Close()
}
