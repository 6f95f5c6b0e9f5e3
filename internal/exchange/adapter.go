// Package exchange defines the venue-agnostic Exchange Adapter capability
// set (§6) and provides two implementations: a live REST adapter built on
// resty and go-retryablehttp, and a deterministic in-memory fake used by
// engine tests.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"perp-mm/pkg/types"
)

// Adapter is the full capability set the Strategy Engine drives every tick.
// Every operation is fallible; implementations must treat a missing
// InstrumentConstraints cache entry as a fatal per-order error rather than
// substituting a silent default.
type Adapter interface {
	Ping(ctx context.Context) (bool, error)
	FetchMarketSnapshot(ctx context.Context, symbol string) (types.MarketSnapshot, error)
	FetchAccountFunds(ctx context.Context) (types.AccountFunds, error)
	FetchPosition(ctx context.Context, symbol string) (types.PositionSnapshot, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]types.OrderSnapshot, error)
	FetchRecentTrades(ctx context.Context, symbol string, limit int) ([]types.TradeSnapshot, error)
	PlaceLimitOrder(ctx context.Context, symbol string, side types.Side, price, size decimal.Decimal, postOnly bool, clientOrderID string) (types.OrderSnapshot, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	ClosePositionTaker(ctx context.Context, symbol string, side types.Side, size decimal.Decimal, reduceOnly bool) (types.OrderSnapshot, error)
	FlattenPositionTaker(ctx context.Context, symbol string) error
	InstrumentConstraints(ctx context.Context, symbol string) (types.InstrumentConstraints, error)
}
