package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perp-mm/pkg/types"
)

// FakeAdapter is a deterministic in-memory Adapter used by engine and
// reconciler tests. It never touches the network; orders placed against it
// are tracked in a simple map and fills must be injected explicitly via
// Fill. Safe for concurrent use.
type FakeAdapter struct {
	mu sync.Mutex

	pingOK      bool
	snapshot    types.MarketSnapshot
	funds       types.AccountFunds
	position    types.PositionSnapshot
	orders      map[string]types.OrderSnapshot
	trades      []types.TradeSnapshot
	constraints map[string]types.InstrumentConstraints
	minClose    decimal.Decimal
	nextID      int
}

// NewFakeAdapter returns a fake starting in a healthy, empty state.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		pingOK:      true,
		orders:      make(map[string]types.OrderSnapshot),
		constraints: make(map[string]types.InstrumentConstraints),
		minClose:    decimal.NewFromFloat(1.0),
	}
}

// SetPingOK controls what Ping reports, for exercising startup-ping-failure
// transitions.
func (f *FakeAdapter) SetPingOK(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingOK = ok
}

// SetMarketSnapshot seeds the snapshot FetchMarketSnapshot returns.
func (f *FakeAdapter) SetMarketSnapshot(s types.MarketSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = s
}

// SetAccountFunds seeds the funds FetchAccountFunds returns.
func (f *FakeAdapter) SetAccountFunds(a types.AccountFunds) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funds = a
}

// SetPosition seeds the position FetchPosition returns.
func (f *FakeAdapter) SetPosition(p types.PositionSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.position = p
}

// SetInstrumentConstraints seeds the constraints cache for a symbol.
func (f *FakeAdapter) SetInstrumentConstraints(c types.InstrumentConstraints) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constraints[c.Symbol] = c
}

// SetMinCloseSize controls the threshold below which ClosePositionTaker and
// FlattenPositionTaker report dust.
func (f *FakeAdapter) SetMinCloseSize(min decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.minClose = min
}

func (f *FakeAdapter) Ping(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingOK, nil
}

func (f *FakeAdapter) FetchMarketSnapshot(ctx context.Context, symbol string) (types.MarketSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, nil
}

func (f *FakeAdapter) FetchAccountFunds(ctx context.Context) (types.AccountFunds, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.funds, nil
}

func (f *FakeAdapter) FetchPosition(ctx context.Context, symbol string) (types.PositionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position, nil
}

func (f *FakeAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]types.OrderSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	open := make([]types.OrderSnapshot, 0, len(f.orders))
	for _, o := range f.orders {
		if o.Symbol == symbol && o.Status == types.OrderOpen {
			open = append(open, o)
		}
	}
	return open, nil
}

func (f *FakeAdapter) FetchRecentTrades(ctx context.Context, symbol string, limit int) ([]types.TradeSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []types.TradeSnapshot
	for _, t := range f.trades {
		if t.Symbol == symbol {
			out = append(out, t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *FakeAdapter) PlaceLimitOrder(ctx context.Context, symbol string, side types.Side, price, size decimal.Decimal, postOnly bool, clientOrderID string) (types.OrderSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	order := types.OrderSnapshot{
		OrderID:   fmt.Sprintf("fake-%d", f.nextID),
		Symbol:    symbol,
		Side:      side,
		Price:     price,
		Size:      size,
		Status:    types.OrderOpen,
		CreatedAt: time.Now(),
	}
	f.orders[order.OrderID] = order
	return order, nil
}

func (f *FakeAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if o, ok := f.orders[orderID]; ok {
		o.Status = types.OrderCancelled
		f.orders[orderID] = o
	}
	return nil
}

func (f *FakeAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, o := range f.orders {
		if o.Symbol == symbol && o.Status == types.OrderOpen {
			o.Status = types.OrderCancelled
			f.orders[id] = o
		}
	}
	return nil
}

func (f *FakeAdapter) ClosePositionTaker(ctx context.Context, symbol string, side types.Side, size decimal.Decimal, reduceOnly bool) (types.OrderSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if size.LessThan(f.minClose) {
		return types.OrderSnapshot{}, &types.ErrDust{Symbol: symbol, MinCloseSize: f.minClose}
	}

	f.nextID++
	return types.OrderSnapshot{
		OrderID:   fmt.Sprintf("fake-close-%d", f.nextID),
		Symbol:    symbol,
		Side:      side,
		Size:      size,
		Status:    types.OrderFilled,
		CreatedAt: time.Now(),
	}, nil
}

func (f *FakeAdapter) FlattenPositionTaker(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.position.BasePosition.Abs().LessThan(f.minClose) {
		return &types.ErrDust{Symbol: symbol, MinCloseSize: f.minClose}
	}
	f.position = types.PositionSnapshot{Symbol: symbol}
	return nil
}

func (f *FakeAdapter) InstrumentConstraints(ctx context.Context, symbol string) (types.InstrumentConstraints, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.constraints[symbol]
	if !ok {
		return types.InstrumentConstraints{}, &types.ErrMissingConstraints{Symbol: symbol}
	}
	return c, nil
}

// Fill injects a trade and marks the matching order filled, simulating an
// execution for tests that drive position/PnL flow.
func (f *FakeAdapter) Fill(orderID string, trade types.TradeSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if o, ok := f.orders[orderID]; ok {
		o.Status = types.OrderFilled
		f.orders[orderID] = o
	}
	f.trades = append(f.trades, trade)
}
