package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"

	"perp-mm/internal/config"
	"perp-mm/pkg/types"
)

// RestAdapter implements Adapter against a generic perpetual-futures venue's
// REST API. It layers resty's request builder and retry policy (on a
// request error or a 5xx status) over a
// go-retryablehttp transport, which retries on connection-level failures
// beneath resty's own retry condition.
type RestAdapter struct {
	http   *resty.Client
	rl     *RateLimiter
	logger *slog.Logger

	constraintsMu sync.Mutex
	constraints   map[string]types.InstrumentConstraints
}

// NewRestAdapter builds a client with rate limiting and layered retry.
func NewRestAdapter(cfg config.VenueConfig, logger *slog.Logger) *RestAdapter {
	transport := retryablehttp.NewClient()
	transport.Logger = nil
	transport.RetryMax = cfg.RetryCount

	httpClient := resty.NewWithClient(transport.StandardClient()).
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(300 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	if cfg.APIKey != "" {
		httpClient.SetHeader("X-API-KEY", cfg.APIKey)
	}

	return &RestAdapter{
		http:        httpClient,
		rl:          NewRateLimiter(),
		logger:      logger.With("component", "exchange"),
		constraints: make(map[string]types.InstrumentConstraints),
	}
}

func (a *RestAdapter) Ping(ctx context.Context) (bool, error) {
	if err := a.rl.Market.Wait(ctx); err != nil {
		return false, err
	}
	resp, err := a.http.R().SetContext(ctx).Get("/ping")
	if err != nil {
		return false, fmt.Errorf("ping: %w", err)
	}
	return resp.StatusCode() == http.StatusOK, nil
}

func (a *RestAdapter) FetchMarketSnapshot(ctx context.Context, symbol string) (types.MarketSnapshot, error) {
	if err := a.rl.Market.Wait(ctx); err != nil {
		return types.MarketSnapshot{}, err
	}

	var raw struct {
		BestBid        string  `json:"best_bid"`
		BestAsk        string  `json:"best_ask"`
		Mid            string  `json:"mid"`
		DepthScore     float64 `json:"depth_score"`
		TradeIntensity float64 `json:"trade_intensity"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&raw).
		Get("/market/snapshot")
	if err != nil {
		return types.MarketSnapshot{}, fmt.Errorf("fetch market snapshot: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.MarketSnapshot{}, fmt.Errorf("fetch market snapshot: status %d: %s", resp.StatusCode(), resp.String())
	}

	bid, _ := decimal.NewFromString(raw.BestBid)
	ask, _ := decimal.NewFromString(raw.BestAsk)
	mid, _ := decimal.NewFromString(raw.Mid)

	return types.MarketSnapshot{
		Symbol:         symbol,
		BestBid:        bid,
		BestAsk:        ask,
		Mid:            mid,
		DepthScore:     raw.DepthScore,
		TradeIntensity: raw.TradeIntensity,
		Timestamp:      time.Now(),
	}, nil
}

func (a *RestAdapter) FetchAccountFunds(ctx context.Context) (types.AccountFunds, error) {
	if err := a.rl.Account.Wait(ctx); err != nil {
		return types.AccountFunds{}, err
	}

	var raw struct {
		Equity string `json:"equity"`
		Free   string `json:"free"`
		Used   string `json:"used"`
	}
	resp, err := a.http.R().SetContext(ctx).SetResult(&raw).Get("/account/funds")
	if err != nil {
		return types.AccountFunds{}, fmt.Errorf("fetch account funds: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.AccountFunds{}, fmt.Errorf("fetch account funds: status %d: %s", resp.StatusCode(), resp.String())
	}

	source := "equity,free,used"
	equity, err1 := decimal.NewFromString(raw.Equity)
	free, err2 := decimal.NewFromString(raw.Free)
	used, err3 := decimal.NewFromString(raw.Used)
	if err1 != nil || err2 != nil || err3 != nil {
		source = "derived"
		if err2 == nil && err3 == nil {
			equity = free.Add(used)
		}
	}

	return types.AccountFunds{Equity: equity, Free: free, Used: used, Source: source}, nil
}

func (a *RestAdapter) FetchPosition(ctx context.Context, symbol string) (types.PositionSnapshot, error) {
	if err := a.rl.Account.Wait(ctx); err != nil {
		return types.PositionSnapshot{}, err
	}

	var raw struct {
		BasePosition string `json:"base_position"`
		Notional     string `json:"notional"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&raw).
		Get("/account/position")
	if err != nil {
		return types.PositionSnapshot{}, fmt.Errorf("fetch position: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.PositionSnapshot{}, fmt.Errorf("fetch position: status %d: %s", resp.StatusCode(), resp.String())
	}

	base, _ := decimal.NewFromString(raw.BasePosition)
	notional, _ := decimal.NewFromString(raw.Notional)
	return types.PositionSnapshot{Symbol: symbol, BasePosition: base, Notional: notional}, nil
}

func (a *RestAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]types.OrderSnapshot, error) {
	if err := a.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	var raw []struct {
		OrderID   string  `json:"order_id"`
		Side      string  `json:"side"`
		Price     string  `json:"price"`
		Size      string  `json:"size"`
		Status    string  `json:"status"`
		CreatedAt float64 `json:"created_at"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&raw).
		Get("/orders/open")
	if err != nil {
		return nil, fmt.Errorf("fetch open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch open orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]types.OrderSnapshot, 0, len(raw))
	for _, o := range raw {
		price, _ := decimal.NewFromString(o.Price)
		size, _ := decimal.NewFromString(o.Size)
		out = append(out, types.OrderSnapshot{
			OrderID:   o.OrderID,
			Symbol:    symbol,
			Side:      types.Side(o.Side),
			Price:     price,
			Size:      size,
			Status:    types.OrderStatus(o.Status),
			CreatedAt: time.UnixMilli(int64(o.CreatedAt)),
		})
	}
	return out, nil
}

func (a *RestAdapter) FetchRecentTrades(ctx context.Context, symbol string, limit int) ([]types.TradeSnapshot, error) {
	if err := a.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	var raw []struct {
		TradeID   string  `json:"trade_id"`
		Side      string  `json:"side"`
		Price     string  `json:"price"`
		Size      string  `json:"size"`
		Fee       string  `json:"fee"`
		CreatedAt float64 `json:"created_at"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("limit", fmt.Sprintf("%d", limit)).
		SetResult(&raw).
		Get("/trades/recent")
	if err != nil {
		return nil, fmt.Errorf("fetch recent trades: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch recent trades: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]types.TradeSnapshot, 0, len(raw))
	for _, t := range raw {
		price, _ := decimal.NewFromString(t.Price)
		size, _ := decimal.NewFromString(t.Size)
		fee, _ := decimal.NewFromString(t.Fee)
		out = append(out, types.TradeSnapshot{
			TradeID:   t.TradeID,
			Symbol:    symbol,
			Side:      types.Side(t.Side),
			Price:     price,
			Size:      size,
			Fee:       fee,
			CreatedAt: time.UnixMilli(int64(t.CreatedAt)),
		})
	}
	return out, nil
}

func (a *RestAdapter) PlaceLimitOrder(ctx context.Context, symbol string, side types.Side, price, size decimal.Decimal, postOnly bool, clientOrderID string) (types.OrderSnapshot, error) {
	if err := a.rl.Order.Wait(ctx); err != nil {
		return types.OrderSnapshot{}, err
	}

	body := map[string]any{
		"symbol":          symbol,
		"side":            string(side),
		"price":           price.String(),
		"size":            size.String(),
		"post_only":       postOnly,
		"client_order_id": clientOrderID,
	}

	var raw struct {
		OrderID   string  `json:"order_id"`
		Status    string  `json:"status"`
		CreatedAt float64 `json:"created_at"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&raw).
		Post("/orders")
	if err != nil {
		return types.OrderSnapshot{}, fmt.Errorf("place limit order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderSnapshot{}, fmt.Errorf("place limit order: status %d: %s", resp.StatusCode(), resp.String())
	}

	return types.OrderSnapshot{
		OrderID:   raw.OrderID,
		Symbol:    symbol,
		Side:      side,
		Price:     price,
		Size:      size,
		Status:    types.OrderStatus(raw.Status),
		CreatedAt: time.UnixMilli(int64(raw.CreatedAt)),
	}, nil
}

func (a *RestAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := a.rl.Cancel.Wait(ctx); err != nil {
		return err
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"symbol": symbol, "order_id": orderID}).
		Delete("/orders")
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func (a *RestAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := a.rl.Cancel.Wait(ctx); err != nil {
		return err
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"symbol": symbol}).
		Delete("/orders/all")
	if err != nil {
		return fmt.Errorf("cancel all orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel all orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	a.logger.Warn("all orders cancelled", "symbol", symbol)
	return nil
}

func (a *RestAdapter) ClosePositionTaker(ctx context.Context, symbol string, side types.Side, size decimal.Decimal, reduceOnly bool) (types.OrderSnapshot, error) {
	if err := a.rl.Order.Wait(ctx); err != nil {
		return types.OrderSnapshot{}, err
	}

	var raw struct {
		OrderID      string  `json:"order_id"`
		Status       string  `json:"status"`
		CreatedAt    float64 `json:"created_at"`
		Dust         bool    `json:"dust"`
		MinCloseSize string  `json:"min_close_size"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"symbol": symbol, "side": string(side), "size": size.String(), "reduce_only": reduceOnly}).
		SetResult(&raw).
		Post("/orders/close")
	if err != nil {
		return types.OrderSnapshot{}, fmt.Errorf("close position taker: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderSnapshot{}, fmt.Errorf("close position taker: status %d: %s", resp.StatusCode(), resp.String())
	}
	if raw.Dust {
		minClose, _ := decimal.NewFromString(raw.MinCloseSize)
		return types.OrderSnapshot{}, &types.ErrDust{Symbol: symbol, MinCloseSize: minClose}
	}

	return types.OrderSnapshot{
		OrderID:   raw.OrderID,
		Symbol:    symbol,
		Side:      side,
		Size:      size,
		Status:    types.OrderStatus(raw.Status),
		CreatedAt: time.UnixMilli(int64(raw.CreatedAt)),
	}, nil
}

func (a *RestAdapter) FlattenPositionTaker(ctx context.Context, symbol string) error {
	_, err := a.ClosePositionTaker(ctx, symbol, types.Buy, decimal.Zero, true)
	var dust *types.ErrDust
	if asDust(err, &dust) {
		return dust
	}
	return err
}

func asDust(err error, dust **types.ErrDust) bool {
	if d, ok := err.(*types.ErrDust); ok {
		*dust = d
		return true
	}
	return false
}

func (a *RestAdapter) InstrumentConstraints(ctx context.Context, symbol string) (types.InstrumentConstraints, error) {
	a.constraintsMu.Lock()
	c, ok := a.constraints[symbol]
	a.constraintsMu.Unlock()
	if ok {
		return c, nil
	}

	if err := a.rl.Market.Wait(ctx); err != nil {
		return types.InstrumentConstraints{}, err
	}

	var raw struct {
		MinSize      string `json:"min_size"`
		SizeStep     string `json:"size_step"`
		TickSize     string `json:"tick_size"`
		BaseDecimals int32  `json:"base_decimals"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&raw).
		Get("/market/instrument")
	if err != nil {
		return types.InstrumentConstraints{}, fmt.Errorf("instrument constraints: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.InstrumentConstraints{}, fmt.Errorf("instrument constraints: status %d: %s", resp.StatusCode(), resp.String())
	}

	minSize, _ := decimal.NewFromString(raw.MinSize)
	step, _ := decimal.NewFromString(raw.SizeStep)
	tick, _ := decimal.NewFromString(raw.TickSize)
	out := types.InstrumentConstraints{Symbol: symbol, MinSize: minSize, SizeStep: step, TickSize: tick, BaseDecimals: raw.BaseDecimals}

	a.constraintsMu.Lock()
	a.constraints[symbol] = out
	a.constraintsMu.Unlock()

	return out, nil
}
