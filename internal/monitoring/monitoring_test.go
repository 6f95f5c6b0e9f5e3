package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"perp-mm/pkg/types"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestRecordTickUpdatesSummary(t *testing.T) {
	t.Parallel()

	a := NewAggregator()
	now := time.Now()
	a.ResetSession(now.Add(-time.Minute))
	a.RecordTick(TickInput{
		Timestamp:           now,
		Mid:                 100.1,
		SpreadBps:           18,
		Sigma:               0.001,
		SigmaZScore:         0.2,
		InventoryBase:       0.2,
		InventoryNotional:   20,
		Equity:              10500,
		PnL:                 25,
		PnLTotal:            25,
		PnLDaily:            12,
		QuoteSizeBase:       0.1,
		QuoteSizeNotional:   10,
		DrawdownPct:         2.5,
		Mode:                types.ModeRunning,
		ConsecutiveFailures: 0,
	}, 42)

	got := a.Summary()
	if got.Equity != 10500 {
		t.Errorf("Equity = %v, want 10500", got.Equity)
	}
	if got.Mode != types.ModeRunning {
		t.Errorf("Mode = %v, want running", got.Mode)
	}
	if got.RunDurationSec < 59 || got.RunDurationSec > 61 {
		t.Errorf("RunDurationSec = %v, want ~60", got.RunDurationSec)
	}
}

func TestRecordTickSetsGauges(t *testing.T) {
	t.Parallel()

	a := NewAggregator()
	now := time.Now()
	a.RecordOrders([]types.OrderSnapshot{
		{OrderID: "1", Side: types.Buy, Price: dec(1), Size: dec(1), Status: types.OrderOpen, CreatedAt: now},
		{OrderID: "2", Side: types.Sell, Price: dec(1), Size: dec(1), Status: types.OrderOpen, CreatedAt: now},
		{OrderID: "3", Side: types.Sell, Price: dec(1), Size: dec(1), Status: types.OrderOpen, CreatedAt: now},
		{OrderID: "4", Side: types.Sell, Price: dec(1), Size: dec(1), Status: types.OrderOpen, CreatedAt: now},
	})
	a.RecordTick(TickInput{Timestamp: now, Equity: 777, DrawdownPct: 3, SpreadBps: 12, ConsecutiveFailures: 1}, 0)

	if got := testutil.ToFloat64(a.equity); got != 777 {
		t.Errorf("equity gauge = %v, want 777", got)
	}
	if got := testutil.ToFloat64(a.drawdownPct); got != 3 {
		t.Errorf("drawdown gauge = %v, want 3", got)
	}
	if got := testutil.ToFloat64(a.openOrdersGauge); got != 4 {
		t.Errorf("open orders gauge = %v, want 4", got)
	}
	if got := testutil.ToFloat64(a.consecutiveFailures); got != 1 {
		t.Errorf("consecutive failures gauge = %v, want 1", got)
	}
}

func TestRecordErrorIncrementsCategoryCounter(t *testing.T) {
	t.Parallel()

	a := NewAggregator()
	a.RecordError("market_data")
	a.RecordError("market_data")
	a.RecordError("auth")

	if got := testutil.ToFloat64(a.errorsByCategory.WithLabelValues("market_data")); got != 2 {
		t.Errorf("market_data errors = %v, want 2", got)
	}
	if got := testutil.ToFloat64(a.errorsByCategory.WithLabelValues("auth")); got != 1 {
		t.Errorf("auth errors = %v, want 1", got)
	}
}

func TestRecordKillSwitchTripIncrementsCounter(t *testing.T) {
	t.Parallel()

	a := NewAggregator()
	a.RecordKillSwitchTrip()
	a.RecordKillSwitchTrip()

	if got := testutil.ToFloat64(a.killSwitchTrips); got != 2 {
		t.Errorf("kill switch trips = %v, want 2", got)
	}
}

func TestSummaryIsZeroValueBeforeAnyTick(t *testing.T) {
	t.Parallel()

	a := NewAggregator()
	got := a.Summary()
	if got.Equity != 0 || got.Mode != "" {
		t.Errorf("expected zero-value summary, got %+v", got)
	}
}

func TestRegistryIsInstanceScoped(t *testing.T) {
	t.Parallel()

	a1 := NewAggregator()
	a2 := NewAggregator()
	if a1.Registry() == a2.Registry() {
		t.Error("expected distinct registries per aggregator")
	}
}

// TestRecordTradesAccumulatesVolumeAndFeeSplit mirrors the original
// implementation's test_monitoring_accumulates_trade_volume_and_fee_split:
// a negative fee is a maker rebate, a positive fee is a cost, and the two
// split totals always sum to the signed total.
func TestRecordTradesAccumulatesVolumeAndFeeSplit(t *testing.T) {
	t.Parallel()

	a := NewAggregator()
	now := time.Now()
	a.ResetSession(now.Add(-2 * time.Minute))

	a.RecordTrades([]types.TradeSnapshot{
		{TradeID: "t1", Side: types.Buy, Price: dec(100.0), Size: dec(0.3), Fee: dec(-0.02), CreatedAt: now},
		{TradeID: "t2", Side: types.Sell, Price: dec(101.0), Size: dec(0.4), Fee: dec(0.03), CreatedAt: now},
	})
	a.RecordTick(TickInput{Timestamp: now, Equity: 1000}, 0)

	got := a.Summary()
	if got.TotalTradeCount != 2 {
		t.Errorf("TotalTradeCount = %v, want 2", got.TotalTradeCount)
	}
	wantVolume := 100.0*0.3 + 101.0*0.4
	if diff := got.TotalTradeVolumeNotional - wantVolume; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("TotalTradeVolumeNotional = %v, want %v", got.TotalTradeVolumeNotional, wantVolume)
	}
	if diff := got.TotalFee - 0.01; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("TotalFee = %v, want 0.01", got.TotalFee)
	}
	if diff := got.TotalFeeRebate - 0.02; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("TotalFeeRebate = %v, want 0.02", got.TotalFeeRebate)
	}
	if diff := got.TotalFeeCost - 0.03; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("TotalFeeCost = %v, want 0.03", got.TotalFeeCost)
	}
}

// TestRecordTradesDedupesByTradeID mirrors
// test_monitoring_dedup_trade_by_trade_id: repeated polls of the same
// recent-trades window must not double-count a fill.
func TestRecordTradesDedupesByTradeID(t *testing.T) {
	t.Parallel()

	a := NewAggregator()
	now := time.Now()
	a.ResetSession(now.Add(-30 * time.Second))

	trade := types.TradeSnapshot{TradeID: "dup", Side: types.Buy, Price: dec(100), Size: dec(1), Fee: dec(-0.01), CreatedAt: now}
	a.RecordTrades([]types.TradeSnapshot{trade, trade})
	a.RecordTick(TickInput{Timestamp: now, Equity: 1}, 0)

	if got := a.Summary().TotalTradeCount; got != 1 {
		t.Errorf("TotalTradeCount = %v, want 1", got)
	}
}

// TestRecordTradesIgnoresTradesBeforeSessionStart mirrors
// test_monitoring_ignores_trades_before_session_start.
func TestRecordTradesIgnoresTradesBeforeSessionStart(t *testing.T) {
	t.Parallel()

	a := NewAggregator()
	sessionStart := time.Now()
	a.ResetSession(sessionStart)

	a.RecordTrades([]types.TradeSnapshot{
		{TradeID: "old", Side: types.Buy, Price: dec(100), Size: dec(0.3), Fee: dec(-0.02), CreatedAt: sessionStart.Add(-10 * time.Second)},
		{TradeID: "new", Side: types.Sell, Price: dec(101), Size: dec(0.4), Fee: dec(0.03), CreatedAt: sessionStart.Add(time.Second)},
	})
	a.RecordTick(TickInput{Timestamp: sessionStart.Add(2 * time.Second), Equity: 1}, 0)

	summary := a.Summary()
	if summary.TotalTradeCount != 1 {
		t.Errorf("TotalTradeCount = %v, want 1", summary.TotalTradeCount)
	}
	if diff := summary.TotalTradeVolumeNotional - 101.0*0.4; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("TotalTradeVolumeNotional = %v, want %v", summary.TotalTradeVolumeNotional, 101.0*0.4)
	}
}

// TestFillToCancelRatioAndOpenOrderAges exercises the open-order-age and
// fill/cancel-window bookkeeping the series/percentile helpers are grounded
// on in the original implementation's monitoring service.
func TestFillToCancelRatioAndOpenOrderAges(t *testing.T) {
	t.Parallel()

	a := NewAggregator()
	now := time.Now()
	a.ResetSession(now.Add(-time.Hour))

	a.RecordOrders([]types.OrderSnapshot{
		{OrderID: "b1", Side: types.Buy, Price: dec(1), Size: dec(1), Status: types.OrderOpen, CreatedAt: now.Add(-10 * time.Second)},
		{OrderID: "s1", Side: types.Sell, Price: dec(1), Size: dec(1), Status: types.OrderOpen, CreatedAt: now.Add(-4 * time.Second)},
	})
	a.RecordTrades([]types.TradeSnapshot{
		{TradeID: "f1", Side: types.Buy, Price: dec(1), Size: dec(1), Fee: dec(-0.01), CreatedAt: now.Add(-5 * time.Second)},
	})
	a.RecordCancel(now.Add(-1 * time.Second))

	a.RecordTick(TickInput{Timestamp: now, Equity: 1}, 0)
	summary := a.Summary()

	if summary.CancelCount1m != 1 {
		t.Errorf("CancelCount1m = %v, want 1", summary.CancelCount1m)
	}
	if summary.MakerFillCount1m != 1 {
		t.Errorf("MakerFillCount1m = %v, want 1", summary.MakerFillCount1m)
	}
	if summary.FillToCancelRatio != 1.0 {
		t.Errorf("FillToCancelRatio = %v, want 1.0", summary.FillToCancelRatio)
	}
	if summary.OpenOrderAgeBuySec < 9.9 || summary.OpenOrderAgeBuySec > 10.1 {
		t.Errorf("OpenOrderAgeBuySec = %v, want ~10", summary.OpenOrderAgeBuySec)
	}
	if summary.OpenOrderAgeSellSec < 3.9 || summary.OpenOrderAgeSellSec > 4.1 {
		t.Errorf("OpenOrderAgeSellSec = %v, want ~4", summary.OpenOrderAgeSellSec)
	}
}

func TestSeriesAccumulatesAcrossTicks(t *testing.T) {
	t.Parallel()

	a := NewAggregator()
	now := time.Now()
	a.RecordTick(TickInput{Timestamp: now, Mid: 100, Sigma: 0.001}, 0)
	a.RecordTick(TickInput{Timestamp: now.Add(time.Second), Mid: 101, Sigma: 0.002}, 0)

	series := a.Series()
	if len(series["mid_price"]) != 2 {
		t.Fatalf("mid_price series len = %v, want 2", len(series["mid_price"]))
	}
	if series["mid_price"][1].Value != 101 {
		t.Errorf("mid_price[1] = %v, want 101", series["mid_price"][1].Value)
	}
}
