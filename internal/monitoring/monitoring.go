// Package monitoring aggregates per-tick diagnostics into three outputs fed
// by one set of Record* calls: a Prometheus registry (scraped externally;
// wiring the HTTP endpoint itself is out of scope), a point-in-time Summary
// mirroring the original MetricsSummary, and fixed-capacity per-metric time
// series read back through Series().
package monitoring

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"perp-mm/pkg/types"
)

// seriesCapacity bounds every time-series ring buffer.
const seriesCapacity = 1200

// fillWindow is the rolling window maker fills and cancels are counted over
// for FillToCancelRatio.
const fillWindow = 60 * time.Second

// maxRecentTrades bounds how many recent trades are retained for
// maker-fill-rate and display purposes.
const maxRecentTrades = 100

// seriesKeys are the tracked per-tick diagnostic series, in a stable order
// so Series() output is deterministic for tests.
var seriesKeys = []string{
	"sigma",
	"spread_bps",
	"distance_bid_bps",
	"distance_ask_bps",
	"inventory_notional",
	"mid_price",
	"quote_size_notional",
}

// SeriesPoint is one timestamped sample of a tracked series.
type SeriesPoint struct {
	T     time.Time
	Value float64
}

// TickInput is everything one loop iteration contributes to the Summary and
// series; the engine loop builds one of these per tick and calls RecordTick.
type TickInput struct {
	Timestamp           time.Time
	Mid                 float64
	SpreadBps           float64
	DistanceBidBps      float64
	DistanceAskBps      float64
	Sigma               float64
	SigmaZScore         float64
	InventoryBase       float64
	InventoryNotional   float64
	Equity              float64
	PnL                 float64
	PnLTotal            float64
	PnLDaily            float64
	QuoteSizeBase       float64
	QuoteSizeNotional   float64
	DrawdownPct         float64
	Mode                types.EngineMode
	ConsecutiveFailures int
	RequoteReason       string
}

// Summary is the point-in-time read of every tracked metric, mirroring the
// original implementation's MetricsSummary schema field for field.
type Summary struct {
	Timestamp time.Time

	MidPrice          float64
	SpreadBps         float64
	DistanceBidBps    float64
	DistanceAskBps    float64
	Sigma             float64
	SigmaZScore       float64
	InventoryBase     float64
	InventoryNotional float64
	Equity            float64
	PnL               float64
	PnLTotal          float64
	PnLDaily          float64
	DrawdownPct       float64
	QuoteSizeBase     float64
	QuoteSizeNotional float64

	RunDurationSec           float64
	TotalTradeCount          int
	TotalTradeVolumeNotional float64
	TotalFee                 float64
	TotalFeeRebate           float64
	TotalFeeCost             float64

	MakerFillCount1m    int
	CancelCount1m       int
	FillToCancelRatio   float64
	TimeInBookP50Sec    float64
	TimeInBookP90Sec    float64
	OpenOrderAgeBuySec  float64
	OpenOrderAgeSellSec float64

	RequoteReason       string
	Mode                types.EngineMode
	ConsecutiveFailures int
}

// Snapshot is a compact loop-diagnostics view derived from Summary plus the
// last open-order count and loop duration. The engine's tick payload carries
// the full Summary instead; Snapshot is read by callers such as tests.
type Snapshot struct {
	Mode                types.EngineMode
	Equity              float64
	DrawdownPct         float64
	SpreadBps           float64
	OpenOrders          int
	ConsecutiveFailures int
	LoopMs              float64
	Timestamp           time.Time
}

// Aggregator collects tick diagnostics into Prometheus gauges/histograms
// registered on its own instance-scoped registry (so tests can construct
// many Aggregators in one process without colliding on the global
// registry), plus the Summary/series/session-totals state described above.
type Aggregator struct {
	registry *prometheus.Registry

	mu                sync.RWMutex
	summary           Summary
	series            map[string][]SeriesPoint
	openOrders        []types.OrderSnapshot
	recentTrades      []types.TradeSnapshot
	seenTradeIDs      map[string]struct{}
	cancelEvents      []time.Time
	sessionStartedAt  time.Time
	lastOpenOrdersCnt int
	lastLoopMs        float64

	equity              prometheus.Gauge
	drawdownPct         prometheus.Gauge
	spreadBps           prometheus.Gauge
	openOrdersGauge     prometheus.Gauge
	consecutiveFailures prometheus.Gauge
	loopDuration        prometheus.Histogram
	errorsByCategory    *prometheus.CounterVec
	killSwitchTrips     prometheus.Counter
}

// NewAggregator builds an Aggregator with its own registry and an open
// session starting now. Call ResetSession again once the engine actually
// starts so RunDurationSec is measured from the real session start.
func NewAggregator() *Aggregator {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	a := &Aggregator{
		registry:         reg,
		series:           make(map[string][]SeriesPoint, len(seriesKeys)),
		seenTradeIDs:     make(map[string]struct{}),
		sessionStartedAt: time.Now(),
		equity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mm_equity",
			Help: "Current account equity.",
		}),
		drawdownPct: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mm_drawdown_pct",
			Help: "Drawdown from the running equity peak, in percent.",
		}),
		spreadBps: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mm_spread_bps",
			Help: "Effective quoted spread in basis points.",
		}),
		openOrdersGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mm_open_orders",
			Help: "Number of currently open orders.",
		}),
		consecutiveFailures: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mm_consecutive_failures",
			Help: "Current consecutive loop failure count.",
		}),
		loopDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mm_loop_duration_seconds",
			Help:    "Loop tick duration.",
			Buckets: prometheus.DefBuckets,
		}),
		errorsByCategory: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_loop_errors_total",
			Help: "Loop errors by classification category.",
		}, []string{"category"}),
		killSwitchTrips: factory.NewCounter(prometheus.CounterOpts{
			Name: "mm_kill_switch_trips_total",
			Help: "Number of times the risk guard has tripped.",
		}),
	}
	for _, k := range seriesKeys {
		a.series[k] = nil
	}
	return a
}

// Registry exposes the instance-scoped Prometheus registry for an external
// scrape handler to wire up.
func (a *Aggregator) Registry() *prometheus.Registry {
	return a.registry
}

// ResetSession clears session-scoped totals (trade accumulators, dedupe
// set, run-duration origin) without touching series history. Called once
// from Engine.Start so RunDurationSec and the trade totals reflect the
// current run, not a prior one.
func (a *Aggregator) ResetSession(startedAt time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionStartedAt = startedAt
	a.seenTradeIDs = make(map[string]struct{})
	a.summary.TotalTradeCount = 0
	a.summary.TotalTradeVolumeNotional = 0
	a.summary.TotalFee = 0
	a.summary.TotalFeeRebate = 0
	a.summary.TotalFeeCost = 0
}

// RecordTick folds one tick's reading into the Summary and appends to every
// tracked series, then mirrors the loop-diagnostics subset onto the
// Prometheus gauges/histogram.
func (a *Aggregator) RecordTick(in TickInput, loopMs float64) {
	a.mu.Lock()
	now := in.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	a.trimCancelWindow(now)
	makerFillCount := a.countRecentFills(now)
	cancelCount := len(a.cancelEvents)
	fillToCancel := float64(makerFillCount)
	if cancelCount > 0 {
		fillToCancel = float64(makerFillCount) / float64(cancelCount)
	}

	ages := a.openOrderAges(now)
	p50 := percentile(ages, 0.5)
	p90 := percentile(ages, 0.9)
	buyAge := a.sideOpenOrderAge(now, types.Buy)
	sellAge := a.sideOpenOrderAge(now, types.Sell)

	runDuration := now.Sub(a.sessionStartedAt).Seconds()
	if runDuration < 0 {
		runDuration = 0
	}

	a.summary = Summary{
		Timestamp:                now,
		MidPrice:                 in.Mid,
		SpreadBps:                in.SpreadBps,
		DistanceBidBps:           in.DistanceBidBps,
		DistanceAskBps:           in.DistanceAskBps,
		Sigma:                    in.Sigma,
		SigmaZScore:              in.SigmaZScore,
		InventoryBase:            in.InventoryBase,
		InventoryNotional:        in.InventoryNotional,
		Equity:                   in.Equity,
		PnL:                      in.PnL,
		PnLTotal:                 in.PnLTotal,
		PnLDaily:                 in.PnLDaily,
		DrawdownPct:              in.DrawdownPct,
		QuoteSizeBase:            in.QuoteSizeBase,
		QuoteSizeNotional:        in.QuoteSizeNotional,
		RunDurationSec:           runDuration,
		TotalTradeCount:          a.summary.TotalTradeCount,
		TotalTradeVolumeNotional: a.summary.TotalTradeVolumeNotional,
		TotalFee:                 a.summary.TotalFee,
		TotalFeeRebate:           a.summary.TotalFeeRebate,
		TotalFeeCost:             a.summary.TotalFeeCost,
		MakerFillCount1m:         makerFillCount,
		CancelCount1m:            cancelCount,
		FillToCancelRatio:        fillToCancel,
		TimeInBookP50Sec:         p50,
		TimeInBookP90Sec:         p90,
		OpenOrderAgeBuySec:       buyAge,
		OpenOrderAgeSellSec:      sellAge,
		RequoteReason:            in.RequoteReason,
		Mode:                     in.Mode,
		ConsecutiveFailures:      in.ConsecutiveFailures,
	}

	a.appendSeriesLocked("sigma", now, in.Sigma)
	a.appendSeriesLocked("spread_bps", now, in.SpreadBps)
	a.appendSeriesLocked("distance_bid_bps", now, in.DistanceBidBps)
	a.appendSeriesLocked("distance_ask_bps", now, in.DistanceAskBps)
	a.appendSeriesLocked("inventory_notional", now, in.InventoryNotional)
	a.appendSeriesLocked("mid_price", now, in.Mid)
	a.appendSeriesLocked("quote_size_notional", now, in.QuoteSizeNotional)

	a.lastOpenOrdersCnt = len(a.openOrders)
	a.lastLoopMs = loopMs
	a.mu.Unlock()

	a.equity.Set(in.Equity)
	a.drawdownPct.Set(in.DrawdownPct)
	a.spreadBps.Set(in.SpreadBps)
	a.openOrdersGauge.Set(float64(a.lastOpenOrdersCnt))
	a.consecutiveFailures.Set(float64(in.ConsecutiveFailures))
	a.loopDuration.Observe(loopMs / 1000)
}

// RecordCancel appends a cancel timestamp to the 1-minute cancel window used
// by FillToCancelRatio.
func (a *Aggregator) RecordCancel(at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelEvents = append(a.cancelEvents, at)
}

// RecordOrders replaces the tracked open-order set, used for open-order-age
// and time-in-book percentile computation on the next RecordTick.
func (a *Aggregator) RecordOrders(orders []types.OrderSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.openOrders = append([]types.OrderSnapshot(nil), orders...)
}

// RecordTrades folds newly observed trades into the recent-trades window
// and the session totals, deduplicating by TradeID the way repeated
// FetchRecentTrades polls naturally overlap.
func (a *Aggregator) RecordTrades(trades []types.TradeSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, t := range trades {
		if _, dup := a.seenTradeIDs[t.TradeID]; dup {
			continue
		}
		a.seenTradeIDs[t.TradeID] = struct{}{}
		a.recentTrades = append(a.recentTrades, t)
		if t.CreatedAt.Before(a.sessionStartedAt) {
			continue
		}

		price, _ := t.Price.Float64()
		size, _ := t.Size.Float64()
		fee, _ := t.Fee.Float64()

		a.summary.TotalTradeCount++
		a.summary.TotalTradeVolumeNotional += math.Abs(price * size)
		a.summary.TotalFee += fee
		if fee < 0 {
			a.summary.TotalFeeRebate += -fee
		} else if fee > 0 {
			a.summary.TotalFeeCost += fee
		}
	}

	if len(a.recentTrades) > maxRecentTrades {
		a.recentTrades = a.recentTrades[len(a.recentTrades)-maxRecentTrades:]
	}
}

// RecordError increments the error counter for category.
func (a *Aggregator) RecordError(category string) {
	a.errorsByCategory.WithLabelValues(category).Inc()
}

// RecordKillSwitchTrip increments the kill-switch trip counter.
func (a *Aggregator) RecordKillSwitchTrip() {
	a.killSwitchTrips.Inc()
}

// Summary returns the most recently recorded tick summary.
func (a *Aggregator) Summary() Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.summary
}

// Series returns a defensive copy of every tracked time series.
func (a *Aggregator) Series() map[string][]SeriesPoint {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string][]SeriesPoint, len(a.series))
	for k, v := range a.series {
		out[k] = append([]SeriesPoint(nil), v...)
	}
	return out
}

// OpenOrders returns a defensive copy of the tracked open orders.
func (a *Aggregator) OpenOrders() []types.OrderSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]types.OrderSnapshot(nil), a.openOrders...)
}

// RecentTrades returns a defensive copy of the tracked recent trades.
func (a *Aggregator) RecentTrades() []types.TradeSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]types.TradeSnapshot(nil), a.recentTrades...)
}

// Snapshot returns the most recently recorded loop-diagnostics subset, kept
// for callers that only need the Prometheus-gauge fields.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Snapshot{
		Mode:                a.summary.Mode,
		Equity:              a.summary.Equity,
		DrawdownPct:         a.summary.DrawdownPct,
		SpreadBps:           a.summary.SpreadBps,
		OpenOrders:          a.lastOpenOrdersCnt,
		ConsecutiveFailures: a.summary.ConsecutiveFailures,
		LoopMs:              a.lastLoopMs,
		Timestamp:           a.summary.Timestamp,
	}
}

func (a *Aggregator) appendSeriesLocked(key string, t time.Time, value float64) {
	pts := append(a.series[key], SeriesPoint{T: t, Value: value})
	if len(pts) > seriesCapacity {
		pts = pts[len(pts)-seriesCapacity:]
	}
	a.series[key] = pts
}

func (a *Aggregator) trimCancelWindow(now time.Time) {
	i := 0
	for i < len(a.cancelEvents) && now.Sub(a.cancelEvents[i]) > fillWindow {
		i++
	}
	if i > 0 {
		a.cancelEvents = a.cancelEvents[i:]
	}
}

func (a *Aggregator) countRecentFills(now time.Time) int {
	count := 0
	for _, t := range a.recentTrades {
		d := now.Sub(t.CreatedAt)
		if d >= 0 && d <= fillWindow {
			count++
		}
	}
	return count
}

func (a *Aggregator) openOrderAges(now time.Time) []float64 {
	ages := make([]float64, 0, len(a.openOrders))
	for _, o := range a.openOrders {
		d := now.Sub(o.CreatedAt).Seconds()
		if d >= 0 {
			ages = append(ages, d)
		}
	}
	sort.Float64s(ages)
	return ages
}

func (a *Aggregator) sideOpenOrderAge(now time.Time, side types.Side) float64 {
	max := 0.0
	for _, o := range a.openOrders {
		if o.Side != side {
			continue
		}
		d := now.Sub(o.CreatedAt).Seconds()
		if d >= 0 && d > max {
			max = d
		}
	}
	return max
}

// percentile mirrors the original implementation's nearest-rank percentile
// over a pre-sorted ascending slice: ceil((n-1)*ratio), clamped to [0, 1].
func percentile(values []float64, ratio float64) float64 {
	if len(values) == 0 {
		return 0.0
	}
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	idx := int(math.Ceil(float64(len(values)-1) * ratio))
	return values[idx]
}
