package flatten

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perp-mm/internal/events"
	"perp-mm/pkg/types"
)

type fakeAdapter struct {
	positions      []decimal.Decimal // popped in order, last one repeats
	flattenErrs    []error           // popped in order, last one repeats
	cancelErr      error
	cancelCalls    int
	flattenCalls   int
	positionCalls  int
}

func (f *fakeAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	f.cancelCalls++
	return f.cancelErr
}

func (f *fakeAdapter) FetchPosition(ctx context.Context, symbol string) (types.PositionSnapshot, error) {
	idx := f.positionCalls
	if idx >= len(f.positions) {
		idx = len(f.positions) - 1
	}
	f.positionCalls++
	return types.PositionSnapshot{Symbol: symbol, BasePosition: f.positions[idx]}, nil
}

func (f *fakeAdapter) FlattenPositionTaker(ctx context.Context, symbol string) error {
	idx := f.flattenCalls
	if idx >= len(f.flattenErrs) {
		idx = len(f.flattenErrs) - 1
	}
	f.flattenCalls++
	if idx < 0 {
		return nil
	}
	return f.flattenErrs[idx]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newFlattener(t *testing.T, a Adapter) (*Flattener, *events.Bus) {
	t.Helper()
	bus := events.NewBus(16)
	gate := events.NewAlertGate()
	f := New(a, bus, gate, testLogger(), Config{
		EpsilonBase: decimal.NewFromFloat(0.001),
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
	})
	f.sleep = func(ctx context.Context, d time.Duration) {} // no real delay in tests
	return f, bus
}

func TestRunReturnsImmediatelyWhenAlreadyFlat(t *testing.T) {
	t.Parallel()

	a := &fakeAdapter{positions: []decimal.Decimal{decimal.Zero}}
	f, _ := newFlattener(t, a)

	res := f.Run(context.Background(), "BTC_Perp")
	if res.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", res.Attempts)
	}
	if a.cancelCalls != 1 {
		t.Errorf("expected cancel_all_orders called once, got %d", a.cancelCalls)
	}
	if a.flattenCalls != 0 {
		t.Errorf("expected no flatten attempts, got %d", a.flattenCalls)
	}
}

func TestRunSucceedsAfterOneFlattenAttempt(t *testing.T) {
	t.Parallel()

	a := &fakeAdapter{
		positions:   []decimal.Decimal{decimal.NewFromFloat(1.2), decimal.Zero},
		flattenErrs: []error{nil},
	}
	f, _ := newFlattener(t, a)

	res := f.Run(context.Background(), "BTC_Perp")
	if res.Dust {
		t.Error("expected non-dust success")
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
}

func TestRunReportsDustAfterExactlyOneAttempt(t *testing.T) {
	t.Parallel()

	// S7: position=0.4, venue min closable=1.0.
	a := &fakeAdapter{
		positions:   []decimal.Decimal{decimal.NewFromFloat(0.4)},
		flattenErrs: []error{&types.ErrDust{Symbol: "BTC_Perp", MinCloseSize: decimal.NewFromFloat(1.0)}},
	}
	f, bus := newFlattener(t, a)
	_, sub := bus.Subscribe()

	res := f.Run(context.Background(), "BTC_Perp")
	if !res.Dust {
		t.Fatal("expected dust result")
	}
	if !res.MinCloseSize.Equal(decimal.NewFromFloat(1.0)) {
		t.Errorf("MinCloseSize = %v, want 1.0", res.MinCloseSize)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
	if a.flattenCalls != 1 {
		t.Errorf("expected exactly one taker attempt, got %d", a.flattenCalls)
	}

	sawCloseDone := false
	for {
		select {
		case evt := <-sub:
			if evt.Type == events.TypeCloseDone {
				sawCloseDone = true
			}
			continue
		default:
		}
		break
	}
	if !sawCloseDone {
		t.Error("expected a close_done event to be published")
	}
}

func TestRunRetriesOnGenericErrorThenSucceeds(t *testing.T) {
	t.Parallel()

	a := &fakeAdapter{
		positions:   []decimal.Decimal{decimal.NewFromFloat(2.0), decimal.NewFromFloat(2.0), decimal.Zero},
		flattenErrs: []error{errors.New("timeout"), nil},
	}
	f, _ := newFlattener(t, a)

	res := f.Run(context.Background(), "BTC_Perp")
	if res.Dust {
		t.Error("expected non-dust success")
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	t.Parallel()

	a := &fakeAdapter{
		positions:   []decimal.Decimal{decimal.NewFromFloat(5.0)},
		flattenErrs: []error{errors.New("still failing")},
	}
	f, _ := newFlattener(t, a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.Run(ctx, "BTC_Perp")
	if res.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0 on pre-cancelled context", res.Attempts)
	}
}

func TestRunEmitsPositionFlatAlertOnSuccess(t *testing.T) {
	t.Parallel()

	a := &fakeAdapter{
		positions:   []decimal.Decimal{decimal.NewFromFloat(1.2), decimal.Zero},
		flattenErrs: []error{nil},
	}
	f, bus := newFlattener(t, a)
	_, sub := bus.Subscribe()

	f.Run(context.Background(), "BTC_Perp")

	sawAlert := false
	for {
		select {
		case evt := <-sub:
			if evt.Payload["alert"] == events.AlertPositionFlat {
				sawAlert = true
			}
			continue
		default:
		}
		break
	}
	if !sawAlert {
		t.Error("expected a POSITION_FLAT alert to be published on flat-exit success")
	}
}

func TestRunSwallowsCancelAllOrdersError(t *testing.T) {
	t.Parallel()

	a := &fakeAdapter{
		positions: []decimal.Decimal{decimal.Zero},
		cancelErr: errors.New("already cancelled"),
	}
	f, _ := newFlattener(t, a)

	res := f.Run(context.Background(), "BTC_Perp")
	if res.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", res.Attempts)
	}
}
