package exchange

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"perp-mm/pkg/types"
)

func TestFakeAdapterPlaceAndFetchOpenOrders(t *testing.T) {
	t.Parallel()

	a := NewFakeAdapter()
	ctx := context.Background()

	order, err := a.PlaceLimitOrder(ctx, "BTC_Perp", types.Buy, decimal.NewFromInt(100), decimal.NewFromInt(1), true, "1000000000000000001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.Status != types.OrderOpen {
		t.Errorf("status = %v, want open", order.Status)
	}

	open, err := a.FetchOpenOrders(ctx, "BTC_Perp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(open) != 1 || open[0].OrderID != order.OrderID {
		t.Fatalf("expected one open order matching %s, got %+v", order.OrderID, open)
	}
}

func TestFakeAdapterCancelOrderRemovesFromOpen(t *testing.T) {
	t.Parallel()

	a := NewFakeAdapter()
	ctx := context.Background()

	order, _ := a.PlaceLimitOrder(ctx, "BTC_Perp", types.Sell, decimal.NewFromInt(101), decimal.NewFromInt(1), true, "id")
	if err := a.CancelOrder(ctx, "BTC_Perp", order.OrderID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	open, _ := a.FetchOpenOrders(ctx, "BTC_Perp")
	if len(open) != 0 {
		t.Errorf("expected no open orders after cancel, got %+v", open)
	}
}

func TestFakeAdapterCancelAllOrdersClearsSymbol(t *testing.T) {
	t.Parallel()

	a := NewFakeAdapter()
	ctx := context.Background()

	a.PlaceLimitOrder(ctx, "BTC_Perp", types.Buy, decimal.NewFromInt(99), decimal.NewFromInt(1), true, "a")
	a.PlaceLimitOrder(ctx, "BTC_Perp", types.Sell, decimal.NewFromInt(101), decimal.NewFromInt(1), true, "b")

	if err := a.CancelAllOrders(ctx, "BTC_Perp"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	open, _ := a.FetchOpenOrders(ctx, "BTC_Perp")
	if len(open) != 0 {
		t.Errorf("expected no open orders, got %+v", open)
	}
}

func TestFakeAdapterClosePositionTakerReportsDust(t *testing.T) {
	t.Parallel()

	a := NewFakeAdapter()
	a.SetMinCloseSize(decimal.NewFromFloat(1.0))
	ctx := context.Background()

	_, err := a.ClosePositionTaker(ctx, "BTC_Perp", types.Sell, decimal.NewFromFloat(0.4), true)
	if err == nil {
		t.Fatal("expected dust error")
	}
	var dust *types.ErrDust
	if d, ok := err.(*types.ErrDust); !ok {
		t.Fatalf("expected *types.ErrDust, got %T", err)
	} else {
		dust = d
	}
	if !dust.MinCloseSize.Equal(decimal.NewFromFloat(1.0)) {
		t.Errorf("min close size = %v, want 1.0", dust.MinCloseSize)
	}
}

func TestFakeAdapterInstrumentConstraintsMissingErrors(t *testing.T) {
	t.Parallel()

	a := NewFakeAdapter()
	_, err := a.InstrumentConstraints(context.Background(), "ETH_Perp")
	if err == nil {
		t.Fatal("expected missing constraints error")
	}
}

func TestFakeAdapterInstrumentConstraintsSeeded(t *testing.T) {
	t.Parallel()

	a := NewFakeAdapter()
	want := types.InstrumentConstraints{Symbol: "ETH_Perp", MinSize: decimal.NewFromFloat(0.01), SizeStep: decimal.NewFromFloat(0.01)}
	a.SetInstrumentConstraints(want)

	got, err := a.InstrumentConstraints(context.Background(), "ETH_Perp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.MinSize.Equal(want.MinSize) {
		t.Errorf("MinSize = %v, want %v", got.MinSize, want.MinSize)
	}
}

func TestFakeAdapterFlattenPositionTakerDustWhenBelowMin(t *testing.T) {
	t.Parallel()

	a := NewFakeAdapter()
	a.SetMinCloseSize(decimal.NewFromFloat(1.0))
	a.SetPosition(types.PositionSnapshot{Symbol: "BTC_Perp", BasePosition: decimal.NewFromFloat(0.4)})

	err := a.FlattenPositionTaker(context.Background(), "BTC_Perp")
	if err == nil {
		t.Fatal("expected dust error")
	}
	if _, ok := err.(*types.ErrDust); !ok {
		t.Fatalf("expected *types.ErrDust, got %T", err)
	}
}

func TestFakeAdapterPingReflectsSetPingOK(t *testing.T) {
	t.Parallel()

	a := NewFakeAdapter()
	a.SetPingOK(false)

	ok, err := a.Ping(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected ping to report false")
	}
}
