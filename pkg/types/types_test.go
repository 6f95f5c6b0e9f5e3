package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestMarketSnapshotValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		snap MarketSnapshot
		want bool
	}{
		{"ordered", MarketSnapshot{BestBid: dec("99"), Mid: dec("100"), BestAsk: dec("101")}, true},
		{"bid above mid", MarketSnapshot{BestBid: dec("101"), Mid: dec("100"), BestAsk: dec("102")}, false},
		{"mid above ask", MarketSnapshot{BestBid: dec("99"), Mid: dec("103"), BestAsk: dec("101")}, false},
		{"zeroes skip check", MarketSnapshot{}, true},
	}

	for _, tt := range tests {
		if got := tt.snap.Valid(); got != tt.want {
			t.Errorf("%s: Valid() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestOrderSnapshotValid(t *testing.T) {
	t.Parallel()

	ok := OrderSnapshot{OrderID: "1", Side: Buy, Price: dec("10"), Size: dec("1")}
	if !ok.Valid() {
		t.Error("expected valid order snapshot")
	}
	bad := OrderSnapshot{OrderID: "", Side: Buy, Price: dec("10"), Size: dec("1")}
	if bad.Valid() {
		t.Error("expected invalid: empty order id")
	}
	bad2 := OrderSnapshot{OrderID: "1", Side: Side("sideways"), Price: dec("10"), Size: dec("1")}
	if bad2.Valid() {
		t.Error("expected invalid: bad side")
	}
}

func TestQuoteDecisionValid(t *testing.T) {
	t.Parallel()

	q := QuoteDecision{
		BidPrice:  dec("99.9"),
		AskPrice:  dec("100.1"),
		SpreadBps: dec("20"),
	}
	if !q.Valid(dec("4"), dec("60")) {
		t.Error("expected valid quote decision")
	}
	if q.Valid(dec("30"), dec("60")) {
		t.Error("expected invalid: spread below min")
	}

	inverted := QuoteDecision{BidPrice: dec("100.1"), AskPrice: dec("99.9"), SpreadBps: dec("20")}
	if inverted.Valid(dec("4"), dec("60")) {
		t.Error("expected invalid: bid >= ask")
	}
}

func TestNormalizeSymbol(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"btc-perp", "BTC_Perp"},
		{"BTC_PERP", "BTC_Perp"},
		{"eth_Perp", "ETH_Perp"},
		{" sol ", "SOL"},
	}

	for _, tt := range tests {
		if got := NormalizeSymbol(tt.in); got != tt.want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSymbolsEqual(t *testing.T) {
	t.Parallel()

	if !SymbolsEqual("btc-perp", "BTC_Perp") {
		t.Error("expected symbols to be equal after normalization")
	}
	if SymbolsEqual("btc-perp", "eth-perp") {
		t.Error("expected symbols to differ")
	}
}

func TestErrDustMessage(t *testing.T) {
	t.Parallel()

	err := &ErrDust{Symbol: "BTC_Perp", MinCloseSize: dec("1.0")}
	if err.Error() == "" {
		t.Error("expected non-empty error message")
	}
}
