package risk

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/pairbot/types"
)

func fixedBalance(f float64) BalanceFunc {
	return func() (decimal.Decimal, error) { return d(f), nil }
}

func TestLedgerReserveRelease(t *testing.T) {
	l := NewLedger(fixedBalance(100))
	key := testKey("m1")

	if err := l.Reserve("r1", key, d(60), types.SideBuy); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if got := l.TotalReserved(); !got.Equal(d(60)) {
		t.Fatalf("total=%s want 60", got)
	}
	if got := l.ReservedFor(key); !got.Equal(d(60)) {
		t.Fatalf("market total=%s want 60", got)
	}

	// Only 40 remains available.
	if ok, _ := l.CanPlaceOrder(key, types.SideBuy, d(50)); ok {
		t.Fatal("50 allowed with 40 available")
	}
	if ok, reason := l.CanPlaceOrder(key, types.SideBuy, d(40)); !ok {
		t.Fatalf("40 blocked with 40 available: %s", reason)
	}

	l.Release("r1")
	if got := l.TotalReserved(); !got.IsZero() {
		t.Fatalf("total=%s after release, want 0", got)
	}
	if got := l.ReservedFor(key); !got.IsZero() {
		t.Fatalf("market total=%s after release, want 0", got)
	}
}

func TestLedgerExhaustion(t *testing.T) {
	l := NewLedger(fixedBalance(100))
	key := testKey("m1")

	if err := l.Reserve("r1", key, d(70), types.SideBuy); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := l.Reserve("r2", key, d(40), types.SideBuy); err == nil {
		t.Fatal("second reserve exceeding balance succeeded")
	}
	// The failed reserve must not leak partial state.
	if got := l.TotalReserved(); !got.Equal(d(70)) {
		t.Fatalf("total=%s want 70", got)
	}
}

func TestLedgerDuplicateID(t *testing.T) {
	l := NewLedger(fixedBalance(100))
	key := testKey("m1")

	if err := l.Reserve("r1", key, d(10), types.SideBuy); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.Reserve("r1", key, d(10), types.SideBuy); err == nil {
		t.Fatal("duplicate reservation id accepted")
	}
}

func TestLedgerReleaseUnknownID(t *testing.T) {
	l := NewLedger(fixedBalance(100))
	l.Release("ghost")
	if got := l.TotalReserved(); !got.IsZero() {
		t.Fatalf("total=%s want 0", got)
	}
}

func TestLedgerBalanceError(t *testing.T) {
	l := NewLedger(func() (decimal.Decimal, error) {
		return decimal.Zero, errors.New("venue down")
	})
	key := testKey("m1")

	if ok, _ := l.CanPlaceOrder(key, types.SideBuy, d(1)); ok {
		t.Fatal("order allowed with balance unavailable")
	}
	if err := l.Reserve("r1", key, d(1), types.SideBuy); err == nil {
		t.Fatal("reserve succeeded with balance unavailable")
	}
}

func TestLedgerPerMarketTotals(t *testing.T) {
	l := NewLedger(fixedBalance(100))
	a, b := testKey("m1"), testKey("m2")

	if err := l.Reserve("r1", a, d(20), types.SideBuy); err != nil {
		t.Fatalf("reserve a: %v", err)
	}
	if err := l.Reserve("r2", b, d(30), types.SideBuy); err != nil {
		t.Fatalf("reserve b: %v", err)
	}

	if got := l.ReservedFor(a); !got.Equal(d(20)) {
		t.Fatalf("market a=%s want 20", got)
	}
	if got := l.ReservedFor(b); !got.Equal(d(30)) {
		t.Fatalf("market b=%s want 30", got)
	}

	l.Release("r1")
	if got := l.ReservedFor(a); !got.IsZero() {
		t.Fatalf("market a=%s after release, want 0", got)
	}
	if got := l.ReservedFor(b); !got.Equal(d(30)) {
		t.Fatalf("market b=%s want 30", got)
	}
}
