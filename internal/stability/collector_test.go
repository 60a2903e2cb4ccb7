package stability_test

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"CDPLedger/internal/ledger"
	"CDPLedger/internal/num"
	"CDPLedger/internal/stability"
)

func wad(s string) *num.Uint { return num.MustDecimal(s, num.WadDecimals) }
func ray(s string) *num.Uint { return num.MustDecimal(s, num.RayDecimals) }
func rad(s string) *num.Uint { return num.MustDecimal(s, num.RadDecimals) }

func setup(t *testing.T, feeRate *num.Uint) (*ledger.Ledger, *stability.Collector) {
	t.Helper()
	l := ledger.New(rad("10000000"), ledger.NewDelegateRegistry())
	err := l.CreatePool("ibETH", ledger.PoolParams{
		DebtCeiling:            rad("1000000"),
		DebtFloor:              rad("0.1"),
		StabilityFeeRate:       feeRate,
		CloseFactorBps:         5000,
		LiquidatorIncentiveBps: 10250,
		TreasuryFeeBps:         5000,
		PriceMaxAge:            3600,
	}, 1000)
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	if err := l.SetPrice("ibETH", ray("2"), 1000); err != nil {
		t.Fatalf("SetPrice: %v", err)
	}
	if err := l.AddCollateral("ibETH", "alice", num.IntFromUint(wad("1000"))); err != nil {
		t.Fatalf("AddCollateral: %v", err)
	}
	draw, _ := num.IntFromDecimal("100", num.WadDecimals)
	lock, _ := num.IntFromDecimal("200", num.WadDecimals)
	if err := l.AdjustPosition("alice", "ibETH", "alice", "alice", "alice", lock, draw); err != nil {
		t.Fatalf("open: %v", err)
	}
	return l, stability.NewCollector(l, zerolog.Nop())
}

func TestCollect_ZeroElapsedIsNoop(t *testing.T) {
	l, c := setup(t, ray("1.000000001"))

	fee, err := c.Collect("ibETH", 1000)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if !fee.IsZero() {
		t.Errorf("fee = %s, want 0", fee)
	}
	snap, _ := l.Pool("ibETH")
	if !snap.DebtAccumulatedRate.EQ(num.RayOne()) {
		t.Errorf("rate moved with zero elapsed: %s", snap.DebtAccumulatedRate)
	}
}

func TestCollect_PastTimestampIsNoop(t *testing.T) {
	_, c := setup(t, ray("1.000000001"))
	fee, err := c.Collect("ibETH", 500)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if !fee.IsZero() {
		t.Errorf("fee = %s, want 0", fee)
	}
}

func TestCollect_CompoundsRate(t *testing.T) {
	// 10% per second, one second elapsed: unambiguous expected values.
	l, c := setup(t, ray("1.1"))

	fee, err := c.Collect("ibETH", 1001)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	// 100 shares * 0.1 rate delta = 10 RAD.
	if !fee.EQ(rad("10")) {
		t.Errorf("fee = %s, want 10 RAD", fee)
	}
	snap, _ := l.Pool("ibETH")
	if !snap.DebtAccumulatedRate.EQ(ray("1.1")) {
		t.Errorf("rate = %s, want 1.1 RAY", snap.DebtAccumulatedRate)
	}
	if snap.LastAccruedAt != 1001 {
		t.Errorf("lastAccruedAt = %d, want 1001", snap.LastAccruedAt)
	}

	// Two more seconds: rate becomes 1.1^3 = 1.331 exactly.
	if _, err := c.Collect("ibETH", 1003); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	snap, _ = l.Pool("ibETH")
	if !snap.DebtAccumulatedRate.EQ(ray("1.331")) {
		t.Errorf("rate = %s, want 1.331 RAY", snap.DebtAccumulatedRate)
	}
	if err := l.ValidateConservation(); err != nil {
		t.Fatalf("conservation: %v", err)
	}
}

func TestCollect_RepeatedCallSameTimestamp(t *testing.T) {
	l, c := setup(t, ray("1.000000001"))
	if _, err := c.Collect("ibETH", 5000); err != nil {
		t.Fatalf("first: %v", err)
	}
	rateAfterFirst, _ := l.Pool("ibETH")

	fee, err := c.Collect("ibETH", 5000)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !fee.IsZero() {
		t.Errorf("second collect at same timestamp accrued %s", fee)
	}
	snap, _ := l.Pool("ibETH")
	if !snap.DebtAccumulatedRate.EQ(rateAfterFirst.DebtAccumulatedRate) {
		t.Error("rate moved on repeated collect")
	}
}

func TestCollect_RateMonotone(t *testing.T) {
	l, c := setup(t, ray("1.000000001"))
	prev := num.RayOne()
	for i, now := range []int64{1001, 1002, 1060, 4600, 90000} {
		if _, err := c.Collect("ibETH", now); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		snap, _ := l.Pool("ibETH")
		if snap.DebtAccumulatedRate.LT(prev) {
			t.Fatalf("step %d: rate decreased %s -> %s", i, prev, snap.DebtAccumulatedRate)
		}
		prev = snap.DebtAccumulatedRate
	}
	if !prev.GT(num.RayOne()) {
		t.Error("rate never advanced")
	}
	if err := l.ValidateConservation(); err != nil {
		t.Fatalf("conservation: %v", err)
	}
}

func TestCollect_UnitRateAccruesNothing(t *testing.T) {
	l, c := setup(t, num.RayOne())
	fee, err := c.Collect("ibETH", 100000)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if !fee.IsZero() {
		t.Errorf("fee = %s, want 0 at unit rate", fee)
	}
	snap, _ := l.Pool("ibETH")
	if snap.LastAccruedAt != 100000 {
		t.Errorf("lastAccruedAt = %d, want 100000", snap.LastAccruedAt)
	}
}

func TestCollect_CagedPool(t *testing.T) {
	l, c := setup(t, ray("1.000000001"))
	if err := l.CagePool("ibETH"); err != nil {
		t.Fatalf("CagePool: %v", err)
	}
	if _, err := c.Collect("ibETH", 2000); !errors.Is(err, ledger.ErrPoolNotLive) {
		t.Errorf("got %v, want ErrPoolNotLive", err)
	}

	// CollectAll skips caged pools instead of failing.
	total, err := c.CollectAll(2000)
	if err != nil {
		t.Fatalf("CollectAll: %v", err)
	}
	if !total.IsZero() {
		t.Errorf("total = %s, want 0", total)
	}
}

func TestCollect_UnknownPool(t *testing.T) {
	_, c := setup(t, ray("1.000000001"))
	if _, err := c.Collect("ibBTC", 2000); !errors.Is(err, ledger.ErrPoolNotFound) {
		t.Errorf("got %v, want ErrPoolNotFound", err)
	}
}
