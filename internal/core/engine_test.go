package core_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/liquidation"
	"CDPLedger/internal/num"
)

// --- Test helpers ---

func zerologNop() zerolog.Logger { return zerolog.Nop() }

func wad(s string) *num.Uint { return num.MustDecimal(s, 18) }
func ray(s string) *num.Uint { return num.MustDecimal(s, 27) }
func rad(s string) *num.Uint { return num.MustDecimal(s, 45) }

func wadDelta(t *testing.T, s string) *num.Int {
	t.Helper()
	d, err := num.IntFromDecimal(s, 18)
	if err != nil {
		t.Fatalf("parse delta %q: %v", s, err)
	}
	return d
}

// newTestEngine creates an Engine with buffered channels and no DB checker.
func newTestEngine() (*core.Engine, chan core.Output, chan core.Output) {
	persistChan := make(chan core.Output, 1024)
	publishChan := make(chan core.Output, 1024)
	log := zerologNop()
	c := core.NewEngine(0, rad("1000000"), persistChan, publishChan, nil, nil, log)
	return c, persistChan, publishChan
}

func testParams() event.PoolParamsPayload {
	return event.PoolParamsPayload{
		DebtCeiling:            rad("1000000"),
		DebtFloor:              rad("0.1"),
		StabilityFeeRate:       ray("1.1"),
		CloseFactorBps:         5000,
		LiquidatorIncentiveBps: 10250,
		TreasuryFeeBps:         5000,
		PriceMaxAge:            3600,
	}
}

func mustPoolCreate(pool string, seq int64) *event.PoolCreate {
	return &event.PoolCreate{
		Pool:      pool,
		Params:    testParams(),
		Sequence:  seq,
		Timestamp: 1000 + seq,
	}
}

func mustPrice(pool, price, ratio string, priceSeq int64) *event.PriceUpdate {
	return &event.PriceUpdate{
		Pool:                   pool,
		Price:                  ray(price),
		CollateralizationRatio: ray(ratio),
		PriceSequence:          priceSeq,
		Timestamp:              1000 + priceSeq,
	}
}

func mustDeposit(pool, account, amount string, seq int64) *event.CollateralDeposit {
	return &event.CollateralDeposit{
		DepositID: uuid.New(),
		Pool:      pool,
		Account:   account,
		Amount:    wad(amount),
		Sequence:  seq,
		Timestamp: 1000 + seq,
	}
}

func mustAdjust(t *testing.T, pool, caller, owner, dCol, dDebt string, seq int64) *event.PositionAdjustment {
	return &event.PositionAdjustment{
		RequestID:           uuid.New(),
		Pool:                pool,
		Caller:              caller,
		Owner:               owner,
		CollateralOwner:     owner,
		StablecoinRecipient: owner,
		DeltaCollateral:     wadDelta(t, dCol),
		DeltaDebtShare:      wadDelta(t, dDebt),
		Sequence:            seq,
		Timestamp:           1000 + seq,
	}
}

func mustFeeTick(pool string, ts, seq int64) *event.StabilityFeeTick {
	return &event.StabilityFeeTick{
		Pool:      pool,
		Sequence:  seq,
		Timestamp: ts,
	}
}

func mustLiquidation(pool, owner, liquidator string, repay *num.Uint, ts, seq int64) *event.Liquidation {
	return &event.Liquidation{
		LiquidationID:       uuid.New(),
		Pool:                pool,
		PositionOwner:       owner,
		Liquidator:          liquidator,
		CollateralRecipient: liquidator,
		RepayShare:          repay,
		Sequence:            seq,
		Timestamp:           ts,
	}
}

func drainOutputs(ch chan core.Output) []core.Output {
	var outputs []core.Output
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func process(t *testing.T, c *core.Engine, ops ...event.Op) {
	t.Helper()
	for _, op := range ops {
		if err := c.ProcessOp(op); err != nil {
			t.Fatalf("ProcessOp %s failed: %v", op.OpType(), err)
		}
	}
}

// query runs a read-only closure on the engine and waits for completion.
func query(c *core.Engine, fn func(l *ledger.Ledger, sequence int64, stateHash [32]byte)) {
	q := core.Query{Fn: fn, Done: make(chan struct{})}
	c.RunQuery(q)
	<-q.Done
}

// ============================================================================
// Test: Pipeline & Envelopes
// ============================================================================

func TestPoolCreateAndDeposit_EmitsChainedEnvelopes(t *testing.T) {
	c, persistCh, _ := newTestEngine()

	process(t, c,
		mustPoolCreate("ibETH", 0),
		mustPrice("ibETH", "2.0", "1.0", 1),
		mustDeposit("ibETH", "alice", "100", 1),
	)

	outputs := drainOutputs(persistCh)
	if len(outputs) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(outputs))
	}

	for i, o := range outputs {
		if o.Envelope.Sequence != int64(i) {
			t.Errorf("output %d: expected sequence %d, got %d", i, i, o.Envelope.Sequence)
		}
		if len(o.Envelope.Payload) == 0 {
			t.Errorf("output %d: empty payload", i)
		}
		if i > 0 && o.Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Errorf("output %d: prev hash does not chain to previous state hash", i)
		}
		if o.Envelope.StateHash == o.Envelope.PrevHash {
			t.Errorf("output %d: state hash equals prev hash", i)
		}
	}

	if outputs[0].Envelope.OpType != event.OpTypePoolCreate {
		t.Errorf("expected PoolCreate op type, got %s", outputs[0].Envelope.OpType)
	}
	if outputs[2].Envelope.PoolID == nil || *outputs[2].Envelope.PoolID != "ibETH" {
		t.Errorf("expected pool id ibETH on deposit envelope")
	}

	query(c, func(l *ledger.Ledger, seq int64, _ [32]byte) {
		if seq != 3 {
			t.Errorf("expected core sequence 3, got %d", seq)
		}
		if got := l.FreeCollateral("ibETH", "alice"); !got.EQ(wad("100")) {
			t.Errorf("expected free collateral 100, got %s", got)
		}
	})
}

func TestPositionAdjustment_MintsStablecoin(t *testing.T) {
	c, persistCh, _ := newTestEngine()

	process(t, c,
		mustPoolCreate("ibETH", 0),
		mustPrice("ibETH", "2.0", "1.0", 1),
		mustDeposit("ibETH", "alice", "100", 1),
		mustAdjust(t, "ibETH", "alice", "alice", "10", "10", 2),
	)
	drainOutputs(persistCh)

	query(c, func(l *ledger.Ledger, _ int64, _ [32]byte) {
		pos := l.Position("ibETH", "alice")
		if !pos.LockedCollateral.EQ(wad("10")) {
			t.Errorf("expected locked collateral 10, got %s", pos.LockedCollateral)
		}
		if !pos.DebtShare.EQ(wad("10")) {
			t.Errorf("expected debt share 10, got %s", pos.DebtShare)
		}
		if got := l.Stablecoin("alice"); !got.EQ(rad("10")) {
			t.Errorf("expected stablecoin 10 RAD, got %s", got)
		}
	})
}

func TestDispatchFailure_EmitsNothing(t *testing.T) {
	c, persistCh, _ := newTestEngine()

	process(t, c,
		mustPoolCreate("ibETH", 0),
		mustPrice("ibETH", "2.0", "1.0", 1),
		mustDeposit("ibETH", "alice", "1", 1),
	)
	drainOutputs(persistCh)
	seqBefore := c.GetSequence()

	// Minting 100 against 1 collateral at price 2.0 is unsafe.
	err := c.ProcessOp(mustAdjust(t, "ibETH", "alice", "alice", "1", "100", 2))
	if err == nil {
		t.Fatal("expected unsafe adjustment to fail")
	}

	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Fatalf("expected no outputs for failed dispatch, got %d", len(outputs))
	}
	if c.GetSequence() != seqBefore {
		t.Errorf("sequence advanced on failed dispatch: %d -> %d", seqBefore, c.GetSequence())
	}

	query(c, func(l *ledger.Ledger, _ int64, _ [32]byte) {
		if !l.Position("ibETH", "alice").DebtShare.IsZero() {
			t.Error("failed adjustment left debt behind")
		}
	})
}

// ============================================================================
// Test: Idempotency & Ordering
// ============================================================================

func TestIdempotency_DuplicateDepositIgnored(t *testing.T) {
	c, persistCh, _ := newTestEngine()

	process(t, c,
		mustPoolCreate("ibETH", 0),
		mustPrice("ibETH", "2.0", "1.0", 1),
	)
	dep := mustDeposit("ibETH", "alice", "50", 1)
	process(t, c, dep)
	drainOutputs(persistCh)

	// Redelivery with the same idempotency key and source sequence.
	if err := c.ProcessOp(dep); err != nil {
		t.Fatalf("duplicate delivery should be dropped, got error: %v", err)
	}

	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Fatalf("duplicate produced %d outputs", len(outputs))
	}

	query(c, func(l *ledger.Ledger, _ int64, _ [32]byte) {
		if got := l.FreeCollateral("ibETH", "alice"); !got.EQ(wad("50")) {
			t.Errorf("duplicate was applied: balance %s", got)
		}
	})
}

func TestSequenceGap_Rejected(t *testing.T) {
	c, _, _ := newTestEngine()

	process(t, c, mustPoolCreate("ibETH", 0))

	// Partition pool:ibETH expects source sequence 1 next.
	err := c.ProcessOp(mustDeposit("ibETH", "alice", "5", 3))
	if err == nil {
		t.Fatal("expected sequence gap to be rejected")
	}
}

func TestStalePriceSequence_Dropped(t *testing.T) {
	c, persistCh, _ := newTestEngine()

	process(t, c,
		mustPoolCreate("ibETH", 0),
		mustPrice("ibETH", "2.0", "1.0", 5),
	)
	drainOutputs(persistCh)

	// Stale observation: lower price sequence than already applied.
	if err := c.ProcessOp(mustPrice("ibETH", "9.9", "1.0", 3)); err != nil {
		t.Fatalf("stale price should be silently dropped, got error: %v", err)
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Fatalf("stale price produced %d outputs", len(outputs))
	}

	query(c, func(l *ledger.Ledger, _ int64, _ [32]byte) {
		pool, _ := l.Pool("ibETH")
		if !pool.PriceWithSafetyMargin.EQ(ray("2.0")) {
			t.Errorf("stale price was applied: %s", pool.PriceWithSafetyMargin)
		}
	})

	// A gap in the price feed is tolerated.
	if err := c.ProcessOp(mustPrice("ibETH", "3.0", "1.0", 9)); err != nil {
		t.Fatalf("gapped price rejected: %v", err)
	}
	query(c, func(l *ledger.Ledger, _ int64, _ [32]byte) {
		pool, _ := l.Pool("ibETH")
		if !pool.PriceWithSafetyMargin.EQ(ray("3.0")) {
			t.Errorf("gapped price not applied: %s", pool.PriceWithSafetyMargin)
		}
	})
}

// ============================================================================
// Test: Stability Fees
// ============================================================================

func TestStabilityFeeTick_AccruesToSurplus(t *testing.T) {
	c, persistCh, _ := newTestEngine()

	process(t, c,
		mustPoolCreate("ibETH", 0),
		mustPrice("ibETH", "2.0", "1.0", 1),
		mustDeposit("ibETH", "alice", "200", 1),
		mustAdjust(t, "ibETH", "alice", "alice", "200", "100", 2),
	)
	drainOutputs(persistCh)

	// 10%/s on 100 debt share for one second past pool creation: 10 RAD.
	process(t, c, mustFeeTick("ibETH", 1001, 3))

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if len(outputs[0].Result) == 0 {
		t.Error("fee tick should carry an accrual result")
	}

	query(c, func(l *ledger.Ledger, _ int64, _ [32]byte) {
		if got := l.SystemSurplus(); !got.EQ(rad("10")) {
			t.Errorf("expected surplus 10 RAD, got %s", got)
		}
		pool, _ := l.Pool("ibETH")
		if !pool.DebtAccumulatedRate.EQ(ray("1.1")) {
			t.Errorf("expected rate 1.1, got %s", pool.DebtAccumulatedRate)
		}
	})
}

func TestStabilityFeeTick_StaleTickDropped(t *testing.T) {
	c, persistCh, _ := newTestEngine()

	process(t, c,
		mustPoolCreate("ibETH", 0),
		mustPrice("ibETH", "2.0", "1.0", 1),
		mustDeposit("ibETH", "alice", "200", 1),
		mustAdjust(t, "ibETH", "alice", "alice", "200", "100", 2),
		mustFeeTick("ibETH", 1001, 3),
	)
	drainOutputs(persistCh)

	// A tick older than the last applied one drops without error or output.
	if err := c.ProcessOp(mustFeeTick("ibETH", 1000, 4)); err != nil {
		t.Fatalf("stale tick should drop silently, got %v", err)
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Fatalf("stale tick emitted %d outputs", len(outputs))
	}

	query(c, func(l *ledger.Ledger, _ int64, _ [32]byte) {
		pool, _ := l.Pool("ibETH")
		if !pool.DebtAccumulatedRate.EQ(ray("1.1")) {
			t.Errorf("rate changed by stale tick: %s", pool.DebtAccumulatedRate)
		}
	})
}

// ============================================================================
// Test: Liquidation
// ============================================================================

func TestLiquidation_ClosesHalfAndPaysPremium(t *testing.T) {
	c, persistCh, _ := newTestEngine()

	process(t, c,
		mustPoolCreate("ibETH", 0),
		mustPrice("ibETH", "2.0", "1.0", 1),
		mustDeposit("ibETH", "alice", "1", 1),
		mustAdjust(t, "ibETH", "alice", "alice", "1", "1", 2),
		// Bob mints his own stablecoin to fund the repayment.
		mustDeposit("ibETH", "bob", "10", 3),
		mustAdjust(t, "ibETH", "bob", "bob", "10", "2", 4),
		// Collateral drops: alice's debt 1.0 now exceeds value 0.8.
		mustPrice("ibETH", "0.8", "1.0", 2),
	)
	drainOutputs(persistCh)

	// Timestamp 1000 matches the pool's last accrual, so the rate stays 1.0
	// and the arithmetic below is exact.
	liq := mustLiquidation("ibETH", "alice", "bob", num.MaxUint(), 1000, 5)
	process(t, c, liq)

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if len(outputs[0].Result) == 0 {
		t.Error("liquidation should carry a result payload")
	}

	query(c, func(l *ledger.Ledger, _ int64, _ [32]byte) {
		// Close factor 50%: repay share 0.5, value 0.5 RAD.
		// Seize 0.5*1.025/0.8 = 0.640625; premium over par 0.625 is
		// 0.015625, treasury takes half.
		pos := l.Position("ibETH", "alice")
		if !pos.DebtShare.EQ(wad("0.5")) {
			t.Errorf("expected remaining debt share 0.5, got %s", pos.DebtShare)
		}
		if !pos.LockedCollateral.EQ(wad("0.359375")) {
			t.Errorf("expected remaining collateral 0.359375, got %s", pos.LockedCollateral)
		}
		if got := l.FreeCollateral("ibETH", "bob"); !got.EQ(wad("0.6328125")) {
			t.Errorf("expected liquidator proceeds 0.6328125, got %s", got)
		}
		if got := l.FreeCollateral("ibETH", "system:treasury"); !got.EQ(wad("0.0078125")) {
			t.Errorf("expected treasury fee 0.0078125, got %s", got)
		}
		if got := l.Stablecoin("bob"); !got.EQ(rad("1.5")) {
			t.Errorf("expected bob stablecoin 1.5, got %s", got)
		}
		if err := l.ValidateConservation(); err != nil {
			t.Errorf("conservation broken after liquidation: %v", err)
		}
	})

	// Redelivered liquidation is a duplicate, not a second bite.
	if err := c.ProcessOp(liq); err != nil {
		t.Fatalf("duplicate liquidation should be dropped: %v", err)
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Fatalf("duplicate liquidation produced %d outputs", len(outputs))
	}
}

func TestLiquidation_SafePositionRejected(t *testing.T) {
	c, _, _ := newTestEngine()

	process(t, c,
		mustPoolCreate("ibETH", 0),
		mustPrice("ibETH", "2.0", "1.0", 1),
		mustDeposit("ibETH", "alice", "1", 1),
		mustAdjust(t, "ibETH", "alice", "alice", "1", "1", 2),
	)

	err := c.ProcessOp(mustLiquidation("ibETH", "alice", "bob", num.MaxUint(), 1000, 3))
	if err == nil {
		t.Fatal("expected liquidation of safe position to fail")
	}

	// At 1001 the in-op accrual raises the rate to 1.1 before planning, but
	// the position is still safe (debt 1.1 vs value 2.0); the rejected op
	// must also undo the accrual so failed dispatches leave no state behind.
	err = c.ProcessOp(mustLiquidation("ibETH", "alice", "bob", num.MaxUint(), 1001, 4))
	if err == nil {
		t.Fatal("expected liquidation of safe position to fail")
	}
	query(c, func(l *ledger.Ledger, _ int64, _ [32]byte) {
		pool, _ := l.Pool("ibETH")
		if !pool.DebtAccumulatedRate.EQ(num.RayOne()) {
			t.Errorf("rejected liquidation left accrued rate %s", pool.DebtAccumulatedRate)
		}
	})
}

func TestLiquidation_AccruesFeeBeforePlanning(t *testing.T) {
	c, persistCh, _ := newTestEngine()

	process(t, c,
		mustPoolCreate("ibETH", 0),
		mustPrice("ibETH", "2.0", "1.0", 1),
		mustDeposit("ibETH", "alice", "1", 1),
		mustAdjust(t, "ibETH", "alice", "alice", "1", "1", 2),
		mustDeposit("ibETH", "bob", "10", 3),
		mustAdjust(t, "ibETH", "bob", "bob", "10", "2", 4),
		mustPrice("ibETH", "0.8", "1.0", 2),
	)
	drainOutputs(persistCh)

	// One second past the pool's last accrual at 10%/s: the liquidation op
	// itself brings the rate to 1.1 before the plan is computed, without any
	// fee tick in the stream. Alice's debt is then worth 1.1, so the
	// close-factor half costs bob 0.55 instead of 0.5.
	process(t, c, mustLiquidation("ibETH", "alice", "bob", num.MaxUint(), 1001, 5))

	query(c, func(l *ledger.Ledger, _ int64, _ [32]byte) {
		pool, _ := l.Pool("ibETH")
		if !pool.DebtAccumulatedRate.EQ(ray("1.1")) {
			t.Errorf("rate = %s, want 1.1 after in-op accrual", pool.DebtAccumulatedRate)
		}
		if !l.Position("ibETH", "alice").DebtShare.EQ(wad("0.5")) {
			t.Errorf("remaining share = %s, want 0.5", l.Position("ibETH", "alice").DebtShare)
		}
		if got := l.Stablecoin("bob"); !got.EQ(rad("1.45")) {
			t.Errorf("bob stablecoin = %s, want 1.45 RAD", got)
		}
		// 3 total debt shares accrued 0.1 each.
		if got := l.SystemSurplus(); !got.EQ(rad("0.3")) {
			t.Errorf("surplus = %s, want 0.3 RAD", got)
		}
		if err := l.ValidateConservation(); err != nil {
			t.Errorf("conservation broken: %v", err)
		}
	})
}

func TestLiquidation_RegisteredFlashCallbackRuns(t *testing.T) {
	c, persistCh, _ := newTestEngine()

	var got liquidation.Receipt
	var gotData []byte
	c.RegisterFlashLiquidator("bob", func(ctx context.Context, rcpt liquidation.Receipt, data []byte) error {
		got = rcpt
		gotData = data
		return nil
	})

	process(t, c,
		mustPoolCreate("ibETH", 0),
		mustPrice("ibETH", "2.0", "1.0", 1),
		mustDeposit("ibETH", "alice", "1", 1),
		mustAdjust(t, "ibETH", "alice", "alice", "1", "1", 2),
		mustDeposit("ibETH", "bob", "10", 3),
		mustAdjust(t, "ibETH", "bob", "bob", "10", "2", 4),
		mustPrice("ibETH", "0.8", "1.0", 2),
	)
	drainOutputs(persistCh)

	liq := mustLiquidation("ibETH", "alice", "bob", num.MaxUint(), 1000, 5)
	liq.FlashData = []byte("route-a")
	process(t, c, liq)

	if got.PoolID != "ibETH" || got.PositionOwner != "alice" {
		t.Errorf("callback receipt identity = %s/%s", got.PoolID, got.PositionOwner)
	}
	if got.SeizedCollateral == nil || got.SeizedCollateral.IsZero() {
		t.Error("callback did not receive seized collateral")
	}
	if string(gotData) != "route-a" {
		t.Errorf("flash data = %q, want route-a", gotData)
	}
}

func TestLiquidation_FlashFailureRejectsOp(t *testing.T) {
	c, persistCh, _ := newTestEngine()

	c.RegisterFlashLiquidator("bob", func(ctx context.Context, rcpt liquidation.Receipt, data []byte) error {
		return errors.New("swap reverted")
	})

	process(t, c,
		mustPoolCreate("ibETH", 0),
		mustPrice("ibETH", "2.0", "1.0", 1),
		mustDeposit("ibETH", "alice", "1", 1),
		mustAdjust(t, "ibETH", "alice", "alice", "1", "1", 2),
		mustDeposit("ibETH", "bob", "10", 3),
		mustAdjust(t, "ibETH", "bob", "bob", "10", "2", 4),
		mustPrice("ibETH", "0.8", "1.0", 2),
	)
	drainOutputs(persistCh)

	err := c.ProcessOp(mustLiquidation("ibETH", "alice", "bob", num.MaxUint(), 1000, 5))
	if err == nil {
		t.Fatal("expected failing flash callback to reject the operation")
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Fatalf("failed liquidation produced %d outputs", len(outputs))
	}

	query(c, func(l *ledger.Ledger, _ int64, _ [32]byte) {
		if !l.Position("ibETH", "alice").DebtShare.EQ(wad("1")) {
			t.Error("failed flash liquidation mutated the position")
		}
		if !l.FreeCollateral("ibETH", "bob").IsZero() {
			t.Error("failed flash liquidation left collateral with the liquidator")
		}
	})
}

// ============================================================================
// Test: Delegation
// ============================================================================

func TestDelegation_EnablesThirdPartyMint(t *testing.T) {
	c, _, _ := newTestEngine()

	process(t, c,
		mustPoolCreate("ibETH", 0),
		mustPrice("ibETH", "2.0", "1.0", 1),
		mustDeposit("ibETH", "alice", "100", 1),
	)

	// Carl is not approved: risk-increasing adjustment on alice's position
	// must fail.
	adj := mustAdjust(t, "ibETH", "carl", "alice", "10", "10", 2)
	if err := c.ProcessOp(adj); err == nil {
		t.Fatal("expected unauthorized adjustment to fail")
	}

	process(t, c, &event.DelegationUpdate{
		RequestID: uuid.New(),
		Owner:     "alice",
		Delegate:  "carl",
		Approve:   true,
		Sequence:  0, // global partition
		Timestamp: 1005,
	})

	retry := mustAdjust(t, "ibETH", "carl", "alice", "10", "10", 3)
	process(t, c, retry)

	query(c, func(l *ledger.Ledger, _ int64, _ [32]byte) {
		if !l.Position("ibETH", "alice").DebtShare.EQ(wad("10")) {
			t.Error("delegated adjustment did not apply")
		}
	})
}

// ============================================================================
// Test: Determinism, Snapshot & Restore
// ============================================================================

func TestStateHashChain_Deterministic(t *testing.T) {
	run := func() [32]byte {
		c, persistCh, _ := newTestEngine()
		dep := mustDeposit("ibETH", "alice", "100", 1)
		dep.DepositID = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
		adj := mustAdjust(t, "ibETH", "alice", "alice", "10", "10", 2)
		adj.RequestID = uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")
		process(t, c,
			mustPoolCreate("ibETH", 0),
			mustPrice("ibETH", "2.0", "1.0", 1),
			dep,
			adj,
		)
		drainOutputs(persistCh)
		return c.GetStateHash()
	}

	if run() != run() {
		t.Error("identical operation streams produced different state hashes")
	}
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	c, persistCh, _ := newTestEngine()

	dep := mustDeposit("ibETH", "alice", "100", 1)
	process(t, c,
		mustPoolCreate("ibETH", 0),
		mustPrice("ibETH", "2.0", "1.0", 1),
		dep,
		mustAdjust(t, "ibETH", "alice", "alice", "10", "10", 2),
	)
	drainOutputs(persistCh)

	snap := c.CreateSnapshotState()
	if snap.Sequence != 3 {
		t.Fatalf("expected snapshot sequence 3, got %d", snap.Sequence)
	}

	restored, persistCh2, _ := newTestEngine()
	if err := restored.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("RestoreFromSnapshot failed: %v", err)
	}

	if restored.GetSequence() != 4 {
		t.Errorf("expected next sequence 4, got %d", restored.GetSequence())
	}
	if restored.GetStateHash() != c.GetStateHash() {
		t.Error("restored hash chain tip differs")
	}

	query(restored, func(l *ledger.Ledger, _ int64, _ [32]byte) {
		if !l.Position("ibETH", "alice").DebtShare.EQ(wad("10")) {
			t.Error("restored ledger lost position state")
		}
		if !l.TotalDebtValue().EQ(rad("10")) {
			t.Errorf("restored total debt %s", l.TotalDebtValue())
		}
	})

	// The warmed LRU still recognizes pre-snapshot operations.
	if err := restored.ProcessOp(dep); err != nil {
		t.Fatalf("replayed deposit should be dropped: %v", err)
	}
	if outputs := drainOutputs(persistCh2); len(outputs) != 0 {
		t.Fatalf("replayed deposit produced %d outputs", len(outputs))
	}

	// New operations continue the chain on the restored engine.
	process(t, restored, mustDeposit("ibETH", "alice", "5", 3))
	outputs := drainOutputs(persistCh2)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if outputs[0].Envelope.Sequence != 4 {
		t.Errorf("expected sequence 4, got %d", outputs[0].Envelope.Sequence)
	}
	if outputs[0].Envelope.PrevHash != snap.StateHash {
		t.Error("first post-restore envelope does not chain to snapshot hash")
	}
}

// ============================================================================
// Test: Channels
// ============================================================================

func TestPublishChannel_DropsOnFull(t *testing.T) {
	persistChan := make(chan core.Output, 1024)
	publishChan := make(chan core.Output, 1) // Tiny capacity to force drops
	c := core.NewEngine(0, rad("1000000"), persistChan, publishChan, nil, nil, zerologNop())

	process(t, c,
		mustPoolCreate("ibETH", 0),
		mustPrice("ibETH", "2.0", "1.0", 1),
		mustDeposit("ibETH", "alice", "1", 1),
	)

	if got := len(drainOutputs(persistChan)); got != 3 {
		t.Errorf("persist channel should hold all outputs, got %d", got)
	}
	if got := len(drainOutputs(publishChan)); got != 1 {
		t.Errorf("publish channel should have dropped to capacity, got %d", got)
	}
}
