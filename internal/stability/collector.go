// Package stability computes per-pool stability fee accrual: compounding the
// pool's per-second rate over wall-clock gaps and folding the result into the
// ledger's accumulated rate.
package stability

import (
	"fmt"

	"github.com/rs/zerolog"

	"CDPLedger/internal/ledger"
	"CDPLedger/internal/num"
)

// Collector advances debt accumulated rates. It shares the single-writer
// discipline of the ledger: callers serialize Collect with all other ledger
// mutations.
type Collector struct {
	ledger *ledger.Ledger
	log    zerolog.Logger
}

func NewCollector(l *ledger.Ledger, log zerolog.Logger) *Collector {
	return &Collector{
		ledger: l,
		log:    log.With().Str("component", "stability").Logger(),
	}
}

// Collect compounds the pool's stability fee from its last accrual time to
// now and credits the accrued value to the system debt account. Returns the
// fee collected (RAD).
//
// Idempotent per timestamp: a second call with the same now sees zero
// elapsed time and accrues nothing. Timestamps earlier than the last accrual
// are treated the same way, so replayed or out-of-order triggers are no-ops
// rather than errors.
func (c *Collector) Collect(poolID string, now int64) (*num.Uint, error) {
	snap, ok := c.ledger.Pool(poolID)
	if !ok {
		return nil, ledger.ErrPoolNotFound
	}
	if !snap.Live {
		return nil, ledger.ErrPoolNotLive
	}
	if now <= snap.LastAccruedAt {
		return num.Zero(), nil
	}
	elapsed := uint64(now - snap.LastAccruedAt)

	// newRate = prevRate * feeRate^elapsed, floor at RAY scale. The factor is
	// >= 1.0 so the rate never decreases.
	factor := num.RPow(snap.StabilityFeeRate, elapsed)
	newRate := num.MulRayDown(snap.DebtAccumulatedRate, factor)
	if newRate.LT(snap.DebtAccumulatedRate) {
		return nil, fmt.Errorf("accrue %s: rate regression %s -> %s",
			poolID, snap.DebtAccumulatedRate, newRate)
	}
	rateDelta := num.Zero().Sub(newRate, snap.DebtAccumulatedRate)

	fee, err := c.ledger.AccrueStabilityFee(poolID, rateDelta, ledger.SystemDebtAccount, now)
	if err != nil {
		return nil, err
	}

	c.log.Debug().
		Str("pool_id", poolID).
		Uint64("elapsed_sec", elapsed).
		Str("rate", newRate.String()).
		Str("fee_rad", fee.String()).
		Msg("stability fee collected")
	return fee, nil
}

// CollectAll runs Collect over every live pool. Caged pools are skipped, not
// failed; their rate is frozen at cage time.
func (c *Collector) CollectAll(now int64) (*num.Uint, error) {
	total := num.Zero()
	for _, id := range c.ledger.PoolIDs() {
		snap, ok := c.ledger.Pool(id)
		if !ok || !snap.Live {
			continue
		}
		fee, err := c.Collect(id, now)
		if err != nil {
			return nil, fmt.Errorf("collect %s: %w", id, err)
		}
		total.Add(total, fee)
	}
	return total, nil
}
