package ledger

import (
	"fmt"

	"CDPLedger/internal/num"
)

// PoolParams holds the static risk configuration of a collateral pool.
// RAY/RAD values are fixed-precision integers, never floats.
type PoolParams struct {
	// DebtCeiling is the maximum total debt value for this pool (RAD).
	DebtCeiling *num.Uint
	// DebtFloor is the minimum non-zero debt value per position (RAD).
	// Positions below it are uneconomical dust for liquidators.
	DebtFloor *num.Uint
	// StabilityFeeRate is the per-second compounding factor (RAY, >= 1.0).
	StabilityFeeRate *num.Uint
	// CloseFactorBps caps the fraction of a position's debt share that one
	// liquidation call may repay (0 < x <= 10000).
	CloseFactorBps uint64
	// LiquidatorIncentiveBps prices seized collateral at a premium over the
	// debt value covered (>= 10000; 10250 = 2.5% bonus).
	LiquidatorIncentiveBps uint64
	// TreasuryFeeBps is the protocol's cut of the liquidator incentive.
	TreasuryFeeBps uint64
	// PriceMaxAge is the oracle freshness window in seconds. Older prices
	// fail liquidation closed.
	PriceMaxAge int64
}

// ValidatePoolParams checks parameter ranges: close factor in (0, 10000],
// incentive >= 10000, treasury fee <= 10000, rate >= 1.0 RAY,
// floor <= ceiling.
func ValidatePoolParams(p PoolParams) error {
	if p.DebtCeiling == nil || p.DebtFloor == nil || p.StabilityFeeRate == nil {
		return fmt.Errorf("pool params: nil numeric field")
	}
	if p.CloseFactorBps == 0 || p.CloseFactorBps > num.BpsDenominator {
		return fmt.Errorf("close_factor_bps must be in (0, %d], got %d", num.BpsDenominator, p.CloseFactorBps)
	}
	if p.LiquidatorIncentiveBps < num.BpsDenominator {
		return fmt.Errorf("liquidator_incentive_bps must be >= %d, got %d", num.BpsDenominator, p.LiquidatorIncentiveBps)
	}
	if p.TreasuryFeeBps > num.BpsDenominator {
		return fmt.Errorf("treasury_fee_bps must be <= %d, got %d", num.BpsDenominator, p.TreasuryFeeBps)
	}
	if p.StabilityFeeRate.LT(num.RayOne()) {
		return fmt.Errorf("stability_fee_rate must be >= 1.0 RAY, got %s", p.StabilityFeeRate)
	}
	if p.DebtFloor.GT(p.DebtCeiling) {
		return fmt.Errorf("debt_floor %s exceeds debt_ceiling %s", p.DebtFloor, p.DebtCeiling)
	}
	if p.PriceMaxAge <= 0 {
		return fmt.Errorf("price_max_age must be > 0, got %d", p.PriceMaxAge)
	}
	return nil
}

func (p PoolParams) clone() PoolParams {
	c := p
	c.DebtCeiling = p.DebtCeiling.Clone()
	c.DebtFloor = p.DebtFloor.Clone()
	c.StabilityFeeRate = p.StabilityFeeRate.Clone()
	return c
}

// pool is the dynamic per-pool state owned by the ledger.
type pool struct {
	id     string
	params PoolParams

	// priceWithSafetyMargin is the oracle price already discounted by the
	// pool's collateralization ratio (RAY).
	priceWithSafetyMargin *num.Uint
	priceUpdatedAt        int64

	// debtAccumulatedRate is the cumulative interest multiplier (RAY,
	// monotone non-decreasing, starts at 1.0).
	debtAccumulatedRate *num.Uint
	// totalDebtShare is the sum of all position debt shares (WAD).
	totalDebtShare *num.Uint

	lastAccruedAt int64
	live          bool
}

func (p *pool) clone() *pool {
	return &pool{
		id:                    p.id,
		params:                p.params.clone(),
		priceWithSafetyMargin: p.priceWithSafetyMargin.Clone(),
		priceUpdatedAt:        p.priceUpdatedAt,
		debtAccumulatedRate:   p.debtAccumulatedRate.Clone(),
		totalDebtShare:        p.totalDebtShare.Clone(),
		lastAccruedAt:         p.lastAccruedAt,
		live:                  p.live,
	}
}

// debtValue returns totalDebtShare * debtAccumulatedRate (RAD).
func (p *pool) debtValue() *num.Uint {
	return num.MulWadRay(p.totalDebtShare, p.debtAccumulatedRate)
}

// PoolSnapshot is a read-only copy of a pool's configuration and aggregates.
type PoolSnapshot struct {
	ID                     string    `json:"id"`
	DebtCeiling            *num.Uint `json:"debt_ceiling"`
	DebtFloor              *num.Uint `json:"debt_floor"`
	StabilityFeeRate       *num.Uint `json:"stability_fee_rate"`
	CloseFactorBps         uint64    `json:"close_factor_bps"`
	LiquidatorIncentiveBps uint64    `json:"liquidator_incentive_bps"`
	TreasuryFeeBps         uint64    `json:"treasury_fee_bps"`
	PriceMaxAge            int64     `json:"price_max_age"`
	PriceWithSafetyMargin  *num.Uint `json:"price_with_safety_margin"`
	PriceUpdatedAt         int64     `json:"price_updated_at"`
	DebtAccumulatedRate    *num.Uint `json:"debt_accumulated_rate"`
	TotalDebtShare         *num.Uint `json:"total_debt_share"`
	LastAccruedAt          int64     `json:"last_accrued_at"`
	Live                   bool      `json:"live"`
}

func (p *pool) snapshot() PoolSnapshot {
	return PoolSnapshot{
		ID:                     p.id,
		DebtCeiling:            p.params.DebtCeiling.Clone(),
		DebtFloor:              p.params.DebtFloor.Clone(),
		StabilityFeeRate:       p.params.StabilityFeeRate.Clone(),
		CloseFactorBps:         p.params.CloseFactorBps,
		LiquidatorIncentiveBps: p.params.LiquidatorIncentiveBps,
		TreasuryFeeBps:         p.params.TreasuryFeeBps,
		PriceMaxAge:            p.params.PriceMaxAge,
		PriceWithSafetyMargin:  p.priceWithSafetyMargin.Clone(),
		PriceUpdatedAt:         p.priceUpdatedAt,
		DebtAccumulatedRate:    p.debtAccumulatedRate.Clone(),
		TotalDebtShare:         p.totalDebtShare.Clone(),
		LastAccruedAt:          p.lastAccruedAt,
		Live:                   p.live,
	}
}
