package liquidation

import (
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/num"
)

// Plan is the fully resolved outcome of a liquidation before any state
// changes: how much debt share is repaid, what that costs the liquidator,
// and how the seized collateral splits between liquidator and treasury.
type Plan struct {
	// RepayShare is the debt share removed from the position (WAD).
	RepayShare *num.Uint
	// RepayValue is the stablecoin the liquidator owes (RAD). On a
	// shortfall close this is the covered portion, not the full debt.
	RepayValue *num.Uint
	// SeizedCollateral is the total collateral leaving the position (WAD).
	SeizedCollateral *num.Uint
	// TreasuryFee is the treasury's cut of the seized collateral (WAD),
	// already included in SeizedCollateral.
	TreasuryFee *num.Uint
	// BadDebt is the uncovered debt value left behind (RAD); non-zero only
	// on a shortfall close.
	BadDebt *num.Uint
	// FullClose reports whether the position's entire debt share is removed.
	FullClose bool
}

// Strategy computes a liquidation plan from pool and position state. It is
// pure: no clock, no ledger access beyond the snapshots it is handed.
type Strategy interface {
	Plan(pool ledger.PoolSnapshot, pos ledger.PositionSnapshot, requestedRepayShare *num.Uint) (Plan, error)
}

// FixedSpread sells seized collateral to the liquidator at a fixed discount:
// collateral worth repayValue * incentive is exchanged for repayValue of
// stablecoin. The treasury takes a bps cut of the premium portion.
type FixedSpread struct{}

// Plan applies, in order: the close-factor clamp on the requested share, the
// dust override (never leave a position below the debt floor), and the
// collateral cap (seizure cannot exceed locked collateral; hitting the cap
// forces a full close and books the uncovered remainder as bad debt).
//
// Rounding always favors the system: seized collateral and the covered value
// round down, so the liquidator never extracts more than the premium and the
// treasury fee never overdraws the seizure.
func (FixedSpread) Plan(pool ledger.PoolSnapshot, pos ledger.PositionSnapshot, requestedRepayShare *num.Uint) (Plan, error) {
	if requestedRepayShare == nil || requestedRepayShare.IsZero() {
		return Plan{}, ErrZeroRepay
	}

	price := pool.PriceWithSafetyMargin
	rate := pool.DebtAccumulatedRate

	collateralValue := num.MulWadRay(pos.LockedCollateral, price)
	debtValue := num.MulWadRay(pos.DebtShare, rate)
	if collateralValue.GTE(debtValue) {
		return Plan{}, ErrPositionSafe
	}

	// Close factor caps a single call; a request for the maximum uint means
	// "as much as allowed" and saturates instead of failing.
	maxShare := num.MulBpsDown(pos.DebtShare, pool.CloseFactorBps)
	repayShare := num.Min(requestedRepayShare, maxShare).Clone()
	if repayShare.IsZero() {
		return Plan{}, ErrZeroRepay
	}

	// Dust override: a partial close may not leave the position below the
	// debt floor, so it becomes a full close instead.
	remaining := num.Zero().Sub(pos.DebtShare.Clone(), repayShare)
	if !remaining.IsZero() {
		if num.MulWadRay(remaining, rate).LT(pool.DebtFloor) {
			repayShare = pos.DebtShare.Clone()
		}
	}

	repayValue := num.MulWadRay(repayShare, rate)

	// Collateral bought at the incentive premium: repayValue * incentive
	// worth of collateral per repayValue of stablecoin.
	premiumValue := num.MulBpsDown(repayValue, pool.LiquidatorIncentiveBps)
	seized := num.DivRadByRayDown(premiumValue, price)

	plan := Plan{
		RepayShare:       repayShare,
		RepayValue:       repayValue,
		SeizedCollateral: seized,
		BadDebt:          num.Zero(),
		FullClose:        repayShare.EQ(pos.DebtShare),
	}

	if seized.GTE(pos.LockedCollateral) {
		// The seizure consumes all locked collateral (exactly or short of
		// the premium price). Take everything, close the whole position, and
		// charge the liquidator only for the value the collateral actually
		// covers; the rest is bad debt. Exact equality must escalate too:
		// a partial close here would strand live debt with zero collateral.
		plan.SeizedCollateral = pos.LockedCollateral.Clone()
		plan.RepayShare = pos.DebtShare.Clone()
		plan.FullClose = true

		lockedValue := num.MulWadRay(pos.LockedCollateral, price)
		covered := num.DivByBpsDown(lockedValue, pool.LiquidatorIncentiveBps)
		plan.RepayValue = covered

		fullDebt := num.MulWadRay(pos.DebtShare, rate)
		plan.BadDebt = num.Zero().Sub(fullDebt, covered)
	}

	// Treasury takes its cut of the premium portion only; the par portion
	// belongs to the repayment.
	par := num.DivRadByRayDown(plan.RepayValue, price)
	premium := num.Zero()
	if plan.SeizedCollateral.GT(par) {
		premium.Sub(plan.SeizedCollateral, par)
	}
	plan.TreasuryFee = num.MulBpsDown(premium, pool.TreasuryFeeBps)

	return plan, nil
}
