// Package liquidation closes unsafe positions: a liquidator repays part of a
// position's debt and receives seized collateral at a fixed premium, with an
// optional flash callback that lets the repayment be funded from the seized
// collateral itself.
package liquidation

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"CDPLedger/internal/ledger"
	"CDPLedger/internal/num"
	"CDPLedger/internal/oracle"
)

// TreasuryAccount receives the protocol's cut of liquidation premiums as
// free collateral.
const TreasuryAccount = "system:treasury"

// Receipt describes what a liquidation credited and what it expects back.
// The flash callback receives it after collateral has moved but before the
// repayment is collected.
type Receipt struct {
	PoolID        string    `json:"pool_id"`
	PositionOwner string    `json:"position_owner"`
	// SeizedCollateral is what the collateral recipient was credited (WAD),
	// net of the treasury fee.
	SeizedCollateral *num.Uint `json:"seized_collateral"`
	// RepayValue is the stablecoin the liquidator must hold when the
	// callback returns (RAD).
	RepayValue *num.Uint `json:"repay_value"`
}

// FlashFunc is called mid-liquidation with seized collateral already
// credited. Returning an error aborts and rolls back the liquidation.
type FlashFunc func(ctx context.Context, rcpt Receipt, data []byte) error

// Request names the parties and size of one liquidation call.
type Request struct {
	PoolID        string
	PositionOwner string
	// Liquidator funds the repayment and authorizes the call.
	Liquidator string
	// CollateralRecipient receives the seized collateral; usually the
	// liquidator, but flash strategies often point it at a trading account.
	CollateralRecipient string
	// RepayShare is the requested debt share to repay (WAD). num.MaxUint
	// means "as much as the close factor allows".
	RepayShare *num.Uint
	// MinCollateralExpected is the liquidator's slippage floor (WAD): the
	// call fails if net proceeds (seizure minus treasury fee) come in under
	// it. Nil means no floor.
	MinCollateralExpected *num.Uint

	Flash     FlashFunc
	FlashData []byte
}

// Result reports what a completed liquidation did.
type Result struct {
	RepaidDebtShare  *num.Uint `json:"repaid_debt_share"`
	RepaidDebtValue  *num.Uint `json:"repaid_debt_value"`
	SeizedCollateral *num.Uint `json:"seized_collateral"`
	// LiquidatorProceeds is SeizedCollateral minus the treasury fee.
	LiquidatorProceeds *num.Uint `json:"liquidator_proceeds"`
	TreasuryFee        *num.Uint `json:"treasury_fee"`
	BadDebt            *num.Uint `json:"bad_debt"`
	FullClose          bool      `json:"full_close"`
}

// Engine executes liquidations against the ledger. Like every ledger writer
// it must be called from the single-writer goroutine; the flash callback
// runs inline on that goroutine and must not re-enter the engine.
type Engine struct {
	ledger   *ledger.Ledger
	strategy Strategy
	log      zerolog.Logger
}

func NewEngine(l *ledger.Ledger, s Strategy, log zerolog.Logger) *Engine {
	return &Engine{
		ledger:   l,
		strategy: s,
		log:      log.With().Str("component", "liquidation").Logger(),
	}
}

// Liquidate validates the request, computes a plan, moves the seized
// collateral, runs the flash callback, and collects the repayment. The call
// is atomic: any failure after state has moved restores the pre-call ledger.
func (e *Engine) Liquidate(ctx context.Context, req Request, now int64) (Result, error) {
	pool, ok := e.ledger.Pool(req.PoolID)
	if !ok {
		return Result{}, ledger.ErrPoolNotFound
	}
	if !oracle.Fresh(pool.PriceUpdatedAt, now, pool.PriceMaxAge) {
		return Result{}, ErrStalePrice
	}
	pos := e.ledger.Position(req.PoolID, req.PositionOwner)

	plan, err := e.strategy.Plan(pool, pos, req.RepayShare)
	if err != nil {
		return Result{}, err
	}
	proceeds := num.Zero().Sub(plan.SeizedCollateral, plan.TreasuryFee)
	if req.MinCollateralExpected != nil && proceeds.LT(req.MinCollateralExpected) {
		return Result{}, ErrProceedsBelowMinimum
	}
	// Total debt value removed from the pool; the covered part is settled by
	// the liquidator's repayment below, the rest stays as system bad debt.
	removedDebt := num.Zero().Add(plan.RepayValue, plan.BadDebt)

	snapshot := e.ledger.Clone()
	fail := func(err error) (Result, error) {
		e.ledger.Restore(snapshot)
		return Result{}, err
	}

	err = e.ledger.ConfiscatePosition(req.PoolID, req.PositionOwner,
		num.NewInt(proceeds, true), num.NewInt(plan.RepayShare, true),
		req.CollateralRecipient, ledger.SystemDebtAccount, removedDebt)
	if err != nil {
		return fail(fmt.Errorf("seize collateral: %w", err))
	}
	if !plan.TreasuryFee.IsZero() {
		err = e.ledger.ConfiscatePosition(req.PoolID, req.PositionOwner,
			num.NewInt(plan.TreasuryFee, true), num.IntZero(),
			TreasuryAccount, ledger.SystemDebtAccount, num.Zero())
		if err != nil {
			return fail(fmt.Errorf("treasury fee: %w", err))
		}
	}

	if req.Flash != nil {
		rcpt := Receipt{
			PoolID:           req.PoolID,
			PositionOwner:    req.PositionOwner,
			SeizedCollateral: proceeds.Clone(),
			RepayValue:       plan.RepayValue.Clone(),
		}
		if err := req.Flash(ctx, rcpt, req.FlashData); err != nil {
			return fail(fmt.Errorf("%w: %w", ErrFlashCallbackFailed, err))
		}
	}

	// Collect the repayment and settle it against the bad debt booked by
	// the confiscation. Whatever the collateral did not cover remains.
	if err := e.ledger.MoveStablecoin(req.Liquidator, req.Liquidator, ledger.SystemDebtAccount, plan.RepayValue); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrRepayNotFunded, err))
	}
	if err := e.ledger.SettleBadDebt(ledger.SystemDebtAccount, plan.RepayValue); err != nil {
		return fail(fmt.Errorf("settle repayment: %w", err))
	}

	res := Result{
		RepaidDebtShare:    plan.RepayShare,
		RepaidDebtValue:    plan.RepayValue,
		SeizedCollateral:   plan.SeizedCollateral,
		LiquidatorProceeds: proceeds,
		TreasuryFee:        plan.TreasuryFee,
		BadDebt:            plan.BadDebt,
		FullClose:          plan.FullClose,
	}
	e.log.Info().
		Str("pool_id", req.PoolID).
		Str("owner", req.PositionOwner).
		Str("liquidator", req.Liquidator).
		Str("repaid_share", res.RepaidDebtShare.String()).
		Str("repaid_value", res.RepaidDebtValue.String()).
		Str("seized", res.SeizedCollateral.String()).
		Str("bad_debt", res.BadDebt.String()).
		Bool("full_close", res.FullClose).
		Msg("position liquidated")
	return res, nil
}
