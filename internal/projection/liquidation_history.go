package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"CDPLedger/internal/num"
)

// liquidationPayload is the subset of the Liquidation op payload the
// projection needs.
type liquidationPayload struct {
	LiquidationID string `json:"liquidation_id"`
	PositionOwner string `json:"position_owner"`
	Liquidator    string `json:"liquidator"`
}

// liquidationResult mirrors the liquidation result recorded in the op log.
type liquidationResult struct {
	RepaidDebtShare    *num.Uint `json:"repaid_debt_share"`
	RepaidDebtValue    *num.Uint `json:"repaid_debt_value"`
	SeizedCollateral   *num.Uint `json:"seized_collateral"`
	LiquidatorProceeds *num.Uint `json:"liquidator_proceeds"`
	TreasuryFee        *num.Uint `json:"treasury_fee"`
	BadDebt            *num.Uint `json:"bad_debt"`
	FullClose          bool      `json:"full_close"`
}

// projectLiquidation writes one row into projections.liquidations. Amounts
// go in as base-10 strings into NUMERIC columns; they exceed int64 range.
func projectLiquidation(ctx context.Context, tx *sql.Tx, out ProjectionOutput) error {
	if len(out.Result) == 0 {
		return nil // Rejected liquidations emit no envelope
	}

	var payload liquidationPayload
	if err := json.Unmarshal(out.Payload, &payload); err != nil {
		return fmt.Errorf("liquidation payload seq=%d: %w", out.Sequence, err)
	}
	var result liquidationResult
	if err := json.Unmarshal(out.Result, &result); err != nil {
		return fmt.Errorf("liquidation result seq=%d: %w", out.Sequence, err)
	}

	poolID := ""
	if out.PoolID != nil {
		poolID = *out.PoolID
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidations
			(sequence, liquidation_id, pool_id, position_owner, liquidator,
			 repaid_debt_share, repaid_debt_value, seized_collateral,
			 liquidator_proceeds, treasury_fee, bad_debt, full_close, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (sequence) DO NOTHING
	`,
		out.Sequence, payload.LiquidationID, poolID,
		payload.PositionOwner, payload.Liquidator,
		result.RepaidDebtShare.String(), result.RepaidDebtValue.String(),
		result.SeizedCollateral.String(), result.LiquidatorProceeds.String(),
		result.TreasuryFee.String(), result.BadDebt.String(),
		result.FullClose, out.Timestamp,
	)
	return err
}

// feeTickResult mirrors the StabilityFeeTick result recorded in the op log.
type feeTickResult struct {
	FeeAccrued *num.Uint `json:"fee_accrued"`
}

// projectFeeAccrual writes one row into projections.fee_accruals.
func projectFeeAccrual(ctx context.Context, tx *sql.Tx, out ProjectionOutput) error {
	if len(out.Result) == 0 {
		return nil
	}

	var result feeTickResult
	if err := json.Unmarshal(out.Result, &result); err != nil {
		return fmt.Errorf("fee tick result seq=%d: %w", out.Sequence, err)
	}
	if result.FeeAccrued == nil || result.FeeAccrued.IsZero() {
		return nil // No elapsed time or caged pool
	}

	poolID := ""
	if out.PoolID != nil {
		poolID = *out.PoolID
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.fee_accruals (sequence, pool_id, fee_accrued, timestamp)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sequence) DO NOTHING
	`, out.Sequence, poolID, result.FeeAccrued.String(), out.Timestamp)
	return err
}
