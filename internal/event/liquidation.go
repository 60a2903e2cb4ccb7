package event

import (
	"github.com/google/uuid"

	"CDPLedger/internal/num"
)

// Liquidation requests closing (part of) an unsafe position. RepayShare is
// the debt share the liquidator offers to repay; the maximum uint means "as
// much as the close factor allows". Flash callbacks never cross the wire:
// the core looks up the callback registered for the Liquidator ID and runs
// it in-process, passing FlashData through.
type Liquidation struct {
	LiquidationID       uuid.UUID `json:"liquidation_id"`
	Pool                string    `json:"pool_id"`
	PositionOwner       string    `json:"position_owner"`
	Liquidator          string    `json:"liquidator"`
	CollateralRecipient string    `json:"collateral_recipient"`
	RepayShare          *num.Uint `json:"repay_share"`
	// MinCollateralExpected floors the liquidator's net proceeds (WAD);
	// absent means no floor.
	MinCollateralExpected *num.Uint `json:"min_collateral_expected,omitempty"`
	// FlashData is handed to the liquidator's registered flash callback,
	// if one exists; opaque to the core.
	FlashData []byte `json:"flash_data,omitempty"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func (l *Liquidation) IdempotencyKey() string {
	return l.LiquidationID.String()
}

func (l *Liquidation) OpType() OpType {
	return OpTypeLiquidation
}

func (l *Liquidation) PoolID() *string {
	return &l.Pool
}

func (l *Liquidation) SourceSequence() int64 {
	return l.Sequence
}

func (l *Liquidation) OccurredAt() int64 {
	return l.Timestamp
}
