package event

import (
	"github.com/google/uuid"

	"CDPLedger/internal/num"
)

// PositionAdjustment applies signed collateral and debt share deltas to a
// position. Caller is the authenticated account submitting the request; it
// must be the owner or an approved delegate for risk-increasing deltas.
type PositionAdjustment struct {
	RequestID           uuid.UUID `json:"request_id"`
	Pool                string    `json:"pool_id"`
	Caller              string    `json:"caller"`
	Owner               string    `json:"owner"`
	CollateralOwner     string    `json:"collateral_owner"`
	StablecoinRecipient string    `json:"stablecoin_recipient"`
	DeltaCollateral     *num.Int  `json:"delta_collateral"`
	DeltaDebtShare      *num.Int  `json:"delta_debt_share"`
	Sequence            int64     `json:"sequence"`
	Timestamp           int64     `json:"timestamp"`
}

func (a *PositionAdjustment) IdempotencyKey() string {
	return a.RequestID.String()
}

func (a *PositionAdjustment) OpType() OpType {
	return OpTypePositionAdjustment
}

func (a *PositionAdjustment) PoolID() *string {
	return &a.Pool
}

func (a *PositionAdjustment) SourceSequence() int64 {
	return a.Sequence
}

func (a *PositionAdjustment) OccurredAt() int64 {
	return a.Timestamp
}
