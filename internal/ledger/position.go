package ledger

import "CDPLedger/internal/num"

// PositionKey identifies a position by (pool, owner).
type PositionKey struct {
	PoolID string
	Owner  string
}

// position holds the two balances that define a CDP. Positions are created
// implicitly on first adjustment and deleted once both fields reach zero.
type position struct {
	// lockedCollateral is collateral backing the debt (WAD).
	lockedCollateral *num.Uint
	// debtShare is a share of the pool's debt (WAD); actual debt value is
	// debtShare * debtAccumulatedRate (RAD).
	debtShare *num.Uint
}

func newPosition() *position {
	return &position{
		lockedCollateral: num.Zero(),
		debtShare:        num.Zero(),
	}
}

func (p *position) clone() *position {
	return &position{
		lockedCollateral: p.lockedCollateral.Clone(),
		debtShare:        p.debtShare.Clone(),
	}
}

func (p *position) isEmpty() bool {
	return p.lockedCollateral.IsZero() && p.debtShare.IsZero()
}

// PositionSnapshot is a read-only copy of a position, with its debt value
// computed at the pool's current rate.
type PositionSnapshot struct {
	PoolID           string    `json:"pool_id"`
	Owner            string    `json:"owner"`
	LockedCollateral *num.Uint `json:"locked_collateral"`
	DebtShare        *num.Uint `json:"debt_share"`
	DebtValue        *num.Uint `json:"debt_value"`
}
