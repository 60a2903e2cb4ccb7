package ledger

import (
	"fmt"
	"sort"

	"CDPLedger/internal/num"
)

// StateSnapshot is the full serializable ledger state, used for periodic
// persistence snapshots and warm restarts. All balances are keyed by plain
// strings so the structure round-trips through JSON.
type StateSnapshot struct {
	GlobalDebtCeiling *num.Uint            `json:"global_debt_ceiling"`
	Pools             []PoolSnapshot       `json:"pools"`
	Positions         []PositionSnapshot   `json:"positions"`
	Collateral        []CollateralBalance  `json:"collateral"`
	Stablecoin        map[string]*num.Uint `json:"stablecoin"`
	BadDebt           map[string]*num.Uint `json:"bad_debt"`
	TotalDebtValue    *num.Uint            `json:"total_debt_value"`
	TotalUnbacked     *num.Uint            `json:"total_unbacked"`
}

// CollateralBalance is one account's free collateral in one pool.
type CollateralBalance struct {
	PoolID  string    `json:"pool_id"`
	Account string    `json:"account"`
	Amount  *num.Uint `json:"amount"`
}

// Snapshot exports the full ledger state in deterministic order.
func (l *Ledger) Snapshot() *StateSnapshot {
	s := &StateSnapshot{
		GlobalDebtCeiling: l.globalDebtCeiling.Clone(),
		Stablecoin:        make(map[string]*num.Uint, len(l.stablecoin)),
		BadDebt:           make(map[string]*num.Uint, len(l.badDebt)),
		TotalDebtValue:    l.totalDebtValue.Clone(),
		TotalUnbacked:     l.totalUnbacked.Clone(),
	}

	for _, id := range l.PoolIDs() {
		s.Pools = append(s.Pools, l.pools[id].snapshot())
	}

	keys := make([]PositionKey, 0, len(l.positions))
	for key := range l.positions {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].PoolID != keys[j].PoolID {
			return keys[i].PoolID < keys[j].PoolID
		}
		return keys[i].Owner < keys[j].Owner
	})
	for _, key := range keys {
		s.Positions = append(s.Positions, l.Position(key.PoolID, key.Owner))
	}

	for poolID, accounts := range l.collateral {
		for acct, bal := range accounts {
			s.Collateral = append(s.Collateral, CollateralBalance{
				PoolID:  poolID,
				Account: acct,
				Amount:  bal.Clone(),
			})
		}
	}
	sort.Slice(s.Collateral, func(i, j int) bool {
		if s.Collateral[i].PoolID != s.Collateral[j].PoolID {
			return s.Collateral[i].PoolID < s.Collateral[j].PoolID
		}
		return s.Collateral[i].Account < s.Collateral[j].Account
	})

	for acct, bal := range l.stablecoin {
		s.Stablecoin[acct] = bal.Clone()
	}
	for acct, bal := range l.badDebt {
		s.BadDebt[acct] = bal.Clone()
	}
	return s
}

// RestoreSnapshot replaces the ledger's state with a previously exported
// snapshot, then re-validates conservation before accepting it.
func (l *Ledger) RestoreSnapshot(s *StateSnapshot) error {
	fresh := New(s.GlobalDebtCeiling, l.auth)

	for _, ps := range s.Pools {
		params := PoolParams{
			DebtCeiling:            ps.DebtCeiling,
			DebtFloor:              ps.DebtFloor,
			StabilityFeeRate:       ps.StabilityFeeRate,
			CloseFactorBps:         ps.CloseFactorBps,
			LiquidatorIncentiveBps: ps.LiquidatorIncentiveBps,
			TreasuryFeeBps:         ps.TreasuryFeeBps,
			PriceMaxAge:            ps.PriceMaxAge,
		}
		if err := ValidatePoolParams(params); err != nil {
			return fmt.Errorf("restore pool %s: %w", ps.ID, err)
		}
		fresh.pools[ps.ID] = &pool{
			id:                    ps.ID,
			params:                params.clone(),
			priceWithSafetyMargin: ps.PriceWithSafetyMargin.Clone(),
			priceUpdatedAt:        ps.PriceUpdatedAt,
			debtAccumulatedRate:   ps.DebtAccumulatedRate.Clone(),
			totalDebtShare:        ps.TotalDebtShare.Clone(),
			lastAccruedAt:         ps.LastAccruedAt,
			live:                  ps.Live,
		}
	}

	for _, ps := range s.Positions {
		if _, ok := fresh.pools[ps.PoolID]; !ok {
			return fmt.Errorf("restore position %s/%s: unknown pool", ps.PoolID, ps.Owner)
		}
		fresh.positions[PositionKey{PoolID: ps.PoolID, Owner: ps.Owner}] = &position{
			lockedCollateral: ps.LockedCollateral.Clone(),
			debtShare:        ps.DebtShare.Clone(),
		}
	}

	for _, cb := range s.Collateral {
		m := fresh.collateral[cb.PoolID]
		if m == nil {
			m = make(map[string]*num.Uint)
			fresh.collateral[cb.PoolID] = m
		}
		m[cb.Account] = cb.Amount.Clone()
	}
	for acct, bal := range s.Stablecoin {
		fresh.stablecoin[acct] = bal.Clone()
	}
	for acct, bal := range s.BadDebt {
		fresh.badDebt[acct] = bal.Clone()
	}
	fresh.totalDebtValue = s.TotalDebtValue.Clone()
	fresh.totalUnbacked = s.TotalUnbacked.Clone()

	if err := fresh.ValidateConservation(); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	l.Restore(fresh)
	return nil
}
