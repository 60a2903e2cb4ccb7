package query

import (
	"encoding/json"

	"CDPLedger/internal/ledger"
	"CDPLedger/internal/num"
)

// PositionResponse is a CDP with its debt value at the pool's current rate.
// Safe reflects the safety inequality at the last applied price.
type PositionResponse struct {
	PoolID           string    `json:"pool_id"`
	Owner            string    `json:"owner"`
	LockedCollateral *num.Uint `json:"locked_collateral"`
	DebtShare        *num.Uint `json:"debt_share"`
	DebtValue        *num.Uint `json:"debt_value"`
	Safe             bool      `json:"safe"`
	AsOfSequence     int64     `json:"as_of_sequence"`
}

// PoolResponse is a pool's configuration and aggregates plus its total debt
// value (total_debt_share * debt_accumulated_rate, RAD).
type PoolResponse struct {
	ledger.PoolSnapshot
	DebtValue    *num.Uint `json:"debt_value"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// AccountResponse is an account's system-wide balances. FreeCollateral
// holds one entry per pool where the account has a non-zero free balance.
type AccountResponse struct {
	Account        string               `json:"account"`
	Stablecoin     *num.Uint            `json:"stablecoin"`
	BadDebt        *num.Uint            `json:"bad_debt"`
	FreeCollateral map[string]*num.Uint `json:"free_collateral,omitempty"`
	AsOfSequence   int64                `json:"as_of_sequence"`
}

// SystemResponse is the global accounting state.
type SystemResponse struct {
	TotalDebtValue *num.Uint `json:"total_debt_value"`
	TotalUnbacked  *num.Uint `json:"total_unbacked"`
	SystemBadDebt  *num.Uint `json:"system_bad_debt"`
	SystemSurplus  *num.Uint `json:"system_surplus"`
	StateHash      string    `json:"state_hash"`
	AsOfSequence   int64     `json:"as_of_sequence"`
}

// OpHistoryEntry is one applied operation from the log.
type OpHistoryEntry struct {
	Sequence       int64           `json:"sequence"`
	OpType         string          `json:"op_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	PoolID         *string         `json:"pool_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Result         json.RawMessage `json:"result,omitempty"`
	StateHash      string          `json:"state_hash"`
	Timestamp      int64           `json:"timestamp"`
	SourceSequence int64           `json:"source_sequence"`
}

// LiquidationHistoryEntry is one executed liquidation from the projection.
type LiquidationHistoryEntry struct {
	Sequence           int64  `json:"sequence"`
	LiquidationID      string `json:"liquidation_id"`
	PoolID             string `json:"pool_id"`
	PositionOwner      string `json:"position_owner"`
	Liquidator         string `json:"liquidator"`
	RepaidDebtShare    string `json:"repaid_debt_share"`
	RepaidDebtValue    string `json:"repaid_debt_value"`
	SeizedCollateral   string `json:"seized_collateral"`
	LiquidatorProceeds string `json:"liquidator_proceeds"`
	TreasuryFee        string `json:"treasury_fee"`
	BadDebt            string `json:"bad_debt"`
	FullClose          bool   `json:"full_close"`
	Timestamp          int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check: hash
// chain continuity over the persisted log, conservation over live state.
type IntegrityReport struct {
	IsHealthy         bool    `json:"is_healthy"`
	HashChainBreaks   []int64 `json:"hash_chain_breaks,omitempty"`
	ConservationError string  `json:"conservation_error,omitempty"`
	AsOfSequence      int64   `json:"as_of_sequence"`
}
