package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"CDPLedger/internal/event"
	"CDPLedger/internal/num"
)

// ParseRawOp converts a RawOp (JSON bytes + op type string) into a typed
// event.Op. The shell validates and parses before anything reaches the
// deterministic core; a payload that fails here is NAKed and never consumes
// a source sequence.
func ParseRawOp(raw RawOp, opType string) (event.Op, error) {
	switch opType {
	case "PriceUpdate":
		return parsePriceUpdate(raw.Data)
	case "CollateralDeposit":
		return parseCollateralDeposit(raw.Data)
	case "CollateralWithdrawal":
		return parseCollateralWithdrawal(raw.Data)
	case "PositionAdjustment":
		return parsePositionAdjustment(raw.Data)
	case "CollateralTransfer":
		return parseCollateralTransfer(raw.Data)
	case "StablecoinTransfer":
		return parseStablecoinTransfer(raw.Data)
	case "Liquidation":
		return parseLiquidation(raw.Data)
	case "StabilityFeeTick":
		return parseStabilityFeeTick(raw.Data)
	case "PoolCreate":
		return parsePoolCreate(raw.Data)
	case "PoolUpdate":
		return parsePoolUpdate(raw.Data)
	case "PoolCage":
		return parsePoolCage(raw.Data)
	case "DelegationUpdate":
		return parseDelegationUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown op type: %s", opType)
	}
}

// The op structs in package event double as the wire format: snake_case
// JSON fields, fixed-point amounts as quoted base-10 strings. Parsing is
// unmarshal plus required-field checks.

func requirePool(pool string) error {
	if pool == "" {
		return fmt.Errorf("missing pool_id")
	}
	return nil
}

func requireAmount(name string, v *num.Uint) error {
	if v == nil {
		return fmt.Errorf("missing %s", name)
	}
	return nil
}

func requireID(name string, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing %s", name)
	}
	return nil
}

func parsePriceUpdate(data []byte) (*event.PriceUpdate, error) {
	var p event.PriceUpdate
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	if err := requirePool(p.Pool); err != nil {
		return nil, fmt.Errorf("PriceUpdate: %w", err)
	}
	if err := requireAmount("price", p.Price); err != nil {
		return nil, fmt.Errorf("PriceUpdate: %w", err)
	}
	if err := requireAmount("collateralization_ratio", p.CollateralizationRatio); err != nil {
		return nil, fmt.Errorf("PriceUpdate: %w", err)
	}
	return &p, nil
}

func parseCollateralDeposit(data []byte) (*event.CollateralDeposit, error) {
	var d event.CollateralDeposit
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse CollateralDeposit: %w", err)
	}
	if err := requireID("deposit_id", d.DepositID); err != nil {
		return nil, fmt.Errorf("CollateralDeposit: %w", err)
	}
	if err := requirePool(d.Pool); err != nil {
		return nil, fmt.Errorf("CollateralDeposit: %w", err)
	}
	if d.Account == "" {
		return nil, fmt.Errorf("CollateralDeposit: missing account")
	}
	if err := requireAmount("amount", d.Amount); err != nil {
		return nil, fmt.Errorf("CollateralDeposit: %w", err)
	}
	return &d, nil
}

func parseCollateralWithdrawal(data []byte) (*event.CollateralWithdrawal, error) {
	var w event.CollateralWithdrawal
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse CollateralWithdrawal: %w", err)
	}
	if err := requireID("withdrawal_id", w.WithdrawalID); err != nil {
		return nil, fmt.Errorf("CollateralWithdrawal: %w", err)
	}
	if err := requirePool(w.Pool); err != nil {
		return nil, fmt.Errorf("CollateralWithdrawal: %w", err)
	}
	if w.Account == "" {
		return nil, fmt.Errorf("CollateralWithdrawal: missing account")
	}
	if err := requireAmount("amount", w.Amount); err != nil {
		return nil, fmt.Errorf("CollateralWithdrawal: %w", err)
	}
	return &w, nil
}

func parsePositionAdjustment(data []byte) (*event.PositionAdjustment, error) {
	var a event.PositionAdjustment
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse PositionAdjustment: %w", err)
	}
	if err := requireID("request_id", a.RequestID); err != nil {
		return nil, fmt.Errorf("PositionAdjustment: %w", err)
	}
	if err := requirePool(a.Pool); err != nil {
		return nil, fmt.Errorf("PositionAdjustment: %w", err)
	}
	if a.Caller == "" || a.Owner == "" {
		return nil, fmt.Errorf("PositionAdjustment: missing caller or owner")
	}
	if a.DeltaCollateral == nil || a.DeltaDebtShare == nil {
		return nil, fmt.Errorf("PositionAdjustment: missing deltas")
	}
	// Defaults mirror the single-account case upstream producers omit.
	if a.CollateralOwner == "" {
		a.CollateralOwner = a.Owner
	}
	if a.StablecoinRecipient == "" {
		a.StablecoinRecipient = a.Owner
	}
	return &a, nil
}

func parseCollateralTransfer(data []byte) (*event.CollateralTransfer, error) {
	var t event.CollateralTransfer
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse CollateralTransfer: %w", err)
	}
	if err := requireID("transfer_id", t.TransferID); err != nil {
		return nil, fmt.Errorf("CollateralTransfer: %w", err)
	}
	if err := requirePool(t.Pool); err != nil {
		return nil, fmt.Errorf("CollateralTransfer: %w", err)
	}
	if t.From == "" || t.To == "" {
		return nil, fmt.Errorf("CollateralTransfer: missing from or to")
	}
	if err := requireAmount("amount", t.Amount); err != nil {
		return nil, fmt.Errorf("CollateralTransfer: %w", err)
	}
	if t.Caller == "" {
		t.Caller = t.From
	}
	return &t, nil
}

func parseStablecoinTransfer(data []byte) (*event.StablecoinTransfer, error) {
	var t event.StablecoinTransfer
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse StablecoinTransfer: %w", err)
	}
	if err := requireID("transfer_id", t.TransferID); err != nil {
		return nil, fmt.Errorf("StablecoinTransfer: %w", err)
	}
	if t.From == "" || t.To == "" {
		return nil, fmt.Errorf("StablecoinTransfer: missing from or to")
	}
	if err := requireAmount("amount", t.Amount); err != nil {
		return nil, fmt.Errorf("StablecoinTransfer: %w", err)
	}
	if t.Caller == "" {
		t.Caller = t.From
	}
	return &t, nil
}

func parseLiquidation(data []byte) (*event.Liquidation, error) {
	var l event.Liquidation
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parse Liquidation: %w", err)
	}
	if err := requireID("liquidation_id", l.LiquidationID); err != nil {
		return nil, fmt.Errorf("Liquidation: %w", err)
	}
	if err := requirePool(l.Pool); err != nil {
		return nil, fmt.Errorf("Liquidation: %w", err)
	}
	if l.PositionOwner == "" || l.Liquidator == "" {
		return nil, fmt.Errorf("Liquidation: missing position_owner or liquidator")
	}
	if l.RepayShare == nil {
		// Absent repay_share means "as much as the close factor allows".
		l.RepayShare = num.MaxUint()
	}
	if l.CollateralRecipient == "" {
		l.CollateralRecipient = l.Liquidator
	}
	return &l, nil
}

func parseStabilityFeeTick(data []byte) (*event.StabilityFeeTick, error) {
	var f event.StabilityFeeTick
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse StabilityFeeTick: %w", err)
	}
	if err := requirePool(f.Pool); err != nil {
		return nil, fmt.Errorf("StabilityFeeTick: %w", err)
	}
	if f.Timestamp <= 0 {
		return nil, fmt.Errorf("StabilityFeeTick: missing timestamp")
	}
	return &f, nil
}

func validatePoolParams(p event.PoolParamsPayload) error {
	if p.DebtCeiling == nil || p.DebtFloor == nil || p.StabilityFeeRate == nil {
		return fmt.Errorf("missing params")
	}
	if p.CloseFactorBps == 0 || p.CloseFactorBps > 10_000 {
		return fmt.Errorf("close_factor_bps out of range: %d", p.CloseFactorBps)
	}
	if p.TreasuryFeeBps > 10_000 {
		return fmt.Errorf("treasury_fee_bps out of range: %d", p.TreasuryFeeBps)
	}
	if p.PriceMaxAge <= 0 {
		return fmt.Errorf("price_max_age must be positive")
	}
	return nil
}

func parsePoolCreate(data []byte) (*event.PoolCreate, error) {
	var p event.PoolCreate
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse PoolCreate: %w", err)
	}
	if err := requirePool(p.Pool); err != nil {
		return nil, fmt.Errorf("PoolCreate: %w", err)
	}
	if err := validatePoolParams(p.Params); err != nil {
		return nil, fmt.Errorf("PoolCreate %s: %w", p.Pool, err)
	}
	return &p, nil
}

func parsePoolUpdate(data []byte) (*event.PoolUpdate, error) {
	var p event.PoolUpdate
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse PoolUpdate: %w", err)
	}
	if err := requirePool(p.Pool); err != nil {
		return nil, fmt.Errorf("PoolUpdate: %w", err)
	}
	if err := validatePoolParams(p.Params); err != nil {
		return nil, fmt.Errorf("PoolUpdate %s: %w", p.Pool, err)
	}
	return &p, nil
}

func parsePoolCage(data []byte) (*event.PoolCage, error) {
	var p event.PoolCage
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse PoolCage: %w", err)
	}
	if err := requirePool(p.Pool); err != nil {
		return nil, fmt.Errorf("PoolCage: %w", err)
	}
	return &p, nil
}

func parseDelegationUpdate(data []byte) (*event.DelegationUpdate, error) {
	var d event.DelegationUpdate
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse DelegationUpdate: %w", err)
	}
	if err := requireID("request_id", d.RequestID); err != nil {
		return nil, fmt.Errorf("DelegationUpdate: %w", err)
	}
	if d.Owner == "" || d.Delegate == "" {
		return nil, fmt.Errorf("DelegationUpdate: missing owner or delegate")
	}
	return &d, nil
}
