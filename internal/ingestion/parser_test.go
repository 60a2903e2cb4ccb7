package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/num"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawOp {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawOp{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParsePriceUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"pool_id":                 "ETH-A",
		"price":                   "2000000000000000000000000000000",
		"collateralization_ratio": "1500000000000000000000000000",
		"price_sequence":          int64(100),
		"timestamp":               int64(1700000000),
	}

	raw := rawFromJSON(t, payload)
	op, err := ingestion.ParseRawOp(raw, "PriceUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	p, ok := op.(*event.PriceUpdate)
	if !ok {
		t.Fatalf("expected *event.PriceUpdate, got %T", op)
	}

	if p.Pool != "ETH-A" {
		t.Errorf("pool: got %s, want ETH-A", p.Pool)
	}
	if p.Price.String() != "2000000000000000000000000000000" {
		t.Errorf("price: got %s", p.Price.String())
	}
	if p.PriceSequence != 100 {
		t.Errorf("price_sequence: got %d, want 100", p.PriceSequence)
	}
	if p.OpType() != event.OpTypePriceUpdate {
		t.Errorf("op type: got %v, want PriceUpdate", p.OpType())
	}
}

func TestParseCollateralDeposit(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_id": "550e8400-e29b-41d4-a716-446655440000",
		"pool_id":    "ETH-A",
		"account":    "alice",
		"amount":     "5000000000000000000",
		"sequence":   int64(1),
		"timestamp":  int64(1700000000),
	}

	raw := rawFromJSON(t, payload)
	op, err := ingestion.ParseRawOp(raw, "CollateralDeposit")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	d, ok := op.(*event.CollateralDeposit)
	if !ok {
		t.Fatalf("expected *event.CollateralDeposit, got %T", op)
	}

	if d.Account != "alice" {
		t.Errorf("account: got %s, want alice", d.Account)
	}
	if d.Amount.String() != "5000000000000000000" {
		t.Errorf("amount: got %s", d.Amount.String())
	}
	if d.IdempotencyKey() != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("idempotency key: got %s", d.IdempotencyKey())
	}
}

func TestParsePositionAdjustment_DefaultsToOwner(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":       "660e8400-e29b-41d4-a716-446655440001",
		"pool_id":          "ETH-A",
		"caller":           "alice",
		"owner":            "alice",
		"delta_collateral": "1000000000000000000",
		"delta_debt_share": "500000000000000000",
		"sequence":         int64(2),
		"timestamp":        int64(1700000000),
	}

	raw := rawFromJSON(t, payload)
	op, err := ingestion.ParseRawOp(raw, "PositionAdjustment")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	a, ok := op.(*event.PositionAdjustment)
	if !ok {
		t.Fatalf("expected *event.PositionAdjustment, got %T", op)
	}

	if a.CollateralOwner != "alice" {
		t.Errorf("collateral_owner default: got %s, want alice", a.CollateralOwner)
	}
	if a.StablecoinRecipient != "alice" {
		t.Errorf("stablecoin_recipient default: got %s, want alice", a.StablecoinRecipient)
	}
	if !a.DeltaCollateral.IsPositive() {
		t.Error("delta_collateral should parse as positive")
	}
}

func TestParsePositionAdjustment_NegativeDeltas(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":       "660e8400-e29b-41d4-a716-446655440001",
		"pool_id":          "ETH-A",
		"caller":           "alice",
		"owner":            "alice",
		"delta_collateral": "-1000000000000000000",
		"delta_debt_share": "-500000000000000000",
		"sequence":         int64(2),
		"timestamp":        int64(1700000000),
	}

	raw := rawFromJSON(t, payload)
	op, err := ingestion.ParseRawOp(raw, "PositionAdjustment")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	a := op.(*event.PositionAdjustment)
	if a.DeltaCollateral.IsPositive() || a.DeltaCollateral.IsZero() {
		t.Error("delta_collateral should parse as negative")
	}
}

func TestParseLiquidation_DefaultRepayShare(t *testing.T) {
	payload := map[string]interface{}{
		"liquidation_id": "770e8400-e29b-41d4-a716-446655440002",
		"pool_id":        "ETH-A",
		"position_owner": "alice",
		"liquidator":     "bob",
		"sequence":       int64(3),
		"timestamp":      int64(1700000000),
	}

	raw := rawFromJSON(t, payload)
	op, err := ingestion.ParseRawOp(raw, "Liquidation")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	l, ok := op.(*event.Liquidation)
	if !ok {
		t.Fatalf("expected *event.Liquidation, got %T", op)
	}

	if !l.RepayShare.EQ(num.MaxUint()) {
		t.Error("absent repay_share should default to max (close-factor bound)")
	}
	if l.CollateralRecipient != "bob" {
		t.Errorf("collateral_recipient default: got %s, want bob", l.CollateralRecipient)
	}
}

func TestParsePoolCreate(t *testing.T) {
	payload := map[string]interface{}{
		"pool_id": "ETH-A",
		"params": map[string]interface{}{
			"debt_ceiling":             "1000000000000000000000000000000000000000000000000000",
			"debt_floor":               "100000000000000000000000000000000000000000000",
			"stability_fee_rate":       "1000000001000000000000000000",
			"close_factor_bps":         uint64(5000),
			"liquidator_incentive_bps": uint64(10500),
			"treasury_fee_bps":         uint64(1000),
			"price_max_age":            int64(3600),
		},
		"sequence":  int64(0),
		"timestamp": int64(1700000000),
	}

	raw := rawFromJSON(t, payload)
	op, err := ingestion.ParseRawOp(raw, "PoolCreate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	p, ok := op.(*event.PoolCreate)
	if !ok {
		t.Fatalf("expected *event.PoolCreate, got %T", op)
	}

	if p.Params.CloseFactorBps != 5000 {
		t.Errorf("close_factor_bps: got %d, want 5000", p.Params.CloseFactorBps)
	}
}

func TestParsePoolCreate_RejectsBadCloseFactor(t *testing.T) {
	payload := map[string]interface{}{
		"pool_id": "ETH-A",
		"params": map[string]interface{}{
			"debt_ceiling":             "1000",
			"debt_floor":               "1",
			"stability_fee_rate":       "1000000000000000000000000000",
			"close_factor_bps":         uint64(20_000),
			"liquidator_incentive_bps": uint64(10500),
			"treasury_fee_bps":         uint64(1000),
			"price_max_age":            int64(3600),
		},
		"sequence":  int64(0),
		"timestamp": int64(1700000000),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawOp(raw, "PoolCreate"); err == nil {
		t.Fatal("expected error for close_factor_bps > 10000")
	}
}

func TestParseStabilityFeeTick(t *testing.T) {
	payload := map[string]interface{}{
		"pool_id":   "ETH-A",
		"sequence":  int64(7),
		"timestamp": int64(1700000000),
	}

	raw := rawFromJSON(t, payload)
	op, err := ingestion.ParseRawOp(raw, "StabilityFeeTick")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	f := op.(*event.StabilityFeeTick)
	if f.IdempotencyKey() != "fee:ETH-A:1700000000" {
		t.Errorf("idempotency key: got %s", f.IdempotencyKey())
	}
}

func TestParseUnknownOpType_Fails(t *testing.T) {
	raw := ingestion.RawOp{Data: []byte(`{}`)}
	_, err := ingestion.ParseRawOp(raw, "NonExistentType")
	if err == nil {
		t.Fatal("expected error for unknown op type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawOp{Data: []byte(`{invalid json`)}
	_, err := ingestion.ParseRawOp(raw, "CollateralDeposit")
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseMissingDepositID_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"pool_id":   "ETH-A",
		"account":   "alice",
		"amount":    "1",
		"sequence":  int64(1),
		"timestamp": int64(1700000000),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawOp(raw, "CollateralDeposit"); err == nil {
		t.Fatal("expected error for missing deposit_id")
	}
}

func TestParseMissingAmount_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_id": "550e8400-e29b-41d4-a716-446655440000",
		"pool_id":    "ETH-A",
		"account":    "alice",
		"sequence":   int64(1),
		"timestamp":  int64(1700000000),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawOp(raw, "CollateralDeposit"); err == nil {
		t.Fatal("expected error for missing amount")
	}
}
