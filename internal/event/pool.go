package event

import (
	"fmt"

	"CDPLedger/internal/num"
)

// PoolParamsPayload is the wire form of a pool's risk configuration.
type PoolParamsPayload struct {
	DebtCeiling            *num.Uint `json:"debt_ceiling"`
	DebtFloor              *num.Uint `json:"debt_floor"`
	StabilityFeeRate       *num.Uint `json:"stability_fee_rate"`
	CloseFactorBps         uint64    `json:"close_factor_bps"`
	LiquidatorIncentiveBps uint64    `json:"liquidator_incentive_bps"`
	TreasuryFeeBps         uint64    `json:"treasury_fee_bps"`
	PriceMaxAge            int64     `json:"price_max_age"`
}

// PoolCreate registers a new collateral pool.
type PoolCreate struct {
	Pool      string            `json:"pool_id"`
	Params    PoolParamsPayload `json:"params"`
	Sequence  int64             `json:"sequence"`
	Timestamp int64             `json:"timestamp"`
}

func (p *PoolCreate) IdempotencyKey() string {
	return fmt.Sprintf("pool:%s:create", p.Pool)
}

func (p *PoolCreate) OpType() OpType    { return OpTypePoolCreate }
func (p *PoolCreate) PoolID() *string   { return &p.Pool }
func (p *PoolCreate) SourceSequence() int64 { return p.Sequence }
func (p *PoolCreate) OccurredAt() int64 { return p.Timestamp }

// PoolUpdate replaces a pool's risk parameters. EffectiveSeq orders
// competing admin updates.
type PoolUpdate struct {
	Pool         string            `json:"pool_id"`
	Params       PoolParamsPayload `json:"params"`
	EffectiveSeq int64             `json:"effective_seq"`
	Sequence     int64             `json:"sequence"`
	Timestamp    int64             `json:"timestamp"`
}

func (p *PoolUpdate) IdempotencyKey() string {
	return fmt.Sprintf("pool:%s:update:%d", p.Pool, p.EffectiveSeq)
}

func (p *PoolUpdate) OpType() OpType    { return OpTypePoolUpdate }
func (p *PoolUpdate) PoolID() *string   { return &p.Pool }
func (p *PoolUpdate) SourceSequence() int64 { return p.Sequence }
func (p *PoolUpdate) OccurredAt() int64 { return p.Timestamp }

// PoolCage permanently stops adjustments and accrual for a pool.
type PoolCage struct {
	Pool      string `json:"pool_id"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func (p *PoolCage) IdempotencyKey() string {
	return fmt.Sprintf("pool:%s:cage", p.Pool)
}

func (p *PoolCage) OpType() OpType    { return OpTypePoolCage }
func (p *PoolCage) PoolID() *string   { return &p.Pool }
func (p *PoolCage) SourceSequence() int64 { return p.Sequence }
func (p *PoolCage) OccurredAt() int64 { return p.Timestamp }
