package event

import (
	"fmt"

	"CDPLedger/internal/num"
)

// PriceUpdate carries a fresh oracle observation for one pool. Price
// sequences come from the feed and may have gaps; stale sequences are
// silently dropped instead of rejected.
type PriceUpdate struct {
	Pool                   string    `json:"pool_id"`
	Price                  *num.Uint `json:"price"`
	CollateralizationRatio *num.Uint `json:"collateralization_ratio"`
	PriceSequence          int64     `json:"price_sequence"`
	Timestamp              int64     `json:"timestamp"`
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("price:%s:%d", p.Pool, p.PriceSequence)
}

func (p *PriceUpdate) OpType() OpType {
	return OpTypePriceUpdate
}

func (p *PriceUpdate) PoolID() *string {
	return &p.Pool
}

func (p *PriceUpdate) SourceSequence() int64 {
	return p.PriceSequence
}

func (p *PriceUpdate) OccurredAt() int64 {
	return p.Timestamp
}
