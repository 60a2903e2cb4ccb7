package event

import (
	"fmt"

	"github.com/google/uuid"

	"CDPLedger/internal/num"
)

// CollateralTransfer moves free collateral between accounts within a pool.
type CollateralTransfer struct {
	TransferID uuid.UUID `json:"transfer_id"`
	Pool       string    `json:"pool_id"`
	Caller     string    `json:"caller"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Amount     *num.Uint `json:"amount"`
	Sequence   int64     `json:"sequence"`
	Timestamp  int64     `json:"timestamp"`
}

func (t *CollateralTransfer) IdempotencyKey() string {
	return fmt.Sprintf("%s:collateral", t.TransferID)
}

func (t *CollateralTransfer) OpType() OpType {
	return OpTypeCollateralTransfer
}

func (t *CollateralTransfer) PoolID() *string {
	return &t.Pool
}

func (t *CollateralTransfer) SourceSequence() int64 {
	return t.Sequence
}

func (t *CollateralTransfer) OccurredAt() int64 {
	return t.Timestamp
}

// StablecoinTransfer moves internal stablecoin between accounts (RAD).
type StablecoinTransfer struct {
	TransferID uuid.UUID `json:"transfer_id"`
	Caller     string    `json:"caller"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Amount     *num.Uint `json:"amount"`
	Sequence   int64     `json:"sequence"`
	Timestamp  int64     `json:"timestamp"`
}

func (t *StablecoinTransfer) IdempotencyKey() string {
	return fmt.Sprintf("%s:stablecoin", t.TransferID)
}

func (t *StablecoinTransfer) OpType() OpType {
	return OpTypeStablecoinTransfer
}

func (t *StablecoinTransfer) PoolID() *string {
	return nil
}

func (t *StablecoinTransfer) SourceSequence() int64 {
	return t.Sequence
}

func (t *StablecoinTransfer) OccurredAt() int64 {
	return t.Timestamp
}
