package event

import (
	"fmt"

	"github.com/google/uuid"

	"CDPLedger/internal/num"
)

// CollateralDeposit mirrors a confirmed external deposit into an account's
// free collateral balance.
type CollateralDeposit struct {
	DepositID uuid.UUID `json:"deposit_id"`
	Pool      string    `json:"pool_id"`
	Account   string    `json:"account"`
	Amount    *num.Uint `json:"amount"`
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
}

func (d *CollateralDeposit) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *CollateralDeposit) OpType() OpType {
	return OpTypeCollateralDeposit
}

func (d *CollateralDeposit) PoolID() *string {
	return &d.Pool
}

func (d *CollateralDeposit) SourceSequence() int64 {
	return d.Sequence
}

func (d *CollateralDeposit) OccurredAt() int64 {
	return d.Timestamp
}

// CollateralWithdrawal debits an account's free collateral for an external
// withdrawal. Rejected if the free balance is insufficient.
type CollateralWithdrawal struct {
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
	Pool         string    `json:"pool_id"`
	Account      string    `json:"account"`
	Amount       *num.Uint `json:"amount"`
	Sequence     int64     `json:"sequence"`
	Timestamp    int64     `json:"timestamp"`
}

func (w *CollateralWithdrawal) IdempotencyKey() string {
	return fmt.Sprintf("%s:withdraw", w.WithdrawalID)
}

func (w *CollateralWithdrawal) OpType() OpType {
	return OpTypeCollateralWithdrawal
}

func (w *CollateralWithdrawal) PoolID() *string {
	return &w.Pool
}

func (w *CollateralWithdrawal) SourceSequence() int64 {
	return w.Sequence
}

func (w *CollateralWithdrawal) OccurredAt() int64 {
	return w.Timestamp
}
