package event

import (
	"github.com/google/uuid"
)

// DelegationUpdate approves or revokes a delegate caller for an owner's
// positions and balances.
type DelegationUpdate struct {
	RequestID uuid.UUID `json:"request_id"`
	Owner     string    `json:"owner"`
	Delegate  string    `json:"delegate"`
	Approve   bool      `json:"approve"`
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
}

func (d *DelegationUpdate) IdempotencyKey() string {
	return d.RequestID.String()
}

func (d *DelegationUpdate) OpType() OpType {
	return OpTypeDelegationUpdate
}

func (d *DelegationUpdate) PoolID() *string {
	return nil
}

func (d *DelegationUpdate) SourceSequence() int64 {
	return d.Sequence
}

func (d *DelegationUpdate) OccurredAt() int64 {
	return d.Timestamp
}
