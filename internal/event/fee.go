package event

import "fmt"

// StabilityFeeTick triggers fee accrual for one pool up to Timestamp. The
// keeper emits one per pool per interval; replays and late ticks are
// harmless because accrual is idempotent per timestamp.
type StabilityFeeTick struct {
	Pool      string `json:"pool_id"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func (f *StabilityFeeTick) IdempotencyKey() string {
	return fmt.Sprintf("fee:%s:%d", f.Pool, f.Timestamp)
}

func (f *StabilityFeeTick) OpType() OpType {
	return OpTypeStabilityFeeTick
}

func (f *StabilityFeeTick) PoolID() *string {
	return &f.Pool
}

func (f *StabilityFeeTick) SourceSequence() int64 {
	return f.Sequence
}

func (f *StabilityFeeTick) OccurredAt() int64 {
	return f.Timestamp
}
