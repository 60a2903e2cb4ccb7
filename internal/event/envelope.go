// Package event defines the operations the deterministic core consumes and
// the envelope format every applied operation is logged under.
package event

// OpType discriminator for operation payloads
type OpType int32

const (
	OpTypeUnknown OpType = iota
	OpTypePriceUpdate
	OpTypeCollateralDeposit
	OpTypeCollateralWithdrawal
	OpTypePositionAdjustment
	OpTypeCollateralTransfer
	OpTypeStablecoinTransfer
	OpTypeLiquidation
	OpTypeStabilityFeeTick
	OpTypePoolCreate
	OpTypePoolUpdate
	OpTypePoolCage
	OpTypeDelegationUpdate
)

// Envelope wraps every applied operation in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Operation type discriminator
	OpType OpType

	// Pool context (nil for global operations)
	PoolID *string

	// Versioned input timestamp in unix seconds (NOT wall-clock)
	Timestamp int64

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded operation payload
	Payload []byte

	// SHA-256 of state AFTER applying this operation
	StateHash [32]byte

	// Previous operation's state hash (chain integrity)
	PrevHash [32]byte
}

// Op is the interface all operation payloads must implement
type Op interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// OpType returns the discriminator
	OpType() OpType

	// PoolID returns the pool context (nil for global operations)
	PoolID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// OccurredAt returns the versioned input timestamp (unix seconds)
	OccurredAt() int64
}

func (ot OpType) String() string {
	switch ot {
	case OpTypePriceUpdate:
		return "PriceUpdate"
	case OpTypeCollateralDeposit:
		return "CollateralDeposit"
	case OpTypeCollateralWithdrawal:
		return "CollateralWithdrawal"
	case OpTypePositionAdjustment:
		return "PositionAdjustment"
	case OpTypeCollateralTransfer:
		return "CollateralTransfer"
	case OpTypeStablecoinTransfer:
		return "StablecoinTransfer"
	case OpTypeLiquidation:
		return "Liquidation"
	case OpTypeStabilityFeeTick:
		return "StabilityFeeTick"
	case OpTypePoolCreate:
		return "PoolCreate"
	case OpTypePoolUpdate:
		return "PoolUpdate"
	case OpTypePoolCage:
		return "PoolCage"
	case OpTypeDelegationUpdate:
		return "DelegationUpdate"
	default:
		return "Unknown"
	}
}
