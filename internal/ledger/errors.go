package ledger

import "errors"

// Sentinel errors for ledger guard failures. Each guard in AdjustPosition
// fails with a distinct error so callers can tell validation failures apart
// without string matching. None of these are retried by the core; retry
// policy belongs to external callers.
var (
	ErrPoolNotFound = errors.New("collateral pool not found")
	ErrPoolExists   = errors.New("collateral pool already exists")
	ErrPoolNotLive  = errors.New("collateral pool is caged")

	// ErrPositionUnsafe: the mutation would leave locked collateral value
	// below debt value. Liquidation is the only operation permitted on a
	// position in that state.
	ErrPositionUnsafe = errors.New("position would be unsafe")

	ErrPoolDebtCeilingExceeded   = errors.New("pool debt ceiling exceeded")
	ErrGlobalDebtCeilingExceeded = errors.New("global debt ceiling exceeded")

	// ErrDebtFloorViolated: the resulting debt is non-zero but below the
	// pool's dust threshold.
	ErrDebtFloorViolated = errors.New("position debt below debt floor")

	ErrNotAuthorized = errors.New("caller not authorized for position")

	ErrInsufficientCollateral = errors.New("insufficient free collateral")
	ErrInsufficientStablecoin = errors.New("insufficient stablecoin balance")
	ErrInsufficientBadDebt    = errors.New("insufficient bad debt to settle")

	ErrLockedCollateralUnderflow = errors.New("locked collateral would go negative")
	ErrDebtShareUnderflow        = errors.New("debt share would go negative")
)
