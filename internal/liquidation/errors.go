package liquidation

import "errors"

var (
	// ErrPositionSafe: collateral value still covers debt value; nothing to
	// liquidate.
	ErrPositionSafe = errors.New("position is safe")

	// ErrStalePrice: the pool's price is older than its max age. Liquidation
	// fails closed on stale prices; position owners' operations do not.
	ErrStalePrice = errors.New("pool price is stale")

	ErrZeroRepay = errors.New("requested repay amount is zero")

	// ErrProceedsBelowMinimum: the liquidator's net collateral proceeds came
	// in under the request's floor. Nothing moves; the liquidator can retry
	// at a fresher price.
	ErrProceedsBelowMinimum = errors.New("liquidator proceeds below requested minimum")

	// ErrRepayNotFunded: the liquidator did not hold the owed stablecoin
	// after the flash callback returned.
	ErrRepayNotFunded = errors.New("liquidator cannot fund debt repayment")

	// ErrFlashCallbackFailed wraps an error returned by the liquidator's
	// callback; all state changes are rolled back.
	ErrFlashCallbackFailed = errors.New("flash liquidation callback failed")
)
