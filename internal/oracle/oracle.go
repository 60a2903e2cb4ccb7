// Package oracle defines the price update contract between external feeds
// and the accounting core. Prices arrive as raw collateral prices plus a
// collateralization ratio; the ledger only ever sees the discounted
// price-with-safety-margin.
package oracle

import (
	"fmt"

	"CDPLedger/internal/num"
)

// Update is a single price observation for one pool.
type Update struct {
	PoolID string `json:"pool_id"`
	// Price is the raw collateral price in stablecoin terms (RAY).
	Price *num.Uint `json:"price"`
	// CollateralizationRatio is the required overcollateralization (RAY,
	// >= 1.0; 1.5 means 150%).
	CollateralizationRatio *num.Uint `json:"collateralization_ratio"`
	// Timestamp is the observation time in unix seconds.
	Timestamp int64 `json:"timestamp"`
}

// Validate rejects structurally bad updates before they reach the core.
func (u Update) Validate() error {
	if u.PoolID == "" {
		return fmt.Errorf("price update: empty pool id")
	}
	if u.Price == nil || u.Price.IsZero() {
		return fmt.Errorf("price update %s: zero price", u.PoolID)
	}
	if u.CollateralizationRatio == nil || u.CollateralizationRatio.LT(num.RayOne()) {
		return fmt.Errorf("price update %s: collateralization ratio below 1.0", u.PoolID)
	}
	if u.Timestamp <= 0 {
		return fmt.Errorf("price update %s: missing timestamp", u.PoolID)
	}
	return nil
}

// PriceWithSafetyMargin discounts the raw price by the collateralization
// ratio: price * RAY / ratio, rounded down so the margin is never
// understated.
func (u Update) PriceWithSafetyMargin() *num.Uint {
	scaled := num.Zero().Mul(u.Price, num.RayOne())
	return scaled.Div(scaled, u.CollateralizationRatio)
}

// Fresh reports whether a price updated at updatedAt is still usable at now
// under the pool's max age. A price that has never been set (updatedAt == 0)
// is never fresh.
func Fresh(updatedAt, now, maxAge int64) bool {
	if updatedAt == 0 {
		return false
	}
	return now-updatedAt <= maxAge
}
