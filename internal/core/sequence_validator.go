package core

import (
	"fmt"
)

// SequenceValidator validates source sequences per partition.
// Not thread-safe — only accessed from the single-writer core goroutine.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         NewSequenceMetrics(),
	}
}

// ValidateSequence checks source sequence ordering
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	idempotencyKey string,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		// Stale or duplicate
		if isDuplicate {
			// Already processed, expected
			return nil
		}
		// Out-of-order delivery of NEW operation
		sv.metrics.RecordOutOfOrder(partition)
		return fmt.Errorf("out-of-order operation: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		// Normal case - advance sequence
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	// sourceSequence > expected - gap detected
	sv.metrics.RecordGap(partition, expected, sourceSequence)
	return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// ObservePriceSequence validates a price update sequence. Price feeds may
// gap (dropped frames are tolerable, the next update supersedes them) but
// stale sequences must not be applied. Returns false when the update is
// stale and should be dropped.
func (sv *SequenceValidator) ObservePriceSequence(
	poolID string,
	priceSequence int64,
) bool {
	partition := fmt.Sprintf("price:%s", poolID)

	expected := sv.expectedNextSeq[partition]

	if priceSequence < expected {
		// Stale - drop, a newer observation already applied
		sv.metrics.RecordStalePrice(poolID)
		return false
	}

	if priceSequence > expected {
		// Gap detected - record and accept
		sv.metrics.RecordPriceGap(poolID, expected, priceSequence)
	}

	sv.expectedNextSeq[partition] = priceSequence + 1

	return true
}

// ObserveFeeTick validates a stability fee tick ordered by timestamp. Ticks
// come from both upstream producers and the in-process keeper, so gaps are
// normal; accrual is idempotent per timestamp, but a tick older than one
// already applied must be dropped. Returns false when the tick is stale.
func (sv *SequenceValidator) ObserveFeeTick(
	poolID string,
	timestamp int64,
) bool {
	partition := fmt.Sprintf("fee:%s", poolID)

	expected := sv.expectedNextSeq[partition]

	if timestamp < expected {
		return false
	}

	sv.expectedNextSeq[partition] = timestamp + 1

	return true
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// SetExpectedSequence initializes expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions exports the per-partition expected sequences for snapshots.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for partition, seq := range sv.expectedNextSeq {
		out[partition] = seq
	}
	return out
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
// Not thread-safe — only accessed from the single-writer core goroutine.
type SequenceMetrics struct {
	gaps        map[string]int64 // partition -> gap count
	outOfOrder  map[string]int64 // partition -> out-of-order count
	priceGaps   map[string]int64 // pool_id -> price gap count
	stalePrices map[string]int64 // pool_id -> stale drop count
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:        make(map[string]int64),
		outOfOrder:  make(map[string]int64),
		priceGaps:   make(map[string]int64),
		stalePrices: make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string, expected, got int64) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) RecordPriceGap(poolID string, expected, got int64) {
	m.priceGaps[poolID]++
}

func (m *SequenceMetrics) RecordStalePrice(poolID string) {
	m.stalePrices[poolID]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetOutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}

func (m *SequenceMetrics) GetPriceGaps(poolID string) int64 {
	return m.priceGaps[poolID]
}

func (m *SequenceMetrics) GetStalePrices(poolID string) int64 {
	return m.stalePrices[poolID]
}
