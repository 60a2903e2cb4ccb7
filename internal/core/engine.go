package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/liquidation"
	"CDPLedger/internal/num"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/stability"
)

// conservationCheckInterval is how often (in sequences) the full
// conservation identities are re-validated. A violation is unrecoverable
// corruption and panics.
const conservationCheckInterval = 1000

// Engine is the single-writer operation processor. All ledger mutation
// happens here, one operation at a time, so state transitions are
// deterministic and replayable from the operation log.
type Engine struct {
	sequence          int64
	hasher            *StateHasher
	ledger            *ledger.Ledger
	delegates         *ledger.DelegateRegistry
	collector         *stability.Collector
	liquidator        *liquidation.Engine
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	log               zerolog.Logger

	// flashFuncs maps liquidator IDs to registered flash callbacks. Wire
	// liquidations naming a registered liquidator run its callback
	// mid-liquidation. Registration happens before the core loop starts;
	// the map is read-only afterwards.
	flashFuncs map[string]liquidation.FlashFunc

	persistChan chan<- Output
	publishChan chan<- Output
}

// Output is one applied operation: the log envelope plus an optional
// JSON-encoded result (liquidation outcomes, accrued fees).
type Output struct {
	Envelope *event.Envelope
	Result   []byte
}

func NewEngine(
	startSequence int64,
	globalDebtCeiling *num.Uint,
	persistChan, publishChan chan<- Output,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Engine {
	delegates := ledger.NewDelegateRegistry()
	l := ledger.New(globalDebtCeiling, delegates)

	return &Engine{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		ledger:            l,
		delegates:         delegates,
		collector:         stability.NewCollector(l, log),
		liquidator:        liquidation.NewEngine(l, liquidation.FixedSpread{}, log),
		idempotency:       NewIdempotencyChecker(1_000_000, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		log:               log.With().Str("component", "core").Logger(),
		flashFuncs:        make(map[string]liquidation.FlashFunc),
		persistChan:       persistChan,
		publishChan:       publishChan,
	}
}

// ProcessOp is the main processing pipeline: dedup, sequence validation,
// dispatch, state hash, emit, mark processed.
func (c *Engine) ProcessOp(op event.Op) error {
	start := time.Now()
	opType := op.OpType().String()
	idempotencyKey := op.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(opType, idempotencyKey)

	// Step 2: Sequence validation. Price updates tolerate gaps: stale
	// observations are dropped, newer ones supersede dropped frames.
	if priceOp, ok := op.(*event.PriceUpdate); ok {
		if !c.sequenceValidator.ObservePriceSequence(priceOp.Pool, priceOp.PriceSequence) {
			if c.metrics != nil {
				c.metrics.StalePriceDrops.WithLabelValues(priceOp.Pool).Inc()
			}
			return nil
		}
	} else if feeOp, ok := op.(*event.StabilityFeeTick); ok {
		// Fee ticks are ordered by timestamp and may come from multiple
		// emitters; stale ticks drop silently, gaps are fine.
		if !c.sequenceValidator.ObserveFeeTick(feeOp.Pool, feeOp.Timestamp) {
			return nil
		}
	} else {
		partition := c.getPartition(op)
		if err := c.sequenceValidator.ValidateSequence(partition, op.SourceSequence(), idempotencyKey, isDuplicate); err != nil {
			if c.metrics != nil {
				c.metrics.CoreOpsRejected.WithLabelValues(opType, "sequence").Inc()
			}
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	// If duplicate, skip processing
	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreOpsRejected.WithLabelValues(opType, "duplicate").Inc()
		}
		return nil
	}

	// Step 3: Dispatch to the ledger
	result, err := c.dispatchOp(op)
	if err != nil {
		if c.metrics != nil {
			c.metrics.CoreOpsRejected.WithLabelValues(opType, "dispatch").Inc()
		}
		return fmt.Errorf("dispatch failed: %w", err)
	}

	// Step 4: Compute state digest and extend the hash chain
	prevHash := c.hasher.GetPrevHash()
	stateDigest := c.computeStateDigest()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	// Step 5: Create envelope
	payload, err := json.Marshal(op)
	if err != nil {
		panic(fmt.Sprintf("FATAL: cannot marshal applied operation %s: %v", opType, err))
	}

	envelope := &event.Envelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		OpType:         op.OpType(),
		PoolID:         op.PoolID(),
		Timestamp:      op.OccurredAt(),
		SourceSequence: op.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	c.sequence++

	// Step 6: Periodic full conservation check. The identities are exact;
	// any drift is corruption and the process must not continue.
	if c.sequence%conservationCheckInterval == 0 {
		if err := c.ledger.ValidateConservation(); err != nil {
			panic(fmt.Sprintf("FATAL: conservation violated at seq %d: %v", c.sequence, err))
		}
		if c.metrics != nil {
			c.metrics.ConservationChecks.Inc()
		}
	}

	// Step 7: Emit outputs. Persistence uses a BLOCKING send (backpressure,
	// no applied operation is ever lost). Publish uses a NON-BLOCKING send
	// with silent drop; consumers can rebuild from the operation log.
	output := Output{Envelope: envelope, Result: result}

	c.persistChan <- output

	select {
	case c.publishChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.PublishDrops.Inc()
		}
	}

	// Step 8: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(opType, idempotencyKey)

	// Record metrics
	if c.metrics != nil {
		c.metrics.CoreOpsApplied.WithLabelValues(opType).Inc()
		c.metrics.CoreOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}

	return nil
}

// getPartition determines partition key for sequence validation
func (c *Engine) getPartition(op event.Op) string {
	if poolID := op.PoolID(); poolID != nil {
		return fmt.Sprintf("pool:%s", *poolID)
	}
	return "global"
}

func (c *Engine) dispatchOp(op event.Op) ([]byte, error) {
	switch o := op.(type) {
	case *event.PriceUpdate:
		return nil, c.handlePriceUpdate(o)
	case *event.CollateralDeposit:
		return nil, c.ledger.AddCollateral(o.Pool, o.Account, num.IntFromUint(o.Amount))
	case *event.CollateralWithdrawal:
		return nil, c.ledger.AddCollateral(o.Pool, o.Account, num.IntFromUint(o.Amount).Neg())
	case *event.PositionAdjustment:
		return nil, c.ledger.AdjustPosition(
			o.Caller, o.Pool, o.Owner, o.CollateralOwner, o.StablecoinRecipient,
			o.DeltaCollateral, o.DeltaDebtShare,
		)
	case *event.CollateralTransfer:
		return nil, c.ledger.MoveCollateral(o.Caller, o.Pool, o.From, o.To, o.Amount)
	case *event.StablecoinTransfer:
		return nil, c.ledger.MoveStablecoin(o.Caller, o.From, o.To, o.Amount)
	case *event.Liquidation:
		return c.handleLiquidation(o)
	case *event.StabilityFeeTick:
		return c.handleStabilityFeeTick(o)
	case *event.PoolCreate:
		return nil, c.ledger.CreatePool(o.Pool, poolParamsFromPayload(o.Params), o.Timestamp)
	case *event.PoolUpdate:
		return nil, c.ledger.UpdatePoolParams(o.Pool, poolParamsFromPayload(o.Params))
	case *event.PoolCage:
		return nil, c.ledger.CagePool(o.Pool)
	case *event.DelegationUpdate:
		if o.Approve {
			c.delegates.Approve(o.Owner, o.Delegate)
		} else {
			c.delegates.Revoke(o.Owner, o.Delegate)
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown operation type: %T", op)
	}
}

// handlePriceUpdate validates the observation and stores the discounted
// price-with-safety-margin on the pool.
func (c *Engine) handlePriceUpdate(o *event.PriceUpdate) error {
	upd := oracle.Update{
		PoolID:                 o.Pool,
		Price:                  o.Price,
		CollateralizationRatio: o.CollateralizationRatio,
		Timestamp:              o.Timestamp,
	}
	if err := upd.Validate(); err != nil {
		return err
	}
	return c.ledger.SetPrice(o.Pool, upd.PriceWithSafetyMargin(), o.Timestamp)
}

// RegisterFlashLiquidator binds a flash callback to a liquidator ID.
// Liquidations naming that ID run the callback mid-liquidation with the
// operation's flash data. Must be called before the core loop starts.
func (c *Engine) RegisterFlashLiquidator(id string, fn liquidation.FlashFunc) {
	c.flashFuncs[id] = fn
}

// handleLiquidation accrues the pool's stability fee up to the operation
// time, then executes a fixed-spread liquidation, attaching the liquidator's
// registered flash callback if one exists.
func (c *Engine) handleLiquidation(o *event.Liquidation) ([]byte, error) {
	// Debt is valued at the accumulated rate; bring it current first so the
	// plan prices the position's full debt. A caged pool's rate is frozen
	// and skips accrual. A rejected liquidation must also undo the accrual:
	// a failed dispatch emits no envelope, so any surviving mutation would
	// diverge from replay.
	snapshot := c.ledger.Clone()
	if _, err := c.collector.Collect(o.Pool, o.Timestamp); err != nil && !errors.Is(err, ledger.ErrPoolNotLive) {
		return nil, fmt.Errorf("accrue before liquidation: %w", err)
	}

	req := liquidation.Request{
		PoolID:                o.Pool,
		PositionOwner:         o.PositionOwner,
		Liquidator:            o.Liquidator,
		CollateralRecipient:   o.CollateralRecipient,
		RepayShare:            o.RepayShare,
		MinCollateralExpected: o.MinCollateralExpected,
	}
	if fn, ok := c.flashFuncs[o.Liquidator]; ok {
		req.Flash = fn
		req.FlashData = o.FlashData
	}

	res, err := c.liquidator.Liquidate(context.Background(), req, o.Timestamp)
	if err != nil {
		c.ledger.Restore(snapshot)
		if c.metrics != nil {
			c.metrics.LiquidationRejected.WithLabelValues(o.Pool, "engine").Inc()
		}
		return nil, err
	}

	if c.metrics != nil {
		outcome := "partial"
		if res.FullClose {
			outcome = "full"
		}
		c.metrics.LiquidationExecuted.WithLabelValues(o.Pool, outcome).Inc()
	}

	result, err := json.Marshal(res)
	if err != nil {
		panic(fmt.Sprintf("FATAL: cannot marshal liquidation result: %v", err))
	}
	return result, nil
}

func (c *Engine) handleStabilityFeeTick(o *event.StabilityFeeTick) ([]byte, error) {
	fee, err := c.collector.Collect(o.Pool, o.Timestamp)
	if err != nil {
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.StabilityFeeAccrued.WithLabelValues(o.Pool).Inc()
	}

	result, err := json.Marshal(map[string]*num.Uint{"fee_accrued": fee})
	if err != nil {
		panic(fmt.Sprintf("FATAL: cannot marshal fee result: %v", err))
	}
	return result, nil
}

func poolParamsFromPayload(p event.PoolParamsPayload) ledger.PoolParams {
	return ledger.PoolParams{
		DebtCeiling:            p.DebtCeiling,
		DebtFloor:              p.DebtFloor,
		StabilityFeeRate:       p.StabilityFeeRate,
		CloseFactorBps:         p.CloseFactorBps,
		LiquidatorIncentiveBps: p.LiquidatorIncentiveBps,
		TreasuryFeeBps:         p.TreasuryFeeBps,
		PriceMaxAge:            p.PriceMaxAge,
	}
}

// computeStateDigest builds canonical bytes over the full ledger state:
// sorted pool aggregates, system totals and system account balances. All
// strings are length-prefixed, numbers rendered as base-10 strings.
func (c *Engine) computeStateDigest() []byte {
	digest := make([]byte, 0, 512)

	appendStr := func(s string) {
		digest = append(digest, byte(len(s)))
		digest = append(digest, []byte(s)...)
	}

	for _, id := range c.ledger.PoolIDs() {
		snap, _ := c.ledger.Pool(id)
		appendStr(snap.ID)
		appendStr(snap.DebtAccumulatedRate.String())
		appendStr(snap.TotalDebtShare.String())
		appendStr(snap.PriceWithSafetyMargin.String())
		if snap.Live {
			digest = append(digest, 1)
		} else {
			digest = append(digest, 0)
		}
	}

	appendStr(c.ledger.TotalDebtValue().String())
	appendStr(c.ledger.TotalUnbacked().String())
	appendStr(c.ledger.SystemBadDebt().String())
	appendStr(c.ledger.SystemSurplus().String())

	return digest
}

// --- Queries ---

// Query is a read-only closure executed on the core goroutine between
// operations. The closure must copy out anything it needs; ledger state
// must not escape.
type Query struct {
	Fn   func(l *ledger.Ledger, sequence int64, stateHash [32]byte)
	Done chan struct{}
}

// RunQuery executes a query against current state. Must be called from the
// core goroutine (the main loop selects between operations and queries).
func (c *Engine) RunQuery(q Query) {
	q.Fn(c.ledger, c.sequence, c.hasher.GetPrevHash())
	close(q.Done)
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64                 `json:"sequence"`
	StateHash       [32]byte              `json:"state_hash"`
	Ledger          *ledger.StateSnapshot `json:"ledger"`
	Delegations     map[string][]string   `json:"delegations"`
	SequenceState   map[string]int64      `json:"sequence_state"`
	IdempotencyKeys []string              `json:"idempotency_keys"`
}

// RestoreFromSnapshot restores the core's in-memory state. On warm restart
// the latest snapshot is loaded and the operation log replayed on top.
func (c *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	if err := c.ledger.RestoreSnapshot(snap.Ledger); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	c.delegates.Restore(snap.Delegations)

	// Next sequence to assign
	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)

	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.SetExpectedSequence(partition, nextSeq)
	}

	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache so recently
// processed operations do not take the cold-path DB lookup after restart.
func (c *Engine) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the current global sequence number.
func (c *Engine) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *Engine) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *Engine) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1, // Last processed sequence
		StateHash:       c.hasher.GetPrevHash(),
		Ledger:          c.ledger.Snapshot(),
		Delegations:     c.delegates.Snapshot(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}
