package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/num"
)

// ErrNotFound marks lookups for pools or positions that do not exist.
var ErrNotFound = fmt.Errorf("not found")

// QueryService serves reads. Live state queries run as closures on the core
// goroutine between operations, so every response is a consistent view at
// one sequence. History queries read the Postgres operation log directly.
type QueryService struct {
	db      *sql.DB
	queries chan<- core.Query
	timeout time.Duration
}

func NewQueryService(db *sql.DB, queries chan<- core.Query) *QueryService {
	return &QueryService{
		db:      db,
		queries: queries,
		timeout: 2 * time.Second,
	}
}

// runOnCore submits fn to the core goroutine and waits for completion. The
// closure must copy out everything it returns; ledger state must not escape.
func (qs *QueryService) runOnCore(ctx context.Context, fn func(l *ledger.Ledger, sequence int64, stateHash [32]byte)) error {
	ctx, cancel := context.WithTimeout(ctx, qs.timeout)
	defer cancel()

	q := core.Query{Fn: fn, Done: make(chan struct{})}

	select {
	case qs.queries <- q:
	case <-ctx.Done():
		return fmt.Errorf("core busy: %w", ctx.Err())
	}

	select {
	case <-q.Done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("query timed out: %w", ctx.Err())
	}
}

// GetPool returns one pool's configuration and aggregates.
func (qs *QueryService) GetPool(ctx context.Context, poolID string) (*PoolResponse, error) {
	var resp *PoolResponse
	err := qs.runOnCore(ctx, func(l *ledger.Ledger, seq int64, _ [32]byte) {
		snap, ok := l.Pool(poolID)
		if !ok {
			return
		}
		resp = &PoolResponse{
			PoolSnapshot: snap,
			DebtValue:    num.MulWadRay(snap.TotalDebtShare, snap.DebtAccumulatedRate),
			AsOfSequence: seq,
		}
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("pool %s: %w", poolID, ErrNotFound)
	}
	return resp, nil
}

// ListPools returns all pools in deterministic order.
func (qs *QueryService) ListPools(ctx context.Context) ([]PoolResponse, error) {
	var pools []PoolResponse
	err := qs.runOnCore(ctx, func(l *ledger.Ledger, seq int64, _ [32]byte) {
		for _, id := range l.PoolIDs() {
			snap, ok := l.Pool(id)
			if !ok {
				continue
			}
			pools = append(pools, PoolResponse{
				PoolSnapshot: snap,
				DebtValue:    num.MulWadRay(snap.TotalDebtShare, snap.DebtAccumulatedRate),
				AsOfSequence: seq,
			})
		}
	})
	return pools, err
}

// GetPosition returns one CDP with its debt valued at the current rate.
func (qs *QueryService) GetPosition(ctx context.Context, poolID, owner string) (*PositionResponse, error) {
	var resp *PositionResponse
	var poolMissing bool
	err := qs.runOnCore(ctx, func(l *ledger.Ledger, seq int64, _ [32]byte) {
		pool, ok := l.Pool(poolID)
		if !ok {
			poolMissing = true
			return
		}
		pos := l.Position(poolID, owner)

		// Safety at the last applied price: debtShare*rate <= collateral*price.
		debtValue := num.MulWadRay(pos.DebtShare, pool.DebtAccumulatedRate)
		collateralValue := num.MulWadRay(pos.LockedCollateral, pool.PriceWithSafetyMargin)
		resp = &PositionResponse{
			PoolID:           poolID,
			Owner:            owner,
			LockedCollateral: pos.LockedCollateral,
			DebtShare:        pos.DebtShare,
			DebtValue:        debtValue,
			Safe:             debtValue.LTE(collateralValue),
			AsOfSequence:     seq,
		}
	})
	if err != nil {
		return nil, err
	}
	if poolMissing {
		return nil, fmt.Errorf("pool %s: %w", poolID, ErrNotFound)
	}
	return resp, nil
}

// GetAccount returns an account's stablecoin, bad debt and per-pool free
// collateral balances.
func (qs *QueryService) GetAccount(ctx context.Context, account string) (*AccountResponse, error) {
	var resp *AccountResponse
	err := qs.runOnCore(ctx, func(l *ledger.Ledger, seq int64, _ [32]byte) {
		free := make(map[string]*num.Uint)
		for _, id := range l.PoolIDs() {
			bal := l.FreeCollateral(id, account)
			if !bal.IsZero() {
				free[id] = bal
			}
		}
		resp = &AccountResponse{
			Account:        account,
			Stablecoin:     l.Stablecoin(account),
			BadDebt:        l.BadDebt(account),
			FreeCollateral: free,
			AsOfSequence:   seq,
		}
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetSystem returns the global accounting state and the hash chain tip.
func (qs *QueryService) GetSystem(ctx context.Context) (*SystemResponse, error) {
	var resp *SystemResponse
	err := qs.runOnCore(ctx, func(l *ledger.Ledger, seq int64, stateHash [32]byte) {
		resp = &SystemResponse{
			TotalDebtValue: l.TotalDebtValue(),
			TotalUnbacked:  l.TotalUnbacked(),
			SystemBadDebt:  l.SystemBadDebt(),
			SystemSurplus:  l.SystemSurplus(),
			StateHash:      hex.EncodeToString(stateHash[:]),
			AsOfSequence:   seq,
		}
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetOpHistory returns applied operations from the log with cursor-based
// pagination, newest first. poolID narrows to one pool's operations.
func (qs *QueryService) GetOpHistory(
	ctx context.Context,
	poolID *string,
	limit int,
	beforeSequence *int64,
) ([]OpHistoryEntry, error) {
	queryStr := `
		SELECT sequence, op_type, idempotency_key, pool_id, payload, result,
		       state_hash, timestamp, source_sequence
		FROM op_log.operations
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if poolID != nil {
		queryStr += fmt.Sprintf(" AND pool_id = $%d", argIdx)
		args = append(args, *poolID)
		argIdx++
	}

	if beforeSequence != nil {
		queryStr += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	queryStr += " ORDER BY sequence DESC"
	queryStr += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []OpHistoryEntry
	for rows.Next() {
		var e OpHistoryEntry
		var stateHash []byte
		if err := rows.Scan(
			&e.Sequence, &e.OpType, &e.IdempotencyKey, &e.PoolID,
			&e.Payload, &e.Result, &stateHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		e.StateHash = hex.EncodeToString(stateHash)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetLiquidationHistory returns executed liquidations from the projection,
// newest first. owner narrows to one position owner's liquidations.
func (qs *QueryService) GetLiquidationHistory(
	ctx context.Context,
	poolID *string,
	owner *string,
	limit int,
	beforeSequence *int64,
) ([]LiquidationHistoryEntry, error) {
	queryStr := `
		SELECT sequence, liquidation_id, pool_id, position_owner, liquidator,
		       repaid_debt_share, repaid_debt_value, seized_collateral,
		       liquidator_proceeds, treasury_fee, bad_debt, full_close, timestamp
		FROM projections.liquidations
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if poolID != nil {
		queryStr += fmt.Sprintf(" AND pool_id = $%d", argIdx)
		args = append(args, *poolID)
		argIdx++
	}
	if owner != nil {
		queryStr += fmt.Sprintf(" AND position_owner = $%d", argIdx)
		args = append(args, *owner)
		argIdx++
	}
	if beforeSequence != nil {
		queryStr += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	queryStr += " ORDER BY sequence DESC"
	queryStr += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LiquidationHistoryEntry
	for rows.Next() {
		var e LiquidationHistoryEntry
		if err := rows.Scan(
			&e.Sequence, &e.LiquidationID, &e.PoolID, &e.PositionOwner, &e.Liquidator,
			&e.RepaidDebtShare, &e.RepaidDebtValue, &e.SeizedCollateral,
			&e.LiquidatorProceeds, &e.TreasuryFee, &e.BadDebt, &e.FullClose, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// VerifyIntegrity checks hash chain continuity over the persisted log and
// the conservation identities over live state.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT o1.sequence
		FROM op_log.operations o1
		JOIN op_log.operations o2 ON o2.sequence = o1.sequence - 1
		WHERE o1.prev_hash != o2.state_hash
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = qs.runOnCore(ctx, func(l *ledger.Ledger, seq int64, _ [32]byte) {
		report.AsOfSequence = seq
		if cerr := l.ValidateConservation(); cerr != nil {
			report.ConservationError = cerr.Error()
		}
	})
	if err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.ConservationError == ""
	return report, nil
}
