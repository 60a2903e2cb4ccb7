// Package projection maintains denormalized history tables for keeper and
// dashboard queries. Projections are eventually consistent and rebuildable
// from the operation log; losing one is an inconvenience, not data loss.
package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// ProjectionOutput mirrors the applied-operation fields projections need.
// The orchestrator bridges between core.Output and this.
type ProjectionOutput struct {
	Sequence  int64
	OpType    string
	PoolID    *string
	Payload   []byte
	Result    []byte
	Timestamp int64
}

// ProjectionWorker updates projection tables from applied operations. The
// input channel is non-blocking with drop on the core side; gaps are
// repaired by RebuildProjections.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				// Continue, projections are rebuildable from the operation log
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	switch output.OpType {
	case "Liquidation":
		if err := projectLiquidation(ctx, tx, output); err != nil {
			return fmt.Errorf("liquidation projection: %w", err)
		}
	case "StabilityFeeTick":
		if err := projectFeeAccrual(ctx, tx, output); err != nil {
			return fmt.Errorf("fee accrual projection: %w", err)
		}
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// RebuildProjections rebuilds all projection tables from the operation log.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.liquidations`,
		`TRUNCATE projections.fee_accruals`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	rows, err := db.QueryContext(ctx, `
		SELECT sequence, op_type, pool_id, payload, result, timestamp
		FROM op_log.operations
		WHERE op_type IN ('Liquidation', 'StabilityFeeTick')
		ORDER BY sequence ASC
	`)
	if err != nil {
		return fmt.Errorf("read operation log: %w", err)
	}
	defer rows.Close()

	var outputs []ProjectionOutput
	for rows.Next() {
		var o ProjectionOutput
		if err := rows.Scan(&o.Sequence, &o.OpType, &o.PoolID, &o.Payload, &o.Result, &o.Timestamp); err != nil {
			return err
		}
		outputs = append(outputs, o)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var lastSeq int64
	for _, o := range outputs {
		switch o.OpType {
		case "Liquidation":
			if err := projectLiquidation(ctx, tx, o); err != nil {
				return err
			}
		case "StabilityFeeTick":
			if err := projectFeeAccrual(ctx, tx, o); err != nil {
				return err
			}
		}
		lastSeq = o.Sequence
	}

	if lastSeq > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
			VALUES ('main', $1, NOW())
			ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
		`, lastSeq); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}
