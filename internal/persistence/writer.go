package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// OpLogWriter writes applied operations to Postgres using batch inserts.
// Multi-row INSERT is used as a portable alternative to COPY; switch to pgx
// CopyFrom if the write path ever becomes the bottleneck.
type OpLogWriter struct {
	db           *sql.DB
	batchSize    int
	flushTimeout time.Duration
}

// OpRow represents a row in op_log.operations
type OpRow struct {
	Sequence       int64
	OpType         string
	IdempotencyKey string
	PoolID         *string
	Payload        []byte // JSON-encoded operation payload
	Result         []byte // JSON-encoded result (nullable)
	StateHash      []byte
	PrevHash       []byte
	Timestamp      int64
	SourceSequence int64
}

func NewOpLogWriter(db *sql.DB, batchSize int, flushTimeout time.Duration) *OpLogWriter {
	return &OpLogWriter{
		db:           db,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
	}
}

// WriteOpBatch writes a batch of operations inside tx using multi-row INSERT.
func (w *OpLogWriter) WriteOpBatch(ctx context.Context, tx *sql.Tx, ops []OpRow) error {
	if len(ops) == 0 {
		return nil
	}

	query := `INSERT INTO op_log.operations
		(sequence, op_type, idempotency_key, pool_id, payload, result, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(ops))
	args := make([]interface{}, 0, len(ops)*10)

	for i, o := range ops {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		// JSONB parameters must go over the wire as text; lib/pq encodes
		// []byte as bytea hex, which Postgres rejects for json columns.
		var result sql.NullString
		if len(o.Result) > 0 {
			result = sql.NullString{String: string(o.Result), Valid: true}
		}
		args = append(args,
			o.Sequence, o.OpType, o.IdempotencyKey, o.PoolID,
			string(o.Payload), result, o.StateHash, o.PrevHash,
			o.Timestamp, o.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
