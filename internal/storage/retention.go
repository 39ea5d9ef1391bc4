package storage

import (
	"context"
	"fmt"
	"time"
)

// PurgeCount holds row counts for a retention purge.
type PurgeCount struct {
	Traces int64 `json:"traces"`
	Spans  int64 `json:"spans"`
}

// CountTracesBefore reports how many traces, and their spans, were
// inserted before the cutoff. Used for dry runs.
func (db *DB) CountTracesBefore(ctx context.Context, before time.Time) (PurgeCount, error) {
	var c PurgeCount
	err := db.pool.QueryRow(ctx,
		`SELECT count(*), COALESCE(sum(span_count), 0) FROM traces WHERE inserted_at < $1`,
		before,
	).Scan(&c.Traces, &c.Spans)
	if err != nil {
		return PurgeCount{}, fmt.Errorf("storage: count traces before cutoff: %w", err)
	}
	return c, nil
}

// DeleteTracesBefore deletes traces inserted before the cutoff together
// with their spans, in batches of batchSize to avoid long-running
// transactions. Returns the total counts of deleted rows.
func (db *DB) DeleteTracesBefore(ctx context.Context, before time.Time, batchSize int) (PurgeCount, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	var total PurgeCount
	for {
		cnt, err := db.deleteTraceBatch(ctx, before, batchSize)
		if err != nil {
			return total, err
		}
		total.Traces += cnt.Traces
		total.Spans += cnt.Spans
		if cnt.Traces < int64(batchSize) {
			return total, nil
		}
	}
}

func (db *DB) deleteTraceBatch(ctx context.Context, before time.Time, batchSize int) (PurgeCount, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return PurgeCount{}, fmt.Errorf("storage: begin delete batch tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT trace_id FROM traces WHERE inserted_at < $1
		 ORDER BY inserted_at
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		before, batchSize,
	)
	if err != nil {
		return PurgeCount{}, fmt.Errorf("storage: fetch deletion batch: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return PurgeCount{}, fmt.Errorf("storage: scan deletion id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return PurgeCount{}, fmt.Errorf("storage: deletion batch rows: %w", err)
	}
	if len(ids) == 0 {
		return PurgeCount{}, nil
	}

	var cnt PurgeCount
	tag, err := tx.Exec(ctx, `DELETE FROM spans WHERE trace_id = ANY($1)`, ids)
	if err != nil {
		return cnt, fmt.Errorf("storage: delete spans batch: %w", err)
	}
	cnt.Spans = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM traces WHERE trace_id = ANY($1)`, ids)
	if err != nil {
		return cnt, fmt.Errorf("storage: delete traces batch: %w", err)
	}
	cnt.Traces = tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return cnt, fmt.Errorf("storage: commit delete batch tx: %w", err)
	}
	return cnt, nil
}
