package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kansoku/internal/model"
)

// TraceBatch is one trace summary together with the full span set it was
// computed from.
type TraceBatch struct {
	Trace model.Trace
	Spans []model.Span
}

var spanColumns = []string{
	"trace_id", "position", "span_id", "parent_id", "span_type", "name",
	"started_at", "finished_at", "payload",
}

// InsertTraces stores a batch of traces in a single transaction. A trace
// that already exists is replaced: its summary is overwritten and its
// previous spans are deleted before the new ones are copied in. When a
// trace id appears more than once in batches, the last entry wins.
func (db *DB) InsertTraces(ctx context.Context, batches []TraceBatch) error {
	batches = lastPerTrace(batches)
	if len(batches) == 0 {
		return nil
	}

	return WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		return db.insertTracesTx(ctx, batches)
	})
}

func (db *DB) insertTracesTx(ctx context.Context, batches []TraceBatch) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin insert traces tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ids := make([]string, len(batches))
	var rows [][]any
	for i, b := range batches {
		ids[i] = b.Trace.TraceID
		if err := upsertTrace(ctx, tx, b.Trace); err != nil {
			return err
		}
		for pos, s := range b.Spans {
			payload, err := json.Marshal(s)
			if err != nil {
				return fmt.Errorf("storage: encode span %s/%s: %w", b.Trace.TraceID, s.SpanID, err)
			}
			rows = append(rows, []any{
				b.Trace.TraceID,
				pos,
				s.SpanID,
				s.ParentID,
				string(s.Type),
				s.Name,
				s.Timestamps.StartedAt,
				s.Timestamps.FinishedAt,
				json.RawMessage(payload),
			})
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM spans WHERE trace_id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("storage: delete previous spans: %w", err)
	}

	if len(rows) > 0 {
		// Dedicated COPY timeout so a hung Postgres cannot block a buffer
		// flush indefinitely.
		copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
		_, err := tx.CopyFrom(copyCtx, pgx.Identifier{"spans"}, spanColumns, pgx.CopyFromRows(rows))
		copyCancel()
		if err != nil {
			return fmt.Errorf("storage: copy spans: %w", err)
		}
	}

	if err := notifyStored(ctx, tx, batches); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit insert traces tx: %w", err)
	}
	return nil
}

func upsertTrace(ctx context.Context, tx pgx.Tx, t model.Trace) error {
	var errPayload []byte
	if t.Error != nil {
		b, err := json.Marshal(t.Error)
		if err != nil {
			return fmt.Errorf("storage: encode trace error %s: %w", t.TraceID, err)
		}
		errPayload = b
	}
	insertedAt := t.Timestamps.InsertedAt
	if insertedAt.IsZero() {
		insertedAt = time.Now().UTC()
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO traces (trace_id, metadata, input, output, started_at, finished_at, inserted_at, metrics, error, span_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (trace_id) DO UPDATE SET
		   metadata = EXCLUDED.metadata,
		   input = EXCLUDED.input,
		   output = EXCLUDED.output,
		   started_at = EXCLUDED.started_at,
		   finished_at = EXCLUDED.finished_at,
		   inserted_at = EXCLUDED.inserted_at,
		   metrics = EXCLUDED.metrics,
		   error = EXCLUDED.error,
		   span_count = EXCLUDED.span_count`,
		t.TraceID, t.Metadata, t.Input, t.Output,
		t.Timestamps.StartedAt, t.Timestamps.FinishedAt, insertedAt,
		t.Metrics, errPayload, t.SpanCount,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert trace %s: %w", t.TraceID, err)
	}
	return nil
}

// lastPerTrace keeps the last batch entry for each trace id, in the order
// those last entries appear.
func lastPerTrace(batches []TraceBatch) []TraceBatch {
	last := make(map[string]int, len(batches))
	for i, b := range batches {
		last[b.Trace.TraceID] = i
	}
	if len(last) == len(batches) {
		return batches
	}
	out := make([]TraceBatch, 0, len(last))
	for i, b := range batches {
		if last[b.Trace.TraceID] == i {
			out = append(out, b)
		}
	}
	return out
}

const traceColumns = `trace_id, metadata, input, output, started_at, finished_at, inserted_at, metrics, error, span_count`

// GetTrace returns the summary of a trace, or ErrNotFound.
func (db *DB) GetTrace(ctx context.Context, traceID string) (model.Trace, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+traceColumns+` FROM traces WHERE trace_id = $1`, traceID)
	t, err := scanTrace(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Trace{}, fmt.Errorf("storage: trace %s: %w", traceID, ErrNotFound)
	}
	if err != nil {
		return model.Trace{}, fmt.Errorf("storage: get trace: %w", err)
	}
	return t, nil
}

// ListTraces returns trace summaries, most recently inserted first.
func (db *DB) ListTraces(ctx context.Context, limit, offset int) ([]model.Trace, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+traceColumns+` FROM traces
		 ORDER BY inserted_at DESC, trace_id
		 LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: list traces: %w", err)
	}
	defer rows.Close()

	var traces []model.Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan trace: %w", err)
		}
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

// GetSpansByTrace returns the stored spans of a trace in the order they
// were received. A trace with no spans returns ErrNotFound.
func (db *DB) GetSpansByTrace(ctx context.Context, traceID string) ([]model.Span, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT payload FROM spans WHERE trace_id = $1 ORDER BY position`, traceID)
	if err != nil {
		return nil, fmt.Errorf("storage: get spans: %w", err)
	}
	defer rows.Close()

	var spans []model.Span
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("storage: scan span: %w", err)
		}
		var s model.Span
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, fmt.Errorf("storage: decode span: %w", err)
		}
		spans = append(spans, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: get spans: %w", err)
	}
	if len(spans) == 0 {
		return nil, fmt.Errorf("storage: spans of trace %s: %w", traceID, ErrNotFound)
	}
	return spans, nil
}

func scanTrace(row pgx.Row) (model.Trace, error) {
	var (
		t        model.Trace
		errBytes []byte
	)
	if err := row.Scan(
		&t.TraceID, &t.Metadata, &t.Input, &t.Output,
		&t.Timestamps.StartedAt, &t.Timestamps.FinishedAt, &t.Timestamps.InsertedAt,
		&t.Metrics, &errBytes, &t.SpanCount,
	); err != nil {
		return model.Trace{}, err
	}
	if len(errBytes) > 0 {
		var e model.ErrorCapture
		if err := json.Unmarshal(errBytes, &e); err != nil {
			return model.Trace{}, fmt.Errorf("decode trace error: %w", err)
		}
		t.Error = &e
	}
	return t, nil
}
