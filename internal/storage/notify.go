package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ChannelTraces is the LISTEN/NOTIFY channel announcing stored traces.
const ChannelTraces = "kansoku_traces"

// TraceNotification is the payload sent on ChannelTraces after a trace
// is committed.
type TraceNotification struct {
	TraceID   string `json:"trace_id"`
	SpanCount int    `json:"span_count"`
}

// Listen starts listening on channel. The first call takes a connection
// out of the pool and keeps it for notifications until Close.
func (db *DB) Listen(ctx context.Context, channel string) error {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()

	if db.notifyConn == nil {
		conn, err := db.pool.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("storage: acquire notify conn: %w", err)
		}
		db.notifyConn = conn.Hijack()
	}
	if _, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened channel.
// Returns the channel name and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	db.notifyMu.Lock()
	conn := db.notifyConn
	db.notifyMu.Unlock()
	if conn == nil {
		return "", "", fmt.Errorf("storage: not listening")
	}
	notification, err := conn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// notifyStored queues one ChannelTraces notification per trace on tx.
// Postgres delivers them only if tx commits.
func notifyStored(ctx context.Context, tx pgx.Tx, batches []TraceBatch) error {
	for _, b := range batches {
		payload, err := json.Marshal(TraceNotification{TraceID: b.Trace.TraceID, SpanCount: len(b.Spans)})
		if err != nil {
			return fmt.Errorf("storage: encode notification: %w", err)
		}
		if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", ChannelTraces, string(payload)); err != nil {
			return fmt.Errorf("storage: notify %s: %w", ChannelTraces, err)
		}
	}
	return nil
}
