package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// TradeLogWriter writes lifecycle events and the trades projection to
// Postgres using multi-row INSERTs. Writes are idempotent: events conflict
// on sequence and are skipped, trades upsert on id.
type TradeLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in trade_log.events
type EventRow struct {
	Sequence  int64
	EventID   string
	EventType string
	TradeID   int64
	Actor     string
	Payload   []byte // JSON-encoded event payload
	Timestamp time.Time
}

// TradeRow represents a row in trade_log.trades
type TradeRow struct {
	ID           int64
	Seller       string
	Buyer        sql.NullString
	Asset        string
	Amount       int64
	FiatAmount   int64
	FiatCurrency string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FiatSentAt   sql.NullTime
}

func NewTradeLogWriter(db *sql.DB) *TradeLogWriter {
	return &TradeLogWriter{db: db}
}

// WriteEventBatch appends a batch of events to trade_log.events.
func (w *TradeLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO trade_log.events
		(sequence, event_id, event_type, trade_id, actor, payload, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*7)

	for i, e := range events {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			e.Sequence, e.EventID, e.EventType, e.TradeID,
			e.Actor, e.Payload, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// UpsertTrades writes post-transition trade snapshots to trade_log.trades.
// Only fields mutable after creation are updated on conflict.
//
// A batch may carry several snapshots of the same trade when transitions
// land within one flush window. Postgres rejects a multi-row upsert that
// touches the same row twice, so the batch is collapsed to the latest
// snapshot per trade before writing.
func (w *TradeLogWriter) UpsertTrades(ctx context.Context, tx *sql.Tx, trades []TradeRow) error {
	trades = latestPerTrade(trades)
	if len(trades) == 0 {
		return nil
	}

	query := `INSERT INTO trade_log.trades
		(id, seller, buyer, asset, amount, fiat_amount, fiat_currency, status, created_at, updated_at, fiat_sent_at)
		VALUES `

	values := make([]string, 0, len(trades))
	args := make([]interface{}, 0, len(trades)*11)

	for i, t := range trades {
		base := i * 11
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
			base+7, base+8, base+9, base+10, base+11,
		))
		args = append(args,
			t.ID, t.Seller, t.Buyer, t.Asset, t.Amount,
			t.FiatAmount, t.FiatCurrency, t.Status,
			t.CreatedAt, t.UpdatedAt, t.FiatSentAt,
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (id) DO UPDATE SET
		buyer = EXCLUDED.buyer,
		status = EXCLUDED.status,
		updated_at = EXCLUDED.updated_at,
		fiat_sent_at = EXCLUDED.fiat_sent_at`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// latestPerTrade keeps the last snapshot for each trade id, preserving
// the batch's arrival order for the rows that remain. Batches arrive in
// sequence order, so the last snapshot is the newest.
func latestPerTrade(trades []TradeRow) []TradeRow {
	if len(trades) < 2 {
		return trades
	}

	idx := make(map[int64]int, len(trades))
	out := make([]TradeRow, 0, len(trades))
	for _, t := range trades {
		if i, ok := idx[t.ID]; ok {
			out[i] = t
			continue
		}
		idx[t.ID] = len(out)
		out = append(out, t)
	}
	return out
}
