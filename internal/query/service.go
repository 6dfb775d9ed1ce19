package query

import (
	"context"
	"database/sql"
	"fmt"
)

// Service provides read-only access to the trade log in Postgres. Live
// status polling goes through the registry's GetTradeInfo; this serves
// history and cross-trade listings from the durable projection.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

const tradeColumns = `id, seller, buyer, asset, amount, fiat_amount, fiat_currency,
	status, created_at, updated_at, fiat_sent_at`

// GetTrade returns a single persisted trade, or sql.ErrNoRows.
func (s *Service) GetTrade(ctx context.Context, tradeID int64) (*TradeRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM trade_log.trades WHERE id = $1`, tradeID)

	rec, err := scanTrade(row)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListTradesByParty returns all trades where the identity is seller or buyer,
// newest first.
func (s *Service) ListTradesByParty(ctx context.Context, party string, limit int) ([]TradeRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trade_log.trades
		 WHERE seller = $1 OR buyer = $1
		 ORDER BY id DESC LIMIT $2`, party, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ListTradeEvents returns the lifecycle history of a trade in sequence order.
func (s *Service) ListTradeEvents(ctx context.Context, tradeID int64) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, event_id, event_type, trade_id, actor, payload, timestamp
		 FROM trade_log.events WHERE trade_id = $1 ORDER BY sequence`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("list trade events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(&e.Sequence, &e.EventID, &e.EventType, &e.TradeID,
			&e.Actor, &e.Payload, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LoadOpenTrades returns all non-terminal trades for startup recovery.
func (s *Service) LoadOpenTrades(ctx context.Context) ([]TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trade_log.trades
		 WHERE status NOT IN ('COMPLETED', 'CANCELLED', 'REFUNDED')
		 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load open trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// MaxSequence returns the highest persisted event sequence, or -1 when the
// log is empty. The registry resumes at MaxSequence+1 after a restart.
func (s *Service) MaxSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM trade_log.events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max sequence: %w", err)
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(row rowScanner) (*TradeRecord, error) {
	var rec TradeRecord
	var buyer sql.NullString
	var fiatSentAt sql.NullTime

	err := row.Scan(&rec.ID, &rec.Seller, &buyer, &rec.Asset, &rec.Amount,
		&rec.FiatAmount, &rec.FiatCurrency, &rec.Status,
		&rec.CreatedAt, &rec.UpdatedAt, &fiatSentAt)
	if err != nil {
		return nil, err
	}

	if buyer.Valid {
		rec.Buyer = buyer.String
	}
	if fiatSentAt.Valid {
		rec.FiatSentAt = &fiatSentAt.Time
	}
	return &rec, nil
}
