// Package store persists executed trades in Postgres and serves the
// read-side queries (recent trades, candlestick aggregation) used by the API
// gateway. The engine never touches this package — records arrive through
// the broker's trade queue.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/nathanyu/crypto-exchange/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id       BIGSERIAL PRIMARY KEY,
	market   TEXT        NOT NULL,
	time     TIMESTAMPTZ NOT NULL,
	price    NUMERIC     NOT NULL,
	quantity NUMERIC     NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_market_time_idx ON trades (market, time DESC);
`

// intervals maps API interval names onto date_trunc units.
var intervals = map[string]string{
	"1m": "minute",
	"1h": "hour",
	"1d": "day",
}

// TradeStore is the append/query interface over the trades table.
type TradeStore struct {
	db *sql.DB
}

// Open connects to Postgres and ensures the schema exists.
func Open(databaseURL string) (*TradeStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &TradeStore{db: db}, nil
}

// Close releases the connection pool.
func (s *TradeStore) Close() error {
	return s.db.Close()
}

// InsertTrade appends one executed trade.
func (s *TradeStore) InsertTrade(ctx context.Context, market string, at time.Time, price, quantity decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (market, time, price, quantity) VALUES ($1, $2, $3, $4)`,
		market, at, price.String(), quantity.String(),
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// RecentTrades returns the latest trades for a market, newest first.
func (s *TradeStore) RecentTrades(ctx context.Context, market string, limit int) ([]domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT time, price, quantity FROM trades WHERE market = $1 ORDER BY time DESC LIMIT $2`,
		market, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var (
			at         time.Time
			price, qty string
		)
		if err := rows.Scan(&at, &price, &qty); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		p, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		q, err := decimal.NewFromString(qty)
		if err != nil {
			return nil, fmt.Errorf("parse quantity: %w", err)
		}
		trades = append(trades, domain.Trade{
			Market:    market,
			Price:     p,
			Quantity:  q,
			Timestamp: at,
		})
	}
	return trades, rows.Err()
}

// Candles aggregates trades into OHLCV buckets for a market, oldest first.
func (s *TradeStore) Candles(ctx context.Context, market, interval string, limit int) ([]domain.Candlestick, error) {
	unit, ok := intervals[interval]
	if !ok {
		return nil, fmt.Errorf("unsupported interval %q", interval)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT bucket, open, high, low, close, volume FROM (
			SELECT
				date_trunc('%s', time)                                     AS bucket,
				(array_agg(price ORDER BY time ASC))[1]                    AS open,
				MAX(price)                                                 AS high,
				MIN(price)                                                 AS low,
				(array_agg(price ORDER BY time DESC))[1]                   AS close,
				SUM(quantity)                                              AS volume
			FROM trades
			WHERE market = $1
			GROUP BY bucket
			ORDER BY bucket DESC
			LIMIT $2
		) sub ORDER BY bucket ASC`, unit),
		market, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var candles []domain.Candlestick
	for rows.Next() {
		var (
			bucket                              time.Time
			openPx, highPx, lowPx, closePx, vol string
		)
		if err := rows.Scan(&bucket, &openPx, &highPx, &lowPx, &closePx, &vol); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		candle := domain.Candlestick{
			Market:    market,
			Timestamp: bucket,
			Interval:  interval,
		}
		var err error
		if candle.Open, err = decimal.NewFromString(openPx); err != nil {
			return nil, fmt.Errorf("parse open: %w", err)
		}
		if candle.High, err = decimal.NewFromString(highPx); err != nil {
			return nil, fmt.Errorf("parse high: %w", err)
		}
		if candle.Low, err = decimal.NewFromString(lowPx); err != nil {
			return nil, fmt.Errorf("parse low: %w", err)
		}
		if candle.Close, err = decimal.NewFromString(closePx); err != nil {
			return nil, fmt.Errorf("parse close: %w", err)
		}
		if candle.Volume, err = decimal.NewFromString(vol); err != nil {
			return nil, fmt.Errorf("parse volume: %w", err)
		}
		candles = append(candles, candle)
	}
	return candles, rows.Err()
}
