package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the order side (bid or ask).
type Side string

const (
	SideBid Side = "Bid"
	SideAsk Side = "Ask"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

// Order is a resting limit order. Quantity is the unfilled remainder and only
// ever decreases while the order rests in a book.
type Order struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Side      Side            `json:"side"`
	Timestamp int64           `json:"timestamp"` // unix nanos, price-time tie-break
}

// Fill records one maker order consumed (fully or partially) by an incoming
// taker order. Price is always the maker's resting price.
type Fill struct {
	MakerOrderID string
	MakerUserID  string
	Price        decimal.Decimal
	Quantity     decimal.Decimal
}

// Balance is one user's holdings in a single asset. Locked is the portion
// escrowed against open orders.
type Balance struct {
	Ticker string          `json:"ticker"`
	Amount decimal.Decimal `json:"balance"`
	Locked decimal.Decimal `json:"locked_balance"`
}

// Available returns the spendable portion of the balance.
func (b Balance) Available() decimal.Decimal {
	return b.Amount.Sub(b.Locked)
}

// PriceLevel is one aggregated level of the depth view.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Depth is the aggregated two-sided book view. Wire format follows the
// exchange convention of [price, quantity] string pairs, bids descending and
// asks ascending.
type Depth struct {
	Bids [][2]string `json:"bids"`
	Asks [][2]string `json:"asks"`
}

// Quote is a dry-run cost estimate for a market-sized order.
type Quote struct {
	AvgPrice  decimal.Decimal `json:"avg_price"`
	Quantity  decimal.Decimal `json:"quantity"`
	TotalCost decimal.Decimal `json:"total_cost"`
}

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusIncoming MarketStatus = "Incoming"
	MarketStatusOngoing  MarketStatus = "Ongoing"
)

// Market is a tradable base/quote pair. One market maps to exactly one order
// book and one worker.
type Market struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	BaseAsset   string       `json:"base_asset"`
	QuoteAsset  string       `json:"quote_asset"`
	StartTime   time.Time    `json:"start_time"`
	EndTime     time.Time    `json:"end_time"`
	Status      MarketStatus `json:"status"`
}

// Trade is an executed match, as published to subscribers and persisted.
type Trade struct {
	Market    string          `json:"market"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Side      Side            `json:"side"` // taker side
	Timestamp time.Time       `json:"timestamp"`
}

// Candlestick is OHLCV data for one interval of a market.
type Candlestick struct {
	Market    string          `json:"market"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
	Interval  string          `json:"interval"` // e.g. "1m"
}
