// Package message defines the wire envelopes exchanged between the API
// gateway and the engine over the broker. Requests and responses are tagged
// JSON; the caller identity travels in the envelope and is used only to route
// the response back over the caller's channel.
package message

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nathanyu/crypto-exchange/internal/domain"
)

// Request type tags.
const (
	TypeCreateOrder     = "CREATE_ORDER"
	TypeCancelOrder     = "CANCEL_ORDER"
	TypeGetDepth        = "GET_DEPTH"
	TypeGetQuote        = "GET_QUOTE"
	TypeGetOpenOrders   = "GET_OPEN_ORDERS"
	TypeGetUserBalances = "GET_USER_BALANCES"
	TypeOnRampUser      = "ON_RAMP_USER"
	TypeCreateMarket    = "CREATE_MARKET"
)

// Response type tags.
const (
	TypeOrderPlaced    = "ORDER_PLACED"
	TypeOrderCancelled = "ORDER_CANCELLED"
	TypeOpenOrders     = "OPEN_ORDERS"
	TypeDepth          = "DEPTH"
	TypeUserBalances   = "USER_BALANCES"
	TypeQuote          = "QUOTE"
	TypeMarketCreated  = "MARKET_CREATED"
	TypeError          = "ERROR"
)

// Envelope is the inbound unit dequeued from the broker.
type Envelope struct {
	ClientID string  `json:"client_id"`
	Message  Request `json:"message"`
}

// Request is a tagged inbound message. Data is decoded lazily once the type
// tag has been inspected.
type Request struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewRequest builds a Request around an already-typed payload.
func NewRequest(typ string, data any) (Request, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Request{}, err
	}
	return Request{Type: typ, Data: raw}, nil
}

// Response is a tagged outbound message published to the caller's channel.
type Response struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Inbound payloads.

type CreateOrderPayload struct {
	UserID   string          `json:"userId"`
	Market   string          `json:"market"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Side     domain.Side     `json:"side"`
}

type CancelOrderPayload struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
	Market  string `json:"market"`
}

type GetDepthPayload struct {
	Market string `json:"market"`
}

type GetQuotePayload struct {
	Market   string          `json:"market"`
	Side     domain.Side     `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
}

type GetOpenOrdersPayload struct {
	UserID string `json:"userId"`
	Market string `json:"market"`
}

type GetUserBalancesPayload struct {
	UserID string `json:"userId"`
}

type OnRampPayload struct {
	UserID string          `json:"userId"`
	Ticker string          `json:"ticker"`
	Amount decimal.Decimal `json:"amount"`
}

type CreateMarketPayload struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	BaseAsset   string              `json:"base_asset"`
	QuoteAsset  string              `json:"quote_asset"`
	StartTime   time.Time           `json:"start_time"`
	EndTime     time.Time           `json:"end_time"`
	Status      domain.MarketStatus `json:"status"`
}

// Outbound payloads.

type OrderPlacedPayload struct {
	OrderID      string          `json:"order_id"`
	RemainingQty decimal.Decimal `json:"remaining_qty"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
}

type OrderCancelledPayload struct {
	Message string `json:"message,omitempty"`
}

type OpenOrdersPayload struct {
	OpenOrders []domain.Order `json:"open_orders"`
}

type UserBalancesPayload struct {
	Balances []domain.Balance `json:"balances"`
}

type MarketCreatedPayload struct {
	Message string `json:"message,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Response constructors keep the type tags next to their payloads.

func OrderPlaced(orderID string, remaining, filled decimal.Decimal) Response {
	return Response{Type: TypeOrderPlaced, Payload: OrderPlacedPayload{
		OrderID:      orderID,
		RemainingQty: remaining,
		FilledQty:    filled,
	}}
}

func OrderCancelled(msg string) Response {
	return Response{Type: TypeOrderCancelled, Payload: OrderCancelledPayload{Message: msg}}
}

func OpenOrders(orders []domain.Order) Response {
	if orders == nil {
		orders = []domain.Order{}
	}
	return Response{Type: TypeOpenOrders, Payload: OpenOrdersPayload{OpenOrders: orders}}
}

func DepthResponse(depth domain.Depth) Response {
	return Response{Type: TypeDepth, Payload: depth}
}

func UserBalances(balances []domain.Balance) Response {
	if balances == nil {
		balances = []domain.Balance{}
	}
	return Response{Type: TypeUserBalances, Payload: UserBalancesPayload{Balances: balances}}
}

func QuoteResponse(quote domain.Quote) Response {
	return Response{Type: TypeQuote, Payload: quote}
}

func MarketCreated(msg string) Response {
	return Response{Type: TypeMarketCreated, Payload: MarketCreatedPayload{Message: msg}}
}

func Error(msg string) Response {
	return Response{Type: TypeError, Payload: ErrorPayload{Message: msg}}
}

// TradeRecord is the persistence message pushed onto the database queue, one
// per executed trade. Consumed asynchronously by the db processor.
type TradeRecord struct {
	Type string          `json:"type"` // always "TRADE_ADDED"
	Data TradeRecordData `json:"data"`
}

type TradeRecordData struct {
	Ticker   string          `json:"ticker"`
	Time     time.Time       `json:"time"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// TradeAdded is the TradeRecord type tag.
const TradeAdded = "TRADE_ADDED"

// NewTradeRecord builds the persistence record for one executed trade.
func NewTradeRecord(trade domain.Trade) TradeRecord {
	return TradeRecord{
		Type: TradeAdded,
		Data: TradeRecordData{
			Ticker:   trade.Market,
			Time:     trade.Timestamp,
			Price:    trade.Price,
			Quantity: trade.Quantity,
		},
	}
}
