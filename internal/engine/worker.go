package engine

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nathanyu/crypto-exchange/internal/domain"
	"github.com/nathanyu/crypto-exchange/internal/ledger"
	"github.com/nathanyu/crypto-exchange/internal/marketdata"
	"github.com/nathanyu/crypto-exchange/internal/message"
	"github.com/nathanyu/crypto-exchange/internal/middleware"
	"github.com/nathanyu/crypto-exchange/internal/orderbook"
)

// Responder delivers a response to the caller identified by clientID.
// Delivery failures are the caller's retry problem: the worker logs and
// drops them.
type Responder interface {
	SendToAPI(clientID string, resp message.Response) error
}

// command is one unit of work delivered through a worker's mailbox. Exactly
// one payload field is set, matching kind.
type command struct {
	kind     string
	clientID string

	createOrder *message.CreateOrderPayload
	cancelOrder *message.CancelOrderPayload
	openOrders  *message.GetOpenOrdersPayload
	quote       *message.GetQuotePayload
}

// Worker owns one market's order book. It is the only goroutine that touches
// the book, so book access needs no locking; messages are processed to
// completion in mailbox order.
type Worker struct {
	market    domain.Market
	book      *orderbook.Orderbook
	ledger    *ledger.Ledger
	responder Responder
	publisher *marketdata.Publisher
	logger    *zap.Logger

	mailbox chan command
	done    chan struct{}
}

// NewWorker creates a worker and its book for a market.
func NewWorker(market domain.Market, led *ledger.Ledger, responder Responder, publisher *marketdata.Publisher, logger *zap.Logger, bufferSize int) *Worker {
	return &Worker{
		market:    market,
		book:      orderbook.New(market.BaseAsset, market.QuoteAsset),
		ledger:    led,
		responder: responder,
		publisher: publisher,
		logger:    logger.With(zap.String("market", market.Name)),
		mailbox:   make(chan command, bufferSize),
		done:      make(chan struct{}),
	}
}

// run is the worker's single-consumer loop. Each command runs to completion
// before the next is dequeued, so within one market request order is exactly
// enqueue order.
func (w *Worker) run() {
	w.logger.Info("market worker started")
	for {
		select {
		case cmd := <-w.mailbox:
			w.handle(cmd)
		case <-w.done:
			w.logger.Info("market worker stopped")
			return
		}
	}
}

// enqueue delivers a command to the mailbox, giving up if the worker has been
// stopped.
func (w *Worker) enqueue(cmd command) {
	select {
	case w.mailbox <- cmd:
	case <-w.done:
		w.logger.Warn("dropping request for stopped worker", zap.String("type", cmd.kind))
	}
}

func (w *Worker) handle(cmd command) {
	switch cmd.kind {
	case message.TypeCreateOrder:
		w.handleCreateOrder(cmd.clientID, *cmd.createOrder)
	case message.TypeCancelOrder:
		w.handleCancelOrder(cmd.clientID, *cmd.cancelOrder)
	case message.TypeGetDepth:
		w.respond(cmd.clientID, message.DepthResponse(w.book.Depth()))
	case message.TypeGetOpenOrders:
		w.respond(cmd.clientID, message.OpenOrders(w.book.OpenOrders(cmd.openOrders.UserID)))
	case message.TypeGetQuote:
		w.respond(cmd.clientID, message.QuoteResponse(w.book.Quote(cmd.quote.Quantity, cmd.quote.Side)))
	}
}

// handleCreateOrder admits an order: escrow first, then match, then settle
// each fill at the maker's price, then rest the remainder.
func (w *Worker) handleCreateOrder(clientID string, payload message.CreateOrderPayload) {
	err := w.ledger.TryLock(payload.UserID, payload.Side, w.market.BaseAsset, w.market.QuoteAsset, payload.Price, payload.Quantity)
	if err != nil {
		w.logger.Warn("order rejected", zap.String("user_id", payload.UserID), zap.Error(err))
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			w.respond(clientID, message.OrderCancelled("Insufficient balance for trade"))
		} else {
			w.respond(clientID, message.Error(err.Error()))
		}
		return
	}

	order := &domain.Order{
		ID:        uuid.New().String(),
		UserID:    payload.UserID,
		Price:     payload.Price,
		Quantity:  payload.Quantity,
		Side:      payload.Side,
		Timestamp: time.Now().UnixNano(),
	}

	fills := w.book.Match(order)
	now := time.Now()

	for _, fill := range fills {
		buyerID, sellerID := payload.UserID, fill.MakerUserID
		if payload.Side == domain.SideAsk {
			buyerID, sellerID = fill.MakerUserID, payload.UserID
		}

		if err := w.ledger.SettleFill(buyerID, sellerID, w.market.BaseAsset, w.market.QuoteAsset, fill.Price, fill.Quantity); err != nil {
			w.logger.Fatal("fill settlement failed", zap.String("maker_order_id", fill.MakerOrderID), zap.Error(err))
		}

		// The taker locked at its limit price; a bid filling at a better
		// maker price gets the improvement back immediately.
		if payload.Side == domain.SideBid {
			improvement := payload.Price.Sub(fill.Price).Mul(fill.Quantity)
			if improvement.IsPositive() {
				if err := w.ledger.Release(buyerID, w.market.QuoteAsset, improvement); err != nil {
					w.logger.Fatal("price improvement release failed", zap.Error(err))
				}
			}
		}

		middleware.MatchesTotal.WithLabelValues(w.market.Name).Inc()
	}

	remaining := order.Quantity
	if remaining.IsPositive() {
		w.book.Add(order)
	}
	filled := payload.Quantity.Sub(remaining)

	w.logger.Info("order placed",
		zap.String("order_id", order.ID),
		zap.String("filled_qty", filled.String()),
		zap.String("remaining_qty", remaining.String()))
	middleware.OrdersTotal.WithLabelValues("create", w.market.Name).Inc()

	w.respond(clientID, message.OrderPlaced(order.ID, remaining, filled))

	trades := make([]domain.Trade, 0, len(fills))
	for _, fill := range fills {
		trades = append(trades, domain.Trade{
			Market:    w.market.Name,
			Price:     fill.Price,
			Quantity:  fill.Quantity,
			Side:      payload.Side,
			Timestamp: now,
		})
	}
	w.publishBook(trades)
}

// handleCancelOrder removes the order and returns its remaining escrow. The
// confirmation is sent whether or not the order was found — cancellation is
// idempotent from the caller's side.
func (w *Worker) handleCancelOrder(clientID string, payload message.CancelOrderPayload) {
	order, found := w.book.Cancel(payload.OrderID)
	if found {
		ticker := w.market.QuoteAsset
		amount := order.Price.Mul(order.Quantity)
		if order.Side == domain.SideAsk {
			ticker = w.market.BaseAsset
			amount = order.Quantity
		}
		if err := w.ledger.Release(order.UserID, ticker, amount); err != nil {
			w.logger.Fatal("cancel escrow release failed", zap.String("order_id", order.ID), zap.Error(err))
		}
		w.logger.Info("order cancelled", zap.String("order_id", order.ID))
		middleware.OrdersTotal.WithLabelValues("cancel", w.market.Name).Inc()
		w.publishBook(nil)
	} else {
		w.logger.Info("cancel for unknown order", zap.String("order_id", payload.OrderID))
	}

	w.respond(clientID, message.OrderCancelled("ORDER CANCELLED"))
}

// publishBook hands the current depth projection and any executed trades to
// the market-data publisher. The enqueue never blocks the matching path.
func (w *Worker) publishBook(trades []domain.Trade) {
	depth := w.book.Depth()
	middleware.OrderBookDepth.WithLabelValues(w.market.Name, "bids").Set(float64(len(depth.Bids)))
	middleware.OrderBookDepth.WithLabelValues(w.market.Name, "asks").Set(float64(len(depth.Asks)))

	w.publisher.Enqueue(marketdata.FillEvent{
		Market: w.market.Name,
		Depth:  depth,
		Trades: trades,
	})
}

func (w *Worker) respond(clientID string, resp message.Response) {
	if err := w.responder.SendToAPI(clientID, resp); err != nil {
		w.logger.Warn("response delivery failed", zap.String("client_id", clientID), zap.Error(err))
	}
}
