// Package engine routes inbound requests to per-market workers and answers
// ledger-only queries directly. One worker goroutine per market owns that
// market's order book; the balance ledger is shared across all of them.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nathanyu/crypto-exchange/internal/domain"
	"github.com/nathanyu/crypto-exchange/internal/ledger"
	"github.com/nathanyu/crypto-exchange/internal/marketdata"
	"github.com/nathanyu/crypto-exchange/internal/message"
)

// ErrMarketExists is returned when creating a market whose name is taken.
var ErrMarketExists = errors.New("market already exists")

// Engine owns the market→worker map and the balance ledger.
type Engine struct {
	mu      sync.RWMutex
	workers map[string]*Worker
	wg      sync.WaitGroup

	ledger     *ledger.Ledger
	responder  Responder
	publisher  *marketdata.Publisher
	logger     *zap.Logger
	bufferSize int
}

// New creates an engine with no markets.
func New(led *ledger.Ledger, responder Responder, publisher *marketdata.Publisher, logger *zap.Logger, bufferSize int) *Engine {
	return &Engine{
		workers:    make(map[string]*Worker),
		ledger:     led,
		responder:  responder,
		publisher:  publisher,
		logger:     logger,
		bufferSize: bufferSize,
	}
}

// Ledger exposes the shared balance ledger for out-of-band provisioning.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// CreateMarket spins up a worker and book for a new market. Duplicate names
// are rejected.
func (e *Engine) CreateMarket(market domain.Market) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.workers[market.Name]; ok {
		return fmt.Errorf("create market %q: %w", market.Name, ErrMarketExists)
	}

	worker := NewWorker(market, e.ledger, e.responder, e.publisher, e.logger, e.bufferSize)
	e.workers[market.Name] = worker
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		worker.run()
	}()

	e.logger.Info("market created",
		zap.String("market", market.Name),
		zap.String("base_asset", market.BaseAsset),
		zap.String("quote_asset", market.QuoteAsset))
	return nil
}

// worker returns the worker for a market name.
func (e *Engine) worker(market string) (*Worker, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	w, ok := e.workers[market]
	return w, ok
}

// Process decodes one inbound request and either answers it against the
// ledger or forwards it to the owning market worker. Every path produces
// exactly one response to clientID.
func (e *Engine) Process(clientID string, req message.Request) {
	switch req.Type {
	case message.TypeCreateOrder:
		var payload message.CreateOrderPayload
		if !e.decode(clientID, req.Data, &payload) {
			return
		}
		e.forward(clientID, payload.Market, command{kind: req.Type, clientID: clientID, createOrder: &payload})

	case message.TypeCancelOrder:
		var payload message.CancelOrderPayload
		if !e.decode(clientID, req.Data, &payload) {
			return
		}
		e.forward(clientID, payload.Market, command{kind: req.Type, clientID: clientID, cancelOrder: &payload})

	case message.TypeGetDepth:
		var payload message.GetDepthPayload
		if !e.decode(clientID, req.Data, &payload) {
			return
		}
		e.forward(clientID, payload.Market, command{kind: req.Type, clientID: clientID})

	case message.TypeGetOpenOrders:
		var payload message.GetOpenOrdersPayload
		if !e.decode(clientID, req.Data, &payload) {
			return
		}
		e.forward(clientID, payload.Market, command{kind: req.Type, clientID: clientID, openOrders: &payload})

	case message.TypeGetQuote:
		var payload message.GetQuotePayload
		if !e.decode(clientID, req.Data, &payload) {
			return
		}
		e.forward(clientID, payload.Market, command{kind: req.Type, clientID: clientID, quote: &payload})

	case message.TypeGetUserBalances:
		var payload message.GetUserBalancesPayload
		if !e.decode(clientID, req.Data, &payload) {
			return
		}
		balances, err := e.ledger.Balances(payload.UserID)
		if err != nil {
			e.respond(clientID, message.Error(err.Error()))
			return
		}
		e.respond(clientID, message.UserBalances(balances))

	case message.TypeOnRampUser:
		var payload message.OnRampPayload
		if !e.decode(clientID, req.Data, &payload) {
			return
		}
		e.ledger.CreateUser(payload.UserID)
		if payload.Ticker != "" && payload.Amount.IsPositive() {
			if err := e.ledger.Deposit(payload.UserID, payload.Ticker, payload.Amount); err != nil {
				e.respond(clientID, message.Error(err.Error()))
				return
			}
		}
		balances, err := e.ledger.Balances(payload.UserID)
		if err != nil {
			e.respond(clientID, message.Error(err.Error()))
			return
		}
		e.respond(clientID, message.UserBalances(balances))

	case message.TypeCreateMarket:
		var payload message.CreateMarketPayload
		if !e.decode(clientID, req.Data, &payload) {
			return
		}
		market := domain.Market{
			Name:        payload.Name,
			Description: payload.Description,
			BaseAsset:   payload.BaseAsset,
			QuoteAsset:  payload.QuoteAsset,
			StartTime:   payload.StartTime,
			EndTime:     payload.EndTime,
			Status:      payload.Status,
		}
		if err := e.CreateMarket(market); err != nil {
			e.respond(clientID, message.Error(err.Error()))
			return
		}
		e.respond(clientID, message.MarketCreated("MARKET CREATED"))

	default:
		e.respond(clientID, message.Error(fmt.Sprintf("unknown request type %q", req.Type)))
	}
}

// forward enqueues a command on the market's worker mailbox, or rejects the
// request when the market does not exist.
func (e *Engine) forward(clientID, market string, cmd command) {
	worker, ok := e.worker(market)
	if !ok {
		e.respond(clientID, message.Error(fmt.Sprintf("market %q not found", market)))
		return
	}
	worker.enqueue(cmd)
}

func (e *Engine) decode(clientID string, raw json.RawMessage, payload any) bool {
	if err := json.Unmarshal(raw, payload); err != nil {
		e.respond(clientID, message.Error("malformed request payload"))
		return false
	}
	return true
}

func (e *Engine) respond(clientID string, resp message.Response) {
	if err := e.responder.SendToAPI(clientID, resp); err != nil {
		e.logger.Warn("response delivery failed", zap.String("client_id", clientID), zap.Error(err))
	}
}

// Close signals every worker and waits for all of them to finish. No worker
// is abandoned mid-request.
func (e *Engine) Close() {
	e.mu.Lock()
	for _, worker := range e.workers {
		close(worker.done)
	}
	e.mu.Unlock()
	e.wg.Wait()
}
