package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nathanyu/crypto-exchange/internal/domain"
	"github.com/nathanyu/crypto-exchange/internal/ledger"
	"github.com/nathanyu/crypto-exchange/internal/marketdata"
	"github.com/nathanyu/crypto-exchange/internal/message"
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// fakeResponder captures responses for assertion.
type fakeResponder struct {
	ch chan message.Response
}

func (f *fakeResponder) SendToAPI(clientID string, resp message.Response) error {
	f.ch <- resp
	return nil
}

// fakeBroker satisfies marketdata.Broker and records everything published.
type fakeBroker struct {
	mu       sync.Mutex
	channels []string
	trades   []message.TradeRecord
}

func (f *fakeBroker) Publish(channel string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channel)
	return nil
}

func (f *fakeBroker) PushTrade(record message.TradeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, record)
	return nil
}

func (f *fakeBroker) tradeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.trades)
}

func (f *fakeBroker) tradeAt(i int) message.TradeRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trades[i]
}

type testRig struct {
	engine    *Engine
	ledger    *ledger.Ledger
	responder *fakeResponder
	broker    *fakeBroker
}

func newRig(t *testing.T) *testRig {
	t.Helper()

	fb := &fakeBroker{}
	logger := zap.NewNop()
	publisher := marketdata.NewPublisher(fb, logger, 64)
	publisher.Start()
	t.Cleanup(publisher.Stop)

	led := ledger.New()
	led.CreateUser("alice")
	led.CreateUser("bob")
	require.NoError(t, led.Deposit("alice", "USDC", dec(10_000)))
	require.NoError(t, led.Deposit("alice", "SOL", dec(10)))
	require.NoError(t, led.Deposit("bob", "USDC", dec(10_000)))
	require.NoError(t, led.Deposit("bob", "SOL", dec(10)))

	responder := &fakeResponder{ch: make(chan message.Response, 64)}
	eng := New(led, responder, publisher, logger, 64)
	t.Cleanup(eng.Close)

	require.NoError(t, eng.CreateMarket(domain.Market{
		Name:       "SOL_USDC",
		BaseAsset:  "SOL",
		QuoteAsset: "USDC",
		Status:     domain.MarketStatusOngoing,
	}))

	return &testRig{engine: eng, ledger: led, responder: responder, broker: fb}
}

func (r *testRig) send(t *testing.T, typ string, payload any) message.Response {
	t.Helper()
	req, err := message.NewRequest(typ, payload)
	require.NoError(t, err)
	r.engine.Process("client-1", req)

	select {
	case resp := <-r.responder.ch:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatalf("no response for %s", typ)
		return message.Response{}
	}
}

func (r *testRig) balance(t *testing.T, userID, ticker string) domain.Balance {
	t.Helper()
	balances, err := r.ledger.Balances(userID)
	require.NoError(t, err)
	for _, b := range balances {
		if b.Ticker == ticker {
			return b
		}
	}
	t.Fatalf("no %s balance for %s", ticker, userID)
	return domain.Balance{}
}

func createOrder(userID string, side domain.Side, price, qty int64) message.CreateOrderPayload {
	return message.CreateOrderPayload{
		UserID:   userID,
		Market:   "SOL_USDC",
		Price:    dec(price),
		Quantity: dec(qty),
		Side:     side,
	}
}

func TestCreateOrderRestsAndLocks(t *testing.T) {
	rig := newRig(t)

	resp := rig.send(t, message.TypeCreateOrder, createOrder("alice", domain.SideAsk, 50, 10))

	require.Equal(t, message.TypeOrderPlaced, resp.Type)
	placed := resp.Payload.(message.OrderPlacedPayload)
	assert.True(t, placed.FilledQty.IsZero())
	assert.True(t, placed.RemainingQty.Equal(dec(10)))

	sol := rig.balance(t, "alice", "SOL")
	assert.True(t, sol.Locked.Equal(dec(10)))

	depth := rig.send(t, message.TypeGetDepth, message.GetDepthPayload{Market: "SOL_USDC"})
	require.Equal(t, message.TypeDepth, depth.Type)
	d := depth.Payload.(domain.Depth)
	require.Len(t, d.Asks, 1)
	assert.Equal(t, [2]string{"50", "10"}, d.Asks[0])
	assert.Empty(t, d.Bids)
}

func TestCreateOrderInsufficientBalance(t *testing.T) {
	rig := newRig(t)

	resp := rig.send(t, message.TypeCreateOrder, createOrder("alice", domain.SideAsk, 50, 11))

	require.Equal(t, message.TypeOrderCancelled, resp.Type)
	cancelled := resp.Payload.(message.OrderCancelledPayload)
	assert.Contains(t, cancelled.Message, "Insufficient balance")

	sol := rig.balance(t, "alice", "SOL")
	assert.True(t, sol.Locked.IsZero(), "rejection must not leave escrow behind")
}

func TestMatchSettlesAtMakerPrice(t *testing.T) {
	rig := newRig(t)

	resp := rig.send(t, message.TypeCreateOrder, createOrder("alice", domain.SideAsk, 100, 10))
	require.Equal(t, message.TypeOrderPlaced, resp.Type)

	// Bob bids above the resting ask; the fill happens at 100, not 101.
	resp = rig.send(t, message.TypeCreateOrder, createOrder("bob", domain.SideBid, 101, 10))
	require.Equal(t, message.TypeOrderPlaced, resp.Type)
	placed := resp.Payload.(message.OrderPlacedPayload)
	assert.True(t, placed.FilledQty.Equal(dec(10)))
	assert.True(t, placed.RemainingQty.IsZero())

	bobUSDC := rig.balance(t, "bob", "USDC")
	assert.True(t, bobUSDC.Amount.Equal(dec(9_000)), "bob paid 1000, not 1010: %s", bobUSDC.Amount)
	assert.True(t, bobUSDC.Locked.IsZero(), "price improvement must be released, got %s locked", bobUSDC.Locked)
	bobSOL := rig.balance(t, "bob", "SOL")
	assert.True(t, bobSOL.Amount.Equal(dec(20)))

	aliceUSDC := rig.balance(t, "alice", "USDC")
	assert.True(t, aliceUSDC.Amount.Equal(dec(11_000)))
	aliceSOL := rig.balance(t, "alice", "SOL")
	assert.True(t, aliceSOL.Amount.IsZero())
	assert.True(t, aliceSOL.Locked.IsZero())

	// One trade record reaches the persistence queue.
	require.Eventually(t, func() bool { return rig.broker.tradeCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	record := rig.broker.tradeAt(0)
	assert.Equal(t, message.TradeAdded, record.Type)
	assert.Equal(t, "SOL_USDC", record.Data.Ticker)
	assert.True(t, record.Data.Price.Equal(dec(100)))
}

func TestPartialFillEscrowConservation(t *testing.T) {
	rig := newRig(t)

	rig.send(t, message.TypeCreateOrder, createOrder("alice", domain.SideAsk, 100, 4))
	resp := rig.send(t, message.TypeCreateOrder, createOrder("bob", domain.SideBid, 100, 10))

	placed := resp.Payload.(message.OrderPlacedPayload)
	assert.True(t, placed.FilledQty.Equal(dec(4)))
	assert.True(t, placed.RemainingQty.Equal(dec(6)))

	// Bob's remaining escrow covers exactly the resting remainder.
	bobUSDC := rig.balance(t, "bob", "USDC")
	assert.True(t, bobUSDC.Locked.Equal(dec(600)), "locked %s", bobUSDC.Locked)
}

func TestCancelReleasesEscrow(t *testing.T) {
	rig := newRig(t)

	resp := rig.send(t, message.TypeCreateOrder, createOrder("alice", domain.SideAsk, 50, 10))
	placed := resp.Payload.(message.OrderPlacedPayload)

	resp = rig.send(t, message.TypeCancelOrder, message.CancelOrderPayload{
		OrderID: placed.OrderID,
		UserID:  "alice",
		Market:  "SOL_USDC",
	})
	require.Equal(t, message.TypeOrderCancelled, resp.Type)

	sol := rig.balance(t, "alice", "SOL")
	assert.True(t, sol.Locked.IsZero())

	depth := rig.send(t, message.TypeGetDepth, message.GetDepthPayload{Market: "SOL_USDC"})
	d := depth.Payload.(domain.Depth)
	assert.Empty(t, d.Asks)
}

func TestCancelUnknownOrderIsIdempotent(t *testing.T) {
	rig := newRig(t)

	before := rig.balance(t, "alice", "USDC")
	resp := rig.send(t, message.TypeCancelOrder, message.CancelOrderPayload{
		OrderID: "missing",
		UserID:  "alice",
		Market:  "SOL_USDC",
	})

	require.Equal(t, message.TypeOrderCancelled, resp.Type)
	after := rig.balance(t, "alice", "USDC")
	assert.True(t, before.Amount.Equal(after.Amount))
	assert.True(t, before.Locked.Equal(after.Locked))
}

func TestGetQuote(t *testing.T) {
	rig := newRig(t)

	rig.send(t, message.TypeCreateOrder, createOrder("alice", domain.SideAsk, 100, 5))
	rig.send(t, message.TypeCreateOrder, createOrder("alice", domain.SideAsk, 110, 5))

	resp := rig.send(t, message.TypeGetQuote, message.GetQuotePayload{
		Market:   "SOL_USDC",
		Side:     domain.SideBid,
		Quantity: dec(8),
	})

	require.Equal(t, message.TypeQuote, resp.Type)
	quote := resp.Payload.(domain.Quote)
	assert.True(t, quote.TotalCost.Equal(dec(830)), "total cost %s", quote.TotalCost)
}

func TestGetOpenOrders(t *testing.T) {
	rig := newRig(t)

	rig.send(t, message.TypeCreateOrder, createOrder("alice", domain.SideAsk, 100, 5))
	rig.send(t, message.TypeCreateOrder, createOrder("bob", domain.SideBid, 90, 5))

	resp := rig.send(t, message.TypeGetOpenOrders, message.GetOpenOrdersPayload{
		UserID: "alice",
		Market: "SOL_USDC",
	})

	require.Equal(t, message.TypeOpenOrders, resp.Type)
	open := resp.Payload.(message.OpenOrdersPayload)
	require.Len(t, open.OpenOrders, 1)
	assert.Equal(t, "alice", open.OpenOrders[0].UserID)
}

func TestGetUserBalancesDirect(t *testing.T) {
	rig := newRig(t)

	resp := rig.send(t, message.TypeGetUserBalances, message.GetUserBalancesPayload{UserID: "alice"})
	require.Equal(t, message.TypeUserBalances, resp.Type)
	balances := resp.Payload.(message.UserBalancesPayload)
	assert.Len(t, balances.Balances, 2)

	resp = rig.send(t, message.TypeGetUserBalances, message.GetUserBalancesPayload{UserID: "ghost"})
	assert.Equal(t, message.TypeError, resp.Type)
}

func TestOnRampCreatesAndFunds(t *testing.T) {
	rig := newRig(t)

	resp := rig.send(t, message.TypeOnRampUser, message.OnRampPayload{
		UserID: "carol",
		Ticker: "USDC",
		Amount: dec(42),
	})

	require.Equal(t, message.TypeUserBalances, resp.Type)
	usdc := rig.balance(t, "carol", "USDC")
	assert.True(t, usdc.Amount.Equal(dec(42)))
}

func TestMarketNotFound(t *testing.T) {
	rig := newRig(t)

	resp := rig.send(t, message.TypeGetDepth, message.GetDepthPayload{Market: "BTC_USDC"})
	require.Equal(t, message.TypeError, resp.Type)
	errPayload := resp.Payload.(message.ErrorPayload)
	assert.Contains(t, errPayload.Message, "not found")
}

func TestDuplicateMarketRejected(t *testing.T) {
	rig := newRig(t)

	resp := rig.send(t, message.TypeCreateMarket, message.CreateMarketPayload{
		Name:       "SOL_USDC",
		BaseAsset:  "SOL",
		QuoteAsset: "USDC",
		Status:     domain.MarketStatusOngoing,
	})
	require.Equal(t, message.TypeError, resp.Type)

	resp = rig.send(t, message.TypeCreateMarket, message.CreateMarketPayload{
		Name:       "BTC_USDC",
		BaseAsset:  "BTC",
		QuoteAsset: "USDC",
		Status:     domain.MarketStatusOngoing,
	})
	assert.Equal(t, message.TypeMarketCreated, resp.Type)
}

func TestPerMarketOrderingPreserved(t *testing.T) {
	rig := newRig(t)

	// A burst of orders followed by a depth read: the depth response must
	// reflect every preceding order, since the mailbox serializes them.
	for i := 0; i < 5; i++ {
		resp := rig.send(t, message.TypeCreateOrder, createOrder("alice", domain.SideAsk, int64(100+i), 1))
		require.Equal(t, message.TypeOrderPlaced, resp.Type)
	}

	depth := rig.send(t, message.TypeGetDepth, message.GetDepthPayload{Market: "SOL_USDC"})
	d := depth.Payload.(domain.Depth)
	assert.Len(t, d.Asks, 5)
}

func TestUnknownRequestType(t *testing.T) {
	rig := newRig(t)
	resp := rig.send(t, "BOGUS", struct{}{})
	assert.Equal(t, message.TypeError, resp.Type)
}
