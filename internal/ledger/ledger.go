// Package ledger holds every user's per-asset balances and the escrow
// discipline that gates order admission and settlement. One mutex guards all
// balances across markets: a user trading in two markets concurrently cannot
// double-spend, and every critical section is a handful of decimal ops with
// no I/O.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/nathanyu/crypto-exchange/internal/domain"
)

var (
	// ErrUnknownUser means the caller referenced a user that was never
	// created. Users are provisioned out-of-band; this is an integration
	// fault upstream, not a matching-time condition.
	ErrUnknownUser = errors.New("unknown user")

	// ErrInsufficientBalance is a normal rejection: the available balance
	// does not cover the requested escrow.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrCorrupted means a settle or release exceeded what was locked.
	// Callers must treat it as fatal — it indicates the escrow invariant
	// has already been broken.
	ErrCorrupted = errors.New("ledger corrupted: locked amount underflow")
)

// Ledger maps user IDs to their per-asset balances.
type Ledger struct {
	mu    sync.Mutex
	users map[string]map[string]*domain.Balance // userID -> ticker -> balance
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{users: make(map[string]map[string]*domain.Balance)}
}

// CreateUser registers a user with no balances. Creating an existing user is
// a no-op.
func (l *Ledger) CreateUser(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.users[userID]; !ok {
		l.users[userID] = make(map[string]*domain.Balance)
	}
}

// Deposit credits available funds to a user, creating the asset entry on
// first use.
func (l *Ledger) Deposit(userID, ticker string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	balances, ok := l.users[userID]
	if !ok {
		return fmt.Errorf("deposit for %q: %w", userID, ErrUnknownUser)
	}
	bal := balances[ticker]
	if bal == nil {
		bal = &domain.Balance{Ticker: ticker}
		balances[ticker] = bal
	}
	bal.Amount = bal.Amount.Add(amount)
	return nil
}

// TryLock escrows funds for a new order: price×quantity of the quote asset
// for a bid, quantity of the base asset for an ask. On success the amount
// moves from available to locked atomically; on failure nothing changes.
func (l *Ledger) TryLock(userID string, side domain.Side, baseAsset, quoteAsset string, price, quantity decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	balances, ok := l.users[userID]
	if !ok {
		return fmt.Errorf("lock for %q: %w", userID, ErrUnknownUser)
	}

	ticker := quoteAsset
	required := price.Mul(quantity)
	if side == domain.SideAsk {
		ticker = baseAsset
		required = quantity
	}

	bal := balances[ticker]
	if bal == nil || bal.Available().LessThan(required) {
		return ErrInsufficientBalance
	}
	bal.Locked = bal.Locked.Add(required)
	return nil
}

// Release returns escrowed funds to available. Used on cancellation and for
// the buy-side price improvement after a fill at a better maker price.
func (l *Ledger) Release(userID, ticker string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	balances, ok := l.users[userID]
	if !ok {
		return fmt.Errorf("release for %q: %w", userID, ErrUnknownUser)
	}
	bal := balances[ticker]
	if bal == nil || bal.Locked.LessThan(amount) {
		return fmt.Errorf("release %s %s for %q: %w", amount, ticker, userID, ErrCorrupted)
	}
	bal.Locked = bal.Locked.Sub(amount)
	return nil
}

// SettleFill moves money for one executed fill in a single critical section:
// the seller gives quantity of base out of escrow and receives price×quantity
// of quote; the buyer pays price×quantity of quote out of escrow and receives
// quantity of base. No intermediate state is observable outside the lock.
func (l *Ledger) SettleFill(buyerID, sellerID, baseAsset, quoteAsset string, price, quantity decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	buyer, ok := l.users[buyerID]
	if !ok {
		return fmt.Errorf("settle buyer %q: %w", buyerID, ErrUnknownUser)
	}
	seller, ok := l.users[sellerID]
	if !ok {
		return fmt.Errorf("settle seller %q: %w", sellerID, ErrUnknownUser)
	}

	tradeValue := price.Mul(quantity)

	sellerBase := seller[baseAsset]
	if sellerBase == nil || sellerBase.Locked.LessThan(quantity) || sellerBase.Amount.LessThan(quantity) {
		return fmt.Errorf("settle seller %q base %s: %w", sellerID, baseAsset, ErrCorrupted)
	}
	buyerQuote := buyer[quoteAsset]
	if buyerQuote == nil || buyerQuote.Locked.LessThan(tradeValue) || buyerQuote.Amount.LessThan(tradeValue) {
		return fmt.Errorf("settle buyer %q quote %s: %w", buyerID, quoteAsset, ErrCorrupted)
	}

	sellerBase.Locked = sellerBase.Locked.Sub(quantity)
	sellerBase.Amount = sellerBase.Amount.Sub(quantity)
	sellerQuote := seller[quoteAsset]
	if sellerQuote == nil {
		sellerQuote = &domain.Balance{Ticker: quoteAsset}
		seller[quoteAsset] = sellerQuote
	}
	sellerQuote.Amount = sellerQuote.Amount.Add(tradeValue)

	buyerQuote.Locked = buyerQuote.Locked.Sub(tradeValue)
	buyerQuote.Amount = buyerQuote.Amount.Sub(tradeValue)
	buyerBase := buyer[baseAsset]
	if buyerBase == nil {
		buyerBase = &domain.Balance{Ticker: baseAsset}
		buyer[baseAsset] = buyerBase
	}
	buyerBase.Amount = buyerBase.Amount.Add(quantity)

	return nil
}

// Balances returns a copy of the user's balances.
func (l *Ledger) Balances(userID string) ([]domain.Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	balances, ok := l.users[userID]
	if !ok {
		return nil, fmt.Errorf("balances for %q: %w", userID, ErrUnknownUser)
	}
	out := make([]domain.Balance, 0, len(balances))
	for _, bal := range balances {
		out = append(out, *bal)
	}
	return out, nil
}
