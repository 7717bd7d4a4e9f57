package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/crypto-exchange/internal/domain"
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newFunded(t *testing.T) *Ledger {
	t.Helper()
	l := New()
	l.CreateUser("buyer")
	l.CreateUser("seller")
	require.NoError(t, l.Deposit("buyer", "USDC", dec(10_000)))
	require.NoError(t, l.Deposit("seller", "SOL", dec(10)))
	return l
}

func balance(t *testing.T, l *Ledger, userID, ticker string) domain.Balance {
	t.Helper()
	balances, err := l.Balances(userID)
	require.NoError(t, err)
	for _, b := range balances {
		if b.Ticker == ticker {
			return b
		}
	}
	t.Fatalf("no %s balance for %s", ticker, userID)
	return domain.Balance{}
}

func TestTryLockBid(t *testing.T) {
	l := newFunded(t)

	// Bid escrows price*quantity of the quote asset.
	require.NoError(t, l.TryLock("buyer", domain.SideBid, "SOL", "USDC", dec(100), dec(5)))

	usdc := balance(t, l, "buyer", "USDC")
	assert.True(t, usdc.Locked.Equal(dec(500)))
	assert.True(t, usdc.Available().Equal(dec(9_500)))
}

func TestTryLockAsk(t *testing.T) {
	l := newFunded(t)

	require.NoError(t, l.TryLock("seller", domain.SideAsk, "SOL", "USDC", dec(100), dec(10)))

	sol := balance(t, l, "seller", "SOL")
	assert.True(t, sol.Locked.Equal(dec(10)))
	assert.True(t, sol.Available().IsZero())
}

func TestTryLockInsufficient(t *testing.T) {
	l := newFunded(t)

	err := l.TryLock("buyer", domain.SideBid, "SOL", "USDC", dec(100), dec(200))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// Rejection leaves nothing locked.
	usdc := balance(t, l, "buyer", "USDC")
	assert.True(t, usdc.Locked.IsZero())
}

func TestTryLockCountsExistingEscrow(t *testing.T) {
	l := newFunded(t)

	require.NoError(t, l.TryLock("buyer", domain.SideBid, "SOL", "USDC", dec(100), dec(60)))
	// 6000 locked, 4000 available: a second 6000 lock must fail.
	err := l.TryLock("buyer", domain.SideBid, "SOL", "USDC", dec(100), dec(60))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestTryLockUnknownUser(t *testing.T) {
	l := New()
	err := l.TryLock("ghost", domain.SideBid, "SOL", "USDC", dec(1), dec(1))
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestSettleFill(t *testing.T) {
	l := newFunded(t)
	require.NoError(t, l.TryLock("buyer", domain.SideBid, "SOL", "USDC", dec(100), dec(5)))
	require.NoError(t, l.TryLock("seller", domain.SideAsk, "SOL", "USDC", dec(100), dec(5)))

	require.NoError(t, l.SettleFill("buyer", "seller", "SOL", "USDC", dec(100), dec(5)))

	buyerUSDC := balance(t, l, "buyer", "USDC")
	assert.True(t, buyerUSDC.Amount.Equal(dec(9_500)))
	assert.True(t, buyerUSDC.Locked.IsZero())
	buyerSOL := balance(t, l, "buyer", "SOL")
	assert.True(t, buyerSOL.Amount.Equal(dec(5)))

	sellerSOL := balance(t, l, "seller", "SOL")
	assert.True(t, sellerSOL.Amount.Equal(dec(5)))
	assert.True(t, sellerSOL.Locked.IsZero())
	sellerUSDC := balance(t, l, "seller", "USDC")
	assert.True(t, sellerUSDC.Amount.Equal(dec(500)))
}

func TestSettleFillWithoutLockIsCorruption(t *testing.T) {
	l := newFunded(t)
	err := l.SettleFill("buyer", "seller", "SOL", "USDC", dec(100), dec(5))
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestRelease(t *testing.T) {
	l := newFunded(t)
	require.NoError(t, l.TryLock("buyer", domain.SideBid, "SOL", "USDC", dec(100), dec(5)))

	require.NoError(t, l.Release("buyer", "USDC", dec(500)))

	usdc := balance(t, l, "buyer", "USDC")
	assert.True(t, usdc.Locked.IsZero())
	assert.True(t, usdc.Available().Equal(dec(10_000)))
}

func TestReleaseMoreThanLockedIsCorruption(t *testing.T) {
	l := newFunded(t)
	require.NoError(t, l.TryLock("buyer", domain.SideBid, "SOL", "USDC", dec(100), dec(5)))

	err := l.Release("buyer", "USDC", dec(501))
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestDepositUnknownUser(t *testing.T) {
	l := New()
	err := l.Deposit("ghost", "USDC", dec(1))
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestBalancesUnknownUser(t *testing.T) {
	l := New()
	_, err := l.Balances("ghost")
	assert.ErrorIs(t, err, ErrUnknownUser)
}
