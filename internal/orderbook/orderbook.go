package orderbook

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/nathanyu/crypto-exchange/internal/domain"
)

// Orderbook holds the two-sided book for a single market. Bids are kept in
// descending price order, asks ascending; ties within a price are broken by
// admission timestamp. The book is not safe for concurrent use — each book is
// owned by exactly one market worker.
type Orderbook struct {
	BaseAsset  string
	QuoteAsset string

	bids []*domain.Order
	asks []*domain.Order
}

// New creates an empty order book for a base/quote pair.
func New(baseAsset, quoteAsset string) *Orderbook {
	return &Orderbook{
		BaseAsset:  baseAsset,
		QuoteAsset: quoteAsset,
	}
}

// crosses reports whether a maker at makerPrice is consumable by a taker with
// the given side and limit. The boundary rule is equal-or-better on both
// sides: a bid consumes asks priced at or below its limit, an ask consumes
// bids priced at or above it.
func crosses(takerSide domain.Side, limit, makerPrice decimal.Decimal) bool {
	if takerSide == domain.SideBid {
		return makerPrice.LessThanOrEqual(limit)
	}
	return makerPrice.GreaterThanOrEqual(limit)
}

// Match consumes resting orders on the opposite side of taker, best price
// first, until the taker is exhausted or the best maker no longer crosses.
// Each fill executes at the maker's resting price. The taker's Quantity is
// reduced in place; the unfilled remainder is NOT rested — callers decide
// whether to Add it after settlement succeeds.
func (ob *Orderbook) Match(taker *domain.Order) []domain.Fill {
	opposite := &ob.asks
	if taker.Side == domain.SideAsk {
		opposite = &ob.bids
	}

	var fills []domain.Fill
	side := *opposite
	consumed := 0

	for _, maker := range side {
		if taker.Quantity.IsZero() {
			break
		}
		if !crosses(taker.Side, taker.Price, maker.Price) {
			// Priority order guarantees every later maker is worse.
			break
		}

		matchQty := taker.Quantity
		if maker.Quantity.LessThan(matchQty) {
			matchQty = maker.Quantity
		}

		fills = append(fills, domain.Fill{
			MakerOrderID: maker.ID,
			MakerUserID:  maker.UserID,
			Price:        maker.Price,
			Quantity:     matchQty,
		})

		taker.Quantity = taker.Quantity.Sub(matchQty)
		maker.Quantity = maker.Quantity.Sub(matchQty)
		if maker.Quantity.IsZero() {
			consumed++
		}
	}

	if consumed > 0 {
		*opposite = side[consumed:]
	}
	return fills
}

// Add rests an order on its own side, preserving price priority and then
// timestamp priority within a price.
func (ob *Orderbook) Add(order *domain.Order) {
	if order.Side == domain.SideBid {
		idx := sort.Search(len(ob.bids), func(i int) bool {
			return ob.bids[i].Price.LessThan(order.Price)
		})
		ob.bids = append(ob.bids, nil)
		copy(ob.bids[idx+1:], ob.bids[idx:])
		ob.bids[idx] = order
		return
	}

	idx := sort.Search(len(ob.asks), func(i int) bool {
		return ob.asks[i].Price.GreaterThan(order.Price)
	})
	ob.asks = append(ob.asks, nil)
	copy(ob.asks[idx+1:], ob.asks[idx:])
	ob.asks[idx] = order
}

// Cancel removes an order by ID, searching bids first, then asks. It returns
// the removed order, or false if no such order rests in this book.
func (ob *Orderbook) Cancel(orderID string) (*domain.Order, bool) {
	for i, order := range ob.bids {
		if order.ID == orderID {
			ob.bids = append(ob.bids[:i], ob.bids[i+1:]...)
			return order, true
		}
	}
	for i, order := range ob.asks {
		if order.ID == orderID {
			ob.asks = append(ob.asks[:i], ob.asks[i+1:]...)
			return order, true
		}
	}
	return nil, false
}

// Depth returns the aggregated quantity per price level for both sides. It is
// a read-only projection and never mutates the underlying orders.
func (ob *Orderbook) Depth() domain.Depth {
	return domain.Depth{
		Bids: aggregateLevels(ob.bids),
		Asks: aggregateLevels(ob.asks),
	}
}

// aggregateLevels merges adjacent orders sharing a price. The input is
// already in priority order, so one pass suffices.
func aggregateLevels(side []*domain.Order) [][2]string {
	levels := make([][2]string, 0, len(side))
	for i := 0; i < len(side); {
		price := side[i].Price
		qty := decimal.Zero
		for i < len(side) && side[i].Price.Equal(price) {
			qty = qty.Add(side[i].Quantity)
			i++
		}
		levels = append(levels, [2]string{price.String(), qty.String()})
	}
	return levels
}

// Quote walks the opposite side accumulating cost until quantity is satisfied
// or liquidity runs out, and returns the volume-weighted average price over
// the satisfiable portion. It never mutates the book.
func (ob *Orderbook) Quote(quantity decimal.Decimal, side domain.Side) domain.Quote {
	opposite := ob.asks
	if side == domain.SideAsk {
		opposite = ob.bids
	}

	remaining := quantity
	totalCost := decimal.Zero

	for _, maker := range opposite {
		if remaining.IsZero() {
			break
		}
		matchQty := remaining
		if maker.Quantity.LessThan(matchQty) {
			matchQty = maker.Quantity
		}
		totalCost = totalCost.Add(maker.Price.Mul(matchQty))
		remaining = remaining.Sub(matchQty)
	}

	avgPrice := decimal.Zero
	satisfied := quantity.Sub(remaining)
	if satisfied.IsPositive() {
		avgPrice = totalCost.Div(satisfied)
	}

	return domain.Quote{
		AvgPrice:  avgPrice,
		Quantity:  quantity,
		TotalCost: totalCost,
	}
}

// OpenOrders returns copies of the user's resting orders, bids first.
func (ob *Orderbook) OpenOrders(userID string) []domain.Order {
	var orders []domain.Order
	for _, bid := range ob.bids {
		if bid.UserID == userID {
			orders = append(orders, *bid)
		}
	}
	for _, ask := range ob.asks {
		if ask.UserID == userID {
			orders = append(orders, *ask)
		}
	}
	return orders
}

// Bids returns the resting bid sequence in priority order.
func (ob *Orderbook) Bids() []*domain.Order { return ob.bids }

// Asks returns the resting ask sequence in priority order.
func (ob *Orderbook) Asks() []*domain.Order { return ob.asks }
