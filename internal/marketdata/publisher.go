// Package marketdata fans out fills to external consumers: a depth update
// and one trade event per fill on per-market topics, a persistence record on
// the database queue, and per-market candlesticks built from the trade flow.
// Workers enqueue events and never block on broker I/O.
package marketdata

import (
	"time"

	"go.uber.org/zap"

	"github.com/nathanyu/crypto-exchange/internal/domain"
	"github.com/nathanyu/crypto-exchange/internal/message"
)

const (
	ringBufferCapacity = 100
	defaultInterval    = "1m"
)

// Broker is the outbound side of the pub/sub relay and persistence queue.
type Broker interface {
	Publish(channel string, payload any) error
	PushTrade(record message.TradeRecord) error
}

// FillEvent carries the result of one book mutation: the post-mutation depth
// projection and the trades executed by it (empty for cancels).
type FillEvent struct {
	Market string
	Depth  domain.Depth
	Trades []domain.Trade
}

// depthStream is the wire shape of a depth update.
type depthStream struct {
	Stream string     `json:"stream"`
	Data   depthDelta `json:"data"`
}

type depthDelta struct {
	Asks  [][2]string `json:"a"`
	Bids  [][2]string `json:"b"`
	Event string      `json:"e"`
}

// candleState tracks the current (building) candlestick for a market.
type candleState struct {
	current *domain.Candlestick
	hasData bool
}

// RingBuffer is a fixed-size circular buffer of completed candlesticks.
type RingBuffer struct {
	data  [ringBufferCapacity]*domain.Candlestick
	head  int // next write position
	count int
}

// Push adds a candlestick to the ring buffer.
func (rb *RingBuffer) Push(c *domain.Candlestick) {
	rb.data[rb.head] = c
	rb.head = (rb.head + 1) % ringBufferCapacity
	if rb.count < ringBufferCapacity {
		rb.count++
	}
}

// GetRecent returns the N most recent candlesticks in chronological order.
func (rb *RingBuffer) GetRecent(n int) []*domain.Candlestick {
	if n <= 0 || rb.count == 0 {
		return nil
	}
	if n > rb.count {
		n = rb.count
	}

	result := make([]*domain.Candlestick, n)
	start := (rb.head - n + ringBufferCapacity) % ringBufferCapacity
	for i := 0; i < n; i++ {
		result[i] = rb.data[(start+i)%ringBufferCapacity]
	}
	return result
}

// Publisher consumes fill events from market workers on a buffered channel
// and performs all broker I/O on its own goroutine.
type Publisher struct {
	broker Broker
	logger *zap.Logger

	events chan FillEvent

	candles  map[string]*RingBuffer
	states   map[string]*candleState
	interval time.Duration

	done   chan struct{}
	ticker *time.Ticker
}

// NewPublisher creates a publisher over the given broker.
func NewPublisher(broker Broker, logger *zap.Logger, bufferSize int) *Publisher {
	return &Publisher{
		broker:   broker,
		logger:   logger,
		events:   make(chan FillEvent, bufferSize),
		candles:  make(map[string]*RingBuffer),
		states:   make(map[string]*candleState),
		interval: time.Minute,
		done:     make(chan struct{}),
	}
}

// Start begins the publisher's loop.
func (p *Publisher) Start() {
	p.ticker = time.NewTicker(p.interval)
	go p.run()
}

// Stop shuts down the publisher.
func (p *Publisher) Stop() {
	if p.ticker != nil {
		p.ticker.Stop()
	}
	close(p.done)
}

// Enqueue hands a fill event to the publisher without blocking. A full
// channel drops the event — subscribers are best-effort consumers.
func (p *Publisher) Enqueue(event FillEvent) {
	select {
	case p.events <- event:
	default:
		p.logger.Warn("market data channel full, dropping event", zap.String("market", event.Market))
	}
}

func (p *Publisher) run() {
	p.logger.Info("market data publisher started")
	for {
		select {
		case event := <-p.events:
			p.process(event)
		case <-p.ticker.C:
			p.rotateCandles()
		case <-p.done:
			p.logger.Info("market data publisher stopped")
			return
		}
	}
}

// process publishes the depth update, one trade event and persistence record
// per fill, and folds the trades into the building candle.
func (p *Publisher) process(event FillEvent) {
	depthChannel := "depth@" + event.Market
	update := depthStream{
		Stream: depthChannel,
		Data: depthDelta{
			Asks:  event.Depth.Asks,
			Bids:  event.Depth.Bids,
			Event: "depth",
		},
	}
	if err := p.broker.Publish(depthChannel, update); err != nil {
		p.logger.Warn("depth publish failed", zap.String("market", event.Market), zap.Error(err))
	}

	for _, trade := range event.Trades {
		if err := p.broker.Publish("trade@"+event.Market, trade); err != nil {
			p.logger.Warn("trade publish failed", zap.String("market", event.Market), zap.Error(err))
		}
		if err := p.broker.PushTrade(message.NewTradeRecord(trade)); err != nil {
			p.logger.Warn("trade persistence enqueue failed", zap.String("market", event.Market), zap.Error(err))
		}
		p.updateCandle(trade)
	}
}

// updateCandle folds one trade into the market's building candlestick.
func (p *Publisher) updateCandle(trade domain.Trade) {
	state, ok := p.states[trade.Market]
	if !ok {
		state = &candleState{}
		p.states[trade.Market] = state
	}

	if !state.hasData {
		state.current = &domain.Candlestick{
			Market:    trade.Market,
			Open:      trade.Price,
			High:      trade.Price,
			Low:       trade.Price,
			Close:     trade.Price,
			Volume:    trade.Quantity,
			Timestamp: trade.Timestamp.Truncate(p.interval),
			Interval:  defaultInterval,
		}
		state.hasData = true
		return
	}

	c := state.current
	if trade.Price.GreaterThan(c.High) {
		c.High = trade.Price
	}
	if trade.Price.LessThan(c.Low) {
		c.Low = trade.Price
	}
	c.Close = trade.Price
	c.Volume = c.Volume.Add(trade.Quantity)
}

// rotateCandles closes out the building candles, archives them, and publishes
// each to its market's kline topic.
func (p *Publisher) rotateCandles() {
	for market, state := range p.states {
		if !state.hasData {
			continue
		}

		rb, ok := p.candles[market]
		if !ok {
			rb = &RingBuffer{}
			p.candles[market] = rb
		}
		rb.Push(state.current)

		if err := p.broker.Publish("kline@"+market, state.current); err != nil {
			p.logger.Warn("kline publish failed", zap.String("market", market), zap.Error(err))
		}

		state.hasData = false
		state.current = nil
	}
}
