// Package relay fans live market data out to websocket subscribers. One
// pattern subscription on the broker (depth@*, trade@*, kline@*) feeds every
// connection; clients pick topics with SUBSCRIBE/UNSUBSCRIBE frames.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nathanyu/crypto-exchange/internal/broker"
)

const clientSendBuffer = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The relay serves browser clients from any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscribeFrame is a client's subscription control message.
type subscribeFrame struct {
	Method string   `json:"method"` // SUBSCRIBE or UNSUBSCRIBE
	Params []string `json:"params"` // topic names, e.g. depth@SOL_USDC
}

// streamFrame is the shape pushed to clients.
type streamFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// client is one websocket connection and its topic set.
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]struct{}
	mu     sync.Mutex
}

func (c *client) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

func (c *client) setSubscribed(topic string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.topics[topic] = struct{}{}
	} else {
		delete(c.topics, topic)
	}
}

// Relay owns the client set and the broker subscription.
type Relay struct {
	broker *broker.Redis
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// New creates a relay over the given broker.
func New(b *broker.Redis, logger *zap.Logger) *Relay {
	return &Relay{
		broker:  b,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// Run consumes the pattern subscription and forwards each message to every
// client subscribed to its topic. Blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	sub := r.broker.PSubscribe(ctx, "depth@*", "trade@*", "kline@*")
	defer sub.Close()

	r.logger.Info("relay started")
	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.fanOut(msg.Channel, []byte(msg.Payload))
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return
		}
	}
}

// fanOut wraps the payload in a stream frame and queues it on each
// subscribed client. Slow clients lose messages rather than stall the relay.
func (r *Relay) fanOut(topic string, payload []byte) {
	frame, err := json.Marshal(streamFrame{Stream: topic, Data: payload})
	if err != nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.clients {
		if !c.subscribed(topic) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			r.logger.Warn("dropping frame for slow client", zap.String("topic", topic))
		}
	}
}

// ServeHTTP upgrades the connection and runs the client's pumps.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, clientSendBuffer),
		topics: make(map[string]struct{}),
	}

	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()

	go r.writePump(c)
	r.readPump(c)
}

// readPump handles subscription frames until the connection drops.
func (r *Relay) readPump(c *client) {
	defer func() {
		r.mu.Lock()
		delete(r.clients, c)
		r.mu.Unlock()
		close(c.send)
		c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame subscribeFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		switch frame.Method {
		case "SUBSCRIBE":
			for _, topic := range frame.Params {
				c.setSubscribed(topic, true)
			}
		case "UNSUBSCRIBE":
			for _, topic := range frame.Params {
				c.setSubscribed(topic, false)
			}
		}
	}
}

// writePump drains the client's send queue onto the wire.
func (r *Relay) writePump(c *client) {
	for frame := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}
