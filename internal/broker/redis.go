// Package broker wraps the redis transport shared by all services: a
// blocking request queue into the engine, per-caller response channels,
// pub/sub topics for market data, and the trade persistence queue.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nathanyu/crypto-exchange/internal/message"
)

const (
	// RequestQueue is the list the gateway pushes request envelopes onto
	// and the engine blocks on.
	RequestQueue = "messages"

	// TradeQueue is the list the publisher pushes trade records onto and
	// the db processor blocks on.
	TradeQueue = "db_processor"
)

// Redis is a thin client over the broker primitives the exchange needs.
type Redis struct {
	client *redis.Client
}

// NewRedis connects a broker client.
func NewRedis(addr string) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Ping verifies connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// SendToAPI publishes a response on the caller's channel. The caller identity
// doubles as the channel name, which is all the correlation the multiplexed
// transport needs.
func (r *Redis) SendToAPI(clientID string, resp message.Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	return r.client.Publish(context.Background(), clientID, payload).Err()
}

// Publish sends a JSON payload to a pub/sub topic.
func (r *Redis) Publish(channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return r.client.Publish(context.Background(), channel, raw).Err()
}

// PushTrade enqueues a trade record for the db processor. Fire and forget —
// the engine never waits for persistence.
func (r *Redis) PushTrade(record message.TradeRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal trade record: %w", err)
	}
	return r.client.LPush(context.Background(), TradeQueue, raw).Err()
}

// PushRequest enqueues a request envelope for the engine.
func (r *Redis) PushRequest(ctx context.Context, env message.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return r.client.LPush(ctx, RequestQueue, raw).Err()
}

// DequeueRequest blocks until a request envelope is available.
func (r *Redis) DequeueRequest(ctx context.Context) (message.Envelope, error) {
	var env message.Envelope
	result, err := r.client.BRPop(ctx, 0, RequestQueue).Result()
	if err != nil {
		return env, err
	}
	// BRPOP returns [key, value].
	if err := json.Unmarshal([]byte(result[1]), &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// DequeueTrade blocks until a trade record is available, up to timeout.
func (r *Redis) DequeueTrade(ctx context.Context, timeout time.Duration) (message.TradeRecord, error) {
	var record message.TradeRecord
	result, err := r.client.BRPop(ctx, timeout, TradeQueue).Result()
	if err != nil {
		return record, err
	}
	if err := json.Unmarshal([]byte(result[1]), &record); err != nil {
		return record, fmt.Errorf("decode trade record: %w", err)
	}
	return record, nil
}

// Subscribe opens a subscription on exact channel names. The caller owns the
// returned PubSub and must close it.
func (r *Redis) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return r.client.Subscribe(ctx, channels...)
}

// PSubscribe opens a pattern subscription (e.g. "depth@*").
func (r *Redis) PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	return r.client.PSubscribe(ctx, patterns...)
}
