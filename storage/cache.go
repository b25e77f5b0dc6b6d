package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STORE - Shared persistent key/value layer (redis)
// ═══════════════════════════════════════════════════════════════════════════════
//
// Key layout:
//   latest:{exchange}:{spot_symbol}              latest order book (no TTL)
//   funding:{exchange}:{spot_symbol}             latest funding entry (no TTL)
//   position:{exchange}:{spot_symbol}            open position (7d TTL)
//   trade_history                                append-only list of closed positions
//   basis:{exchange}:{spot_symbol}:{unix_secs}   basis %, 24h TTL
//
// Pub/sub channels prices:{ex}:{sym} and funding:{ex}:{sym} mirror writes
// for push-style consumers.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	// PositionTTL guards against orphaned keys if the engine dies; open
	// positions are re-written every tick, so a live position never expires.
	PositionTTL = 7 * 24 * time.Hour
	// BasisTTL keeps one day of basis samples.
	BasisTTL = 24 * time.Hour

	historyKey = "trade_history"
)

// BookKey is the latest-order-book key for an exchange/symbol pair.
func BookKey(exchange, symbol string) string {
	return fmt.Sprintf("latest:%s:%s", exchange, symbol)
}

// FundingKey is the latest-funding key for an exchange/symbol pair.
func FundingKey(exchange, symbol string) string {
	return fmt.Sprintf("funding:%s:%s", exchange, symbol)
}

// PositionKey is the open-position key for an exchange/symbol pair.
func PositionKey(exchange, symbol string) string {
	return fmt.Sprintf("position:%s:%s", exchange, symbol)
}

// BasisKey is the timestamped basis-sample key.
func BasisKey(exchange, symbol string, unixSecs int64) string {
	return fmt.Sprintf("basis:%s:%s:%d", exchange, symbol, unixSecs)
}

// PricesChannel is the pub/sub channel for order-book pushes.
func PricesChannel(exchange, symbol string) string {
	return fmt.Sprintf("prices:%s:%s", exchange, symbol)
}

// FundingChannel is the pub/sub channel for funding pushes.
func FundingChannel(exchange, symbol string) string {
	return fmt.Sprintf("funding:%s:%s", exchange, symbol)
}

// Store wraps the redis client with the engine's access patterns.
type Store struct {
	rdb *redis.Client
}

// NewStore connects to redis and verifies the connection.
func NewStore(ctx context.Context, addr string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	log.Info().Str("addr", addr).Int("db", db).Msg("connected to redis")
	return &Store{rdb: rdb}, nil
}

// NewStoreFromClient wraps an existing client (tests use redismock).
func NewStoreFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Get returns the value at key; ok is false when the key is absent.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

// Set writes a value; ttl <= 0 means no expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// ScanKeys returns all keys matching a pattern.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", pattern, err)
	}
	return keys, nil
}

// AppendHistory appends a closed position to the trade_history list.
func (s *Store) AppendHistory(ctx context.Context, value string) error {
	if err := s.rdb.RPush(ctx, historyKey, value).Err(); err != nil {
		return fmt.Errorf("redis rpush %s: %w", historyKey, err)
	}
	return nil
}

// History returns the full trade_history list in write order.
func (s *Store) History(ctx context.Context) ([]string, error) {
	vals, err := s.rdb.LRange(ctx, historyKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", historyKey, err)
	}
	return vals, nil
}

// Publish pushes a payload to a pub/sub channel. Best effort.
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	return s.rdb.Publish(ctx, channel, payload).Err()
}
