package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/schedule_transition.lua
var scheduleTransitionScript string

//go:embed scripts/cancel_transition.lua
var cancelTransitionScript string

//go:embed scripts/claim_due.lua
var claimDueScript string

const (
	autoTransitionDueKey     = "auto_transitions:due"
	autoTransitionPayloadKey = "auto_transitions:payload"
)

type Client struct {
	rdb            *redis.Client
	scheduleScript *redis.Script
	cancelScript   *redis.Script
	claimScript    *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:            rdb,
		scheduleScript: redis.NewScript(scheduleTransitionScript),
		cancelScript:   redis.NewScript(cancelTransitionScript),
		claimScript:    redis.NewScript(claimDueScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Publish sends message to channel. It reports false when no subscriber was
// listening, which callers treat as "recipient not connected".
func (c *Client) Publish(ctx context.Context, channel string, message []byte) (bool, error) {
	receivers, err := c.rdb.Publish(ctx, channel, message).Result()
	if err != nil {
		return false, fmt.Errorf("publish to %s failed: %w", channel, err)
	}
	return receivers > 0, nil
}

// SetIdempotencyKey stores an idempotency key with TTL
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("idempotency:%s", key), value, ttl).Err()
}

// CheckIdempotencyKey checks if an idempotency key exists
func (c *Client) CheckIdempotencyKey(ctx context.Context, key string) (bool, error) {
	result, err := c.rdb.Exists(ctx, fmt.Sprintf("idempotency:%s", key)).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// ScheduleAutoTransition stores the timer of an order atomically with its due
// time. With replace unset, an existing timer for the order is kept.
func (c *Client) ScheduleAutoTransition(ctx context.Context, orderID string, payload []byte, dueAt time.Time, replace bool) error {
	flag := "0"
	if replace {
		flag = "1"
	}
	keys := []string{autoTransitionDueKey, autoTransitionPayloadKey}

	_, err := c.scheduleScript.Run(ctx, c.rdb, keys, orderID, dueAt.UnixMilli(), string(payload), flag).Result()
	if err != nil {
		return fmt.Errorf("schedule auto-transition script failed: %w", err)
	}
	return nil
}

// CancelAutoTransition removes the timer of an order
func (c *Client) CancelAutoTransition(ctx context.Context, orderID string) error {
	keys := []string{autoTransitionDueKey, autoTransitionPayloadKey}

	_, err := c.cancelScript.Run(ctx, c.rdb, keys, orderID).Result()
	if err != nil {
		return fmt.Errorf("cancel auto-transition script failed: %w", err)
	}
	return nil
}

// ClaimDueAutoTransitions atomically removes and returns up to limit timers
// due at or before now. A claimed timer belongs to the caller alone.
func (c *Client) ClaimDueAutoTransitions(ctx context.Context, now time.Time, limit int) ([][]byte, error) {
	keys := []string{autoTransitionDueKey, autoTransitionPayloadKey}

	result, err := c.claimScript.Run(ctx, c.rdb, keys, now.UnixMilli(), limit).Result()
	if err != nil {
		return nil, fmt.Errorf("claim auto-transitions script failed: %w", err)
	}

	items, ok := result.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected script result type %T", result)
	}
	payloads := make([][]byte, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected payload type %T", item)
		}
		payloads = append(payloads, []byte(s))
	}
	return payloads, nil
}

// PendingAutoTransitions returns the number of armed timers
func (c *Client) PendingAutoTransitions(ctx context.Context) (int64, error) {
	return c.rdb.ZCard(ctx, autoTransitionDueKey).Result()
}
