package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/reserve_machine.lua
var reserveMachineScript string

//go:embed scripts/release_machine.lua
var releaseMachineScript string

//go:embed scripts/release_lock.lua
var releaseLockScript string

const (
	MachineIdle     = "IDLE"
	MachineReserved = "RESERVED"

	machineKeyPrefix = "machine:"
)

type Client struct {
	rdb           *redis.Client
	reserveScript *redis.Script
	releaseScript *redis.Script
	unlockScript  *redis.Script
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

	return New(rdb), nil
}

// New wraps an existing connection.
func New(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		reserveScript: redis.NewScript(reserveMachineScript),
		releaseScript: redis.NewScript(releaseMachineScript),
		unlockScript:  redis.NewScript(releaseLockScript),
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func machineKey(machineID uuid.UUID) string {
	return machineKeyPrefix + machineID.String()
}

// ReserveMachine atomically moves a machine from IDLE to RESERVED for holder.
// Returns false when the machine is held by a different holder.
func (c *Client) ReserveMachine(ctx context.Context, machineID uuid.UUID, holder string) (bool, error) {
	result, err := c.reserveScript.Run(ctx, c.rdb, []string{machineKey(machineID)}, holder).Result()
	if err != nil {
		return false, fmt.Errorf("reserve machine script failed: %w", err)
	}

	reserved, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type %T", result)
	}

	return reserved == 1, nil
}

// ReleaseMachine returns a machine to IDLE. Releasing an idle machine is a no-op,
// and a machine held by a different holder is left untouched.
func (c *Client) ReleaseMachine(ctx context.Context, machineID uuid.UUID, holder string) (bool, error) {
	result, err := c.releaseScript.Run(ctx, c.rdb, []string{machineKey(machineID)}, holder).Result()
	if err != nil {
		return false, fmt.Errorf("release machine script failed: %w", err)
	}

	released, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type %T", result)
	}

	return released == 1, nil
}

// GetMachineState returns the registry status and holder of a machine.
// Unknown machines are reported as IDLE.
func (c *Client) GetMachineState(ctx context.Context, machineID uuid.UUID) (status, holder string, err error) {
	result, err := c.rdb.HGetAll(ctx, machineKey(machineID)).Result()
	if err != nil {
		return "", "", err
	}

	status = result["status"]
	if status == "" {
		status = MachineIdle
	}

	return status, result["holder"], nil
}

// ReconcileMachines overwrites the registry with the given holdings: every machine in
// held is set RESERVED for its holder, every other known machine is set IDLE.
func (c *Client) ReconcileMachines(ctx context.Context, held map[uuid.UUID]string) (int, error) {
	released := 0

	iter := c.rdb.Scan(ctx, 0, machineKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id, err := uuid.Parse(strings.TrimPrefix(key, machineKeyPrefix))
		if err != nil {
			continue
		}
		if _, ok := held[id]; ok {
			continue
		}
		if ok, err := c.ReleaseMachine(ctx, id, ""); err != nil {
			return released, err
		} else if ok {
			released++
		}
	}
	if err := iter.Err(); err != nil {
		return released, fmt.Errorf("scan machine keys: %w", err)
	}

	if len(held) == 0 {
		return released, nil
	}

	pipe := c.rdb.Pipeline()
	for id, holder := range held {
		pipe.HSet(ctx, machineKey(id), "status", MachineReserved, "holder", holder)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return released, fmt.Errorf("restore machine holdings: %w", err)
	}

	return released, nil
}

// GetIdempotencyKey returns the value stored for key, or "" when absent.
func (c *Client) GetIdempotencyKey(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, "idempotency:"+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// SetIdempotencyKey stores an idempotency key with TTL
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, "idempotency:"+key, value, ttl).Err()
}

// MarkCallbackProcessed records a provider callback and reports whether it is the first time it is seen.
func (c *Client) MarkCallbackProcessed(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, "callback:"+fingerprint, time.Now().Unix(), ttl).Result()
}

// ForgetCallback removes a processed marker so the callback can be applied again.
func (c *Client) ForgetCallback(ctx context.Context, fingerprint string) error {
	return c.rdb.Del(ctx, "callback:"+fingerprint).Err()
}

// AcquireLock acquires a distributed lock on behalf of owner
func (c *Client) AcquireLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, "lock:"+lockKey, owner, ttl).Result()
}

// ReleaseLock releases a distributed lock if owner still holds it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, owner string) (bool, error) {
	n, err := c.unlockScript.Run(ctx, c.rdb, []string{"lock:" + lockKey}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", lockKey, err)
	}
	return n == 1, nil
}
