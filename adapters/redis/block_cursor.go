// Package redis provides an adapter to redis client
package redis

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

var ErrStaleCursor = errors.New("cursor can only move forward")

// advanceScript sets the cursor only if the new block is greater than the stored one.
// It returns 1 when the cursor moved and 0 otherwise.
var advanceScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current and tonumber(current) >= tonumber(ARGV[1]) then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1])
return 1
`)

// BlockCursor persists the last finalized block of every market, so a restarted node
// does not finalize the same block twice.
type BlockCursor struct {
	client    *redis.Client
	keyPrefix string
}

func NewBlockCursor(client *redis.Client, keyPrefix string) *BlockCursor {
	return &BlockCursor{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (c *BlockCursor) key(market string) string {
	return c.keyPrefix + "cursor:" + market
}

// Get returns the last finalized block of the market, ok is false if nothing was stored yet.
func (c *BlockCursor) Get(ctx context.Context, market string) (block uint64, ok bool, err error) {
	block, err = c.client.Get(ctx, c.key(market)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return block, true, nil
}

// Advance stores block as the last finalized block of the market.
// It fails with ErrStaleCursor if the stored block is not lower.
func (c *BlockCursor) Advance(ctx context.Context, market string, block uint64) error {
	moved, err := advanceScript.Run(ctx, c.client, []string{c.key(market)}, block).Int()
	if err != nil {
		return err
	}
	if moved == 0 {
		return ErrStaleCursor
	}
	return nil
}

// Reset removes the cursor of the market. It is used by tests and operators re-syncing a market.
func (c *BlockCursor) Reset(ctx context.Context, market string) error {
	return c.client.Del(ctx, c.key(market)).Err()
}
