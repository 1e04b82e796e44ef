// Package cellindex tracks which cached area-statistics keys cover
// which H3 cells, so point events can invalidate them.
package cellindex

import (
	"context"
	"fmt"
	"time"

	"github.com/bikenow/ridestats/internal/cache/keys"
	"github.com/bikenow/ridestats/internal/cache/redisstore"
)

type Index interface {
	Register(ctx context.Context, cells []string, key string, ttl time.Duration) error
	Keys(ctx context.Context, cell string) ([]string, error)
}

type redisIndex struct {
	cli *redisstore.Client
}

func NewRedisIndex(cli *redisstore.Client) Index {
	return &redisIndex{cli: cli}
}

// Register records the cache key under every covering cell. The set
// TTL is refreshed past the entry TTL so the index outlives the
// entries it names; stale members only cause harmless deletes.
func (ix *redisIndex) Register(ctx context.Context, cells []string, key string, ttl time.Duration) error {
	setTTL := 2 * ttl
	for _, cell := range cells {
		if err := ix.cli.SAdd(ctx, keys.CellIndex(cell), setTTL, key); err != nil {
			return fmt.Errorf("cellindex register %q: %w", cell, err)
		}
	}
	return nil
}

func (ix *redisIndex) Keys(ctx context.Context, cell string) ([]string, error) {
	members, err := ix.cli.SMembers(ctx, keys.CellIndex(cell))
	if err != nil {
		return nil, fmt.Errorf("cellindex keys %q: %w", cell, err)
	}
	return members, nil
}
