package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"charter/api/internal/permissions"
)

// FlagCache memoizes computed permission flags. Keys carry the proposal
// version, so any write to the proposal graph makes older entries unreachable;
// InvalidateProposal drops them eagerly.
type FlagCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewFlagCache(client *redis.Client, ttl time.Duration) *FlagCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &FlagCache{client: client, prefix: "charter:perm:", ttl: ttl}
}

// FlagKey identifies one permission computation. The workflow version is
// part of it because workflow settings such as private evaluations feed the
// flags without touching the proposal.
type FlagKey struct {
	ProposalID      string
	Version         int64
	WorkflowVersion int64
	EvaluationID    string
	UserID          string
}

func (c *FlagCache) key(k FlagKey) string {
	user := k.UserID
	if user == "" {
		user = "-"
	}
	eval := k.EvaluationID
	if eval == "" {
		eval = "-"
	}
	return c.prefix + k.ProposalID + ":" + strconv.FormatInt(k.Version, 10) + ":" +
		strconv.FormatInt(k.WorkflowVersion, 10) + ":" + eval + ":" + user
}

func (c *FlagCache) indexKey(proposalID string) string {
	return c.prefix + "idx:" + proposalID
}

// Get reports a cache hit with the stored flags.
func (c *FlagCache) Get(ctx context.Context, k FlagKey) (permissions.Flags, bool, error) {
	raw, err := c.client.Get(ctx, c.key(k)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cached flags: %w", err)
	}
	var flags permissions.Flags
	if err := json.Unmarshal(raw, &flags); err != nil {
		return nil, false, fmt.Errorf("decode cached flags: %w", err)
	}
	return flags, true, nil
}

func (c *FlagCache) Set(ctx context.Context, k FlagKey, flags permissions.Flags) error {
	raw, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("encode flags: %w", err)
	}
	key := c.key(k)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key, raw, c.ttl)
	pipe.SAdd(ctx, c.indexKey(k.ProposalID), key)
	pipe.Expire(ctx, c.indexKey(k.ProposalID), c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache flags: %w", err)
	}
	return nil
}

// InvalidateProposal removes every cached entry for a proposal.
func (c *FlagCache) InvalidateProposal(ctx context.Context, proposalID string) error {
	idx := c.indexKey(proposalID)
	keys, err := c.client.SMembers(ctx, idx).Result()
	if err != nil {
		return fmt.Errorf("list cached flags: %w", err)
	}
	keys = append(keys, idx)
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("drop cached flags: %w", err)
	}
	return nil
}
