package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const decisionKeyPrefix = "authz:decision"

// Cache stores recent decisions keyed by (user, tenant, resource, action).
// A nil client disables caching.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the decision cache.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func decisionKey(userID, tenantID uuid.UUID, resource, action string) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", decisionKeyPrefix, userID, tenantID, resource, action)
}

// Get returns a cached decision when present.
func (c *Cache) Get(ctx context.Context, userID, tenantID uuid.UUID, resource, action string) (Response, bool, error) {
	if c == nil || c.client == nil {
		return Response{}, false, nil
	}
	payload, err := c.client.Get(ctx, decisionKey(userID, tenantID, resource, action)).Bytes()
	if err == redis.Nil {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, err
	}
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Response{}, false, err
	}
	return resp, true, nil
}

// Put stores a decision for the configured TTL.
func (c *Cache) Put(ctx context.Context, req Request, resp Response) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, decisionKey(req.UserID, req.TenantID, req.Resource, req.Action), raw, c.ttl).Err()
}

// Invalidate drops every cached decision for (user, tenant).
func (c *Cache) Invalidate(ctx context.Context, userID, tenantID uuid.UUID) error {
	if c == nil || c.client == nil {
		return nil
	}
	pattern := fmt.Sprintf("%s:%s:%s:*", decisionKeyPrefix, userID, tenantID)
	return c.deleteByPattern(ctx, pattern)
}

// InvalidateTenant drops every cached decision inside a tenant.
func (c *Cache) InvalidateTenant(ctx context.Context, tenantID uuid.UUID) error {
	if c == nil || c.client == nil {
		return nil
	}
	pattern := fmt.Sprintf("%s:*:%s:*", decisionKeyPrefix, tenantID)
	return c.deleteByPattern(ctx, pattern)
}

// InvalidateAll drops every cached decision. Used by the expiry sweeps.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.deleteByPattern(ctx, decisionKeyPrefix+":*")
}

func (c *Cache) deleteByPattern(ctx context.Context, pattern string) error {
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == 100 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) > 0 {
		return c.client.Del(ctx, keys...).Err()
	}
	return nil
}
