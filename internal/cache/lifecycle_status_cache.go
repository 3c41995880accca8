package cache

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/smallbiznis/tenantvault/internal/tenantlifecycle/domain"
)

const (
	defaultStatusCounters = 100_000
	defaultStatusMaxCost  = 10_000
)

// LifecycleStatusCache stores tenant lifecycle rows for the request gate.
// Entries are never refreshed in place; they expire after the TTL.
type LifecycleStatusCache struct {
	statuses *ristretto.Cache[int64, domain.TenantRetentionStatus]
	ttl      time.Duration
}

// NewLifecycleStatusCache returns nil when ttl is not positive, which
// disables caching for every method.
func NewLifecycleStatusCache(ttl time.Duration) (*LifecycleStatusCache, error) {
	if ttl <= 0 {
		return nil, nil
	}
	statuses, err := ristretto.NewCache(&ristretto.Config[int64, domain.TenantRetentionStatus]{
		NumCounters: defaultStatusCounters,
		MaxCost:     defaultStatusMaxCost,
		BufferItems: 64,
		// Cost counts entries, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &LifecycleStatusCache{statuses: statuses, ttl: ttl}, nil
}

func (c *LifecycleStatusCache) Get(orgID snowflake.ID) (*domain.TenantRetentionStatus, bool) {
	if c == nil {
		return nil, false
	}
	status, ok := c.statuses.Get(int64(orgID))
	if !ok {
		return nil, false
	}
	return &status, true
}

func (c *LifecycleStatusCache) Set(orgID snowflake.ID, status *domain.TenantRetentionStatus) {
	if c == nil || status == nil {
		return
	}
	c.statuses.SetWithTTL(int64(orgID), *status, 1, c.ttl)
}

func (c *LifecycleStatusCache) Invalidate(orgID snowflake.ID) {
	if c == nil {
		return
	}
	c.statuses.Del(int64(orgID))
}

// Wait blocks until buffered writes are visible to Get.
func (c *LifecycleStatusCache) Wait() {
	if c == nil {
		return
	}
	c.statuses.Wait()
}

func (c *LifecycleStatusCache) Close() {
	if c == nil {
		return
	}
	c.statuses.Close()
}
