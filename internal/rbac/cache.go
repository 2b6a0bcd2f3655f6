package rbac

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// roleCache memoizes resolved permission sets per role.
// Every invalidation bumps the role generation; a fill started under an older
// generation is discarded so a revoked grant can never be reinstalled.
type roleCache struct {
	mu    sync.Mutex
	sets  *lru.Cache[Role, PermissionSet]
	gens  map[Role]uint64
	group singleflight.Group
}

func newRoleCache(size int) (*roleCache, error) {
	if size <= 0 {
		size = len(roleLabels)
	}
	sets, err := lru.New[Role, PermissionSet](size)
	if err != nil {
		return nil, fmt.Errorf("rbac: new cache: %w", err)
	}
	return &roleCache{sets: sets, gens: make(map[Role]uint64)}, nil
}

func (c *roleCache) get(role Role) (PermissionSet, bool) {
	return c.sets.Get(role)
}

func (c *roleCache) generation(role Role) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[role]
}

// fill stores set only if no invalidation happened since gen was read.
func (c *roleCache) fill(role Role, gen uint64, set PermissionSet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[role] != gen {
		return false
	}
	c.sets.Add(role, set)
	return true
}

func (c *roleCache) invalidate(role Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[role]++
	c.sets.Remove(role)
}

func (c *roleCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for role := range roleLabels {
		c.gens[role]++
	}
	c.sets.Purge()
}

func flightKey(role Role, gen uint64) string {
	return fmt.Sprintf("%s:%d", role, gen)
}
