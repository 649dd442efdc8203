package application

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/example/booking-core/internal/persistence"
)

const (
	defaultPermissionTTL     = 30 * time.Second
	defaultPermissionEntries = 256
)

type permissionKey struct {
	roleID int64
	code   string
}

// permissionCache remembers permission gate decisions per role for a short TTL.
type permissionCache struct {
	entries *expirable.LRU[permissionKey, bool]
}

func newPermissionCache(ttl time.Duration, maxEntries int) *permissionCache {
	if ttl <= 0 {
		ttl = defaultPermissionTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultPermissionEntries
	}
	return &permissionCache{entries: expirable.NewLRU[permissionKey, bool](maxEntries, nil, ttl)}
}

func (c *permissionCache) Get(roleID int64, code string) (bool, bool) {
	if c == nil {
		return false, false
	}
	return c.entries.Get(permissionKey{roleID: roleID, code: code})
}

func (c *permissionCache) Store(roleID int64, code string, allowed bool) {
	if c == nil {
		return
	}
	c.entries.Add(permissionKey{roleID: roleID, code: code}, allowed)
}

func (c *permissionCache) Invalidate() {
	if c == nil {
		return
	}
	c.entries.Purge()
}

// authorize consults the directory permission gate. Admins bypass it; an
// actor without a tenant or user is always rejected.
func authorize(ctx context.Context, directory persistence.DirectoryRepository, cache *permissionCache, actor persistence.Actor, code string) error {
	if actor.OrganizationID == 0 || actor.UserID == 0 {
		return ErrForbidden
	}
	if actor.IsAdmin {
		return nil
	}
	if actor.RoleID == 0 {
		return ErrForbidden
	}
	if allowed, ok := cache.Get(actor.RoleID, code); ok {
		if !allowed {
			return ErrForbidden
		}
		return nil
	}
	if directory == nil {
		return ErrForbidden
	}
	allowed, err := directory.HasPermission(ctx, actor.RoleID, code)
	if err != nil {
		return mapStoreError(err)
	}
	cache.Store(actor.RoleID, code, allowed)
	if !allowed {
		return ErrForbidden
	}
	return nil
}
