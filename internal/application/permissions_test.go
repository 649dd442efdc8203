package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/booking-core/internal/persistence"
)

type permissionDirectoryStub struct {
	persistence.DirectoryRepository
	grants map[string]bool
	calls  int
	err    error
}

func (p *permissionDirectoryStub) HasPermission(ctx context.Context, roleID int64, code string) (bool, error) {
	p.calls++
	if p.err != nil {
		return false, p.err
	}
	return p.grants[code], nil
}

func TestAuthorize(t *testing.T) {
	t.Parallel()

	dir := &permissionDirectoryStub{grants: map[string]bool{PermissionAppointmentsRead: true}}
	cache := newPermissionCache(time.Minute, 8)
	ctx := context.Background()
	actor := persistence.Actor{OrganizationID: 1, UserID: 2, RoleID: 3}

	if err := authorize(ctx, dir, cache, actor, PermissionAppointmentsRead); err != nil {
		t.Fatalf("expected read to be allowed, got %v", err)
	}
	if err := authorize(ctx, dir, cache, actor, PermissionAppointmentsRead); err != nil {
		t.Fatalf("expected cached read to be allowed, got %v", err)
	}
	if dir.calls != 1 {
		t.Fatalf("expected one directory lookup, got %d", dir.calls)
	}

	if err := authorize(ctx, dir, cache, actor, PermissionAppointmentsWrite); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for write, got %v", err)
	}

	admin := persistence.Actor{OrganizationID: 1, UserID: 9, IsAdmin: true}
	if err := authorize(ctx, dir, cache, admin, PermissionNotificationsSend); err != nil {
		t.Fatalf("expected admin bypass, got %v", err)
	}

	if err := authorize(ctx, dir, cache, persistence.Actor{UserID: 2, RoleID: 3}, PermissionAppointmentsRead); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden without tenant, got %v", err)
	}
}

func TestAuthorize_StoreErrorIsNotCached(t *testing.T) {
	t.Parallel()

	dir := &permissionDirectoryStub{err: persistence.ErrTransient}
	cache := newPermissionCache(time.Minute, 8)
	actor := persistence.Actor{OrganizationID: 1, UserID: 2, RoleID: 3}

	if err := authorize(context.Background(), dir, cache, actor, PermissionAppointmentsRead); !errors.Is(err, persistence.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}

	dir.err = nil
	dir.grants = map[string]bool{PermissionAppointmentsRead: true}
	if err := authorize(context.Background(), dir, cache, actor, PermissionAppointmentsRead); err != nil {
		t.Fatalf("expected success after recovery, got %v", err)
	}

	cache.Invalidate()
	if _, ok := cache.Get(3, PermissionAppointmentsRead); ok {
		t.Fatalf("expected invalidate to drop entries")
	}
}
