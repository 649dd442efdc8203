package sqlstore

import (
	"context"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/example/booking-core/internal/persistence"
)

// DirectoryWriter seeds the directory read model. Organization, user, and
// role management live in another service; this is used for fixtures and
// the seed command.
type DirectoryWriter struct {
	q      sqlx.ExtContext
	mapper *ErrorMapper
}

// DirectoryWriter returns a writer bound to the pool.
func (s *Store) DirectoryWriter() *DirectoryWriter {
	return &DirectoryWriter{q: s.db, mapper: s.mapper}
}

// EnsureRole returns the id of the role with label, creating it if needed.
func (w *DirectoryWriter) EnsureRole(ctx context.Context, organizationID int64, label string) (int64, error) {
	label = strings.TrimSpace(label)
	var id int64
	err := sqlx.GetContext(ctx, w.q, &id, w.q.Rebind(`SELECT id FROM roles WHERE organization_id = ? AND label = ?`), organizationID, label)
	if err == nil {
		return id, nil
	}
	if mapped := w.mapper.MapError(err); !errors.Is(mapped, persistence.ErrNotFound) {
		return 0, mapped
	}
	err = sqlx.GetContext(ctx, w.q, &id, w.q.Rebind(`INSERT INTO roles (organization_id, label) VALUES (?, ?) RETURNING id`), organizationID, label)
	if err != nil {
		return 0, w.mapper.MapError(err)
	}
	return id, nil
}

// UpsertMember inserts or replaces a membership.
func (w *DirectoryWriter) UpsertMember(ctx context.Context, member persistence.Member) error {
	query := w.q.Rebind(`INSERT INTO members (organization_id, user_id, role_id, is_admin) VALUES (?, ?, ?, ?)
		ON CONFLICT (organization_id, user_id) DO UPDATE SET role_id = excluded.role_id, is_admin = excluded.is_admin`)
	if _, err := w.q.ExecContext(ctx, query, member.OrganizationID, member.UserID, member.RoleID, member.IsAdmin); err != nil {
		return w.mapper.MapError(err)
	}
	return nil
}

// RemoveMember deletes a membership.
func (w *DirectoryWriter) RemoveMember(ctx context.Context, organizationID, userID int64) error {
	query := w.q.Rebind(`DELETE FROM members WHERE organization_id = ? AND user_id = ?`)
	if _, err := w.q.ExecContext(ctx, query, organizationID, userID); err != nil {
		return w.mapper.MapError(err)
	}
	return nil
}

// GrantPermission attaches a permission code to a role.
func (w *DirectoryWriter) GrantPermission(ctx context.Context, roleID int64, code string) error {
	query := w.q.Rebind(`INSERT INTO role_permissions (role_id, permission_code) VALUES (?, ?)
		ON CONFLICT (role_id, permission_code) DO NOTHING`)
	if _, err := w.q.ExecContext(ctx, query, roleID, code); err != nil {
		return w.mapper.MapError(err)
	}
	return nil
}

// CreateClient inserts a client and returns its id.
func (w *DirectoryWriter) CreateClient(ctx context.Context, client persistence.Client) (int64, error) {
	var id int64
	query := w.q.Rebind(`INSERT INTO clients (organization_id, name, is_vip) VALUES (?, ?, ?) RETURNING id`)
	if err := sqlx.GetContext(ctx, w.q, &id, query, client.OrganizationID, client.Name, client.IsVIP); err != nil {
		return 0, w.mapper.MapError(err)
	}
	return id, nil
}
