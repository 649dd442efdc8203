package sqlstore

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/example/booking-core/internal/persistence"
)

type directoryRepository struct {
	q      sqlx.ExtContext
	mapper *ErrorMapper
}

func (r *directoryRepository) ResolveActor(ctx context.Context, organizationID, userID int64) (persistence.Actor, error) {
	var row struct {
		OrganizationID int64  `db:"organization_id"`
		UserID         int64  `db:"user_id"`
		RoleID         int64  `db:"role_id"`
		RoleLabel      string `db:"role_label"`
		IsAdmin        bool   `db:"is_admin"`
	}
	query := r.q.Rebind(`SELECT m.organization_id, m.user_id, m.role_id,
		COALESCE(r.label, '') AS role_label, m.is_admin
		FROM members m
		LEFT JOIN roles r ON r.id = m.role_id AND r.organization_id = m.organization_id
		WHERE m.organization_id = ? AND m.user_id = ?`)
	if err := sqlx.GetContext(ctx, r.q, &row, query, organizationID, userID); err != nil {
		return persistence.Actor{}, r.mapper.MapError(err)
	}
	return persistence.Actor{
		OrganizationID: row.OrganizationID,
		UserID:         row.UserID,
		RoleID:         row.RoleID,
		RoleLabel:      row.RoleLabel,
		IsAdmin:        row.IsAdmin,
	}, nil
}

// UsersByRole returns member ids holding the role, case-insensitively. The
// synthetic label persistence.RoleAll selects every member.
func (r *directoryRepository) UsersByRole(ctx context.Context, organizationID int64, roleLabel string) ([]int64, error) {
	roleLabel = strings.TrimSpace(roleLabel)
	if roleLabel == "" {
		return nil, nil
	}
	var (
		query string
		args  []any
	)
	if strings.EqualFold(roleLabel, persistence.RoleAll) {
		query = `SELECT user_id FROM members WHERE organization_id = ? ORDER BY user_id`
		args = []any{organizationID}
	} else {
		query = `SELECT m.user_id FROM members m
			JOIN roles r ON r.id = m.role_id AND r.organization_id = m.organization_id
			WHERE m.organization_id = ? AND LOWER(r.label) = LOWER(?)
			ORDER BY m.user_id`
		args = []any{organizationID, roleLabel}
	}
	var ids []int64
	if err := sqlx.SelectContext(ctx, r.q, &ids, r.q.Rebind(query), args...); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return ids, nil
}

// UsersExist returns the subset of userIDs that are members of the tenant.
func (r *directoryRepository) UsersExist(ctx context.Context, organizationID int64, userIDs []int64) ([]int64, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT user_id FROM members WHERE organization_id = ? AND user_id IN (?) ORDER BY user_id`, organizationID, userIDs)
	if err != nil {
		return nil, err
	}
	var ids []int64
	if err := sqlx.SelectContext(ctx, r.q, &ids, r.q.Rebind(query), args...); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return ids, nil
}

func (r *directoryRepository) HasPermission(ctx context.Context, roleID int64, code string) (bool, error) {
	var count int
	query := r.q.Rebind(`SELECT COUNT(*) FROM role_permissions WHERE role_id = ? AND permission_code = ?`)
	if err := sqlx.GetContext(ctx, r.q, &count, query, roleID, code); err != nil {
		return false, r.mapper.MapError(err)
	}
	return count > 0, nil
}

// Roles lists the tenant's role labels ordered by id.
func (r *directoryRepository) Roles(ctx context.Context, organizationID int64) ([]persistence.Role, error) {
	var rows []struct {
		ID             int64  `db:"id"`
		OrganizationID int64  `db:"organization_id"`
		Label          string `db:"label"`
	}
	query := r.q.Rebind(`SELECT id, organization_id, label FROM roles WHERE organization_id = ? ORDER BY id`)
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, organizationID); err != nil {
		return nil, r.mapper.MapError(err)
	}
	roles := make([]persistence.Role, 0, len(rows))
	for _, row := range rows {
		roles = append(roles, persistence.Role{ID: row.ID, OrganizationID: row.OrganizationID, Label: row.Label})
	}
	return roles, nil
}
