package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/klinika/klinika/internal/platform/db"
)

// Store persists the role to permission matrix.
type Store interface {
	SetRolePermissions(ctx context.Context, role Role, perms PermissionSet) error
	GetRolePermissions(ctx context.Context, role Role) (PermissionSet, error)
	RolesWithPermission(ctx context.Context, perm Permission) ([]Role, error)
	ListAssignments(ctx context.Context) ([]Assignment, error)
}

// PostgresStore is the pgx backed Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const (
	lockRoleSQL = `SELECT pg_advisory_xact_lock(hashtext('role_permissions:' || $1))`

	deleteRevokedSQL = `DELETE FROM role_permissions WHERE role = $1 AND permission <> ALL($2::text[])`

	insertAssignmentSQL = `INSERT INTO role_permissions (role, permission, created_at, updated_at)
VALUES ($1, $2, NOW(), NOW())
ON CONFLICT (role, permission) DO NOTHING`

	selectRoleSQL = `SELECT permission FROM role_permissions WHERE role = $1`

	selectRolesByPermissionSQL = `SELECT role FROM role_permissions WHERE permission = $1 ORDER BY role`

	selectAllSQL = `SELECT role, permission, created_at, updated_at FROM role_permissions ORDER BY role, permission`
)

// SetRolePermissions replaces the rows of role with perms in one transaction.
// Rows outside perms are deleted and missing ones inserted, so unchanged grants
// keep their created_at. The advisory lock serializes writers of the same role;
// readers keep seeing the previous rows until commit.
//
// The transaction runs at READ COMMITTED: each statement after the lock takes a
// fresh snapshot and sees what the previous writer committed.
func (s *PostgresStore) SetRolePermissions(ctx context.Context, role Role, perms PermissionSet) error {
	return db.WithTxOptions(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, lockRoleSQL, string(role)); err != nil {
			return fmt.Errorf("rbac: lock role %s: %w", role, err)
		}
		if _, err := tx.Exec(ctx, deleteRevokedSQL, string(role), perms.Strings()); err != nil {
			return fmt.Errorf("rbac: delete revoked for %s: %w", role, err)
		}
		if perms.Len() == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, p := range perms.Slice() {
			batch.Queue(insertAssignmentSQL, string(role), string(p))
		}
		results := tx.SendBatch(ctx, batch)
		for i := 0; i < perms.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("rbac: insert assignment for %s: %w", role, translateError(err))
			}
		}
		return results.Close()
	})
}

// GetRolePermissions returns the stored set for role, empty when there are no rows.
func (s *PostgresStore) GetRolePermissions(ctx context.Context, role Role) (PermissionSet, error) {
	rows, err := s.pool.Query(ctx, selectRoleSQL, string(role))
	if err != nil {
		return PermissionSet{}, fmt.Errorf("rbac: query role %s: %w", role, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return PermissionSet{}, fmt.Errorf("rbac: scan role %s: %w", role, err)
	}
	perms := make([]Permission, len(names))
	for i, n := range names {
		perms[i] = Permission(n)
	}
	return NewPermissionSet(perms...), nil
}

// RolesWithPermission returns the roles currently granted perm.
func (s *PostgresStore) RolesWithPermission(ctx context.Context, perm Permission) ([]Role, error) {
	rows, err := s.pool.Query(ctx, selectRolesByPermissionSQL, string(perm))
	if err != nil {
		return nil, fmt.Errorf("rbac: query permission %s: %w", perm, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("rbac: scan permission %s: %w", perm, err)
	}
	roles := make([]Role, len(names))
	for i, n := range names {
		roles[i] = Role(n)
	}
	return roles, nil
}

// ListAssignments returns the full matrix ordered by role then permission.
func (s *PostgresStore) ListAssignments(ctx context.Context) ([]Assignment, error) {
	rows, err := s.pool.Query(ctx, selectAllSQL)
	if err != nil {
		return nil, fmt.Errorf("rbac: list assignments: %w", err)
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		var (
			a          Assignment
			role, perm string
		)
		if err := rows.Scan(&role, &perm, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("rbac: scan assignment: %w", err)
		}
		a.Role = Role(role)
		a.Permission = Permission(perm)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rbac: list assignments: %w", err)
	}
	return out, nil
}

// ErrDuplicateAssignment surfaces a violated (role, permission) uniqueness constraint.
var ErrDuplicateAssignment = errors.New("rbac: duplicate assignment")

func translateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicateAssignment, pgErr.ConstraintName)
	}
	return err
}
