package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/lib/pq"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

// CreateUser inserts a new user. Email (and employee id when present)
// must be unique.
func (s *DB) CreateUser(ctx context.Context, u *core.User) error {
	const q = `
		INSERT INTO users (email, employee_id, name, role, department, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`
	err := s.db.QueryRowContext(ctx, q,
		strings.ToLower(u.Email), u.EmployeeID, u.Name, u.Role, u.Department, u.PasswordHash,
	).Scan(&u.ID, &u.CreatedAt)
	if isUniqueViolation(err) {
		return core.E(core.KindConflict, "email or employee id already registered")
	}
	if err != nil {
		return core.Wrap(core.KindInternal, "create user", err)
	}
	return nil
}

// GetUser fetches a user by numeric id.
func (s *DB) GetUser(ctx context.Context, id int64) (*core.User, error) {
	var u core.User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Ef(core.KindNotFound, "user %d not found", id)
	}
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "get user", err)
	}
	return &u, nil
}

// GetUserByEmail fetches a user by email, case-insensitive.
func (s *DB) GetUserByEmail(ctx context.Context, email string) (*core.User, error) {
	var u core.User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE email = $1`, strings.ToLower(email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.E(core.KindNotFound, "user not found")
	}
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "get user by email", err)
	}
	return &u, nil
}

// ListUsers returns all users, optionally filtered by role.
func (s *DB) ListUsers(ctx context.Context, role core.Role) ([]core.User, error) {
	var users []core.User
	var err error
	if role != "" {
		err = s.db.SelectContext(ctx, &users,
			`SELECT * FROM users WHERE role = $1 ORDER BY name`, role)
	} else {
		err = s.db.SelectContext(ctx, &users, `SELECT * FROM users ORDER BY name`)
	}
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "list users", err)
	}
	return users, nil
}

// ListUsersByRoles returns users whose role is any of the given roles.
// Safe with an empty input: returns an empty slice without querying.
func (s *DB) ListUsersByRoles(ctx context.Context, roles []core.Role) ([]core.User, error) {
	if len(roles) == 0 {
		return []core.User{}, nil
	}
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	var users []core.User
	err := s.db.SelectContext(ctx, &users,
		`SELECT * FROM users WHERE role = ANY($1) ORDER BY name`, pq.Array(names))
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "list users by roles", err)
	}
	return users, nil
}

// UpdateUser updates mutable profile fields.
func (s *DB) UpdateUser(ctx context.Context, u *core.User) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET name = $1, role = $2, department = $3 WHERE id = $4`,
		u.Name, u.Role, u.Department, u.ID)
	if err != nil {
		return core.Wrap(core.KindInternal, "update user", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Ef(core.KindNotFound, "user %d not found", u.ID)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
