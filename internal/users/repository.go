package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/fiscaldesk/internal/audit"
	"github.com/odyssey-erp/fiscaldesk/internal/platform/db"
	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

const userColumns = `id, email, name, role, password_hash, is_active, created_at, updated_at`

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListUsers returns all users.
func (r *Repository) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// FindByID fetches one user.
func (r *Repository) FindByID(ctx context.Context, id int64) (User, error) {
	return findOne(ctx, r.pool, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// FindByEmail fetches one user by login email.
func (r *Repository) FindByEmail(ctx context.Context, email string) (User, error) {
	return findOne(ctx, r.pool, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email)
}

// ChangeRole updates the live role and records the change in the same
// transaction.
func (r *Repository) ChangeRole(ctx context.Context, userID int64, role shared.Role, entry audit.Entry) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE users SET role = $2, updated_at = NOW() WHERE id = $1`, userID, role.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("user %d: %w", userID, shared.ErrNotFound)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM user_sessions WHERE user_id = $1`, userID); err != nil {
			return err
		}
		_, err = audit.Insert(ctx, tx, entry)
		return err
	})
}

// RoleOf reads the live role of userID on q, usually the caller's transaction.
func RoleOf(ctx context.Context, q db.Querier, userID int64) (shared.Role, error) {
	u, err := findOne(ctx, q, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return u.Role, nil
}

func findOne(ctx context.Context, q db.Querier, sql string, arg any) (User, error) {
	user, err := scanUser(q.QueryRow(ctx, sql, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, fmt.Errorf("user: %w", shared.ErrNotFound)
		}
		return User{}, err
	}
	return user, nil
}

func scanUser(row pgx.Row) (User, error) {
	var (
		user User
		role string
	)
	if err := row.Scan(&user.ID, &user.Email, &user.Name, &role, &user.PasswordHash, &user.IsActive, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return User{}, err
	}
	parsed, err := shared.ParseRole(role)
	if err != nil {
		return User{}, fmt.Errorf("user %d: %w", user.ID, err)
	}
	user.Role = parsed
	return user, nil
}
