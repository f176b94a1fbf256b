package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/destekhq/destek-server/internal/auth"
)

// UserDirectory resolves usernames against the users table.
type UserDirectory struct {
	db *sql.DB
}

// NewUserDirectory creates a Postgres-backed user directory.
func NewUserDirectory(db *sql.DB) *UserDirectory {
	return &UserDirectory{db: db}
}

// Lookup finds a user by username.
func (d *UserDirectory) Lookup(ctx context.Context, username string) (*auth.User, error) {
	const q = `SELECT id, username, password_hash FROM users WHERE username = $1`

	var u auth.User
	err := d.db.QueryRowContext(ctx, q, username).Scan(&u.ID, &u.Username, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	return &u, nil
}
