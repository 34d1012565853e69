package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/felipepmaragno/kb-gateway/internal/domain"
)

type UserRepository interface {
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	Create(ctx context.Context, user *domain.User) error
}

type SQLUserRepository struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLUserRepository(db *sql.DB, dialect Dialect) *SQLUserRepository {
	return &SQLUserRepository{db: db, dialect: dialect}
}

func (r *SQLUserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	query := r.dialect.Rebind(`
		SELECT id, username, password_hash, role, enabled, created_at
		FROM users
		WHERE username = $1
	`)

	var user domain.User
	err := r.db.QueryRowContext(ctx, query, username).Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.Role,
		&user.Enabled,
		&user.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}

	return &user, nil
}

func (r *SQLUserRepository) Create(ctx context.Context, user *domain.User) error {
	query := r.dialect.Rebind(`
		INSERT INTO users (id, username, password_hash, role, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)

	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, query,
		user.ID,
		user.Username,
		user.PasswordHash,
		user.Role,
		user.Enabled,
		createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

type InMemoryUserRepository struct {
	mu    sync.RWMutex
	users map[string]*domain.User
}

func NewInMemoryUserRepository() *InMemoryUserRepository {
	return &InMemoryUserRepository{users: make(map[string]*domain.User)}
}

func (r *InMemoryUserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[username]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	u := *user
	return &u, nil
}

func (r *InMemoryUserRepository) Create(ctx context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u := *user
	r.users[user.Username] = &u
	return nil
}
