package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/felipepmaragno/kb-gateway/internal/domain"
)

type SubscriptionRepository interface {
	// Active returns a subscription of userID that is active at t, or
	// domain.ErrSubscriptionNotFound.
	Active(ctx context.Context, userID string, at time.Time) (*domain.Subscription, error)
	Create(ctx context.Context, sub *domain.Subscription) error
}

type SQLSubscriptionRepository struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLSubscriptionRepository(db *sql.DB, dialect Dialect) *SQLSubscriptionRepository {
	return &SQLSubscriptionRepository{db: db, dialect: dialect}
}

// Active filters the date range in Go so the comparison does not depend on
// how each driver stores timestamps.
func (r *SQLSubscriptionRepository) Active(ctx context.Context, userID string, at time.Time) (*domain.Subscription, error) {
	query := r.dialect.Rebind(`
		SELECT user_id, plan_id, start_date, end_date, status
		FROM user_subscriptions
		WHERE user_id = $1 AND status = $2
		ORDER BY start_date DESC
	`)

	rows, err := r.db.QueryContext(ctx, query, userID, domain.SubscriptionActive)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sub domain.Subscription
		var end sql.NullTime
		if err := rows.Scan(&sub.UserID, &sub.PlanID, &sub.StartDate, &end, &sub.Status); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		if end.Valid {
			sub.EndDate = &end.Time
		}
		if sub.ActiveAt(at) {
			return &sub, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}

	return nil, domain.ErrSubscriptionNotFound
}

func (r *SQLSubscriptionRepository) Create(ctx context.Context, sub *domain.Subscription) error {
	query := r.dialect.Rebind(`
		INSERT INTO user_subscriptions (user_id, plan_id, start_date, end_date, status)
		VALUES ($1, $2, $3, $4, $5)
	`)

	var end sql.NullTime
	if sub.EndDate != nil {
		end = sql.NullTime{Time: sub.EndDate.UTC(), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		sub.UserID,
		sub.PlanID,
		sub.StartDate.UTC(),
		end,
		sub.Status,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

type InMemorySubscriptionRepository struct {
	mu   sync.RWMutex
	subs map[string][]domain.Subscription
}

func NewInMemorySubscriptionRepository() *InMemorySubscriptionRepository {
	return &InMemorySubscriptionRepository{subs: make(map[string][]domain.Subscription)}
}

func (r *InMemorySubscriptionRepository) Active(ctx context.Context, userID string, at time.Time) (*domain.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sub := range r.subs[userID] {
		if sub.ActiveAt(at) {
			s := sub
			return &s, nil
		}
	}
	return nil, domain.ErrSubscriptionNotFound
}

func (r *InMemorySubscriptionRepository) Create(ctx context.Context, sub *domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs[sub.UserID] = append(r.subs[sub.UserID], *sub)
	return nil
}
