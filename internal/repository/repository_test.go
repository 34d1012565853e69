package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/felipepmaragno/kb-gateway/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) (*sql.DB, Dialect) {
	t.Helper()

	db, dialect, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.Equal(t, SQLite, dialect)
	require.NoError(t, Migrate(context.Background(), db))
	return db, dialect
}

func TestParseDSN(t *testing.T) {
	tests := []struct {
		dsn         string
		wantDialect Dialect
		wantSource  string
	}{
		{"postgres://u:p@localhost/kb?sslmode=disable", Postgres, "postgres://u:p@localhost/kb?sslmode=disable"},
		{"postgresql://localhost/kb", Postgres, "postgresql://localhost/kb"},
		{"sqlite:///var/lib/kb/gateway.db", SQLite, "/var/lib/kb/gateway.db"},
		{"file:test.db?cache=shared", SQLite, "file:test.db?cache=shared"},
		{":memory:", SQLite, ":memory:"},
	}

	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			d, src := parseDSN(tt.dsn)
			assert.Equal(t, tt.wantDialect, d)
			assert.Equal(t, tt.wantSource, src)
		})
	}
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = $1 AND y = $2`
	assert.Equal(t, `SELECT a FROM t WHERE x = ? AND y = ?`, SQLite.Rebind(q))
	assert.Equal(t, q, Postgres.Rebind(q))
}

func TestMigrate_Idempotent(t *testing.T) {
	db, _ := openSQLite(t)
	assert.NoError(t, Migrate(context.Background(), db))
}

func TestSQLUserRepository(t *testing.T) {
	db, dialect := openSQLite(t)
	repo := NewSQLUserRepository(db, dialect)
	ctx := context.Background()

	err := repo.Create(ctx, &domain.User{
		ID:           "u-1",
		Username:     "alice",
		PasswordHash: "$2a$10$hash",
		Role:         "member",
		Enabled:      true,
	})
	require.NoError(t, err)

	got, err := repo.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.ID)
	assert.Equal(t, "member", got.Role)
	assert.True(t, got.Enabled)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = repo.GetByUsername(ctx, "bob")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func subscriptionCases(t *testing.T, repo SubscriptionRepository) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	past := now.Add(-48 * time.Hour)
	future := now.Add(48 * time.Hour)
	yesterday := now.Add(-24 * time.Hour)

	require.NoError(t, repo.Create(ctx, &domain.Subscription{
		UserID: "expired", PlanID: "monthly", StartDate: past, EndDate: &yesterday, Status: domain.SubscriptionActive,
	}))
	require.NoError(t, repo.Create(ctx, &domain.Subscription{
		UserID: "cancelled", PlanID: "monthly", StartDate: past, EndDate: &future, Status: "cancelled",
	}))
	require.NoError(t, repo.Create(ctx, &domain.Subscription{
		UserID: "vip", PlanID: "annual", StartDate: past, EndDate: &future, Status: domain.SubscriptionActive,
	}))
	require.NoError(t, repo.Create(ctx, &domain.Subscription{
		UserID: "lifetime", PlanID: "lifetime", StartDate: past, Status: domain.SubscriptionActive,
	}))
	require.NoError(t, repo.Create(ctx, &domain.Subscription{
		UserID: "pending", PlanID: "annual", StartDate: future, Status: domain.SubscriptionActive,
	}))

	tests := []struct {
		user   string
		active bool
	}{
		{"vip", true},
		{"lifetime", true},
		{"expired", false},
		{"cancelled", false},
		{"pending", false},
		{"nobody", false},
	}

	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			sub, err := repo.Active(ctx, tt.user, now)
			if !tt.active {
				assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.user, sub.UserID)
		})
	}
}

func TestSQLSubscriptionRepository(t *testing.T) {
	db, dialect := openSQLite(t)
	subscriptionCases(t, NewSQLSubscriptionRepository(db, dialect))
}

func TestInMemorySubscriptionRepository(t *testing.T) {
	subscriptionCases(t, NewInMemorySubscriptionRepository())
}

func TestInMemoryUserRepository_ReturnsCopies(t *testing.T) {
	repo := NewInMemoryUserRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &domain.User{ID: "1", Username: "a", Role: "member"}))

	u, err := repo.GetByUsername(ctx, "a")
	require.NoError(t, err)
	u.Role = "admin"

	again, _ := repo.GetByUsername(ctx, "a")
	assert.Equal(t, "member", again.Role)
}
