package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// HealthChecker defines the interface for dependency health checks.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

// HealthStatus represents the result of a health check.
type HealthStatus struct {
	Status  string                 `json:"status"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
	Version string                 `json:"version,omitempty"`
}

// CheckResult represents the result of a single dependency check.
type CheckResult struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RedisHealthChecker checks the freshness store connection.
type RedisHealthChecker struct {
	client redis.UniversalClient
}

func NewRedisHealthChecker(client redis.UniversalClient) *RedisHealthChecker {
	return &RedisHealthChecker{client: client}
}

func (c *RedisHealthChecker) Name() string {
	return "redis"
}

func (c *RedisHealthChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// DBHealthChecker checks the user and subscription database.
type DBHealthChecker struct {
	db *sql.DB
}

func NewDBHealthChecker(db *sql.DB) *DBHealthChecker {
	return &DBHealthChecker{db: db}
}

func (c *DBHealthChecker) Name() string {
	return "database"
}

func (c *DBHealthChecker) Check(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// GraphRootChecker verifies the graph directory is present.
type GraphRootChecker struct {
	root string
}

func NewGraphRootChecker(root string) *GraphRootChecker {
	return &GraphRootChecker{root: root}
}

func (c *GraphRootChecker) Name() string {
	return "graph_root"
}

func (c *GraphRootChecker) Check(ctx context.Context) error {
	info, err := os.Stat(c.root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", c.root)
	}
	return nil
}

// runHealthChecks executes all health checks concurrently.
func runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	results := make(map[string]CheckResult)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)
			duration := time.Since(start)

			result := CheckResult{
				Status:   "ok",
				Duration: duration.String(),
			}
			if err != nil {
				result.Status = "error"
				result.Error = err.Error()
			}

			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}(checker)
	}

	wg.Wait()
	return results
}

func handleHealthReadyWithCheckers(checkers []HealthChecker, timeout time.Duration, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		results := runHealthChecks(ctx, checkers)

		allHealthy := true
		for _, result := range results {
			if result.Status != "ok" {
				allHealthy = false
				break
			}
		}

		status := HealthStatus{
			Status:  "ready",
			Checks:  results,
			Version: version,
		}

		httpStatus := http.StatusOK
		if !allHealthy {
			status.Status = "not_ready"
			httpStatus = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpStatus)
		json.NewEncoder(w).Encode(status)
	}
}
