package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// HealthReport is the body of the database health endpoint.
type HealthReport struct {
	Status      string     `json:"status"`
	Tenant      string     `json:"tenant"`
	SchemaReady bool       `json:"schema_ready"`
	Error       string     `json:"error,omitempty"`
	Pool        *PoolStats `json:"pool"`
}

// SchemaReady reports whether the tenant schema holds the reference range table.
func SchemaReady(ctx context.Context, pool *pgxpool.Pool, tenantID string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, TenantSchema(tenantID)+".reference_range").Scan(&exists)
	return exists, err
}

// HealthHandler pings the database and checks that the default tenant's
// schema has been migrated.
func HealthHandler(pool *pgxpool.Pool, tenantID string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		report := HealthReport{Status: "healthy", Tenant: tenantID, Pool: GetPoolStats(pool)}

		err := pool.Ping(ctx)
		if err == nil {
			report.SchemaReady, err = SchemaReady(ctx, pool, tenantID)
		}
		if err != nil {
			report.Status = "unhealthy"
			report.Error = err.Error()
			report.Pool.Healthy = false
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		if !report.SchemaReady {
			report.Status = "degraded"
		}

		return c.JSON(http.StatusOK, report)
	}
}
