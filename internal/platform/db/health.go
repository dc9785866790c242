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
	}
}

// Pinger is a dependency the health endpoint probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthReport is the body returned by the health endpoint.
type HealthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Pool   *PoolStats        `json:"pool,omitempty"`
}

// CheckHealth pings every dependency. A failing "database" check makes the
// report unhealthy; any other failure only degrades it.
func CheckHealth(ctx context.Context, deps map[string]Pinger) HealthReport {
	report := HealthReport{Status: "healthy", Checks: make(map[string]string, len(deps))}
	for name, p := range deps {
		if err := p.Ping(ctx); err != nil {
			report.Checks[name] = err.Error()
			if name == "database" {
				report.Status = "unhealthy"
			} else if report.Status == "healthy" {
				report.Status = "degraded"
			}
			continue
		}
		report.Checks[name] = "ok"
	}
	return report
}

// HealthHandler returns a handler for the health check endpoint. The pool is
// always probed as "database"; extra names a Redis cache or similar.
func HealthHandler(pool *pgxpool.Pool, extra map[string]Pinger) echo.HandlerFunc {
	deps := map[string]Pinger{"database": PingFunc(pool.Ping)}
	for name, p := range extra {
		deps[name] = p
	}
	return healthHandler(deps, func() *PoolStats { return GetPoolStats(pool) })
}

func healthHandler(deps map[string]Pinger, stats func() *PoolStats) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		report := CheckHealth(ctx, deps)
		if stats != nil {
			report.Pool = stats()
		}
		if report.Status == "unhealthy" {
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		return c.JSON(http.StatusOK, report)
	}
}
