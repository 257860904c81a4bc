package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the connection pool snapshot reported by the health endpoint.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireDuration string `json:"acquire_duration"`
}

func poolStats(pool *pgxpool.Pool) PoolStats {
	stat := pool.Stat()
	return PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// HealthReport is the body of the database health endpoint.
type HealthReport struct {
	Status            string    `json:"status"`
	Error             string    `json:"error,omitempty"`
	PendingMigrations int       `json:"pending_migrations"`
	Pool              PoolStats `json:"pool"`
}

// HealthHandler pings the database and reports pool usage. A database that
// still has unapplied migrations is reported as degraded, since the session
// tables may not match the running code.
func HealthHandler(pool *pgxpool.Pool, migrator *Migrator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		report := HealthReport{Status: "healthy", Pool: poolStats(pool)}
		if err := pool.Ping(ctx); err != nil {
			report.Status = "unhealthy"
			report.Error = err.Error()
			return c.JSON(http.StatusServiceUnavailable, report)
		}

		if migrator != nil {
			statuses, err := migrator.Status(ctx)
			if err != nil {
				report.Status = "unhealthy"
				report.Error = err.Error()
				return c.JSON(http.StatusServiceUnavailable, report)
			}
			report.PendingMigrations = Pending(statuses)
			if report.PendingMigrations > 0 {
				report.Status = "degraded"
			}
		}
		return c.JSON(http.StatusOK, report)
	}
}
