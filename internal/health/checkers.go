package health

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const checkTimeout = 2 * time.Second

// ErrNotRunning is reported by Flag probes for stopped components.
var ErrNotRunning = errors.New("not running")

// Pinger is anything that can answer a liveness probe.
type Pinger interface {
	PingContext(ctx context.Context) error
}

var _ Pinger = (*sql.DB)(nil)

// DB pings a database connection pool.
func DB(db Pinger) Checker {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		return db.PingContext(ctx)
	}
}

// Redis pings a Redis client.
func Redis(rdb redis.UniversalClient) Checker {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		return rdb.Ping(ctx).Err()
	}
}

// Flag reports a background component's running state.
func Flag(running func() bool) Checker {
	return func(context.Context) error {
		if !running() {
			return ErrNotRunning
		}
		return nil
	}
}

// Handler serves the aggregate health as JSON: 200 when every critical
// probe passes, 503 otherwise.
func (r *Registry) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, statuses := r.CheckAll(c.Request.Context())
		code, status := http.StatusOK, "healthy"
		if !healthy {
			code, status = http.StatusServiceUnavailable, "unhealthy"
		} else {
			for _, st := range statuses {
				if !st.Healthy {
					status = "degraded"
					break
				}
			}
		}
		c.JSON(code, gin.H{
			"status":     status,
			"subsystems": statuses,
			"time":       time.Now().UTC(),
		})
	}
}
