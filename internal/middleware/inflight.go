package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/semaphore"

	"github.com/notesmith/engine/internal/logger"
)

// InflightLimiter bounds how many work messages are processed concurrently.
// Over-cap deliveries are turned away with 429, which leaves them
// unacknowledged so the broker redelivers once capacity frees up.
type InflightLimiter struct {
	log *logger.Logger
	sem *semaphore.Weighted
}

func NewInflightLimiter(log *logger.Logger, maxInflight int64) *InflightLimiter {
	if maxInflight <= 0 {
		maxInflight = 10
	}
	return &InflightLimiter{
		log: log.With("middleware", "InflightLimiter"),
		sem: semaphore.NewWeighted(maxInflight),
	}
}

func (m *InflightLimiter) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.sem.TryAcquire(1) {
			m.log.Warn("In-flight cap reached, deferring delivery", "path", c.FullPath())
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}
		defer m.sem.Release(1)
		c.Next()
	}
}
