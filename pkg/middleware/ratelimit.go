package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"predictex.com/pkg/common"
	"predictex.com/pkg/logger"
	"predictex.com/pkg/metrics"
	"predictex.com/pkg/ratelimit"
	"predictex.com/pkg/xerr"
)

// RateLimit 按 IP + 路由限流
func RateLimit(store *ratelimit.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		key := c.ClientIP() + ":" + route

		if !store.Allow(key) {
			// 限流属于可控拒绝，不打堆栈
			logger.Warn(c.Request.Context(), "http rate limited",
				zap.String("ip", c.ClientIP()),
				zap.String("route", route),
			)
			metrics.RateLimitedTotal.WithLabelValues(c.FullPath()).Inc()
			common.Fail(c, http.StatusTooManyRequests, xerr.RateLimited, "too many requests")
			c.Abort()
			return
		}
		c.Next()
	}
}
