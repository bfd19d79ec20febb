package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"predictex.com/pkg/common"
	"predictex.com/pkg/logger"
	"predictex.com/pkg/metrics"
	"predictex.com/pkg/xerr"
)

// Recover handler panic 时返回统一的 500 信封，账本写入由事务回滚
func Recover() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			route := c.FullPath()
			metrics.HTTPPanicsTotal.WithLabelValues(route).Inc()
			logger.Error(c.Request.Context(), "http panic",
				zap.String("method", c.Request.Method),
				zap.String("route", route),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			common.Fail(c, http.StatusInternalServerError, xerr.ServerCommonError, "internal error")
			c.Abort()
		}()
		c.Next()
	}
}
