package middleware

import (
	"net/http"

	sentinels "github.com/alibaba/sentinel-golang/api"
	"github.com/alibaba/sentinel-golang/core/base"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"predictex.com/pkg/common"
	"predictex.com/pkg/logger"
)

// Sentinel 以 "METHOD:route" 作为资源名做流控，规则由 bootstrap.InitSentinel 加载
func Sentinel() gin.HandlerFunc {
	return func(c *gin.Context) {
		resource := c.Request.Method + ":" + c.FullPath()
		entry, blockErr := sentinels.Entry(resource, sentinels.WithTrafficType(base.Inbound))
		if blockErr != nil {
			logger.Warn(c.Request.Context(), "request blocked by sentinel",
				zap.String("resource", resource),
				zap.String("blockType", blockErr.BlockType().String()),
			)
			common.Fail(c, http.StatusTooManyRequests, 1003002, "service is busy, please try again later")
			c.Abort()
			return
		}
		defer entry.Exit()

		c.Next()

		// 只有 5xx 记给 sentinel，业务拒绝不触发熔断
		if c.Writer.Status() >= http.StatusInternalServerError {
			sentinels.TraceError(entry, errServer)
		}
	}
}

type serverError struct{}

func (serverError) Error() string { return "server error" }

var errServer error = serverError{}
