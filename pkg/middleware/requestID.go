package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"predictex.com/pkg/common"
)

// ReqId request_id 同时写入 gin 上下文、响应头和 request context，logger 从 ctx 取
func ReqId() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := common.IncomingRequestID(c)
		c.Set(common.CtxKeyRequestID, rid)
		c.Header(common.HeaderRequestID, rid)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), common.CtxKeyRequestID, rid))
		c.Next()
	}
}
