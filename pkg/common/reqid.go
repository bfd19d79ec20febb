package common

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"predictex.com/pkg/logger"
)

const (
	HeaderRequestID      = "X-Request-Id"
	HeaderIdempotencyKey = "Idempotency-Key"
	CtxKeyRequestID      = logger.RequestIdKey

	maxClientIDLen = 128
)

func NewRequestID() string { return uuid.NewString() }

// IncomingRequestID 透传上游的 X-Request-Id，缺失或超长时重新生成
func IncomingRequestID(c *gin.Context) string {
	rid := strings.TrimSpace(c.GetHeader(HeaderRequestID))
	if rid == "" || len(rid) > maxClientIDLen {
		return NewRequestID()
	}
	return rid
}

// IdempotencyKey 客户端生成的提现请求 id；可以为空，超长返回 false
func IdempotencyKey(c *gin.Context) (string, bool) {
	k := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
	return k, len(k) <= maxClientIDLen
}
