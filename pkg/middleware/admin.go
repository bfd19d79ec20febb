package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	"predictex.com/pkg/common"
	"predictex.com/pkg/xerr"
)

const HeaderAdminToken = "X-Admin-Token"

// AdminAuth 静态 token 校验；token 为空时拒绝所有请求
func AdminAuth(token func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		want := token()
		got := c.GetHeader(HeaderAdminToken)
		if want == "" || subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
			common.FailErr(c, xerr.NewErrCode(xerr.Unauthorized))
			c.Abort()
			return
		}
		c.Next()
	}
}
