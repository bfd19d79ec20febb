package common

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"predictex.com/pkg/logger"
	"predictex.com/pkg/xerr"
)

// 定义http返回格式
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func Success(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: http.StatusText(http.StatusOK),
		Data:    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

func FailLogged(c *gin.Context, httpStatus int, code int, msg string, err error) {
	logger.Warn(c.Request.Context(), "http error",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("biz_code", code),
		zap.String("message", msg),
		zap.Error(err),
		zap.ByteString("stack", debug.Stack()),
	)
	Fail(c, httpStatus, code, msg)
}

// FailErr 业务错误按 CodeError 映射；其它错误统一 500，不透出内部信息
func FailErr(c *gin.Context, err error) {
	if ce, ok := xerr.As(err); ok {
		status := xerr.HTTPStatus(ce.Code)
		if status >= http.StatusInternalServerError {
			FailLogged(c, status, ce.Code, ce.Msg, err)
			return
		}
		Fail(c, status, ce.Code, ce.Msg)
		return
	}
	FailLogged(c, http.StatusInternalServerError, xerr.ServerCommonError, "internal error", err)
}

// BadRequest 参数绑定失败
func BadRequest(c *gin.Context, msg string) {
	Fail(c, http.StatusBadRequest, xerr.RequestParamsError, msg)
}
