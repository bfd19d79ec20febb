package xerr

import (
	"errors"
	"fmt"
	"net/http"
)

// 常用错误码定义
const (
	OK                 = 200
	ServerCommonError  = 500
	RequestParamsError = 400
	DbError            = 501
	RecordNotFound     = 404
)

// 业务错误码，前三位是 HTTP 状态
const (
	InvalidAddress       = 400101
	InsufficientFunds    = 400201
	DepositUnverified    = 400301
	Unauthorized         = 401001
	Forbidden            = 403001
	AccountNotFound      = 404101
	RoundInProgress      = 409101
	WithdrawalInProgress = 409201
	DuplicateRequest     = 409301
	RateLimited          = 429001
	TransferFailure      = 500201
	OracleUnavailable    = 503101

	// 转账已发出但账本未更新：只作为告警出现，HTTP 200
	LedgerReconciliation = 200901
)

type CodeError struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	Cause error  `json:"-"`
}

func (e *CodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ErrCode:%d, Msg:%s, Cause:%v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func (e *CodeError) Unwrap() error { return e.Cause }

// Is 按错误码比较，errors.Is(err, xerr.NewErrCode(xerr.Forbidden)) 成立
func (e *CodeError) Is(target error) bool {
	var t *CodeError
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// Wrap 保留底层错误，对外只暴露 code/msg
func Wrap(err error, code int, msg string) error {
	if err == nil {
		return nil
	}
	return &CodeError{Code: code, Msg: msg, Cause: err}
}

// As 取出链路上的 CodeError
func As(err error) (*CodeError, bool) {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// CodeOf 非 CodeError 一律视为 ServerCommonError
func CodeOf(err error) int {
	if err == nil {
		return OK
	}
	if ce, ok := As(err); ok {
		return ce.Code
	}
	return ServerCommonError
}

// IsCode 判断错误链上是否有指定错误码
func IsCode(err error, code int) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus 错误码 -> HTTP 状态码
func HTTPStatus(code int) int {
	switch code {
	case OK, LedgerReconciliation:
		return http.StatusOK
	case RequestParamsError, InvalidAddress, InsufficientFunds, DepositUnverified:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case RecordNotFound, AccountNotFound:
		return http.StatusNotFound
	case RoundInProgress, WithdrawalInProgress, DuplicateRequest:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case OracleUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func MapErrMsg(code int) string {
	switch code {
	case ServerCommonError:
		return "服务器开小差了"
	case RequestParamsError:
		return "参数错误"
	case DbError:
		return "数据库繁忙"
	case RecordNotFound:
		return "记录不存在"
	case InvalidAddress:
		return "invalid address"
	case InsufficientFunds:
		return "insufficient funds"
	case DepositUnverified:
		return "deposit transaction not verified"
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "account is frozen or banned"
	case AccountNotFound:
		return "account not found"
	case RoundInProgress:
		return "a round is already in progress"
	case WithdrawalInProgress:
		return "a withdrawal is already in progress"
	case DuplicateRequest:
		return "duplicate request"
	case RateLimited:
		return "too many requests"
	case TransferFailure:
		return "transfer failed"
	case OracleUnavailable:
		return "price oracle unavailable"
	case LedgerReconciliation:
		return "transfer sent but ledger update failed, pending manual reconciliation"
	default:
		return "未知错误"
	}
}
