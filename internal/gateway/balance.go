package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"predictex.com/internal/chain"
	"predictex.com/internal/deposit"
	"predictex.com/internal/round"
	"predictex.com/internal/withdraw"
	"predictex.com/pkg/common"
	"predictex.com/pkg/logger"
	"predictex.com/pkg/xerr"
)

type balanceResp struct {
	Balance   float64    `json:"balance"`
	UpdatedAt *time.Time `json:"updatedAt"`
	Tier      string     `json:"tier"`
}

type withdrawReq struct {
	UserAddress string          `json:"userAddress" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
}

type depositReq struct {
	UserAddress string `json:"userAddress" binding:"required"`
	Currency    string `json:"currency"`
	TxHash      string `json:"txHash" binding:"required"`
}

type leaderboardResp struct {
	Leaderboard []round.LeaderRow `json:"leaderboard"`
}

// failPlain 余额、提现、排行榜三个接口沿用 {error} 的错误体
func failPlain(c *gin.Context, err error) {
	ce, ok := xerr.As(err)
	if !ok {
		logger.Error(c.Request.Context(), "http error",
			zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An error occurred processing your request"})
		return
	}
	status := xerr.HTTPStatus(ce.Code)
	if status >= http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "http error",
			zap.String("path", c.Request.URL.Path), zap.Int("biz_code", ce.Code), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": ce.Msg, "code": ce.Code})
}

func queryInt(c *gin.Context, key string) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return n
}

// Balance 账户不存在返回 {balance:0, updatedAt:null, tier:"free"}
func (h *handler) Balance(c *gin.Context) {
	address := chain.Normalize(c.Param("address"))
	if ok, _ := chain.Validate(address); !ok {
		failPlain(c, xerr.New(xerr.InvalidAddress, "Invalid wallet address format"))
		return
	}
	currency := c.Query("currency")
	if currency == "" {
		currency = h.st.DefaultCurrency
	}
	v, err := h.st.Ledger.GetBalance(c.Request.Context(), address, currency)
	if err != nil {
		failPlain(c, err)
		return
	}
	c.JSON(http.StatusOK, balanceResp{
		Balance:   v.Balance.InexactFloat64(),
		UpdatedAt: v.UpdatedAt,
		Tier:      v.Tier,
	})
}

// Withdraw 转账成功但账本失败时仍返回 200，body 带 warning
func (h *handler) Withdraw(c *gin.Context) {
	var req withdrawReq
	if err := c.ShouldBindJSON(&req); err != nil {
		failPlain(c, xerr.New(xerr.RequestParamsError, "Missing required fields: userAddress, amount"))
		return
	}
	key, ok := common.IdempotencyKey(c)
	if !ok {
		failPlain(c, xerr.New(xerr.RequestParamsError, "Idempotency-Key too long"))
		return
	}
	res, err := h.st.Withdraw.Withdraw(c.Request.Context(), withdraw.Request{
		UserAddress: req.UserAddress,
		Amount:      req.Amount,
		Currency:    req.Currency,
		RequestID:   key,
	})
	if err != nil {
		failPlain(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Deposit 用户提交打给金库的交易，链上核验后入账；同一笔交易重复提交返回 409
func (h *handler) Deposit(c *gin.Context) {
	var req depositReq
	if err := c.ShouldBindJSON(&req); err != nil {
		failPlain(c, xerr.New(xerr.RequestParamsError, "Missing required fields: userAddress, txHash"))
		return
	}
	res, err := h.st.Deposits.Confirm(c.Request.Context(), deposit.Request{
		UserAddress: req.UserAddress,
		Currency:    req.Currency,
		TxHash:      req.TxHash,
	})
	if err != nil {
		failPlain(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Leaderboard ?limit=&network=
func (h *handler) Leaderboard(c *gin.Context) {
	rows, err := h.st.Rounds.Leaderboard(c.Request.Context(), queryInt(c, "limit"), c.Query("network"))
	if err != nil {
		failPlain(c, err)
		return
	}
	c.JSON(http.StatusOK, leaderboardResp{Leaderboard: rows})
}
