package gateway

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"predictex.com/internal/chain"
	"predictex.com/internal/deposit"
	"predictex.com/internal/round"
	"predictex.com/pkg/common"
)

type statusReq struct {
	Status string `json:"status" binding:"required"`
}

type adminDepositReq struct {
	UserAddress string          `json:"userAddress" binding:"required"`
	Currency    string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	TxHash      string          `json:"txHash" binding:"required"`
}

func (h *handler) Users(c *gin.Context) {
	users, err := h.st.Risk.Users(c.Request.Context())
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, gin.H{"users": users})
}

func (h *handler) SetStatus(c *gin.Context) {
	var req statusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.BadRequest(c, "status is required")
		return
	}
	if err := h.st.Risk.SetStatus(c.Request.Context(), c.Param("address"), req.Status); err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, gin.H{"address": chain.Normalize(c.Param("address")), "status": req.Status})
}

func (h *handler) AuditTrail(c *gin.Context) {
	rows, err := h.st.Ledger.AuditTrail(c.Request.Context(), chain.Normalize(c.Param("address")), queryInt(c, "limit"))
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, rows)
}

// Streaks ?threshold= 缺省用配置的阈值
func (h *handler) Streaks(c *gin.Context) {
	threshold := h.st.StreakThreshold
	if v := c.Query("threshold"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			common.BadRequest(c, "threshold must be a non-negative integer")
			return
		}
		threshold = n
	}
	rows, err := h.st.Risk.Flagged(c.Request.Context(), threshold)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, gin.H{"threshold": threshold, "wallets": rows})
}

func (h *handler) PendingWithdrawals(c *gin.Context) {
	rows, err := h.st.Withdraw.Pending(c.Request.Context(), queryInt(c, "limit"))
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, rows)
}

func (h *handler) ResolveWithdrawal(c *gin.Context) {
	ev, err := h.st.Withdraw.Resolve(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, ev)
}

func (h *handler) ManualBets(c *gin.Context) {
	rows, err := h.st.Rounds.ManualQueue(c.Request.Context())
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, rows)
}

// SettleBet 人工重试结算，价格仍不可用时返回 503，局保持 LOCKED
func (h *handler) SettleBet(c *gin.Context) {
	bet, err := h.st.Rounds.Settle(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, bet)
}

// ResolveBet 预言机长期不可用时人工给结果：{exitPrice} 按规则结算，{void:true} 作废退本金
func (h *handler) ResolveBet(c *gin.Context) {
	var req round.ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.BadRequest(c, "exitPrice or void is required")
		return
	}
	bet, err := h.st.Rounds.Resolve(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, bet)
}

// AdminDeposit 链上核验不可用时人工补录充值，仍按 tx hash 去重
func (h *handler) AdminDeposit(c *gin.Context) {
	var req adminDepositReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.BadRequest(c, "userAddress, amount and txHash are required")
		return
	}
	res, err := h.st.Deposits.Credit(c.Request.Context(), deposit.Request{
		UserAddress: req.UserAddress,
		Currency:    req.Currency,
		Amount:      req.Amount,
		TxHash:      req.TxHash,
	})
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, res)
}
