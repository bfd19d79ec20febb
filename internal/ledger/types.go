package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"predictex.com/internal/ledger/repo/model"
)

// 账户状态
const (
	StatusActive = "active"
	StatusFrozen = "frozen"
	StatusBanned = "banned"
)

// 账户等级
const (
	TierFree     = "free"
	TierStandard = "standard"
	TierVIP      = "vip"
)

// 审计日志 operation_type
const (
	OpDeposit      = "deposit"
	OpBetStake     = "bet_stake"
	OpBetPayout    = "bet_payout"
	OpBetRefund    = "bet_refund"
	OpWithdrawal   = "withdrawal"
	OpManualAdjust = "manual_adjust"
)

func ValidStatus(s string) bool {
	switch s {
	case StatusActive, StatusFrozen, StatusBanned:
		return true
	}
	return false
}

// Op 一次记账请求
type Op struct {
	Address  string
	Currency string
	Amount   decimal.Decimal
	Type     string
	TxHash   string
	Ref      string
}

type Receipt struct {
	Address       string
	Currency      string
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	AuditID       uint64
}

// BalanceView 对外的余额视图，Exists=false 表示账户不存在
type BalanceView struct {
	Address   string          `json:"address"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Status    string          `json:"status"`
	Tier      string          `json:"tier"`
	UpdatedAt *time.Time      `json:"updatedAt"`
	Exists    bool            `json:"exists"`
}

func emptyView(address, currency string) *BalanceView {
	return &BalanceView{
		Address:  address,
		Currency: currency,
		Balance:  decimal.Zero,
		Status:   StatusActive,
		Tier:     TierFree,
	}
}

func viewOf(row *model.UserBalance) *BalanceView {
	updated := row.UpdatedAt
	return &BalanceView{
		Address:   row.UserAddress,
		Currency:  row.Currency,
		Balance:   row.Balance,
		Status:    row.Status,
		Tier:      row.Tier,
		UpdatedAt: &updated,
		Exists:    true,
	}
}

// clone 避免上层修改返回对象影响缓存/并发
func (v *BalanceView) clone() *BalanceView {
	if v == nil {
		return nil
	}
	out := *v
	if v.UpdatedAt != nil {
		t := *v.UpdatedAt
		out.UpdatedAt = &t
	}
	return &out
}
