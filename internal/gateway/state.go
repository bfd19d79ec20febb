package gateway

import (
	"predictex.com/internal/deposit"
	"predictex.com/internal/ledger"
	"predictex.com/internal/oracle"
	"predictex.com/internal/referral"
	"predictex.com/internal/risk"
	"predictex.com/internal/round"
	"predictex.com/internal/withdraw"
)

type Prices interface {
	Snapshot(asset string) (oracle.Snapshot, error)
}

// State handler 依赖的全部服务，由 app 组装后显式传入
type State struct {
	Ledger   *ledger.Service
	Rounds   *round.Engine
	Withdraw *withdraw.Processor
	Deposits *deposit.Service
	Referral *referral.Service
	Risk     *risk.Monitor
	Prices   Prices

	// DefaultCurrency 查询余额未带 currency 时使用
	DefaultCurrency string
	// StreakThreshold 管理端连胜查询的默认阈值
	StreakThreshold int
}
