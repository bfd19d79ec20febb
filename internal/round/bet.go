package round

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	DirectionUp   = "UP"
	DirectionDown = "DOWN"

	ModeClassic = "classic"
	ModeBox     = "box"

	StatePlaced  = "PLACED"
	StateLocked  = "LOCKED"
	StateSettled = "SETTLED"
	// StateVoid 人工作废，本金原路退回，不计入排行榜和连胜
	StateVoid = "VOID"
)

// Bet 一局下注。PLACED -> LOCKED 在下注时原子完成，LOCKED -> SETTLED/VOID 只发生一次
type Bet struct {
	ID            string              `gorm:"column:id;primaryKey;type:varchar(36)" json:"id"`
	WalletAddress string              `gorm:"column:wallet_address;type:varchar(128);not null;index:idx_bet_wallet" json:"wallet_address"`
	Asset         string              `gorm:"column:asset;type:varchar(16);not null" json:"asset"`
	Direction     string              `gorm:"column:direction;type:varchar(8);not null" json:"direction"`
	Mode          string              `gorm:"column:mode;type:varchar(8);not null" json:"mode"`
	Currency      string              `gorm:"column:currency;type:varchar(16);not null" json:"currency"`
	Amount        decimal.Decimal     `gorm:"column:amount;type:decimal(36,18);not null" json:"amount"`
	Multiplier    decimal.Decimal     `gorm:"column:multiplier;type:decimal(10,4);not null" json:"multiplier"`
	DurationSec   int                 `gorm:"column:duration;not null" json:"duration"`
	EntryPrice    decimal.Decimal     `gorm:"column:entry_price;type:decimal(36,18);not null" json:"entry_price"`
	ExitPrice     decimal.NullDecimal `gorm:"column:exit_price;type:decimal(36,18)" json:"exit_price"`
	Payout        decimal.Decimal     `gorm:"column:payout;type:decimal(36,18);not null" json:"payout"`
	Won           *bool               `gorm:"column:won" json:"won"`
	Network       string              `gorm:"column:network;type:varchar(16);not null;index:idx_bet_network" json:"network"`
	State         string              `gorm:"column:state;type:varchar(8);not null;index:idx_bet_due,priority:1" json:"state"`
	// 未结算时等于钱包地址，结算后置空；唯一索引保证同一地址只有一局进行中
	ActiveKey      *string    `gorm:"column:active_key;type:varchar(128);uniqueIndex:uk_bet_active" json:"-"`
	SettleAttempts int        `gorm:"column:settle_attempts;not null;default:0" json:"-"`
	NeedsManual    bool       `gorm:"column:needs_manual;not null;default:false" json:"needs_manual"`
	CreatedAt      time.Time  `gorm:"column:created_at" json:"created_at"`
	ResolveAt      time.Time  `gorm:"column:resolve_at;not null;index:idx_bet_due,priority:2" json:"resolve_at"`
	ResolvedAt     *time.Time `gorm:"column:resolved_at" json:"resolved_at"`
}

func (Bet) TableName() string {
	return "bet_history"
}

func Models() []any {
	return []any{&Bet{}}
}

// LeaderRow 排行榜一行，按 net_profit 倒序
type LeaderRow struct {
	WalletAddress  string          `json:"wallet_address"`
	TotalBets      int64           `json:"total_bets"`
	Wins           int64           `json:"wins"`
	Losses         int64           `json:"losses"`
	TotalWagered   decimal.Decimal `json:"total_wagered"`
	TotalPayout    decimal.Decimal `json:"total_payout"`
	NetProfit      decimal.Decimal `json:"net_profit"`
	WinRate        float64         `json:"win_rate"` // 百分比
	PrimaryNetwork string          `json:"primary_network"`
}

// Activity 单个钱包的下注统计，管理端用
type Activity struct {
	TotalBets   int64           `json:"totalBets"`
	TotalVolume decimal.Decimal `json:"totalVolume"`
	Wins        int64           `json:"wins"`
}
