package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuditLogEntry 只追加
type AuditLogEntry struct {
	ID            uint64          `gorm:"column:id;primaryKey;autoIncrement"`
	UserAddress   string          `gorm:"column:user_address;type:varchar(128);not null;index:idx_audit_addr"`
	Currency      string          `gorm:"column:currency;type:varchar(16);not null"`
	OperationType string          `gorm:"column:operation_type;type:varchar(32);not null"`
	Amount        decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null"`
	BalanceBefore decimal.Decimal `gorm:"column:balance_before;type:decimal(36,18);not null"`
	BalanceAfter  decimal.Decimal `gorm:"column:balance_after;type:decimal(36,18);not null"`
	TxHash        *string         `gorm:"column:tx_hash;type:varchar(128)"`
	Ref           string          `gorm:"column:ref;type:varchar(64)"` // 关联的下注/提现 id
	// DepositKey 仅充值写入 币种:tx hash，唯一约束保证同一笔链上交易只入账一次
	DepositKey    *string         `gorm:"column:deposit_key;type:varchar(160);uniqueIndex:uk_audit_deposit"`
	CreatedAt     time.Time       `gorm:"column:created_at"`
}

func (AuditLogEntry) TableName() string {
	return "audit_logs"
}
