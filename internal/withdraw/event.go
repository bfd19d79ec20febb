package withdraw

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"predictex.com/pkg/orm"
)

// 提现事件状态
const (
	StatusRequested     = "requested"
	StatusFailed        = "failed"
	StatusApplied       = "applied"
	StatusLedgerPending = "transfer_sent_ledger_pending"
)

// Event 提现审计记录。tx_hash 只在转账成功后写入
type Event struct {
	ID                string          `gorm:"column:id;primaryKey;type:varchar(36)" json:"id"`
	RequestID         string          `gorm:"column:request_id;type:varchar(64);index:idx_wd_request" json:"request_id,omitempty"`
	UserAddress       string          `gorm:"column:user_address;type:varchar(128);not null;index:idx_wd_addr" json:"user_address"`
	Currency          string          `gorm:"column:currency;type:varchar(16);not null" json:"currency"`
	RequestedCurrency string          `gorm:"column:requested_currency;type:varchar(16);not null" json:"requested_currency"`
	Amount            decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null" json:"amount"`
	// DebitAmount 实际扣款额，容差内时等于当时的余额，可能小于 Amount
	DebitAmount       decimal.Decimal `gorm:"column:debit_amount;type:decimal(36,18);not null;default:0" json:"debit_amount"`
	Fee               decimal.Decimal `gorm:"column:fee;type:decimal(36,18);not null" json:"fee"`
	NetAmount         decimal.Decimal `gorm:"column:net_amount;type:decimal(36,18);not null" json:"net_amount"`
	TxHash            *string         `gorm:"column:tx_hash;type:varchar(128)" json:"tx_hash"`
	Status            string          `gorm:"column:status;type:varchar(32);not null;index:idx_wd_status" json:"ledger_status"`
	// 同一 (地址, 币种) 同时只能有一笔未完结的提现；账本待对账期间也保留
	ActiveKey *string   `gorm:"column:active_key;type:varchar(160);uniqueIndex:uk_wd_active" json:"-"`
	Error     string    `gorm:"column:error;type:varchar(512)" json:"error,omitempty"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Event) TableName() string {
	return "withdrawal_events"
}

func Models() []any {
	return []any{&Event{}}
}

func activeKey(address, currency string) string {
	return address + "|" + currency
}

// Events withdrawal_events 的读写
type Events struct {
	db *gorm.DB
}

func NewEvents(db *gorm.DB) *Events { return &Events{db: db} }

func (e *Events) getDb(ctx context.Context) *gorm.DB {
	return orm.DB(ctx, e.db)
}

func (e *Events) Create(ctx context.Context, ev *Event) error {
	return e.getDb(ctx).Create(ev).Error
}

func (e *Events) Get(ctx context.Context, id string) (*Event, error) {
	var ev Event
	err := e.getDb(ctx).Where("id = ?", id).First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// transition 只允许从 from 迁移，返回是否命中
func (e *Events) transition(ctx context.Context, id, from string, fields map[string]any) (bool, error) {
	fields["updated_at"] = time.Now().UTC()
	res := e.getDb(ctx).Model(&Event{}).
		Where("id = ? AND status = ?", id, from).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (e *Events) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := e.transition(ctx, id, StatusRequested, map[string]any{
		"status":     StatusFailed,
		"error":      truncate(reason, 512),
		"active_key": nil,
	})
	return err
}

func (e *Events) MarkApplied(ctx context.Context, id, from, txHash string) (bool, error) {
	return e.transition(ctx, id, from, map[string]any{
		"status":     StatusApplied,
		"tx_hash":    txHash,
		"active_key": nil,
	})
}

// MarkLedgerPending 转账已发出但扣款失败，active_key 保留直到人工对账
func (e *Events) MarkLedgerPending(ctx context.Context, id, txHash, reason string) error {
	_, err := e.transition(ctx, id, StatusRequested, map[string]any{
		"status":  StatusLedgerPending,
		"tx_hash": txHash,
		"error":   truncate(reason, 512),
	})
	return err
}

func (e *Events) ListByStatus(ctx context.Context, status string, limit int) ([]Event, error) {
	var rows []Event
	err := e.getDb(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (e *Events) CountByStatus(ctx context.Context, status string) (int64, error) {
	var n int64
	err := e.getDb(ctx).Model(&Event{}).Where("status = ?", status).Count(&n).Error
	return n, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
