package referral

import "time"

// Record 每个地址一行，code 分配后不可变，referred_by 最多写一次
type Record struct {
	ID            uint64    `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	UserAddress   string    `gorm:"column:user_address;type:varchar(128);not null;uniqueIndex:uk_ref_addr" json:"user_address"`
	ReferralCode  string    `gorm:"column:referral_code;type:varchar(32);not null;uniqueIndex:uk_ref_code" json:"referral_code"`
	ReferredBy    *string   `gorm:"column:referred_by;type:varchar(128)" json:"referred_by"`
	ReferralCount int64     `gorm:"column:referral_count;not null;default:0;index:idx_ref_count" json:"referral_count"`
	CreatedAt     time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at" json:"-"`
}

func (Record) TableName() string {
	return "user_referrals"
}

// CreditEvent 推荐人计数的审计，被推荐地址唯一，保证只计一次
type CreditEvent struct {
	ID              uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	ReferrerAddress string    `gorm:"column:referrer_address;type:varchar(128);not null;index:idx_refev_referrer"`
	ReferredAddress string    `gorm:"column:referred_address;type:varchar(128);not null;uniqueIndex:uk_refev_referred"`
	Code            string    `gorm:"column:code;type:varchar(32);not null"`
	CountBefore     int64     `gorm:"column:count_before;not null"`
	CountAfter      int64     `gorm:"column:count_after;not null"`
	CreatedAt       time.Time `gorm:"column:created_at"`
}

func (CreditEvent) TableName() string {
	return "referral_events"
}

// Models 需要迁移的表
func Models() []any {
	return []any{&Record{}, &CreditEvent{}}
}
