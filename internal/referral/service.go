package referral

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"predictex.com/internal/chain"
	"predictex.com/pkg/logger"
	"predictex.com/pkg/metrics"
	"predictex.com/pkg/orm"
	"predictex.com/pkg/xerr"
)

const (
	codeAttempts = 5
	base36       = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

type Config struct {
	// Prefix 当前的邀请码前缀
	Prefix string
	// LegacyPrefixes 历史前缀，按优先级排列
	LegacyPrefixes []string
}

func DefaultConfig() Config {
	return Config{Prefix: "bchnomo-", LegacyPrefixes: []string{"bynomo-", "binomo-"}}
}

type Service struct {
	db     *gorm.DB
	cfg    Config
	suffix func() string
}

func NewService(db *gorm.DB, cfg Config) *Service {
	if cfg.Prefix == "" {
		cfg = DefaultConfig()
	}
	return &Service{db: db, cfg: cfg, suffix: randomSuffix}
}

func randomSuffix() string {
	var b [4]byte
	for i := range b {
		b[i] = base36[rand.IntN(len(base36))]
	}
	return string(b[:])
}

// NewCode {prefix}{地址后 4 位大写}{4 位随机 base36}
func (s *Service) NewCode(address string) string {
	tail := address
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return s.cfg.Prefix + strings.ToUpper(tail) + s.suffix()
}

// Variants 邀请码的候选写法：原样优先，然后在当前前缀和历史前缀之间互换
func (s *Service) Variants(code string) []string {
	out := []string{code}
	if suffix, ok := strings.CutPrefix(code, s.cfg.Prefix); ok {
		for _, p := range s.cfg.LegacyPrefixes {
			out = append(out, p+suffix)
		}
		return out
	}
	for _, p := range s.cfg.LegacyPrefixes {
		if suffix, ok := strings.CutPrefix(code, p); ok {
			return append(out, s.cfg.Prefix+suffix)
		}
	}
	return out
}

func (s *Service) getDb(ctx context.Context) *gorm.DB {
	return orm.DB(ctx, s.db)
}

func (s *Service) find(ctx context.Context, address string) (*Record, error) {
	var r Record
	err := s.getDb(ctx).Where("user_address = ?", address).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// resolveReferrer 按候选顺序查推荐人，自己推荐自己忽略
func (s *Service) resolveReferrer(ctx context.Context, code, address string) (string, string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", "", nil
	}
	for _, c := range s.Variants(code) {
		var r Record
		err := s.getDb(ctx).Where("referral_code = ?", c).First(&r).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return "", "", err
		}
		if r.UserAddress != address {
			return r.UserAddress, c, nil
		}
	}
	return "", "", nil
}

// FetchInfo 已有记录原样返回，不会再给推荐人计数；
// 首次调用时生成邀请码，解析 pendingCode，插入成功的那一次才给推荐人 +1
func (s *Service) FetchInfo(ctx context.Context, address, pendingCode string) (*Record, error) {
	address = chain.Normalize(address)
	if ok, _ := chain.Validate(address); !ok {
		return nil, xerr.NewErrCode(xerr.InvalidAddress)
	}

	existing, err := s.find(ctx, address)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "load referral failed")
	}
	if existing != nil {
		return existing, nil
	}

	referrer, matched, err := s.resolveReferrer(ctx, pendingCode, address)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "resolve referrer failed")
	}

	for i := 0; i < codeAttempts; i++ {
		rec, credited, err := s.create(ctx, address, referrer, matched)
		if err != nil {
			return nil, xerr.Wrap(err, xerr.DbError, "create referral failed")
		}
		if rec == nil {
			// 邀请码撞了，换一个
			continue
		}
		if credited {
			metrics.ReferralCreditsTotal.Inc()
			logger.Info(ctx, "referral credited",
				zap.String("referrer", referrer),
				zap.String("referred", address),
				zap.String("code", matched))
		}
		return rec, nil
	}
	return nil, xerr.New(xerr.ServerCommonError, "could not allocate a unique referral code")
}

// create 返回 nil, false, nil 表示邀请码冲突需要重试
func (s *Service) create(ctx context.Context, address, referrer, matched string) (*Record, bool, error) {
	var (
		out      *Record
		credited bool
	)
	err := orm.Transaction(ctx, s.db, func(ctx context.Context) error {
		rec := &Record{UserAddress: address, ReferralCode: s.NewCode(address)}
		if referrer != "" {
			r := referrer
			rec.ReferredBy = &r
		}
		res := s.getDb(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// 可能是并发请求先插入了同一地址，也可能是 code 冲突
			now, err := s.find(ctx, address)
			if err != nil {
				return err
			}
			out = now
			return nil
		}
		out = rec
		if referrer == "" {
			return nil
		}

		var before int64
		if err := s.getDb(ctx).Model(&Record{}).
			Where("user_address = ?", referrer).
			Select("referral_count").
			Scan(&before).Error; err != nil {
			return err
		}
		if err := s.getDb(ctx).Model(&Record{}).
			Where("user_address = ?", referrer).
			Update("referral_count", gorm.Expr("referral_count + 1")).Error; err != nil {
			return err
		}
		credited = true
		return s.getDb(ctx).Create(&CreditEvent{
			ReferrerAddress: referrer,
			ReferredAddress: address,
			Code:            matched,
			CountBefore:     before,
			CountAfter:      before + 1,
		}).Error
	})
	if err != nil {
		return nil, false, err
	}
	return out, credited, nil
}

// Leaderboard 按推荐数倒序，默认 20
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]Record, error) {
	var rows []Record
	err := s.getDb(ctx).
		Order("referral_count DESC, user_address ASC").
		Limit(orm.ClampLimit(limit, 20, 100)).
		Find(&rows).Error
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "load referral leaderboard failed")
	}
	return rows, nil
}

// ByAddress 所有记录按地址索引，管理端合并用户信息
func (s *Service) ByAddress(ctx context.Context) (map[string]Record, error) {
	var rows []Record
	if err := s.getDb(ctx).Find(&rows).Error; err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "load referrals failed")
	}
	out := make(map[string]Record, len(rows))
	for _, r := range rows {
		out[r.UserAddress] = r
	}
	return out, nil
}
