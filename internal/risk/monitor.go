package risk

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"predictex.com/internal/chain"
	"predictex.com/internal/ledger"
	"predictex.com/internal/referral"
	"predictex.com/internal/round"
	"predictex.com/pkg/logger"
	"predictex.com/pkg/xerr"
)

const accountsPage = 500

type Bets interface {
	EachSettled(ctx context.Context, fn func(b *round.Bet) error) error
	Activity(ctx context.Context) (map[string]round.Activity, error)
}

type Accounts interface {
	ListAccounts(ctx context.Context, page, size int) ([]*ledger.BalanceView, error)
	SetStatus(ctx context.Context, address, status string) error
}

type Referrals interface {
	ByAddress(ctx context.Context) (map[string]referral.Record, error)
}

// Streak 钱包的连胜统计
type Streak struct {
	Address string `json:"wallet_address"`
	Longest int    `json:"longest_streak"`
	Current int    `json:"current_streak"`
	Settled int64  `json:"settled_bets"`
}

type ReferralInfo struct {
	Code       string  `json:"referral_code"`
	Count      int64   `json:"referral_count"`
	ReferredBy *string `json:"referred_by,omitempty"`
}

// UserOverview 管理端一行：一个余额行加上下注活跃度和推荐信息
type UserOverview struct {
	UserAddress string          `json:"user_address"`
	Currency    string          `json:"currency"`
	Balance     decimal.Decimal `json:"balance"`
	Status      string          `json:"status"`
	Tier        string          `json:"tier"`
	Activity    round.Activity  `json:"activity"`
	Referral    ReferralInfo    `json:"referral"`
}

// Monitor 只读聚合，唯一的写操作是 SetStatus
type Monitor struct {
	bets      Bets
	accounts  Accounts
	referrals Referrals
}

func NewMonitor(bets Bets, accounts Accounts, referrals Referrals) *Monitor {
	return &Monitor{bets: bets, accounts: accounts, referrals: referrals}
}

// Streaks 按结算顺序计算每个钱包的最长连胜
func (m *Monitor) Streaks(ctx context.Context) (map[string]*Streak, error) {
	out := map[string]*Streak{}
	err := m.bets.EachSettled(ctx, func(b *round.Bet) error {
		s, ok := out[b.WalletAddress]
		if !ok {
			s = &Streak{Address: b.WalletAddress}
			out[b.WalletAddress] = s
		}
		s.Settled++
		if b.Won != nil && *b.Won {
			s.Current++
			if s.Current > s.Longest {
				s.Longest = s.Current
			}
		} else {
			s.Current = 0
		}
		return nil
	})
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "scan settled bets failed")
	}
	return out, nil
}

// Flagged 最长连胜严格大于 threshold 的钱包，按连胜倒序
func (m *Monitor) Flagged(ctx context.Context, threshold int) ([]Streak, error) {
	all, err := m.Streaks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Streak, 0)
	for _, s := range all {
		if s.Longest > threshold {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Longest != out[j].Longest {
			return out[i].Longest > out[j].Longest
		}
		return out[i].Address < out[j].Address
	})
	return out, nil
}

// SetStatus 状态之间可以任意切换，只改 status 不动余额
func (m *Monitor) SetStatus(ctx context.Context, address, status string) error {
	address = chain.Normalize(address)
	if address == "" {
		return xerr.NewErrCode(xerr.InvalidAddress)
	}
	if err := m.accounts.SetStatus(ctx, address, status); err != nil {
		return err
	}
	logger.Warn(ctx, "account status set by admin", zap.String("address", address), zap.String("status", status))
	return nil
}

// Users 所有余额行合并活跃度和推荐信息
func (m *Monitor) Users(ctx context.Context) ([]UserOverview, error) {
	var balances []*ledger.BalanceView
	for page := 1; ; page++ {
		rows, err := m.accounts.ListAccounts(ctx, page, accountsPage)
		if err != nil {
			return nil, err
		}
		balances = append(balances, rows...)
		if len(rows) < accountsPage {
			break
		}
	}

	activity, err := m.bets.Activity(ctx)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.DbError, "load activity failed")
	}
	refs, err := m.referrals.ByAddress(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]UserOverview, 0, len(balances))
	for _, b := range balances {
		u := UserOverview{
			UserAddress: b.Address,
			Currency:    b.Currency,
			Balance:     b.Balance,
			Status:      b.Status,
			Tier:        b.Tier,
			Activity:    round.Activity{TotalVolume: decimal.Zero},
			Referral:    ReferralInfo{Code: "NONE"},
		}
		if a, ok := activity[b.Address]; ok {
			u.Activity = a
		}
		if r, ok := refs[b.Address]; ok {
			u.Referral = ReferralInfo{Code: r.ReferralCode, Count: r.ReferralCount, ReferredBy: r.ReferredBy}
		}
		out = append(out, u)
	}
	return out, nil
}
