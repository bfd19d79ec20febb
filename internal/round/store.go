package round

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"predictex.com/pkg/orm"
)

// Store bet_history 的读写
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

func (s *Store) getDb(ctx context.Context) *gorm.DB {
	return orm.DB(ctx, s.db)
}

func (s *Store) Create(ctx context.Context, b *Bet) error {
	return s.getDb(ctx).Create(b).Error
}

// Get 不存在返回 nil, nil
func (s *Store) Get(ctx context.Context, id string) (*Bet, error) {
	var b Bet
	err := s.getDb(ctx).Where("id = ?", id).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Active 地址当前未结算的一局
func (s *Store) Active(ctx context.Context, address string) (*Bet, error) {
	var b Bet
	err := s.getDb(ctx).Where("active_key = ?", address).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Due 到期待结算的局，跳过需要人工处理的
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]Bet, error) {
	var rows []Bet
	err := s.getDb(ctx).
		Where("state = ? AND resolve_at <= ? AND needs_manual = ?", StateLocked, now, false).
		Order("resolve_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// MarkSettled 条件更新保证只结算一次；返回 false 说明已被别处结算
func (s *Store) MarkSettled(ctx context.Context, id string, exit, payout decimal.Decimal, won bool, at time.Time) (bool, error) {
	res := s.getDb(ctx).Model(&Bet{}).
		Where("id = ? AND state = ?", id, StateLocked).
		Updates(map[string]any{
			"state":        StateSettled,
			"exit_price":   exit,
			"payout":       payout,
			"won":          won,
			"resolved_at":  at,
			"active_key":   nil,
			"needs_manual": false,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkVoid 作废一局，payout 记为退回的本金
func (s *Store) MarkVoid(ctx context.Context, id string, at time.Time) (bool, error) {
	res := s.getDb(ctx).Model(&Bet{}).
		Where("id = ? AND state = ?", id, StateLocked).
		Updates(map[string]any{
			"state":        StateVoid,
			"payout":       gorm.Expr("amount"),
			"resolved_at":  at,
			"active_key":   nil,
			"needs_manual": false,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RecordAttempt 预言机不可用时累计次数，达到上限转人工
func (s *Store) RecordAttempt(ctx context.Context, id string, manual bool) error {
	return s.getDb(ctx).Model(&Bet{}).
		Where("id = ? AND state = ?", id, StateLocked).
		Updates(map[string]any{
			"settle_attempts": gorm.Expr("settle_attempts + 1"),
			"needs_manual":    manual,
		}).Error
}

func (s *Store) Recent(ctx context.Context, address string, limit int) ([]Bet, error) {
	var rows []Bet
	err := s.getDb(ctx).
		Where("wallet_address = ?", address).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (s *Store) Manual(ctx context.Context) ([]Bet, error) {
	var rows []Bet
	err := s.getDb(ctx).
		Where("state = ? AND needs_manual = ?", StateLocked, true).
		Order("resolve_at ASC").
		Find(&rows).Error
	return rows, err
}

// EachSettled 按结算时间顺序流式遍历已结算的局。fn 里不要再访问数据库，连接还被游标占着
func (s *Store) EachSettled(ctx context.Context, fn func(b *Bet) error) error {
	db := s.getDb(ctx)
	rows, err := db.Model(&Bet{}).
		Where("state = ?", StateSettled).
		Order("resolved_at ASC, id ASC").
		Rows()
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var b Bet
		if err := db.ScanRows(rows, &b); err != nil {
			return err
		}
		if err := fn(&b); err != nil {
			return err
		}
	}
	return rows.Err()
}

type leaderAgg struct {
	WalletAddress string
	Network       string
	TotalBets     int64
	Wins          int64
	TotalWagered  decimal.Decimal
	TotalPayout   decimal.Decimal
}

// Leaderboard 按 (钱包, 网络) 聚合后在内存合并，主网络取下注次数最多的
func (s *Store) Leaderboard(ctx context.Context, limit int, network string) ([]LeaderRow, error) {
	var aggs []leaderAgg
	q := s.getDb(ctx).Model(&Bet{}).
		Select(`wallet_address, network, COUNT(*) AS total_bets,
			SUM(CASE WHEN won THEN 1 ELSE 0 END) AS wins,
			SUM(amount) AS total_wagered,
			SUM(payout) AS total_payout`).
		Where("state = ?", StateSettled)
	if network != "" {
		q = q.Where("network = ?", network)
	}
	if err := q.Group("wallet_address, network").Scan(&aggs).Error; err != nil {
		return nil, err
	}

	type acc struct {
		row      LeaderRow
		networks map[string]int64
	}
	byWallet := map[string]*acc{}
	order := []string{}
	for _, a := range aggs {
		w, ok := byWallet[a.WalletAddress]
		if !ok {
			w = &acc{
				row: LeaderRow{
					WalletAddress: a.WalletAddress,
					TotalWagered:  decimal.Zero,
					TotalPayout:   decimal.Zero,
				},
				networks: map[string]int64{},
			}
			byWallet[a.WalletAddress] = w
			order = append(order, a.WalletAddress)
		}
		w.row.TotalBets += a.TotalBets
		w.row.Wins += a.Wins
		w.row.TotalWagered = w.row.TotalWagered.Add(a.TotalWagered)
		w.row.TotalPayout = w.row.TotalPayout.Add(a.TotalPayout)
		w.networks[a.Network] += a.TotalBets
	}

	out := make([]LeaderRow, 0, len(byWallet))
	for _, addr := range order {
		w := byWallet[addr]
		r := w.row
		r.Losses = r.TotalBets - r.Wins
		r.NetProfit = r.TotalPayout.Sub(r.TotalWagered)
		if r.TotalBets > 0 {
			r.WinRate = float64(r.Wins) / float64(r.TotalBets) * 100
		}
		r.PrimaryNetwork = primaryNetwork(w.networks)
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].NetProfit.Cmp(out[j].NetProfit); c != 0 {
			return c > 0
		}
		return out[i].WalletAddress < out[j].WalletAddress
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func primaryNetwork(counts map[string]int64) string {
	best, n := "", int64(-1)
	for net, c := range counts {
		if c > n || (c == n && net < best) {
			best, n = net, c
		}
	}
	return best
}

// Activity 所有钱包的下注统计
func (s *Store) Activity(ctx context.Context) (map[string]Activity, error) {
	var rows []struct {
		WalletAddress string
		TotalBets     int64
		TotalVolume   decimal.Decimal
		Wins          int64
	}
	err := s.getDb(ctx).Model(&Bet{}).
		Select(`wallet_address, COUNT(*) AS total_bets, SUM(amount) AS total_volume,
			SUM(CASE WHEN won THEN 1 ELSE 0 END) AS wins`).
		Group("wallet_address").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]Activity, len(rows))
	for _, r := range rows {
		out[r.WalletAddress] = Activity{TotalBets: r.TotalBets, TotalVolume: r.TotalVolume, Wins: r.Wins}
	}
	return out, nil
}
