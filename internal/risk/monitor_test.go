package risk

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"predictex.com/internal/ledger"
	"predictex.com/internal/ledger/repo/gormdb"
	"predictex.com/internal/referral"
	"predictex.com/internal/round"
	"predictex.com/pkg/orm"
	"predictex.com/pkg/xerr"
)

const (
	w1 = "0x1111111111111111111111111111111111111111"
	w2 = "0x2222222222222222222222222222222222222222"
)

type harness struct {
	db       *gorm.DB
	store    *round.Store
	ledger   *ledger.Service
	referral *referral.Service
	monitor  *Monitor
	clock    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := orm.Open(&orm.Config{Type: orm.TypeSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	models := append(gormdb.Models(), round.Models()...)
	require.NoError(t, db.AutoMigrate(append(models, referral.Models()...)...))

	h := &harness{
		db:       db,
		store:    round.NewStore(db),
		ledger:   ledger.NewService(gormdb.New(db), nil),
		referral: referral.NewService(db, referral.DefaultConfig()),
		clock:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	h.monitor = NewMonitor(h.store, h.ledger, h.referral)
	return h
}

// settle 直接写入一条已结算的局，按调用顺序递增结算时间
func (h *harness) settle(t *testing.T, wallet string, won bool) {
	t.Helper()
	h.clock = h.clock.Add(time.Minute)
	at := h.clock
	payout := decimal.Zero
	if won {
		payout = decimal.RequireFromString("1.9")
	}
	w := won
	require.NoError(t, h.store.Create(context.Background(), &round.Bet{
		ID:            uuid.NewString(),
		WalletAddress: wallet,
		Asset:         "BTC",
		Direction:     round.DirectionUp,
		Mode:          round.ModeClassic,
		Currency:      "ETH",
		Amount:        decimal.NewFromInt(1),
		Multiplier:    decimal.RequireFromString("1.9"),
		DurationSec:   30,
		EntryPrice:    decimal.NewFromInt(100),
		ExitPrice:     decimal.NewNullDecimal(decimal.NewFromInt(101)),
		Payout:        payout,
		Won:           &w,
		Network:       "ETH",
		State:         round.StateSettled,
		ResolveAt:     at,
		ResolvedAt:    &at,
	}))
}

func (h *harness) seq(t *testing.T, wallet, pattern string) {
	for _, c := range pattern {
		h.settle(t, wallet, c == 'W')
	}
}

func TestStreaks(t *testing.T) {
	cases := []struct {
		name    string
		pattern string
		longest int
		current int
	}{
		{name: "全胜", pattern: "WWWW", longest: 4, current: 4},
		{name: "全负", pattern: "LLL", longest: 0, current: 0},
		{name: "中间断开", pattern: "WWLWWWL", longest: 3, current: 0},
		{name: "结尾连胜", pattern: "LWWLWW", longest: 2, current: 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.seq(t, w1, tc.pattern)
			got, err := h.monitor.Streaks(context.Background())
			require.NoError(t, err)
			require.Contains(t, got, w1)
			assert.Equal(t, tc.longest, got[w1].Longest)
			assert.Equal(t, tc.current, got[w1].Current)
			assert.Equal(t, int64(len(tc.pattern)), got[w1].Settled)
		})
	}
}

func TestStreaks_InterleavedWallets(t *testing.T) {
	h := newHarness(t)
	// 两个钱包交替结算，互不打断
	for i := 0; i < 4; i++ {
		h.settle(t, w1, true)
		h.settle(t, w2, i%2 == 0)
	}
	got, err := h.monitor.Streaks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, got[w1].Longest)
	assert.Equal(t, 1, got[w2].Longest)
}

func TestFlagged(t *testing.T) {
	h := newHarness(t)
	h.seq(t, w1, "WWWWWL")
	h.seq(t, w2, "WWW")
	ctx := context.Background()

	flagged, err := h.monitor.Flagged(ctx, 3)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, w1, flagged[0].Address)

	flagged, err = h.monitor.Flagged(ctx, 2)
	require.NoError(t, err)
	require.Len(t, flagged, 2)
	assert.Equal(t, w1, flagged[0].Address, "连胜长的排前面")

	flagged, err = h.monitor.Flagged(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, flagged)
}

func TestSetStatus_OnlyTouchesStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ledger.Credit(ctx, ledger.Op{Address: w1, Currency: "ETH", Amount: decimal.NewFromInt(5), Type: ledger.OpDeposit})
	require.NoError(t, err)

	for _, st := range []string{ledger.StatusBanned, ledger.StatusActive, ledger.StatusFrozen, ledger.StatusBanned} {
		require.NoError(t, h.monitor.SetStatus(ctx, w1, st))
		v, err := h.ledger.Lookup(ctx, w1, "ETH")
		require.NoError(t, err)
		assert.Equal(t, st, v.Status)
		assert.True(t, v.Balance.Equal(decimal.NewFromInt(5)))
	}

	err = h.monitor.SetStatus(ctx, w2, ledger.StatusFrozen)
	assert.True(t, xerr.IsCode(err, xerr.AccountNotFound))

	err = h.monitor.SetStatus(ctx, w1, "suspended")
	assert.True(t, xerr.IsCode(err, xerr.RequestParamsError))
}

func TestUsers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ledger.Credit(ctx, ledger.Op{Address: w1, Currency: "ETH", Amount: decimal.NewFromInt(5), Type: ledger.OpDeposit})
	require.NoError(t, err)
	_, err = h.ledger.Credit(ctx, ledger.Op{Address: w2, Currency: "BCH", Amount: decimal.NewFromInt(2), Type: ledger.OpDeposit})
	require.NoError(t, err)
	h.seq(t, w1, "WLW")
	rec, err := h.referral.FetchInfo(ctx, w1, "")
	require.NoError(t, err)

	users, err := h.monitor.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)

	byAddr := map[string]UserOverview{}
	for _, u := range users {
		byAddr[u.UserAddress] = u
	}
	u1 := byAddr[w1]
	assert.Equal(t, int64(3), u1.Activity.TotalBets)
	assert.Equal(t, int64(2), u1.Activity.Wins)
	assert.True(t, u1.Activity.TotalVolume.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, rec.ReferralCode, u1.Referral.Code)

	u2 := byAddr[w2]
	assert.Equal(t, "NONE", u2.Referral.Code)
	assert.Zero(t, u2.Activity.TotalBets)
	assert.True(t, u2.Balance.Equal(decimal.NewFromInt(2)))
}

type leaderFunc func() bool

func (f leaderFunc) TryAcquireMaster(context.Context, string, time.Duration) bool { return f() }

func TestScheduler_Scan(t *testing.T) {
	h := newHarness(t)
	h.seq(t, w1, "WWWW")

	var calls atomic.Int32
	leader := true
	s := NewScheduler(h.monitor, leaderFunc(func() bool {
		calls.Add(1)
		return leader
	}), "", 3)

	got := s.Scan(context.Background())
	require.Len(t, got, 1)
	assert.Equal(t, w1, got[0].Address)

	leader = false
	assert.Nil(t, s.Scan(context.Background()), "非 leader 不扫描")
	assert.Equal(t, int32(2), calls.Load())
}

func TestScheduler_RunStopsWithContext(t *testing.T) {
	h := newHarness(t)
	s := NewScheduler(h.monitor, nil, "@every 1h", 3)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_BadSpec(t *testing.T) {
	h := newHarness(t)
	s := NewScheduler(h.monitor, nil, "not a cron", 3)
	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "add risk scan job")
}
