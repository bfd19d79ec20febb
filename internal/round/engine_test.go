package round

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"predictex.com/internal/ledger"
	"predictex.com/internal/ledger/repo/gormdb"
	"predictex.com/internal/oracle"
	"predictex.com/pkg/orm"
	"predictex.com/pkg/xerr"
)

const (
	w1 = "0x1111111111111111111111111111111111111111"
	w2 = "0x2222222222222222222222222222222222222222"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakePrices struct {
	mu    sync.Mutex
	snaps map[string]oracle.Snapshot
	err   error
	calls int
}

func newFakePrices() *fakePrices {
	return &fakePrices{snaps: map[string]oracle.Snapshot{
		"BTC": {Asset: "BTC", Price: d("100"), Confidence: d("0.1")},
	}}
}

func (f *fakePrices) Snapshot(asset string) (oracle.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return oracle.Snapshot{}, f.err
	}
	s, ok := f.snaps[asset]
	if !ok {
		return oracle.Snapshot{}, oracle.ErrUnavailable
	}
	return s, nil
}

func (f *fakePrices) Tracks(asset string) bool { return asset == "BTC" }

func (f *fakePrices) set(price string, stale bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps["BTC"] = oracle.Snapshot{Asset: "BTC", Price: d(price), Stale: stale}
	f.err = nil
}

type harness struct {
	engine *Engine
	ledger *ledger.Service
	prices *fakePrices
	clock  time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := orm.Open(&orm.Config{Type: orm.TypeSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(append(gormdb.Models(), &Bet{})...))

	h := &harness{
		ledger: ledger.NewService(gormdb.New(db), nil),
		prices: newFakePrices(),
		clock:  time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	h.engine = NewEngine(NewStore(db), h.ledger, h.prices, Config{
		Retry: RetryPolicy{Base: time.Millisecond, Max: time.Millisecond, Attempts: 2, ManualAfter: 2},
	})
	h.engine.now = func() time.Time { return h.clock }
	h.engine.sleep = func(context.Context, time.Duration) error { return nil }
	return h
}

func (h *harness) fund(t *testing.T, addr, amount string) {
	t.Helper()
	_, err := h.ledger.Credit(context.Background(), ledger.Op{Address: addr, Currency: "ETH", Amount: d(amount), Type: ledger.OpDeposit})
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, addr string) decimal.Decimal {
	t.Helper()
	v, err := h.ledger.Lookup(context.Background(), addr, "ETH")
	require.NoError(t, err)
	return v.Balance
}

func classic(addr, dir string, amount string, dur int) PlaceRequest {
	return PlaceRequest{Address: addr, Asset: "btc", Direction: dir, Currency: "eth", Amount: d(amount), DurationSec: dur}
}

func TestOutcome(t *testing.T) {
	cases := []struct {
		name  string
		dir   string
		entry string
		exit  string
		won   bool
	}{
		{name: "涨且买涨", dir: DirectionUp, entry: "100", exit: "101", won: true},
		{name: "跌且买涨", dir: DirectionUp, entry: "100", exit: "99", won: false},
		{name: "跌且买跌", dir: DirectionDown, entry: "100", exit: "99.5", won: true},
		{name: "涨且买跌", dir: DirectionDown, entry: "100", exit: "100.01", won: false},
		{name: "平价买涨算输", dir: DirectionUp, entry: "100", exit: "100", won: false},
		{name: "平价买跌算输", dir: DirectionDown, entry: "100", exit: "100.000", won: false},
		{name: "未知方向", dir: "SIDEWAYS", entry: "100", exit: "101", won: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.won, Outcome(tc.dir, d(tc.entry), d(tc.exit)))
		})
	}
}

func TestClassicMultiplierAndPayout(t *testing.T) {
	for dur, want := range map[int]string{5: "1.75", 10: "1.8", 15: "1.85", 30: "1.9", 60: "1.95"} {
		m, ok := ClassicMultiplier(dur)
		require.True(t, ok)
		assert.True(t, m.Equal(d(want)), "duration %d", dur)
	}
	_, ok := ClassicMultiplier(45)
	assert.False(t, ok)

	m, _ := ClassicMultiplier(30)
	assert.True(t, Payout(d("1"), m, true).Equal(d("1.90")))
	assert.True(t, Payout(d("1"), m, false).IsZero())
}

func TestPlaceAndSettle_Won(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, w1, "10")

	bet, err := h.engine.Place(ctx, classic(w1, "up", "1", 30))
	require.NoError(t, err)
	assert.Equal(t, StateLocked, bet.State)
	assert.True(t, bet.Multiplier.Equal(d("1.90")))
	assert.True(t, bet.EntryPrice.Equal(d("100")))
	assert.Equal(t, "ETH", bet.Network)
	assert.True(t, h.balance(t, w1).Equal(d("9")), "本金在下注时扣除")

	h.prices.set("101", false)
	h.clock = h.clock.Add(30 * time.Second)
	got, err := h.engine.Settle(ctx, bet.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSettled, got.State)
	require.NotNil(t, got.Won)
	assert.True(t, *got.Won)
	assert.True(t, got.Payout.Equal(d("1.90")))
	assert.True(t, got.ExitPrice.Valid)
	assert.NotNil(t, got.ResolvedAt)
	assert.Nil(t, got.ActiveKey)
	assert.True(t, h.balance(t, w1).Equal(d("10.9")))

	trail, err := h.ledger.AuditTrail(ctx, w1, 10)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, ledger.OpBetPayout, trail[0].OperationType)
	assert.Equal(t, bet.ID, trail[0].Ref)
	assert.Equal(t, ledger.OpBetStake, trail[1].OperationType)
}

func TestSettle_LostMakesNoLedgerWrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, w1, "5")

	bet, err := h.engine.Place(ctx, classic(w1, "DOWN", "2", 5))
	require.NoError(t, err)

	h.prices.set("100", false) // 平价
	h.clock = h.clock.Add(5 * time.Second)
	got, err := h.engine.Settle(ctx, bet.ID)
	require.NoError(t, err)
	assert.False(t, *got.Won)
	assert.True(t, got.Payout.IsZero())
	assert.True(t, h.balance(t, w1).Equal(d("3")))

	trail, err := h.ledger.AuditTrail(ctx, w1, 10)
	require.NoError(t, err)
	assert.Len(t, trail, 2)
}

func TestPlace_Rejections(t *testing.T) {
	cases := []struct {
		name  string
		setup func(h *harness)
		req   PlaceRequest
		code  int
	}{
		{name: "地址非法", req: classic("0x123", "UP", "1", 30), code: xerr.InvalidAddress},
		{name: "时长不在表内", req: classic(w1, "UP", "1", 45), code: xerr.RequestParamsError},
		{name: "方向非法", req: classic(w1, "LEFT", "1", 30), code: xerr.RequestParamsError},
		{name: "金额为零", req: classic(w1, "UP", "0", 30), code: xerr.RequestParamsError},
		{name: "资产未跟踪", req: PlaceRequest{Address: w1, Asset: "DOGE", Direction: "UP", Currency: "ETH", Amount: d("1"), DurationSec: 30}, code: xerr.RequestParamsError},
		{name: "余额不足", req: classic(w1, "UP", "11", 30), code: xerr.InsufficientFunds},
		{name: "封禁账户不能下注", setup: func(h *harness) {
			_ = h.ledger.SetStatus(context.Background(), w1, ledger.StatusBanned)
		}, req: classic(w1, "UP", "1", 30), code: xerr.Forbidden},
		{name: "价格过期", setup: func(h *harness) { h.prices.set("100", true) }, req: classic(w1, "UP", "1", 30), code: xerr.OracleUnavailable},
		{name: "格子倍率越界", req: PlaceRequest{Address: w1, Asset: "BTC", Direction: "UP", Mode: ModeBox, Currency: "ETH", Amount: d("1"), DurationSec: 20, Multiplier: d("50")}, code: xerr.RequestParamsError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.fund(t, w1, "10")
			if tc.setup != nil {
				tc.setup(h)
			}
			_, err := h.engine.Place(context.Background(), tc.req)
			assert.True(t, xerr.IsCode(err, tc.code), "got %v", err)
			assert.True(t, h.balance(t, w1).Equal(d("10")), "拒绝时余额不变")
		})
	}
}

func TestPlace_FrozenCanStillBet(t *testing.T) {
	h := newHarness(t)
	h.fund(t, w1, "10")
	require.NoError(t, h.ledger.SetStatus(context.Background(), w1, ledger.StatusFrozen))

	_, err := h.engine.Place(context.Background(), classic(w1, "UP", "1", 10))
	assert.NoError(t, err)
}

func TestPlace_BoxModeFreezesMultiplier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, w1, "10")

	bet, err := h.engine.Place(ctx, PlaceRequest{Address: w1, Asset: "BTC", Direction: "UP", Mode: ModeBox, Currency: "ETH", Amount: d("2"), DurationSec: 20, Multiplier: d("3.5")})
	require.NoError(t, err)
	assert.True(t, bet.Multiplier.Equal(d("3.5")))

	h.prices.set("120", false)
	h.clock = h.clock.Add(20 * time.Second)
	got, err := h.engine.Settle(ctx, bet.ID)
	require.NoError(t, err)
	assert.True(t, got.Payout.Equal(d("7")))
}

func TestPlace_OneRoundAtATime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, w1, "10")

	first, err := h.engine.Place(ctx, classic(w1, "UP", "1", 5))
	require.NoError(t, err)

	_, err = h.engine.Place(ctx, classic(w1, "DOWN", "1", 5))
	assert.True(t, xerr.IsCode(err, xerr.RoundInProgress))
	assert.True(t, h.balance(t, w1).Equal(d("9")))

	h.clock = h.clock.Add(5 * time.Second)
	_, err = h.engine.Settle(ctx, first.ID)
	require.NoError(t, err)

	_, err = h.engine.Place(ctx, classic(w1, "DOWN", "1", 5))
	assert.NoError(t, err, "结算后可以再下")
}

func TestSettle_NotDue(t *testing.T) {
	h := newHarness(t)
	h.fund(t, w1, "10")
	bet, err := h.engine.Place(context.Background(), classic(w1, "UP", "1", 60))
	require.NoError(t, err)

	h.clock = h.clock.Add(59 * time.Second)
	got, err := h.engine.Settle(context.Background(), bet.ID)
	require.NoError(t, err)
	assert.Equal(t, StateLocked, got.State)
}

func TestSettle_OracleDownNeverAutoLoses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, w1, "10")
	bet, err := h.engine.Place(ctx, classic(w1, "UP", "1", 5))
	require.NoError(t, err)

	h.prices.mu.Lock()
	h.prices.err = errors.New("hermes down")
	h.prices.calls = 0
	h.prices.mu.Unlock()
	h.clock = h.clock.Add(10 * time.Second)

	_, err = h.engine.Settle(ctx, bet.ID)
	assert.True(t, xerr.IsCode(err, xerr.OracleUnavailable))
	assert.Equal(t, 2, h.prices.calls, "单次结算内按策略重试")

	got, err := h.engine.Get(ctx, bet.ID)
	require.NoError(t, err)
	assert.Equal(t, StateLocked, got.State)
	assert.Equal(t, 1, got.SettleAttempts)
	assert.False(t, got.NeedsManual)

	_, err = h.engine.Settle(ctx, bet.ID)
	require.Error(t, err)
	got, err = h.engine.Get(ctx, bet.ID)
	require.NoError(t, err)
	assert.True(t, got.NeedsManual)
	assert.Nil(t, got.Won)

	manual, err := h.engine.ManualQueue(ctx)
	require.NoError(t, err)
	require.Len(t, manual, 1)
	assert.True(t, h.balance(t, w1).Equal(d("9")))

	// 人工队列里的局不会被扫描器再捡起
	assert.Equal(t, 0, NewSweeper(h.engine, nil, time.Second, 10).Sweep(ctx))
}

func TestSettle_AcceptsStalePrice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, w1, "10")
	bet, err := h.engine.Place(ctx, classic(w1, "DOWN", "1", 15))
	require.NoError(t, err)

	h.prices.set("99", true)
	h.clock = h.clock.Add(15 * time.Second)
	got, err := h.engine.Settle(ctx, bet.ID)
	require.NoError(t, err)
	assert.True(t, *got.Won)
	assert.True(t, got.Payout.Equal(d("1.85")))
}

func TestSettle_ExactlyOnceUnderConcurrency(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, w1, "10")
	bet, err := h.engine.Place(ctx, classic(w1, "UP", "1", 30))
	require.NoError(t, err)

	h.prices.set("150", false)
	h.clock = h.clock.Add(time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Settle(ctx, bet.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.True(t, h.balance(t, w1).Equal(d("10.9")))
	trail, err := h.ledger.AuditTrail(ctx, w1, 50)
	require.NoError(t, err)
	assert.Len(t, trail, 3)
}

// stuck 下一局并让预言机持续不可用，直到进入人工队列
func (h *harness) stuck(t *testing.T, addr string) *Bet {
	t.Helper()
	ctx := context.Background()
	bet, err := h.engine.Place(ctx, classic(addr, "UP", "1", 5))
	require.NoError(t, err)
	h.prices.mu.Lock()
	h.prices.err = errors.New("hermes down")
	h.prices.mu.Unlock()
	h.clock = h.clock.Add(10 * time.Second)
	for i := 0; i < 2; i++ {
		_, err = h.engine.Settle(ctx, bet.ID)
		require.Error(t, err)
	}
	got, err := h.engine.Get(ctx, bet.ID)
	require.NoError(t, err)
	require.True(t, got.NeedsManual)
	return got
}

func TestResolve_ManualOutcome(t *testing.T) {
	price := func(s string) decimal.NullDecimal { return decimal.NewNullDecimal(d(s)) }
	cases := []struct {
		name    string
		req     ResolveRequest
		state   string
		won     *bool
		balance func(bet *Bet) decimal.Decimal
		op      string
	}{
		{name: "给出退出价判赢", req: ResolveRequest{ExitPrice: price("150")}, state: StateSettled, won: ptr(true),
			balance: func(b *Bet) decimal.Decimal { return d("9").Add(Payout(b.Amount, b.Multiplier, true)) }, op: ledger.OpBetPayout},
		{name: "给出退出价判输", req: ResolveRequest{ExitPrice: price("50")}, state: StateSettled, won: ptr(false),
			balance: func(*Bet) decimal.Decimal { return d("9") }, op: ledger.OpBetStake},
		{name: "作废退回本金", req: ResolveRequest{Void: true}, state: StateVoid,
			balance: func(*Bet) decimal.Decimal { return d("10") }, op: ledger.OpBetRefund},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.fund(t, w1, "10")
			bet := h.stuck(t, w1)

			got, err := h.engine.Resolve(ctx, bet.ID, tc.req)
			require.NoError(t, err)
			assert.Equal(t, tc.state, got.State)
			assert.False(t, got.NeedsManual)
			assert.Equal(t, tc.won, got.Won)
			assert.NotNil(t, got.ResolvedAt)
			assert.True(t, h.balance(t, w1).Equal(tc.balance(bet)), "balance %s", h.balance(t, w1))

			trail, err := h.ledger.AuditTrail(ctx, w1, 1)
			require.NoError(t, err)
			assert.Equal(t, tc.op, trail[0].OperationType)

			manual, err := h.engine.ManualQueue(ctx)
			require.NoError(t, err)
			assert.Empty(t, manual)

			// 只能处理一次
			_, err = h.engine.Resolve(ctx, bet.ID, tc.req)
			assert.True(t, xerr.IsCode(err, xerr.DuplicateRequest), "got %v", err)
			got, err = h.engine.Settle(ctx, bet.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.state, got.State)

			// 活跃局已释放，可以继续下注
			h.prices.set("100", false)
			_, err = h.engine.Place(ctx, classic(w1, "DOWN", "1", 30))
			assert.NoError(t, err)
		})
	}
}

func TestResolve_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, w1, "10")
	h.fund(t, w2, "10")
	bet := h.stuck(t, w1)

	h.prices.set("100", false)
	fresh, err := h.engine.Place(ctx, classic(w2, "UP", "1", 60))
	require.NoError(t, err)

	cases := []struct {
		name string
		id   string
		req  ResolveRequest
		code int
	}{
		{name: "价格和作废都给", id: bet.ID, req: ResolveRequest{ExitPrice: decimal.NewNullDecimal(d("1")), Void: true}, code: xerr.RequestParamsError},
		{name: "价格和作废都没给", id: bet.ID, code: xerr.RequestParamsError},
		{name: "价格非正", id: bet.ID, req: ResolveRequest{ExitPrice: decimal.NewNullDecimal(d("0"))}, code: xerr.RequestParamsError},
		{name: "未到期", id: fresh.ID, req: ResolveRequest{Void: true}, code: xerr.RequestParamsError},
		{name: "下注不存在", id: "nope", req: ResolveRequest{Void: true}, code: xerr.RecordNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.Resolve(ctx, tc.id, tc.req)
			assert.True(t, xerr.IsCode(err, tc.code), "got %v", err)
		})
	}
	assert.True(t, h.balance(t, w1).Equal(d("9")))
	got, err := h.engine.Get(ctx, bet.ID)
	require.NoError(t, err)
	assert.Equal(t, StateLocked, got.State)
}

func ptr[T any](v T) *T { return &v }

func TestSweeper(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, w1, "10")
	h.fund(t, w2, "10")
	_, err := h.engine.Place(ctx, classic(w1, "UP", "1", 5))
	require.NoError(t, err)
	_, err = h.engine.Place(ctx, classic(w2, "DOWN", "1", 60))
	require.NoError(t, err)

	h.clock = h.clock.Add(10 * time.Second)

	notLeader := NewSweeper(h.engine, leaderFunc(func() bool { return false }), time.Second, 10)
	assert.Equal(t, 0, notLeader.Sweep(ctx))

	s := NewSweeper(h.engine, leaderFunc(func() bool { return true }), time.Second, 10)
	assert.Equal(t, 1, s.Sweep(ctx), "只有到期的局被结算")

	h.clock = h.clock.Add(time.Minute)
	assert.Equal(t, 1, s.Sweep(ctx))
	assert.Equal(t, 0, s.Sweep(ctx))
}

type leaderFunc func() bool

func (f leaderFunc) TryAcquireMaster(context.Context, string, time.Duration) bool { return f() }

func TestLeaderboard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	store := h.engine.store
	resolved := h.clock

	add := func(id, wallet, network, amount, payout string, won bool) {
		w := won
		require.NoError(t, store.Create(ctx, &Bet{
			ID: id, WalletAddress: wallet, Asset: "BTC", Direction: DirectionUp, Mode: ModeClassic,
			Currency: "ETH", Amount: d(amount), Multiplier: d("1.9"), DurationSec: 30,
			EntryPrice: d("100"), Payout: d(payout), Won: &w, Network: network,
			State: StateSettled, CreatedAt: resolved, ResolveAt: resolved, ResolvedAt: &resolved,
		}))
	}
	// W1 投入 6 拿回 10；W2 投入 4 拿回 4
	add("b1", w1, "ARB", "3", "10", true)
	add("b2", w1, "ARB", "2", "0", false)
	add("b3", w1, "BNB", "1", "0", false)
	add("b4", w2, "BNB", "4", "4", true)

	rows, err := h.engine.Leaderboard(ctx, 0, "")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, w1, rows[0].WalletAddress)
	assert.True(t, rows[0].NetProfit.Equal(d("4")))
	assert.True(t, rows[0].TotalWagered.Equal(d("6")))
	assert.True(t, rows[0].TotalPayout.Equal(d("10")))
	assert.Equal(t, int64(3), rows[0].TotalBets)
	assert.Equal(t, int64(1), rows[0].Wins)
	assert.Equal(t, int64(2), rows[0].Losses)
	assert.InDelta(t, 33.33, rows[0].WinRate, 0.01)
	assert.Equal(t, "ARB", rows[0].PrimaryNetwork)

	assert.Equal(t, w2, rows[1].WalletAddress)
	assert.True(t, rows[1].NetProfit.IsZero())
	assert.Equal(t, 100.0, rows[1].WinRate)

	arb, err := h.engine.Leaderboard(ctx, 10, "arb")
	require.NoError(t, err)
	require.Len(t, arb, 1)
	assert.True(t, arb[0].NetProfit.Equal(d("5")))

	top1, err := h.engine.Leaderboard(ctx, 1, "")
	require.NoError(t, err)
	assert.Len(t, top1, 1)
}
