package withdraw

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"predictex.com/internal/chain"
	"predictex.com/internal/ledger"
	"predictex.com/internal/ledger/repo/gormdb"
	"predictex.com/pkg/logger"
	"predictex.com/pkg/orm"
	"predictex.com/pkg/xerr"
)

const (
	user   = "0x3333333333333333333333333333333333333333"
	solKey = "So11111111111111111111111111111111111111112"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeEVM 记录每次转账的净额
type fakeEVM struct {
	mu   sync.Mutex
	err  error
	sent []decimal.Decimal
}

func (f *fakeEVM) Family() chain.Family             { return chain.EVM }
func (f *fakeEVM) ValidateAddress(addr string) bool { return chain.ValidateFor(addr, chain.EVM) }
func (f *fakeEVM) Balance(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeEVM) Transfer(_ context.Context, _ string, amount decimal.Decimal) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, amount)
	return "0xfeed", nil
}

// flakyLedger 可以让转账后的扣款失败
type flakyLedger struct {
	*ledger.Service
	failDebit bool
}

func (l *flakyLedger) Debit(ctx context.Context, op ledger.Op) (*ledger.Receipt, error) {
	if l.failDebit {
		return nil, errors.New("connection reset by peer")
	}
	return l.Service.Debit(ctx, op)
}

type harness struct {
	p      *Processor
	ledger *flakyLedger
	evm    *fakeEVM
	events *Events
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := orm.Open(&orm.Config{Type: orm.TypeSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(append(gormdb.Models(), &Event{})...))

	h := &harness{
		ledger: &flakyLedger{Service: ledger.NewService(gormdb.New(db), nil)},
		evm:    &fakeEVM{},
		events: NewEvents(db),
	}
	reg := chain.NewRegistry(nil)
	reg.Register(h.evm)
	h.p = NewProcessor(h.ledger, reg, h.events, nil, DefaultConfig())
	return h
}

func (h *harness) fund(t *testing.T, currency, amount string) {
	t.Helper()
	_, err := h.ledger.Credit(context.Background(), ledger.Op{Address: user, Currency: currency, Amount: d(amount), Type: ledger.OpDeposit})
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, currency string) decimal.Decimal {
	t.Helper()
	v, err := h.ledger.Lookup(context.Background(), user, currency)
	require.NoError(t, err)
	return v.Balance
}

func TestWithdraw_GrossDebitNetTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "ETH", "10")

	res, err := h.p.Withdraw(ctx, Request{UserAddress: user, Amount: d("4"), Currency: "eth"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "0xfeed", res.TxHash)
	assert.Empty(t, res.Warning)
	assert.True(t, res.Fee.Equal(d("0.08")))
	assert.True(t, res.NetAmount.Equal(d("3.92")))
	require.NotNil(t, res.NewBalance)
	assert.True(t, res.NewBalance.Equal(d("6")))

	require.Len(t, h.evm.sent, 1)
	assert.True(t, h.evm.sent[0].Equal(d("3.92")))
	assert.True(t, h.balance(t, "ETH").Equal(d("6")))

	trail, err := h.ledger.AuditTrail(ctx, user, 1)
	require.NoError(t, err)
	require.NotNil(t, trail[0].TxHash)
	assert.Equal(t, "0xfeed", *trail[0].TxHash)
	assert.Equal(t, ledger.OpWithdrawal, trail[0].OperationType)
	assert.True(t, trail[0].Amount.Equal(d("4")))

	ev, err := h.events.Get(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, ev.Status)
	assert.Nil(t, ev.ActiveKey)
	require.NotNil(t, ev.TxHash)
	assert.True(t, ev.DebitAmount.Equal(d("4")))
}

func TestWithdraw_RejectedBeforeTransfer(t *testing.T) {
	cases := []struct {
		name  string
		setup func(t *testing.T, h *harness)
		req   Request
		code  int
	}{
		{name: "冻结账户", setup: func(t *testing.T, h *harness) {
			require.NoError(t, h.ledger.SetStatus(context.Background(), user, ledger.StatusFrozen))
		}, req: Request{UserAddress: user, Amount: d("1"), Currency: "ETH"}, code: xerr.Forbidden},
		{name: "封禁账户", setup: func(t *testing.T, h *harness) {
			require.NoError(t, h.ledger.SetStatus(context.Background(), user, ledger.StatusBanned))
		}, req: Request{UserAddress: user, Amount: d("1"), Currency: "ETH"}, code: xerr.Forbidden},
		{name: "地址与币种链族不符", req: Request{UserAddress: solKey, Amount: d("1"), Currency: "ETH"}, code: xerr.InvalidAddress},
		{name: "地址格式错误", req: Request{UserAddress: "0xabc", Amount: d("1"), Currency: "ETH"}, code: xerr.InvalidAddress},
		{name: "金额为零", req: Request{UserAddress: user, Amount: d("0"), Currency: "ETH"}, code: xerr.RequestParamsError},
		{name: "不支持的币种", req: Request{UserAddress: user, Amount: d("1"), Currency: "DOGE"}, code: xerr.RequestParamsError},
		{name: "余额不足", req: Request{UserAddress: user, Amount: d("10.1"), Currency: "ETH"}, code: xerr.InsufficientFunds},
		{name: "账户不存在", req: Request{UserAddress: user, Amount: d("1"), Currency: "BNB"}, code: xerr.AccountNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.fund(t, "ETH", "10")
			if tc.setup != nil {
				tc.setup(t, h)
			}
			_, err := h.p.Withdraw(context.Background(), tc.req)
			assert.True(t, xerr.IsCode(err, tc.code), "got %v", err)
			assert.Empty(t, h.evm.sent, "没有发生转账")
			assert.True(t, h.balance(t, "ETH").Equal(d("10")))
		})
	}
}

func TestWithdraw_EpsilonTolerance(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "ETH", "4")

	res, err := h.p.Withdraw(context.Background(), Request{UserAddress: user, Amount: d("4.0000000005"), Currency: "ETH"})
	require.NoError(t, err)
	assert.Empty(t, res.Warning)
	assert.True(t, h.balance(t, "ETH").IsZero())
}

func TestWithdraw_LegacyCurrencyFallback(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "ETH", "10")

	res, err := h.p.Withdraw(context.Background(), Request{UserAddress: user, Amount: d("1"), Currency: "BCH"})
	require.NoError(t, err)
	assert.Equal(t, "ETH", res.Currency)
	assert.True(t, h.balance(t, "ETH").Equal(d("9")))
}

func TestWithdraw_DefaultCurrencyIsBCH(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "BCH", "2")

	res, err := h.p.Withdraw(context.Background(), Request{UserAddress: user, Amount: d("1")})
	require.NoError(t, err)
	assert.Equal(t, "BCH", res.Currency)
}

func TestWithdraw_TransferFailureIsRetryable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "ETH", "10")
	h.evm.err = errors.New("nonce too low")

	_, err := h.p.Withdraw(ctx, Request{UserAddress: user, Amount: d("4"), Currency: "ETH", RequestID: "req-1"})
	assert.True(t, xerr.IsCode(err, xerr.TransferFailure))
	assert.True(t, h.balance(t, "ETH").Equal(d("10")))

	failed, err := h.events.ListByStatus(ctx, StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Nil(t, failed[0].TxHash)

	// 同一个 request id 可以重试
	h.evm.err = nil
	res, err := h.p.Withdraw(ctx, Request{UserAddress: user, Amount: d("4"), Currency: "ETH", RequestID: "req-1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, h.balance(t, "ETH").Equal(d("6")))
}

func TestWithdraw_DuplicateRequestID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "ETH", "10")

	_, err := h.p.Withdraw(ctx, Request{UserAddress: user, Amount: d("1"), Currency: "ETH", RequestID: "req-9"})
	require.NoError(t, err)
	_, err = h.p.Withdraw(ctx, Request{UserAddress: user, Amount: d("1"), Currency: "ETH", RequestID: "req-9"})
	assert.True(t, xerr.IsCode(err, xerr.DuplicateRequest))
	assert.Len(t, h.evm.sent, 1)
}

func TestWithdraw_LedgerFailureAfterTransferIsWarning(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	old := logger.Log
	logger.Log = zap.New(core)
	t.Cleanup(func() { logger.Log = old })

	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "ETH", "10")
	h.ledger.failDebit = true

	res, err := h.p.Withdraw(ctx, Request{UserAddress: user, Amount: d("4"), Currency: "ETH"})
	require.NoError(t, err, "转账已发出，不能返回失败")
	assert.True(t, res.Success)
	assert.Equal(t, "0xfeed", res.TxHash)
	assert.NotEmpty(t, res.Warning)
	assert.Contains(t, res.Error, "connection reset")
	assert.Nil(t, res.NewBalance)
	assert.True(t, h.balance(t, "ETH").Equal(d("10")))

	assert.Equal(t, 1, logs.FilterMessage(ReconciliationMsg).Len())

	pending, err := h.p.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, StatusLedgerPending, pending[0].Status)
	require.NotNil(t, pending[0].TxHash)
	assert.Equal(t, "0xfeed", *pending[0].TxHash)

	// 对账完成前同一账户不能再提现
	_, err = h.p.Withdraw(ctx, Request{UserAddress: user, Amount: d("1"), Currency: "ETH"})
	assert.True(t, xerr.IsCode(err, xerr.WithdrawalInProgress))
	assert.Len(t, h.evm.sent, 1)

	h.ledger.failDebit = false
	ev, err := h.p.Resolve(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, ev.Status)
	assert.True(t, h.balance(t, "ETH").Equal(d("6")))

	_, err = h.p.Resolve(ctx, pending[0].ID)
	assert.True(t, xerr.IsCode(err, xerr.RequestParamsError), "不能重复对账")

	_, err = h.p.Withdraw(ctx, Request{UserAddress: user, Amount: d("1"), Currency: "ETH"})
	assert.NoError(t, err)
}

// 容差内提现：扣款额是当时的余额而不是申请额，对账补扣也必须用它
func TestResolve_UsesRecordedDebitAmount(t *testing.T) {
	core, _ := observer.New(zapcore.ErrorLevel)
	old := logger.Log
	logger.Log = zap.New(core)
	t.Cleanup(func() { logger.Log = old })

	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "ETH", "3.9999999995")
	h.ledger.failDebit = true

	res, err := h.p.Withdraw(ctx, Request{UserAddress: user, Amount: d("4"), Currency: "ETH"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Warning)

	ev, err := h.events.Get(ctx, res.EventID)
	require.NoError(t, err)
	assert.True(t, ev.Amount.Equal(d("4")))
	assert.True(t, ev.DebitAmount.Equal(d("3.9999999995")), "debit %s", ev.DebitAmount)

	h.ledger.failDebit = false
	ev, err = h.p.Resolve(ctx, res.EventID)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, ev.Status)
	assert.Nil(t, ev.ActiveKey)
	assert.True(t, h.balance(t, "ETH").IsZero())

	trail, err := h.ledger.AuditTrail(ctx, user, 1)
	require.NoError(t, err)
	assert.True(t, trail[0].Amount.Equal(d("3.9999999995")))

	// active_key 已释放，不会再被 409 挡住
	h.fund(t, "ETH", "2")
	_, err = h.p.Withdraw(ctx, Request{UserAddress: user, Amount: d("1"), Currency: "ETH"})
	assert.NoError(t, err)
}

func TestResolve_UnknownEvent(t *testing.T) {
	h := newHarness(t)
	_, err := h.p.Resolve(context.Background(), "nope")
	assert.True(t, xerr.IsCode(err, xerr.RecordNotFound))
}

func TestMemoryIdempotency(t *testing.T) {
	m := NewMemoryIdempotency()
	ctx := context.Background()
	ok, err := m.Claim(ctx, user, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = m.Claim(ctx, user, "a", time.Minute)
	assert.False(t, ok)
	ok, _ = m.Claim(ctx, "0x9999999999999999999999999999999999999999", "a", time.Minute)
	assert.True(t, ok, "不同地址的同名 key 互不影响")
	m.Release(ctx, user, "a")
	ok, _ = m.Claim(ctx, user, "a", time.Minute)
	assert.True(t, ok)
}

func TestIdemKey(t *testing.T) {
	assert.Equal(t, "idempotent:withdraw:"+user+":k-1", idemKey(user, "k-1"))
	assert.NotEqual(t, idemKey(user, "k-1"), idemKey("0x9999999999999999999999999999999999999999", "k-1"))
}

// 两个用户碰巧用了同一个 Idempotency-Key，各自的提现都要执行
func TestWithdraw_IdempotencyKeyScopedByAddress(t *testing.T) {
	const second = "0x9999999999999999999999999999999999999999"
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "ETH", "10")
	_, err := h.ledger.Credit(ctx, ledger.Op{Address: second, Currency: "ETH", Amount: d("10"), Type: ledger.OpDeposit})
	require.NoError(t, err)

	cases := []struct {
		name    string
		address string
		code    int
	}{
		{name: "第一个地址", address: user},
		{name: "第二个地址同一个 key", address: second},
		{name: "第一个地址重放", address: user, code: xerr.DuplicateRequest},
		{name: "地址大小写不同也算同一个", address: "0X3333333333333333333333333333333333333333", code: xerr.DuplicateRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.p.Withdraw(ctx, Request{UserAddress: tc.address, Amount: d("1"), Currency: "ETH", RequestID: "shared-key"})
			if tc.code != 0 {
				assert.True(t, xerr.IsCode(err, tc.code), "got %v", err)
				return
			}
			require.NoError(t, err)
		})
	}
	assert.Len(t, h.evm.sent, 2)
}
