package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrTransferUnsupported 当前部署没有为该链族配置转账能力，调用方可安全重试
var ErrTransferUnsupported = errors.New("chain: transfer not supported for family")

// Capability 每个链族实现的能力集合
// Transfer 同步阻塞，不做自动重试；返回 nil error 即代表交易已广播
type Capability interface {
	Family() Family
	ValidateAddress(addr string) bool
	Balance(ctx context.Context, addr string) (decimal.Decimal, error)
	Transfer(ctx context.Context, to string, amount decimal.Decimal) (txHash string, err error)
}

// ErrDepositUnverified 交易不存在、未确认、失败或不是打给金库的
var ErrDepositUnverified = errors.New("chain: deposit not verified")

// Deposit 链上确认过的一笔入金
type Deposit struct {
	TxHash string
	From   string
	Amount decimal.Decimal
}

// DepositVerifier 可选能力：按 tx hash 核验打给金库的原生币转账
type DepositVerifier interface {
	VerifyDeposit(ctx context.Context, txHash string) (*Deposit, error)
}

// ValidateOnly 只有地址校验、没有金库的链族
type ValidateOnly struct{ F Family }

func (v ValidateOnly) Family() Family                   { return v.F }
func (v ValidateOnly) ValidateAddress(addr string) bool { return ValidateFor(addr, v.F) }

func (v ValidateOnly) Balance(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, fmt.Errorf("%w: %s", ErrTransferUnsupported, v.F)
}

func (v ValidateOnly) Transfer(context.Context, string, decimal.Decimal) (string, error) {
	return "", fmt.Errorf("%w: %s", ErrTransferUnsupported, v.F)
}

// DefaultCurrencies 币种 -> 链族
var DefaultCurrencies = map[string]Family{
	"BNB":  EVM,
	"ETH":  EVM,
	"ARB":  EVM,
	"BCH":  EVM,
	"USDC": EVM,
	"SOL":  Solana,
	"SUI":  Sui,
	"XTZ":  Tezos,
	"XLM":  Stellar,
	"NEAR": NEAR,
}

// Registry 币种到链族、链族到能力的映射
type Registry struct {
	currencies map[string]Family
	caps       map[Family]Capability
}

func NewRegistry(currencies map[string]Family) *Registry {
	if len(currencies) == 0 {
		currencies = DefaultCurrencies
	}
	r := &Registry{
		currencies: make(map[string]Family, len(currencies)),
		caps:       make(map[Family]Capability, len(familyNames)),
	}
	for cur, f := range currencies {
		r.currencies[strings.ToUpper(cur)] = f
	}
	for f := range familyNames {
		r.caps[f] = ValidateOnly{F: f}
	}
	return r
}

// Register 覆盖某个链族的能力实现
func (r *Registry) Register(c Capability) {
	r.caps[c.Family()] = c
}

// FamilyOf 币种对应的链族
func (r *Registry) FamilyOf(currency string) (Family, bool) {
	f, ok := r.currencies[strings.ToUpper(currency)]
	return f, ok
}

// For 币种对应的能力
func (r *Registry) For(currency string) (Capability, error) {
	f, ok := r.FamilyOf(currency)
	if !ok {
		return nil, fmt.Errorf("chain: unknown currency %q", currency)
	}
	return r.caps[f], nil
}

// Verifier 币种对应链族的充值核验能力，未配置金库时返回 false
func (r *Registry) Verifier(currency string) (DepositVerifier, bool) {
	c, err := r.For(currency)
	if err != nil {
		return nil, false
	}
	v, ok := c.(DepositVerifier)
	return v, ok
}

func (r *Registry) Currencies() []string {
	out := make([]string, 0, len(r.currencies))
	for c := range r.currencies {
		out = append(out, c)
	}
	return out
}
