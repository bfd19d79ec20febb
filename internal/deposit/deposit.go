package deposit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"predictex.com/internal/chain"
	"predictex.com/internal/ledger"
	"predictex.com/pkg/logger"
	"predictex.com/pkg/metrics"
	"predictex.com/pkg/xerr"
)

// 入账来源，写在审计 ref 上
const (
	SourceChain = "chain"
	SourceAdmin = "admin"
)

// Ledger 充值用到的账本能力
type Ledger interface {
	Deposit(ctx context.Context, op ledger.Op) (*ledger.Receipt, error)
}

// Chains chain.Registry 实现
type Chains interface {
	FamilyOf(currency string) (chain.Family, bool)
	Verifier(currency string) (chain.DepositVerifier, bool)
}

type Request struct {
	UserAddress string          `json:"userAddress"`
	Currency    string          `json:"currency"`
	TxHash      string          `json:"txHash"`
	Amount      decimal.Decimal `json:"amount"` // 只有管理端入账使用，链上核验以交易金额为准
}

type Result struct {
	Success    bool            `json:"success"`
	TxHash     string          `json:"txHash"`
	Currency   string          `json:"currency"`
	Amount     decimal.Decimal `json:"amount"`
	NewBalance decimal.Decimal `json:"newBalance"`
}

// Service 充值入账。同一币种下一个 tx hash 只入账一次，由账本的唯一约束保证
type Service struct {
	ledger          Ledger
	chains          Chains
	defaultCurrency string
}

func NewService(l Ledger, chains Chains, defaultCurrency string) *Service {
	return &Service{ledger: l, chains: chains, defaultCurrency: strings.ToUpper(defaultCurrency)}
}

func (s *Service) target(req Request) (string, string, error) {
	address := chain.Normalize(req.UserAddress)
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.defaultCurrency
	}
	if address == "" || strings.TrimSpace(req.TxHash) == "" {
		return "", "", xerr.New(xerr.RequestParamsError, "Missing required fields: userAddress, txHash")
	}
	family, ok := s.chains.FamilyOf(currency)
	if !ok {
		return "", "", xerr.New(xerr.RequestParamsError, fmt.Sprintf("unsupported currency %s", currency))
	}
	if !chain.ValidateFor(address, family) {
		return "", "", xerr.New(xerr.InvalidAddress, "invalid wallet address format")
	}
	return address, currency, nil
}

// Confirm 用户提交 tx hash，链上核验后按交易金额入账；付款地址必须是 userAddress
func (s *Service) Confirm(ctx context.Context, req Request) (*Result, error) {
	address, currency, err := s.target(req)
	if err != nil {
		return nil, err
	}
	verifier, ok := s.chains.Verifier(currency)
	if !ok {
		return nil, xerr.New(xerr.RequestParamsError, fmt.Sprintf("on-chain deposits are not enabled for %s", currency))
	}

	dep, err := verifier.VerifyDeposit(ctx, strings.TrimSpace(req.TxHash))
	if errors.Is(err, chain.ErrDepositUnverified) {
		metrics.DepositsTotal.WithLabelValues(currency, SourceChain, "unverified").Inc()
		return nil, xerr.Wrap(err, xerr.DepositUnverified, err.Error())
	}
	if err != nil {
		metrics.DepositsTotal.WithLabelValues(currency, SourceChain, "error").Inc()
		logger.Error(ctx, "verify deposit failed", zap.String("tx_hash", req.TxHash), zap.Error(err))
		return nil, xerr.Wrap(err, xerr.ServerCommonError, "chain node unavailable, please retry")
	}
	if chain.Normalize(dep.From) != address {
		metrics.DepositsTotal.WithLabelValues(currency, SourceChain, "unverified").Inc()
		return nil, xerr.New(xerr.DepositUnverified, "transaction sender does not match userAddress")
	}
	return s.credit(ctx, address, currency, dep.TxHash, dep.Amount, SourceChain)
}

// Credit 管理端补录，金额由运营填写，仍按 tx hash 去重
func (s *Service) Credit(ctx context.Context, req Request) (*Result, error) {
	address, currency, err := s.target(req)
	if err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, xerr.New(xerr.RequestParamsError, "deposit amount must be greater than zero")
	}
	return s.credit(ctx, address, currency, strings.TrimSpace(req.TxHash), req.Amount, SourceAdmin)
}

func (s *Service) credit(ctx context.Context, address, currency, txHash string, amount decimal.Decimal, source string) (*Result, error) {
	rc, err := s.ledger.Deposit(ctx, ledger.Op{
		Address:  address,
		Currency: currency,
		Amount:   amount,
		TxHash:   txHash,
		Ref:      source,
	})
	if err != nil {
		result := "error"
		if xerr.IsCode(err, xerr.DuplicateRequest) {
			result = "duplicate"
		}
		metrics.DepositsTotal.WithLabelValues(currency, source, result).Inc()
		return nil, err
	}
	metrics.DepositsTotal.WithLabelValues(currency, source, "ok").Inc()
	return &Result{
		Success:    true,
		TxHash:     txHash,
		Currency:   rc.Currency,
		Amount:     rc.Amount,
		NewBalance: rc.BalanceAfter,
	}, nil
}
