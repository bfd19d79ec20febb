package solana

import (
	"context"
	"fmt"
	"time"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"predictex.com/internal/chain"
	"predictex.com/pkg/logger"
)

const lamportsDecimals = 9

// Backend rpc.Client 中用到的方法
type Backend interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetBalance(ctx context.Context, account sol.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *sol.Transaction, opts rpc.TransactionOpts) (sol.Signature, error)
}

// Treasury Solana 金库热钱包，System Program 转账
type Treasury struct {
	backend Backend
	key     sol.PrivateKey
}

var _ chain.Capability = (*Treasury)(nil)

func New(backend Backend, key sol.PrivateKey) *Treasury {
	return &Treasury{backend: backend, key: key}
}

// Dial 公共节点限流严格，客户端侧限速每秒 rps 次
func Dial(rpcURL string, base58Key string, rps int) (*Treasury, error) {
	key, err := sol.PrivateKeyFromBase58(base58Key)
	if err != nil {
		return nil, fmt.Errorf("solana key: %w", err)
	}
	if rps <= 0 {
		rps = 5
	}
	client := rpc.NewWithCustomRPCClient(rpc.NewWithLimiter(rpcURL, rate.Every(time.Second), rps))
	return New(client, key), nil
}

func (t *Treasury) Family() chain.Family { return chain.Solana }

func (t *Treasury) ValidateAddress(addr string) bool { return chain.ValidateFor(addr, chain.Solana) }

func (t *Treasury) Address() sol.PublicKey { return t.key.PublicKey() }

func (t *Treasury) Balance(ctx context.Context, addr string) (decimal.Decimal, error) {
	pk, err := sol.PublicKeyFromBase58(addr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("solana: invalid address %q: %w", addr, err)
	}
	res, err := t.backend.GetBalance(ctx, pk, rpc.CommitmentConfirmed)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromUint64(res.Value).Shift(-lamportsDecimals), nil
}

// Transfer 返回交易签名；金额按 lamports 向下取整
func (t *Treasury) Transfer(ctx context.Context, to string, amount decimal.Decimal) (string, error) {
	toKey, err := sol.PublicKeyFromBase58(to)
	if err != nil {
		return "", fmt.Errorf("solana: invalid address %q: %w", to, err)
	}
	lamports := amount.Shift(lamportsDecimals).Floor()
	if !lamports.IsPositive() {
		return "", fmt.Errorf("solana: non-positive amount %s", amount)
	}

	recent, err := t.backend.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("get blockhash: %w", err)
	}

	from := t.key.PublicKey()
	tx, err := sol.NewTransaction(
		[]sol.Instruction{
			system.NewTransferInstruction(uint64(lamports.IntPart()), from, toKey).Build(),
		},
		recent.Value.Blockhash,
		sol.TransactionPayer(from),
	)
	if err != nil {
		return "", fmt.Errorf("build tx: %w", err)
	}
	if _, err := tx.Sign(func(k sol.PublicKey) *sol.PrivateKey {
		if k.Equals(from) {
			return &t.key
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}

	sig, err := t.backend.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentFinalized,
	})
	if err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}

	logger.Info(ctx, "solana transfer broadcast",
		zap.String("to", to),
		zap.String("amount", amount.String()),
		zap.String("signature", sig.String()))
	return sig.String(), nil
}
