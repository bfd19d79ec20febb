package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"predictex.com/internal/chain"
	"predictex.com/pkg/logger"
)

const transferGas = uint64(21000)

// minConfirmations 充值入账前要求的确认数
const minConfirmations = 12

// Backend ethclient 中用到的方法
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Treasury EVM 金库热钱包，原生币转账
type Treasury struct {
	backend  Backend
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	decimals int32

	// 同一个发送地址的 nonce 需要串行分配
	mu sync.Mutex
}

var (
	_ chain.Capability      = (*Treasury)(nil)
	_ chain.DepositVerifier = (*Treasury)(nil)
)

func New(backend Backend, key *ecdsa.PrivateKey, chainID *big.Int, decimals int32) *Treasury {
	if decimals <= 0 {
		decimals = 18
	}
	return &Treasury{
		backend:  backend,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		decimals: decimals,
	}
}

// Dial 连接节点并读取 ChainID (防止重放)
func Dial(ctx context.Context, rpcURL string, key *ecdsa.PrivateKey, decimals int32) (*Treasury, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("evm dial: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("evm chain id: %w", err)
	}
	return New(client, key, chainID, decimals), nil
}

func (t *Treasury) Family() chain.Family { return chain.EVM }

func (t *Treasury) ValidateAddress(addr string) bool { return chain.ValidateFor(addr, chain.EVM) }

func (t *Treasury) Address() common.Address { return t.from }

func (t *Treasury) Balance(ctx context.Context, addr string) (decimal.Decimal, error) {
	if !t.ValidateAddress(addr) {
		return decimal.Zero, fmt.Errorf("evm: invalid address %q", addr)
	}
	wei, err := t.backend.BalanceAt(ctx, common.HexToAddress(addr), nil)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(wei, -t.decimals), nil
}

// Transfer EIP-1559 原生币转账，返回交易哈希
func (t *Treasury) Transfer(ctx context.Context, to string, amount decimal.Decimal) (string, error) {
	if !t.ValidateAddress(to) {
		return "", fmt.Errorf("evm: invalid address %q", to)
	}
	value := amount.Shift(t.decimals).BigInt()
	if value.Sign() <= 0 {
		return "", fmt.Errorf("evm: non-positive amount %s", amount)
	}
	toAddr := common.HexToAddress(to)

	t.mu.Lock()
	defer t.mu.Unlock()

	nonce, err := t.backend.PendingNonceAt(ctx, t.from)
	if err != nil {
		return "", fmt.Errorf("get nonce: %w", err)
	}
	gasTipCap, err := t.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("get gas tip: %w", err)
	}
	head, err := t.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("get header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		// 兼容未升级 London 的链
		baseFee = big.NewInt(0)
	}
	// MaxFeePerGas = 2 * BaseFee + Tip，防止下一个块 BaseFee 上涨导致交易被丢弃
	gasFeeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), gasTipCap)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   t.chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       transferGas,
		To:        &toAddr,
		Value:     value,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(t.chainID), t.key)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	if err := t.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}

	logger.Info(ctx, "evm transfer broadcast",
		zap.String("to", toAddr.Hex()),
		zap.String("amount", amount.String()),
		zap.Uint64("nonce", nonce),
		zap.String("hash", signed.Hash().Hex()))
	return signed.Hash().Hex(), nil
}

// VerifyDeposit 只认成功上链、确认数足够、收款方是金库的原生币转账
func (t *Treasury) VerifyDeposit(ctx context.Context, hash string) (*chain.Deposit, error) {
	raw, err := hexutil.Decode(hash)
	if err != nil || len(raw) != common.HashLength {
		return nil, fmt.Errorf("%w: malformed tx hash %q", chain.ErrDepositUnverified, hash)
	}
	h := common.BytesToHash(raw)

	tx, pending, err := t.backend.TransactionByHash(ctx, h)
	if errors.Is(err, ethereum.NotFound) {
		return nil, fmt.Errorf("%w: tx not found", chain.ErrDepositUnverified)
	}
	if err != nil {
		return nil, fmt.Errorf("get tx: %w", err)
	}
	if pending {
		return nil, fmt.Errorf("%w: tx still pending", chain.ErrDepositUnverified)
	}
	if tx.To() == nil || *tx.To() != t.from {
		return nil, fmt.Errorf("%w: recipient is not the treasury", chain.ErrDepositUnverified)
	}
	if tx.Value().Sign() <= 0 {
		return nil, fmt.Errorf("%w: zero value", chain.ErrDepositUnverified)
	}

	receipt, err := t.backend.TransactionReceipt(ctx, h)
	if errors.Is(err, ethereum.NotFound) {
		return nil, fmt.Errorf("%w: receipt not found", chain.ErrDepositUnverified)
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: tx reverted", chain.ErrDepositUnverified)
	}
	latest, err := t.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("get block number: %w", err)
	}
	if receipt.BlockNumber == nil || latest < receipt.BlockNumber.Uint64()+minConfirmations {
		return nil, fmt.Errorf("%w: waiting for %d confirmations", chain.ErrDepositUnverified, minConfirmations)
	}

	from, err := types.Sender(types.LatestSignerForChainID(t.chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("%w: recover sender: %v", chain.ErrDepositUnverified, err)
	}
	return &chain.Deposit{
		TxHash: tx.Hash().Hex(),
		From:   from.Hex(),
		Amount: decimal.NewFromBigInt(tx.Value(), -t.decimals),
	}, nil
}
