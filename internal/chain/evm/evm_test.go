package evm

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"predictex.com/internal/chain"
)

type fakeBackend struct {
	nonce   uint64
	sent    []*types.Transaction
	sendErr error
	balance *big.Int

	txs      map[common.Hash]*types.Transaction
	pending  map[common.Hash]bool
	receipts map[common.Hash]*types.Receipt
	head     uint64
	rpcErr   error
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}
func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(2), nil }
func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(10)}, nil
}
func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}
func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeBackend) TransactionByHash(_ context.Context, h common.Hash) (*types.Transaction, bool, error) {
	if f.rpcErr != nil {
		return nil, false, f.rpcErr
	}
	tx, ok := f.txs[h]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, f.pending[h], nil
}
func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}
func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

const to = "0x52908400098527886E0F7030069857D2E4169EE7"

func newTreasury(t *testing.T, b *fakeBackend) *Treasury {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return New(b, key, big.NewInt(421614), 18)
}

func TestTransfer_SignsDynamicFeeTx(t *testing.T) {
	b := &fakeBackend{nonce: 7}
	tr := newTreasury(t, b)

	hash, err := tr.Transfer(context.Background(), to, decimal.RequireFromString("3.92"))
	require.NoError(t, err)
	require.Len(t, b.sent, 1)

	tx := b.sent[0]
	assert.Equal(t, hash, tx.Hash().Hex())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, types.DynamicFeeTxType, int(tx.Type()))
	assert.Equal(t, "3920000000000000000", tx.Value().String())
	assert.Equal(t, int64(22), tx.GasFeeCap().Int64()) // 2*10 + 2
	assert.Equal(t, common.HexToAddress(to), *tx.To())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(421614)), tx)
	require.NoError(t, err)
	assert.Equal(t, tr.Address(), sender)
}

func TestTransfer_Errors(t *testing.T) {
	b := &fakeBackend{sendErr: errors.New("nonce too low")}
	tr := newTreasury(t, b)

	_, err := tr.Transfer(context.Background(), to, decimal.NewFromInt(1))
	assert.ErrorContains(t, err, "broadcast")

	_, err = tr.Transfer(context.Background(), "not-an-address", decimal.NewFromInt(1))
	assert.Error(t, err)

	_, err = tr.Transfer(context.Background(), to, decimal.Zero)
	assert.Error(t, err)
}

func TestBalance(t *testing.T) {
	wei, _ := new(big.Int).SetString("1500000000000000000", 10)
	tr := newTreasury(t, &fakeBackend{balance: wei})
	bal, err := tr.Balance(context.Background(), to)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1.5").Equal(bal))
}

func TestVerifyDeposit(t *testing.T) {
	chainID := big.NewInt(421614)
	payer, err := crypto.GenerateKey()
	require.NoError(t, err)
	wei, _ := new(big.Int).SetString("1500000000000000000", 10)

	sign := func(t *testing.T, recipient common.Address, nonce uint64) *types.Transaction {
		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID: chainID, Nonce: nonce, GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(10),
			Gas: transferGas, To: &recipient, Value: wei,
		})
		signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), payer)
		require.NoError(t, err)
		return signed
	}

	cases := []struct {
		name       string
		toTreasury bool
		pending    bool
		status     uint64
		noReceipt  bool
		head       uint64
		hash       string
		rpcErr     error
		unverified bool
		fails      bool
	}{
		{name: "正常充值", toTreasury: true, status: types.ReceiptStatusSuccessful, head: 112},
		{name: "确认数不足", toTreasury: true, status: types.ReceiptStatusSuccessful, head: 105, unverified: true},
		{name: "交易失败", toTreasury: true, status: types.ReceiptStatusFailed, head: 200, unverified: true},
		{name: "仍在内存池", toTreasury: true, pending: true, status: types.ReceiptStatusSuccessful, head: 200, unverified: true},
		{name: "收款方不是金库", status: types.ReceiptStatusSuccessful, head: 200, unverified: true},
		{name: "没有收据", toTreasury: true, noReceipt: true, head: 200, unverified: true},
		{name: "交易不存在", toTreasury: true, head: 200, hash: "0x00000000000000000000000000000000000000000000000000000000000000ab", unverified: true},
		{name: "hash 格式错误", toTreasury: true, head: 200, hash: "0xzz", unverified: true},
		{name: "节点不可用", toTreasury: true, head: 200, rpcErr: errors.New("dial tcp: i/o timeout"), fails: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := &fakeBackend{
				txs:      map[common.Hash]*types.Transaction{},
				pending:  map[common.Hash]bool{},
				receipts: map[common.Hash]*types.Receipt{},
				head:     tc.head,
				rpcErr:   tc.rpcErr,
			}
			tr := newTreasury(t, b)
			recipient := common.HexToAddress(to)
			if tc.toTreasury {
				recipient = tr.Address()
			}
			tx := sign(t, recipient, 0)
			b.txs[tx.Hash()] = tx
			b.pending[tx.Hash()] = tc.pending
			if !tc.noReceipt {
				b.receipts[tx.Hash()] = &types.Receipt{Status: tc.status, BlockNumber: big.NewInt(100)}
			}
			hash := tx.Hash().Hex()
			if tc.hash != "" {
				hash = tc.hash
			}

			dep, err := tr.VerifyDeposit(context.Background(), hash)
			switch {
			case tc.unverified:
				assert.ErrorIs(t, err, chain.ErrDepositUnverified)
			case tc.fails:
				require.Error(t, err)
				assert.NotErrorIs(t, err, chain.ErrDepositUnverified)
			default:
				require.NoError(t, err)
				assert.Equal(t, tx.Hash().Hex(), dep.TxHash)
				assert.Equal(t, crypto.PubkeyToAddress(payer.PublicKey).Hex(), dep.From)
				assert.True(t, decimal.RequireFromString("1.5").Equal(dep.Amount))
			}
		})
	}
}
