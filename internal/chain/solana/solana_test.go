package solana

import (
	"context"
	"errors"
	"testing"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	sent     []*sol.Transaction
	sendErr  error
	lamports uint64
}

func (f *fakeBackend) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{Blockhash: sol.Hash{1, 2, 3}}}, nil
}

func (f *fakeBackend) GetBalance(context.Context, sol.PublicKey, rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	return &rpc.GetBalanceResult{Value: f.lamports}, nil
}

func (f *fakeBackend) SendTransactionWithOpts(_ context.Context, tx *sol.Transaction, _ rpc.TransactionOpts) (sol.Signature, error) {
	if f.sendErr != nil {
		return sol.Signature{}, f.sendErr
	}
	f.sent = append(f.sent, tx)
	return tx.Signatures[0], nil
}

func newTreasury(b *fakeBackend) *Treasury {
	return New(b, sol.NewWallet().PrivateKey)
}

func TestTransfer_BuildsSignedSystemTransfer(t *testing.T) {
	b := &fakeBackend{}
	tr := newTreasury(b)
	to := sol.NewWallet().PublicKey()

	sig, err := tr.Transfer(context.Background(), to.String(), decimal.RequireFromString("0.0000000015"))
	require.NoError(t, err)
	require.Len(t, b.sent, 1)

	tx := b.sent[0]
	assert.Equal(t, tx.Signatures[0].String(), sig)
	require.NoError(t, tx.VerifySignatures())

	require.Len(t, tx.Message.Instructions, 1)
	accounts, err := tx.Message.Instructions[0].ResolveInstructionAccounts(&tx.Message)
	require.NoError(t, err)
	inst, err := system.DecodeInstruction(accounts, tx.Message.Instructions[0].Data)
	require.NoError(t, err)
	transfer, ok := inst.Impl.(*system.Transfer)
	require.True(t, ok)
	// 1.5 lamports 向下取整
	assert.Equal(t, uint64(1), *transfer.Lamports)
	assert.True(t, transfer.GetRecipientAccount().PublicKey.Equals(to))
}

func TestTransfer_Errors(t *testing.T) {
	tr := newTreasury(&fakeBackend{sendErr: errors.New("blockhash not found")})
	to := sol.NewWallet().PublicKey().String()

	_, err := tr.Transfer(context.Background(), to, decimal.NewFromInt(1))
	assert.ErrorContains(t, err, "broadcast")

	_, err = tr.Transfer(context.Background(), "0xdead", decimal.NewFromInt(1))
	assert.Error(t, err)

	_, err = tr.Transfer(context.Background(), to, decimal.RequireFromString("0.0000000001"))
	assert.Error(t, err, "不足 1 lamport")
}

func TestBalance(t *testing.T) {
	tr := newTreasury(&fakeBackend{lamports: 2_500_000_000})
	bal, err := tr.Balance(context.Background(), sol.NewWallet().PublicKey().String())
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("2.5").Equal(bal))
}
