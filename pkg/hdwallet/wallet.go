// 金库热钱包密钥派生
package hdwallet

import (
	"crypto/ecdsa"
	"errors"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

const CoinTypeETH = 60

type HDWallet struct {
	// 主私钥
	masterKey *hdkeychain.ExtendedKey
}

// New 由助记词生成主私钥
func New(mnemonic string) (*HDWallet, error) {
	if mnemonic == "" {
		return nil, errors.New("mnemonic cannot empty")
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	// EVM 地址与网络参数无关，这里只用于序列化版本号
	extendKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	return &HDWallet{masterKey: extendKey}, nil
}

// DeriveEVM BIP44 路径: m / 44' / 60' / 0' / 0 / index
func (w *HDWallet) DeriveEVM(index uint32) (*ecdsa.PrivateKey, common.Address, error) {
	path := []uint32{
		44 + hdkeychain.HardenedKeyStart,
		CoinTypeETH + hdkeychain.HardenedKeyStart,
		0 + hdkeychain.HardenedKeyStart,
		0,
		index,
	}
	key := w.masterKey
	var err error
	for _, idx := range path {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, common.Address{}, err
		}
	}
	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, common.Address{}, err
	}
	ecdsaKey := privKey.ToECDSA()
	return ecdsaKey, crypto.PubkeyToAddress(ecdsaKey.PublicKey), nil
}

// EVMKey 配置里要么给私钥 hex，要么给助记词 + 索引
func EVMKey(privateKeyHex, mnemonic string, index uint32) (*ecdsa.PrivateKey, error) {
	if privateKeyHex != "" {
		if len(privateKeyHex) > 2 && privateKeyHex[:2] == "0x" {
			privateKeyHex = privateKeyHex[2:]
		}
		return crypto.HexToECDSA(privateKeyHex)
	}
	w, err := New(mnemonic)
	if err != nil {
		return nil, err
	}
	key, _, err := w.DeriveEVM(index)
	return key, err
}
