package chain

import (
	"encoding/base32"
	"encoding/binary"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
)

// InferenceOrder 格式推断的匹配顺序，第一个命中的族胜出。
//
// 64 位 hex 同时是 Sui 地址和 NEAR 隐式账户的合法形式。NEAR 排在 Sui 前面：
// 不带前缀的 hex64 推断为 NEAR，带 0x 前缀的推断为 Sui（NEAR 不接受 0x）。
// 需要按指定链校验时用 ValidateFor，不依赖推断。
var InferenceOrder = []Family{EVM, Tezos, Solana, Stellar, NEAR, Sui}

var (
	hex64Re     = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
	tezosRe     = regexp.MustCompile(`^(tz1|tz2|tz3|KT1)[1-9A-HJ-NP-Za-km-z]{33}$`)
	stellarRe   = regexp.MustCompile(`^G[A-Z2-7]{55}$`)
	nearLabelRe = regexp.MustCompile(`^[a-z0-9]+([_-][a-z0-9]+)*$`)
)

var matchers = map[Family]func(string) bool{
	EVM:     isEVM,
	Solana:  isSolana,
	Sui:     isSui,
	Tezos:   isTezos,
	Stellar: isStellar,
	NEAR:    isNEAR,
}

// Validate 校验地址并推断链族。纯函数，无 I/O
func Validate(raw string) (bool, Family) {
	for _, f := range InferenceOrder {
		if matchers[f](raw) {
			return true, f
		}
	}
	return false, FamilyUnknown
}

// ValidateFor 按指定链族校验
func ValidateFor(raw string, f Family) bool {
	m, ok := matchers[f]
	return ok && m(raw)
}

// Candidates 返回所有能接受该地址的链族，按 InferenceOrder 排序
func Candidates(raw string) []Family {
	var out []Family
	for _, f := range InferenceOrder {
		if matchers[f](raw) {
			out = append(out, f)
		}
	}
	return out
}

// Normalize 去掉首尾空白；0x 开头的 hex 地址统一小写，保证同一账户只有一个 key
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return "0x" + strings.ToLower(s[2:])
	}
	return s
}

func isEVM(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

func isSui(s string) bool {
	return hex64Re.MatchString(strings.TrimPrefix(s, "0x"))
}

func isSolana(s string) bool {
	// ed25519 公钥：base58 解码后必须是 32 字节
	if len(s) < 32 || len(s) > 44 {
		return false
	}
	_, err := solana.PublicKeyFromBase58(s)
	return err == nil
}

// tezos 地址: 3 字节前缀 + 20 字节 hash + 4 字节 double-sha256 校验
func isTezos(s string) bool {
	if !tezosRe.MatchString(s) {
		return false
	}
	b := base58.Decode(s)
	if len(b) != 27 {
		return false
	}
	sum := chainhash.DoubleHashB(b[:23])
	return string(sum[:4]) == string(b[23:])
}

// stellar 账户: base32(版本字节 6<<3 + 32 字节公钥 + crc16 小端)
func isStellar(s string) bool {
	if !stellarRe.MatchString(s) {
		return false
	}
	b, err := base32.StdEncoding.DecodeString(s)
	if err != nil || len(b) != 35 || b[0] != 6<<3 {
		return false
	}
	return crc16XModem(b[:33]) == binary.LittleEndian.Uint16(b[33:])
}

func isNEAR(s string) bool {
	if hex64Re.MatchString(s) {
		// 隐式账户只允许小写 hex
		return strings.ToLower(s) == s
	}
	if len(s) < 2 || len(s) > 64 {
		return false
	}
	if !strings.HasSuffix(s, ".near") && !strings.HasSuffix(s, ".testnet") {
		return false
	}
	for _, label := range strings.Split(s, ".") {
		if !nearLabelRe.MatchString(label) {
			return false
		}
	}
	return true
}

func crc16XModem(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
